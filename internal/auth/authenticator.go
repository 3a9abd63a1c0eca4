// Package auth verifies that webhook deliveries come from the configured
// email relay. It never inspects the email itself.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/welldanyogia/leafmail/internal/config"
)

// Method identifies an authentication scheme
type Method string

const (
	MethodAPIKey      Method = "api-key"
	MethodSignature   Method = "signature"
	MethodIPAllowList Method = "ip-allowlist"
	MethodDisabled    Method = "disabled"
	MethodNone        Method = "none"
)

// Header names carrying relay credentials
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderToken     = "X-Token"
)

// FailureMessage is the only reason ever reported to callers
const FailureMessage = "webhook authentication failed"

// Reasons a method rejected a request. Logged, never returned to the relay.
var (
	ErrNotConfigured    = errors.New("no authentication method configured")
	ErrNoCredentials    = errors.New("no credentials supplied")
	ErrInvalidAPIKey    = errors.New("api key mismatch")
	ErrMissingSignature = errors.New("signature credentials missing")
	ErrInvalidTimestamp = errors.New("signature timestamp invalid")
	ErrExpiredTimestamp = errors.New("signature timestamp outside freshness window")
	ErrInvalidSignature = errors.New("signature mismatch")
	ErrIPNotAllowed     = errors.New("source ip not allow-listed")
	errNotAttempted     = errors.New("not attempted")
)

// RequestMeta is the request data authentication may look at
type RequestMeta struct {
	Headers     http.Header
	RemoteIP    string
	ContentType string
	Body        []byte
}

// Result is the outcome of authenticating one request
type Result struct {
	IsValid bool   `json:"is_valid"`
	Method  Method `json:"method"`
	Error   string `json:"error,omitempty"`
}

type check struct {
	method Method
	run    func(RequestMeta) error
}

// Authenticator checks relay credentials in a fixed priority order
type Authenticator struct {
	apiKey        string
	signingSecret string
	maxAge        time.Duration
	ipPrefixes    []string
	disabled      bool
	now           func() time.Time
	logger        *slog.Logger
}

// NewAuthenticator creates an authenticator from the ingest configuration
func NewAuthenticator(cfg config.IngestConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	maxAge := cfg.SignatureMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	var prefixes []string
	for _, p := range cfg.AllowedIPPrefix {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Authenticator{
		apiKey:        cfg.APIKey,
		signingSecret: cfg.SigningSecret,
		maxAge:        maxAge,
		ipPrefixes:    prefixes,
		disabled:      cfg.AuthDisabled,
		now:           time.Now,
		logger:        logger,
	}
}

// Authenticate returns a valid result when the first applicable method succeeds.
// JSON requests try api-key, signature, ip; form posts try signature first.
func (a *Authenticator) Authenticate(meta RequestMeta) Result {
	if a.disabled {
		return Result{IsValid: true, Method: MethodDisabled}
	}

	attempted := MethodNone
	lastErr := ErrNoCredentials
	if a.apiKey == "" && a.signingSecret == "" && len(a.ipPrefixes) == 0 {
		lastErr = ErrNotConfigured
	}
	for _, c := range a.checks(meta.ContentType) {
		err := c.run(meta)
		if errors.Is(err, errNotAttempted) {
			continue
		}
		attempted = c.method
		if err == nil {
			return Result{IsValid: true, Method: c.method}
		}
		lastErr = err
		a.logger.Debug("webhook auth method rejected", "method", c.method, "reason", err.Error())
	}

	a.logger.Warn("webhook authentication failed",
		"method", attempted,
		"reason", lastErr.Error(),
		"remote_ip", meta.RemoteIP,
	)
	return Result{IsValid: false, Method: attempted, Error: FailureMessage}
}

func (a *Authenticator) checks(contentType string) []check {
	apiKey := check{MethodAPIKey, a.checkAPIKey}
	signature := check{MethodSignature, a.checkSignature}
	ip := check{MethodIPAllowList, a.checkIP}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		return []check{signature, apiKey, ip}
	}
	return []check{apiKey, signature, ip}
}

func (a *Authenticator) checkAPIKey(meta RequestMeta) error {
	if a.apiKey == "" {
		return errNotAttempted
	}
	supplied := meta.Headers.Get(HeaderAPIKey)
	if supplied == "" {
		return errNotAttempted
	}
	if !constantTimeEqual(supplied, a.apiKey) {
		return ErrInvalidAPIKey
	}
	return nil
}

func (a *Authenticator) checkSignature(meta RequestMeta) error {
	if a.signingSecret == "" {
		return errNotAttempted
	}
	creds := signatureFromHeaders(meta.Headers)
	if creds.empty() {
		creds = signatureFromBody(meta.ContentType, meta.Body)
	}
	if creds.empty() {
		return errNotAttempted
	}
	if !creds.complete() {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(creds.Timestamp), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > a.maxAge || age < -a.maxAge {
		return ErrExpiredTimestamp
	}

	expected := Sign(a.signingSecret, creds.Timestamp, creds.Token)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(creds.Signature)))) {
		return ErrInvalidSignature
	}
	return nil
}

func (a *Authenticator) checkIP(meta RequestMeta) error {
	if len(a.ipPrefixes) == 0 {
		return errNotAttempted
	}
	ip := meta.RemoteIP
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	for _, prefix := range a.ipPrefixes {
		if ip != "" && strings.HasPrefix(ip, prefix) {
			return nil
		}
	}
	return ErrIPNotAllowed
}

// Sign computes the hex HMAC-SHA256 of timestamp+token, the relay's signature scheme
func Sign(secret, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual compares digests so neither content nor length leaks through timing
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
