// Package recipient maps inbound recipient addresses to user or tree identities.
package recipient

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/welldanyogia/leafmail/internal/config"
)

// Kind is the identity scope an address resolves to
type Kind string

const (
	KindUser Kind = "user"
	KindTree Kind = "tree"
)

// Pattern names the addressing scheme that matched
type Pattern string

const (
	PatternPrefixedID Pattern = "prefixed-id"
	PatternDirectID   Pattern = "direct-id"
	PatternBareUUID   Pattern = "bare-uuid"
	PatternPersonTree Pattern = "person-tree"
)

// ResolvedRecipient is a recognized address. It is never built for a
// disallowed domain.
type ResolvedRecipient struct {
	Kind    Kind    `json:"kind"`
	ID      string  `json:"id"`
	Pattern Pattern `json:"match_pattern"`
	Domain  string  `json:"domain"`
}

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// userPrefixSeparators may follow the user prefix once ("user-<id>", "user+<id>")
const userPrefixSeparators = "-+._"

type matcher func(local string) (Kind, string, bool)

type rule struct {
	pattern Pattern
	match   matcher
}

// Resolver resolves recipient addresses against the configured domains and prefixes
type Resolver struct {
	domains []string
	rules   []rule
}

// NewResolver creates a resolver from the ingest configuration
func NewResolver(cfg config.IngestConfig) *Resolver {
	r := &Resolver{}
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.domains = append(r.domains, d)
		}
	}

	userPrefix := strings.ToLower(cfg.UserPrefix)
	shortPrefix := strings.ToLower(cfg.ShortPrefix)
	personPrefix := strings.ToLower(cfg.PersonPrefix)

	r.add(PatternPrefixedID, func(local string) (Kind, string, bool) {
		rest, ok := trimPrefix(local, userPrefix)
		if !ok {
			return "", "", false
		}
		if rest != "" && strings.ContainsRune(userPrefixSeparators, rune(rest[0])) {
			rest = rest[1:]
		}
		return KindUser, rest, rest != ""
	})
	r.add(PatternDirectID, func(local string) (Kind, string, bool) {
		rest, ok := trimPrefix(local, shortPrefix)
		return KindUser, rest, ok && rest != ""
	})
	r.add(PatternBareUUID, func(local string) (Kind, string, bool) {
		return KindUser, local, uuidRegex.MatchString(local)
	})
	r.add(PatternPersonTree, func(local string) (Kind, string, bool) {
		rest, ok := trimPrefix(local, personPrefix)
		return KindTree, rest, ok && rest != ""
	})
	return r
}

func (r *Resolver) add(pattern Pattern, m matcher) {
	r.rules = append(r.rules, rule{pattern: pattern, match: m})
}

// Resolve returns the identity an address designates. false means the address
// is not a recognized addressing scheme, which callers must keep distinct from
// a recognized address whose identity does not exist.
func (r *Resolver) Resolve(to string) (*ResolvedRecipient, bool) {
	address := strings.ToLower(strings.TrimSpace(to))
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return nil, false
	}
	local, domain := address[:at], address[at+1:]

	if !r.domainAllowed(domain) {
		return nil, false
	}

	for _, rl := range r.rules {
		if kind, id, ok := rl.match(local); ok {
			return &ResolvedRecipient{Kind: kind, ID: id, Pattern: rl.pattern, Domain: domain}, true
		}
	}
	return nil, false
}

// domainAllowed matches by substring so subdomains of an allowed domain pass
func (r *Resolver) domainAllowed(domain string) bool {
	for _, allowed := range r.domains {
		if strings.Contains(domain, allowed) {
			return true
		}
	}
	return false
}

func trimPrefix(s, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
