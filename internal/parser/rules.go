package parser

import (
	"mime"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Fields is the flat key/value view of a payload. Form values and the
// top-level string members of a JSON object both reduce to it.
type Fields map[string][]string

// Get returns the first value for key
func (f Fields) Get(key string) string {
	if vs := f[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Rule extracts one canonical value from raw fields; "" means no value.
type Rule func(Fields) string

// Field returns a rule reading a single named field
func Field(name string) Rule {
	return func(f Fields) string {
		return strings.TrimSpace(f.Get(name))
	}
}

// FirstOf applies rules in order and returns the first non-empty result
func FirstOf(f Fields, rules []Rule) string {
	for _, rule := range rules {
		if v := rule(f); v != "" {
			return v
		}
	}
	return ""
}

// Extraction rules per canonical field. Relays disagree on naming, so each
// canonical field tries its aliases in this order.
var (
	toRules = []Rule{Field("recipient"), Field("to"), Field("To")}

	fromRules = []Rule{Field("sender"), Field("from"), Field("From")}

	subjectRules = []Rule{Field("subject"), Field("Subject")}

	textRules = []Rule{Field("body-plain"), Field("stripped-text"), Field("text"), Field("TextBody")}

	htmlRules = []Rule{Field("body-html"), Field("stripped-html"), Field("html"), Field("HtmlBody")}

	messageIDRules = []Rule{
		Field("Message-Id"), Field("message-id"), Field("Message-ID"),
		Field("message_id"), Field("messageId"), Field("MessageID"),
	}

	timestampRules = []Rule{Field("timestamp"), Field("Date"), Field("date")}

	rawMIMERules = []Rule{Field("body-mime"), Field("email")}
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// NormalizeAddress reduces "Name <a@b>" or an address list to its first bare address.
// Values that do not parse are returned trimmed so the caller can still reject them.
func NormalizeAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = truncate(value, MaxHeaderLength)

	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err == nil {
		value = decoded
	}

	if addrs, err := mail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	if match := emailRegex.FindString(value); match != "" {
		return match
	}
	return value
}

// ParseCount parses an attachment count; anything non-numeric or negative is zero
func ParseCount(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseTimestamp accepts unix seconds, RFC 3339 and RFC 5322 dates
func ParseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		t := time.Unix(int64(secs), 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := mail.ParseDate(value); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// truncate cuts value to at most n bytes without splitting a UTF-8 sequence
func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	for n > 0 && !utf8.RuneStart(value[n]) {
		n--
	}
	return value[:n]
}

// sanitizeHeader strips CR/LF and bounds the length of a single-line value
func sanitizeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.TrimSpace(value)
	value = truncate(value, MaxHeaderLength)
	return value
}
