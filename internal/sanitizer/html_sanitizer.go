// Package sanitizer cleans HTML email bodies and reduces them to plain text
// for leaf content.
package sanitizer

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer cleans untrusted email HTML
type HTMLSanitizer interface {
	// Sanitize removes scripts, event handlers and remote images
	Sanitize(html string) string
	// ToText reduces HTML to readable plain text
	ToText(html string) string
}

// DefaultHTMLSanitizer implements HTMLSanitizer using bluemonday
type DefaultHTMLSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

var (
	scriptRegex       = regexp.MustCompile(`(?i)<script[^>]*>[\s\S]*?</script>`)
	selfClosingScript = regexp.MustCompile(`(?i)<script[^>]*/?>`)
	noscriptRegex     = regexp.MustCompile(`(?i)<noscript[^>]*>[\s\S]*?</noscript>`)
	styleRegex        = regexp.MustCompile(`(?i)<style[^>]*>[\s\S]*?</style>`)
	headRegex         = regexp.MustCompile(`(?i)<head[^>]*>[\s\S]*?</head>`)
	eventHandlerRegex = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	imgRegex          = regexp.MustCompile(`(?i)<img[^>]*>`)
	srcRegex          = regexp.MustCompile(`(?i)src\s*=\s*["']([^"']*)["']`)
	breakRegex        = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockEndRegex     = regexp.MustCompile(`(?i)</(p|div|li|tr|h[1-6]|blockquote|pre|table)\s*>`)
	spaceRunRegex     = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRegex   = regexp.MustCompile(`\n{3,}`)
)

// blockedImagePlaceholder replaces remote image sources so tracking pixels never load
const blockedImagePlaceholder = "data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='1' height='1'/%3E"

// NewHTMLSanitizer creates a new HTML sanitizer with secure defaults
func NewHTMLSanitizer() *DefaultHTMLSanitizer {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "b", "em", "i", "u", "s",
		"blockquote", "pre", "code",
		"ul", "ol", "li",
		"table", "thead", "tbody", "tr", "th", "td",
		"a", "img",
	)
	policy.AllowAttrs("href").OnElements("a")
	policy.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	policy.AllowDataURIImages()

	return &DefaultHTMLSanitizer{
		policy: policy,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize applies all sanitization rules to HTML content
func (s *DefaultHTMLSanitizer) Sanitize(body string) string {
	if body == "" {
		return ""
	}

	result := removeScripts(body)
	result = eventHandlerRegex.ReplaceAllString(result, "")
	result = blockExternalImages(result)
	return s.policy.Sanitize(result)
}

// ToText strips all markup, keeping paragraph and line breaks.
// Entities are decoded and runs of blank lines collapsed.
func (s *DefaultHTMLSanitizer) ToText(body string) string {
	if body == "" {
		return ""
	}

	result := removeScripts(body)
	result = styleRegex.ReplaceAllString(result, "")
	result = headRegex.ReplaceAllString(result, "")
	result = breakRegex.ReplaceAllString(result, "\n")
	result = blockEndRegex.ReplaceAllString(result, "\n\n")
	result = s.strict.Sanitize(result)
	result = html.UnescapeString(result)
	result = strings.ReplaceAll(result, "\u00a0", " ")

	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRegex.ReplaceAllString(line, " "))
	}
	result = strings.Join(lines, "\n")
	result = blankLinesRegex.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

func removeScripts(body string) string {
	result := scriptRegex.ReplaceAllString(body, "")
	result = selfClosingScript.ReplaceAllString(result, "")
	return noscriptRegex.ReplaceAllString(result, "")
}

// blockExternalImages swaps remote img sources for a placeholder.
// data: and cid: sources are kept.
func blockExternalImages(body string) string {
	return imgRegex.ReplaceAllStringFunc(body, func(tag string) string {
		m := srcRegex.FindStringSubmatch(tag)
		if len(m) < 2 || !isExternalURL(m[1]) {
			return tag
		}
		return srcRegex.ReplaceAllString(tag, `src="`+blockedImagePlaceholder+`"`)
	})
}

// isExternalURL checks if a URL is external (http, https, protocol-relative)
func isExternalURL(url string) bool {
	url = strings.TrimSpace(strings.ToLower(url))
	return strings.HasPrefix(url, "//") ||
		strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "ftp://")
}
