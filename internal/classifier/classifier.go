// Package classifier chooses a leaf type for an inbound email and extracts
// hashtags and milestone keywords. It performs no I/O.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/welldanyogia/leafmail/internal/parser"
)

// LeafType is the kind of memory a leaf holds
type LeafType string

const (
	LeafPhoto     LeafType = "photo"
	LeafVideo     LeafType = "video"
	LeafAudio     LeafType = "audio"
	LeafText      LeafType = "text"
	LeafMilestone LeafType = "milestone"
)

// Confidence is how certain a classification is
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the outcome of classifying one email
type Result struct {
	LeafType          LeafType   `json:"leaf_type"`
	Confidence        Confidence `json:"confidence"`
	Reason            string     `json:"reason"`
	Tags              []string   `json:"tags"`
	MilestoneKeywords []string   `json:"milestone_keywords"`
}

// input is what every rule sees
type input struct {
	text        string
	attachments []*parser.Attachment
	keywords    []string
}

// rule returns a result and true when it applies
type rule func(in input) (Result, bool)

var hashtagRegex = regexp.MustCompile(`#\w+`)

// Classifier applies an ordered list of rules; the first match wins
type Classifier struct {
	keywords []*keywordMatcher
	rules    []rule
}

type keywordMatcher struct {
	keyword string
	re      *regexp.Regexp
}

// New creates a classifier for the given milestone keywords. Keywords match
// case-insensitively as whole words or phrases.
func New(milestoneKeywords []string) *Classifier {
	c := &Classifier{}
	seen := make(map[string]bool)
	for _, kw := range milestoneKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		words := strings.Fields(kw)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		c.keywords = append(c.keywords, &keywordMatcher{
			keyword: kw,
			re:      regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`),
		})
	}

	c.rules = []rule{
		mediaRule("image/", LeafPhoto),
		mediaRule("audio/", LeafAudio),
		mediaRule("video/", LeafVideo),
		milestoneRule,
		textRule,
		defaultRule,
	}
	return c
}

// Classify picks the leaf type for text and attachments. It is deterministic.
func (c *Classifier) Classify(text string, attachments []*parser.Attachment) Result {
	keywords := c.MilestoneKeywords(text)
	in := input{text: text, attachments: attachments, keywords: keywords}

	var result Result
	for _, r := range c.rules {
		if res, ok := r(in); ok {
			result = res
			break
		}
	}

	result.Tags = Hashtags(text)
	result.MilestoneKeywords = keywords
	return result
}

// MilestoneKeywords returns the configured keywords found in text, in
// configuration order
func (c *Classifier) MilestoneKeywords(text string) []string {
	found := []string{}
	if strings.TrimSpace(text) == "" {
		return found
	}
	for _, kw := range c.keywords {
		if kw.re.MatchString(text) {
			found = append(found, kw.keyword)
		}
	}
	return found
}

// Hashtags extracts lower-cased #tags in order of first appearance, without duplicates
func Hashtags(text string) []string {
	tags := []string{}
	seen := make(map[string]bool)
	for _, m := range hashtagRegex.FindAllString(text, -1) {
		tag := strings.ToLower(strings.TrimPrefix(m, "#"))
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func mediaRule(prefix string, leafType LeafType) rule {
	return func(in input) (Result, bool) {
		for _, a := range in.attachments {
			if a != nil && strings.HasPrefix(strings.ToLower(a.ContentType), prefix) {
				return Result{
					LeafType:   leafType,
					Confidence: ConfidenceHigh,
					Reason:     fmt.Sprintf("%s attachment %q", strings.TrimSuffix(prefix, "/"), a.Filename),
				}, true
			}
		}
		return Result{}, false
	}
}

func milestoneRule(in input) (Result, bool) {
	if len(in.keywords) == 0 {
		return Result{}, false
	}
	return Result{
		LeafType:   LeafMilestone,
		Confidence: ConfidenceMedium,
		Reason:     "milestone keywords: " + strings.Join(in.keywords, ", "),
	}, true
}

func textRule(in input) (Result, bool) {
	if strings.TrimSpace(in.text) == "" {
		return Result{}, false
	}
	return Result{LeafType: LeafText, Confidence: ConfidenceMedium, Reason: "text content"}, true
}

func defaultRule(input) (Result, bool) {
	return Result{LeafType: LeafText, Confidence: ConfidenceLow, Reason: "default, no content detected"}, true
}
