package sanitizer

import (
	"regexp"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestSanitize_ScriptRemoval(t *testing.T) {
	s := NewHTMLSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		scriptContent := rapid.StringMatching(`[a-zA-Z0-9 \(\)\{\};=]{6,30}`).Draw(t, "scriptContent")
		before := rapid.StringMatching(`[a-zA-Z0-9 ]*`).Draw(t, "before")
		after := rapid.StringMatching(`[a-zA-Z0-9 ]*`).Draw(t, "after")

		result := s.Sanitize(before + "<script>" + scriptContent + "</script>" + after)

		if regexp.MustCompile(`(?i)<script`).MatchString(result) {
			t.Fatalf("script tag found in sanitized output: %s", result)
		}
		if strings.Contains(result, scriptContent) {
			t.Fatalf("script content %q found in sanitized output: %s", scriptContent, result)
		}
	})
}

func TestSanitize_EventHandlerRemoval(t *testing.T) {
	s := NewHTMLSanitizer()
	handlers := []string{"onclick", "onload", "onerror", "onmouseover", "onfocus", "onsubmit"}

	rapid.Check(t, func(t *rapid.T) {
		handler := rapid.SampledFrom(handlers).Draw(t, "handler")
		value := rapid.StringMatching(`[a-zA-Z0-9\(\)]+`).Draw(t, "value")

		result := s.Sanitize(`<div ` + handler + `="` + value + `">Content</div>`)

		if regexp.MustCompile(`(?i)\son[a-z]+=`).MatchString(result) {
			t.Fatalf("event handler found in sanitized output: %s", result)
		}
	})
}

func TestSanitize_BlocksRemoteImages(t *testing.T) {
	s := NewHTMLSanitizer()

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"https image", `<img src="https://tracker.example.com/p.gif">`, true},
		{"protocol relative", `<img src="//tracker.example.com/p.gif">`, true},
		{"inline data", `<img src="data:image/png;base64,iVBORw0KGgo=">`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sanitize(tt.input)
			hasTracker := strings.Contains(got, "tracker.example.com")
			if tt.blocked && hasTracker {
				t.Errorf("remote image not blocked: %s", got)
			}
			if !tt.blocked && !strings.Contains(got, "data:image/png") {
				t.Errorf("inline image should be kept: %s", got)
			}
		})
	}
}

func TestToText(t *testing.T) {
	s := NewHTMLSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"paragraphs", "<p>Hello</p><p>World</p>", "Hello\n\nWorld"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"entities", "<div>Tom &amp; Jerry&nbsp;&lt;3</div>", "Tom & Jerry <3"},
		{"script and style dropped", "<style>p{color:red}</style><script>x()</script><b>Bold</b> text", "Bold text"},
		{"whitespace collapsed", "<p>  lots   of\tspace  </p>", "lots of space"},
		{"head dropped", "<html><head><title>T</title></head><body>Body</body></html>", "Body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ToText(tt.input); got != tt.want {
				t.Errorf("ToText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToText_NoMarkupSurvives(t *testing.T) {
	s := NewHTMLSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		tag := rapid.SampledFrom([]string{"p", "div", "span", "b", "a", "li"}).Draw(t, "tag")
		text := rapid.StringMatching(`[a-zA-Z0-9 ]{1,40}`).Draw(t, "text")

		got := s.ToText("<" + tag + ">" + text + "</" + tag + ">")
		if strings.ContainsAny(got, "<>") {
			t.Fatalf("markup survived: %q", got)
		}
		if got != strings.TrimSpace(regexp.MustCompile(` +`).ReplaceAllString(text, " ")) {
			t.Fatalf("ToText() = %q, want text %q", got, text)
		}
	})
}
