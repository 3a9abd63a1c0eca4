package events

import (
	"strings"
	"unicode"
)

// DefaultPreviewLength is the notification preview size in runes
const DefaultPreviewLength = 200

// PreviewText shortens leaf content for a push notification, cutting at a
// word boundary where one exists in the second half of the limit.
func PreviewText(content string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultPreviewLength
	}

	text := strings.Join(strings.Fields(content), " ")
	if text == "" {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}

	truncated := runes[:maxLength]
	lastSpace := -1
	for i := len(truncated) - 1; i >= 0; i-- {
		if unicode.IsSpace(truncated[i]) {
			lastSpace = i
			break
		}
	}
	if lastSpace > maxLength/2 {
		truncated = truncated[:lastSpace]
	}

	return strings.TrimSpace(string(truncated)) + "..."
}
