// Package llm scores websites and generates sites and outreach messages
// with Anthropic Claude or Google Gemini.
package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// CleanJSON strips markdown fences and extracts the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

var htmlFence = regexp.MustCompile("(?s)```(?:html)?\\s*\\n(.*?)```")

// ExtractHTML pulls an HTML document out of a model reply. A fenced block
// wins; otherwise the span from <!DOCTYPE or <html to </html> is used.
// Returns "" when no document is found.
func ExtractHTML(text string) string {
	if m := htmlFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	lower := strings.ToLower(text)
	start := strings.Index(lower, "<!doctype")
	if start < 0 {
		start = strings.Index(lower, "<html")
	}
	end := strings.LastIndex(lower, "</html>")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+len("</html>")])
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// cleanMessage trims quotes and fences a model sometimes wraps a message in.
func cleanMessage(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}
	return strings.TrimSpace(text)
}
