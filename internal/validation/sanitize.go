package validation

import (
	"html"
	"regexp"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	// SQL injection shapes. Matching is case-insensitive over sanitized text.
	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)union\s+select`),
		regexp.MustCompile(`(?i)or\s+1\s*=\s*1`),
		regexp.MustCompile(`(?i);\s*drop\b`),
		regexp.MustCompile(`--`),
		regexp.MustCompile(`(?i)insert\s+into`),
		regexp.MustCompile(`(?i)delete\s+from`),
	}

	// Common XSS vectors.
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\bon\w+\s*=`),
		regexp.MustCompile(`(?i)<\s*iframe`),
	}
)

// Sanitize trims the input, strips null bytes and collapses internal
// whitespace. It performs no HTML escaping; escaping happens at render time.
// Idempotent.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SanitizeForHTML sanitizes and HTML-escapes the input for safe embedding in
// HTML-formatted chat messages.
func SanitizeForHTML(s string) string {
	return html.EscapeString(Sanitize(s))
}

// CheckInjection scans for SQL and XSS injection shapes. It returns
// (false, pattern) naming the first matched pattern, or (true, "") when the
// input looks safe.
func CheckInjection(s string) (bool, string) {
	for _, re := range sqlPatterns {
		if re.MatchString(s) {
			return false, re.String()
		}
	}
	for _, re := range xssPatterns {
		if re.MatchString(s) {
			return false, re.String()
		}
	}
	return true, ""
}
