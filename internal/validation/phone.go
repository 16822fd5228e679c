// Package validation holds the domain validators and sanitizers applied to
// every user-supplied field before it reaches the store.
package validation

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	phoneStripRe = regexp.MustCompile(`[\s\-]`)
	// Local Israeli format: leading 0, then 8-9 digits.
	phoneLocalRe = regexp.MustCompile(`^0\d{8,9}$`)
	// International format: 972 prefix, then 8-9 digits (no leading 0).
	phoneIntlRe = regexp.MustCompile(`^972\d{8,9}$`)
)

// ValidatePhone reports whether s is an acceptable Israeli phone number.
// Accepted forms: 0XXXXXXXXX, 972XXXXXXXXX, +972XXXXXXXXX, with optional
// spaces or dashes.
func ValidatePhone(s string) bool {
	stripped := phoneStripRe.ReplaceAllString(s, "")
	stripped = strings.TrimPrefix(stripped, "+")
	return phoneLocalRe.MatchString(stripped) || phoneIntlRe.MatchString(stripped)
}

// NormalizePhone converts an accepted phone form to the canonical
// +972XXXXXXXX form. Returns an error for unacceptable input.
// Idempotent: normalizing an already-canonical number is a no-op.
func NormalizePhone(s string) (string, error) {
	stripped := phoneStripRe.ReplaceAllString(s, "")
	stripped = strings.TrimPrefix(stripped, "+")

	switch {
	case phoneLocalRe.MatchString(stripped):
		return "+972" + stripped[1:], nil
	case phoneIntlRe.MatchString(stripped):
		return "+" + stripped, nil
	default:
		return "", fmt.Errorf("invalid phone number")
	}
}

// MaskPhone replaces the last four digits of a phone number with asterisks.
// Used everywhere a phone appears in logs.
func MaskPhone(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:len(s)-4] + "****"
}

// PhonePlaceholder returns the deterministic placeholder phone for a chat
// identity that has no known phone number: tg:<chat_id>, or tg:<17 hex chars
// of SHA1(chat_id)> when the literal form would exceed 20 characters.
func PhonePlaceholder(chatID string) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("empty chat id")
	}
	placeholder := "tg:" + chatID
	if len(placeholder) <= 20 {
		return placeholder, nil
	}
	sum := sha1.Sum([]byte(chatID))
	return "tg:" + hex.EncodeToString(sum[:])[:17], nil
}

// IsPlaceholderPhone reports whether the phone is a tg: placeholder rather
// than a real number. Placeholders are excluded from broadcast fan-out on
// the web-chat platform.
func IsPlaceholderPhone(s string) bool {
	return strings.HasPrefix(s, "tg:")
}
