package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/agoranews/agora-live/internal/apperror"
)

const (
	DefaultMaxTextChars = 1000 // max character count of a message
	MaxReasonChars      = 255  // max character count of a report reason
)

// ValidateContent trims surrounding whitespace and checks that a chat message
// meets content requirements. It returns the trimmed text.
func ValidateContent(text string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxTextChars
	}
	if !utf8.ValidString(text) {
		return "", apperror.Validation("message contains invalid UTF-8")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperror.Validation("message text is empty")
	}
	if utf8.RuneCountInString(text) > maxChars {
		return "", apperror.Validation("message exceeds character limit")
	}
	return text, nil
}

// NormalizeReason trims an optional report reason and truncates it to
// MaxReasonChars runes.
func NormalizeReason(reason string) (string, error) {
	if !utf8.ValidString(reason) {
		return "", apperror.Validation("reason contains invalid UTF-8")
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxReasonChars {
		reason = string([]rune(reason)[:MaxReasonChars])
	}
	return reason, nil
}
