// Package content validates and renders user-supplied chat text.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"parlor/internal/models"
)

// MaxMessageLength is measured in UTF-16 code units, the unit browser UIs
// count input length in.
const MaxMessageLength = 500

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Length counts UTF-16 code units.
func Length(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// ValidateMessage trims and length-checks raw message text, returning the
// normalized content.
func ValidateMessage(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if Length(text) == 0 {
		return "", &models.ValidationError{Reason: "message is empty"}
	}
	if n := Length(text); n > MaxMessageLength {
		return "", &models.ValidationError{
			Reason: fmt.Sprintf("message is %d characters, maximum is %d", n, MaxMessageLength),
		}
	}
	return text, nil
}

// RenderMarkdown converts message text to sanitized HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
