package content

import (
	"errors"
	"strings"
	"testing"

	"parlor/internal/models"
)

func TestValidateMessage(t *testing.T) {
	if _, err := ValidateMessage("   "); err == nil {
		t.Error("whitespace-only message accepted")
	} else {
		var validationErr *models.ValidationError
		if !errors.As(err, &validationErr) {
			t.Errorf("expected ValidationError, got %T", err)
		}
	}

	text, err := ValidateMessage("  hello  ")
	if err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected trimmed content, got %q", text)
	}

	if _, err := ValidateMessage(strings.Repeat("a", 500)); err != nil {
		t.Errorf("message at the limit rejected: %v", err)
	}
	if _, err := ValidateMessage(strings.Repeat("a", 501)); err == nil {
		t.Error("message over the limit accepted")
	}

	// Astral-plane characters count as two UTF-16 code units.
	if _, err := ValidateMessage(strings.Repeat("𝄞", 251)); err == nil {
		t.Error("surrogate pairs counted as single characters")
	}
	if _, err := ValidateMessage(strings.Repeat("𝄞", 250)); err != nil {
		t.Errorf("250 surrogate pairs should fit: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	out := Sanitize(`hello <script>alert("x")</script> world`)
	if strings.Contains(out, "<script>") {
		t.Errorf("script tag survived sanitization: %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Errorf("text content lost: %q", out)
	}

	// Benign formatting is kept.
	if got := Sanitize("<b>bold</b>"); got != "<b>bold</b>" {
		t.Errorf("benign markup altered: %q", got)
	}
}

func TestRenderMarkdown(t *testing.T) {
	html, err := RenderMarkdown("**bold** and `code`")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("bold not rendered: %q", html)
	}
	if !strings.Contains(html, "<code>code</code>") {
		t.Errorf("code not rendered: %q", html)
	}

	html, err = RenderMarkdown(`[click](javascript:alert(1))`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "javascript:") {
		t.Errorf("javascript URL survived sanitization: %q", html)
	}
}

func TestValidateUsername(t *testing.T) {
	for _, valid := range []string{"alice", "bob.smith", "a-b_c", "User42"} {
		if err := ValidateUsername(valid); err != nil {
			t.Errorf("%q rejected: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "with space", "semi;colon", "käse"} {
		if err := ValidateUsername(invalid); err == nil {
			t.Errorf("%q accepted", invalid)
		}
	}
}
