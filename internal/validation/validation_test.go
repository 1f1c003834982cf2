package validation

import (
	"strings"
	"testing"
)

func TestIsValidID(t *testing.T) {
	valid := []string{"user-1", "ord_a1b2c3", "abc123", "A"}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "-leading", "_leading", "has space", "semi;colon", "a/../b",
		strings.Repeat("x", 65)}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true, want false", id)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		ValidID("id", "bad id"),
		Required("ok", "value"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "name" || errs[1].Field != "id" {
		t.Errorf("unexpected error fields: %v", errs)
	}
}

func TestValidAmount(t *testing.T) {
	if err := ValidAmount("amount", "10.50")(); err != nil {
		t.Errorf("valid amount rejected: %v", err)
	}
	for _, bad := range []string{"0", "-5", "1.234", "abc"} {
		if err := ValidAmount("amount", bad)(); err == nil {
			t.Errorf("ValidAmount(%q) accepted", bad)
		}
	}
	// Empty defers to Required.
	if err := ValidAmount("amount", "")(); err != nil {
		t.Errorf("empty amount should pass through: %v", err)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation to 3, got %q", got)
	}
}
