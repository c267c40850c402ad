package shared

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		expect string // exact expectation; empty means "must differ from input"
	}{
		{name: "bearer", input: "Bearer abc123def456ghi789jkl0", expect: "Bearer [REDACTED]"},
		{name: "api key", input: "api_key=abcdef1234567890abcdef"},
		{name: "gemini", input: "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx"},
		{name: "anthropic", input: "using sk-ant-REDACTED"},
		{name: "telegram", input: "bot 123456789:" + strings.Repeat("A", 35) + " failed"},
		{name: "plain", input: "invoice from billing@example.com", expect: "invoice from billing@example.com"},
		{name: "empty", input: "", expect: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Redact(tc.input)
			if tc.expect == "" && tc.input != "" {
				if got == tc.input {
					t.Fatalf("expected redaction of %q", tc.input)
				}
				if !strings.Contains(got, redactedPlaceholder) {
					t.Fatalf("expected placeholder in %q", got)
				}
				return
			}
			if got != tc.expect {
				t.Fatalf("Redact(%q) = %q, want %q", tc.input, got, tc.expect)
			}
		})
	}
}
