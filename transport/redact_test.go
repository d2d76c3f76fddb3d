package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactFields(t *testing.T) {
	in := `{"api_key": "aicm-secret", "usage": {"tokens": 5}, "Token":"abc"}`
	out := Redact(in)

	assert.NotContains(t, out, "aicm-secret")
	assert.NotContains(t, out, `"abc"`)
	assert.Contains(t, out, `"api_key": "[REDACTED]"`)
	assert.Contains(t, out, `"tokens": 5`, "non-sensitive content passes through")
}

func TestRedactBearerTokens(t *testing.T) {
	in := `header was "Bearer sk-live-12345"`
	out := Redact(in)
	assert.NotContains(t, out, "sk-live-12345")
	assert.Contains(t, out, "Bearer [REDACTED]")
}

func TestRedactNonJSONPassesThrough(t *testing.T) {
	in := "plain text error page"
	assert.Equal(t, in, Redact(in))
}

func TestRedactHeaders(t *testing.T) {
	out := RedactHeaders(map[string][]string{
		"Authorization": {"Bearer sk-live-12345"},
		"Content-Type":  {"application/json"},
	})
	assert.Equal(t, "[REDACTED]", out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
}
