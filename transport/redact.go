package transport

import (
	"regexp"
	"strings"
)

// Body logging must never leak credentials. Redaction covers a stable set of
// sensitive field names plus any value shaped like a bearer token.

const redactedValue = "[REDACTED]"

var sensitiveFields = []string{
	"authorization",
	"api_key",
	"password",
	"token",
}

var (
	// "api_key": "..."  /  "token":"..."
	fieldPattern = regexp.MustCompile(`(?i)("(?:` + strings.Join(sensitiveFields, "|") + `)"\s*:\s*)"[^"]*"`)

	// Bearer sk-... style values anywhere in the body
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
)

// Redact returns body with credential fields and bearer tokens masked.
// Safe to call on non-JSON payloads; unmatched input passes through.
func Redact(body string) string {
	out := fieldPattern.ReplaceAllString(body, `${1}"`+redactedValue+`"`)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+redactedValue)
	return out
}

// RedactHeaders returns a copy of headers safe for logging
func RedactHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vs := range headers {
		v := strings.Join(vs, ", ")
		for _, f := range sensitiveFields {
			if strings.EqualFold(k, f) {
				v = redactedValue
				break
			}
		}
		out[k] = bearerPattern.ReplaceAllString(v, "Bearer "+redactedValue)
	}
	return out
}
