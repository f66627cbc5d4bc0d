// Package redact masks secret-adjacent values before they reach logs,
// diagnostics bundles or configuration snapshots. Two rulesets apply in
// order: key-based masking when the key of a value is known to be sensitive,
// then value-based masking for secret-shaped strings under innocent keys.
//
// All patterns are compiled once at package init; masking never fails.
package redact

import (
	"regexp"
	"strings"
)

// Masked replacement markers.
const (
	MaskedShort = "[REDACTED]"
	MaskedJWT   = "[REDACTED_JWT]"
	MaskedEmail = "[REDACTED_EMAIL]"
	MaskedQuery = "?[QUERY_REDACTED]"
)

// sensitiveKeyTokens are matched case-insensitively as substrings of keys.
var sensitiveKeyTokens = []string{
	"password", "passwd", "secret", "token", "apikey", "api_key",
	"authorization", "bearer", "cookie", "session", "private", "ssh",
	"cert", "key", "salt", "credential",
}

var (
	jwtPattern   = regexp.MustCompile(`\b[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	queryPattern = regexp.MustCompile(`(https?://[^\s?"']+)\?[^\s"']*`)
)

// IsSensitiveKey reports whether a key names a value that must be masked.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// MaskSecret irreversibly masks a secret string. Short values disappear
// entirely; longer values keep their first and last four characters so
// operators can still correlate credentials.
func MaskSecret(value string) string {
	if len(value) <= 8 {
		return MaskedShort
	}
	return value[:4] + "****" + value[len(value)-4:]
}

// RedactString applies the value-based rules to a string: JWT-shaped tokens,
// email addresses, and URL query strings.
func RedactString(value string) string {
	value = jwtPattern.ReplaceAllString(value, MaskedJWT)
	value = emailPattern.ReplaceAllString(value, MaskedEmail)
	value = queryPattern.ReplaceAllString(value, "$1"+MaskedQuery)
	return value
}

// MaskValue redacts a single value under a known key: key-based masking when
// the key is sensitive, value-based rules otherwise. Non-string values pass
// through unchanged.
func MaskValue(key string, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if IsSensitiveKey(key) {
		return MaskSecret(s)
	}
	return RedactString(s)
}

// RedactMap walks a nested document, masking string leaves. When recursing
// into a child map or list, the parent key stays in scope: everything under
// a sensitive key is treated as sensitive.
func RedactMap(m map[string]any) map[string]any {
	return redactMap(m, false)
}

func redactMap(m map[string]any, parentSensitive bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = redactValue(k, v, parentSensitive)
	}
	return out
}

func redactValue(key string, value any, parentSensitive bool) any {
	sensitive := parentSensitive || IsSensitiveKey(key)
	switch v := value.(type) {
	case string:
		if sensitive {
			return MaskSecret(v)
		}
		return RedactString(v)
	case map[string]any:
		return redactMap(v, sensitive)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(key, item, parentSensitive)
		}
		return out
	default:
		return value
	}
}

// SanitizeLabel strips control characters from an externally supplied label
// and caps its length at 255. Labels are display strings, never secrets, but
// they travel into diagnostics bundles and must not carry escape sequences.
func SanitizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range label {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}
