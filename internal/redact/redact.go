// Package redact sanitizes strings destined for logs or HTTP error
// responses, stripping API-key-shaped tokens and absolute filesystem paths.
package redact

import (
	"regexp"
	"strings"
)

var (
	// Provider-style secret keys: sk-ant-..., sk-proj..., xoxb-..., etc.
	keyPattern = regexp.MustCompile(`\b(sk|xoxb|xoxp|ghp|gho)-[A-Za-z0-9_-]{8,}`)

	// Bearer credentials embedded in echoed headers or error text.
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`)

	// Long unbroken hex/base64 runs are treated as credentials. 32 is long
	// enough to spare UUIDs-with-dashes and short hashes.
	tokenPattern = regexp.MustCompile(`\b[A-Za-z0-9+/=_]{40,}\b`)

	// Absolute unix paths with at least two components.
	pathPattern = regexp.MustCompile(`(^|[\s"'=(])(/[A-Za-z0-9._-]+){2,}`)
)

// Error sanitizes an error for logging. Nil-safe.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// String strips secrets and absolute paths from s.
func String(s string) string {
	if s == "" {
		return ""
	}
	s = keyPattern.ReplaceAllString(s, "[redacted-key]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	s = tokenPattern.ReplaceAllString(s, "[redacted-token]")
	s = pathPattern.ReplaceAllStringFunc(s, func(m string) string {
		// keep the leading delimiter captured by the pattern
		i := strings.IndexByte(m, '/')
		if i < 0 {
			return m
		}
		return m[:i] + "[path]"
	})
	return s
}
