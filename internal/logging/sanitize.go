package logging

import (
	"encoding/json"
	"strings"
)

const redacted = "[REDACTED]"

// DefaultTruncate is the length used by Truncate callers that log bodies.
const DefaultTruncate = 200

var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"apikey",
	"api_key",
	"privatekey",
	"private_key",
	"authorization",
	"auth",
	"bearer",
	"cookie",
	"session",
	"ssn",
	"creditcard",
	"credit_card",
	"cvv",
	"pin",
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of v with sensitive map keys redacted. Maps and
// slices are walked recursively; other values are returned unchanged.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) {
				out[k] = redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) {
				out[k] = redacted
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}

// SanitizeJSON decodes raw JSON and sanitizes it. Undecodable input is
// returned as a truncated string.
func SanitizeJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Truncate(string(raw), DefaultTruncate)
	}
	return Sanitize(v)
}

// Truncate cuts s to max bytes and marks the cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
