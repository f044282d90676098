package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Verification credentials and bearer material must never reach the log
// stream, even at debug level.
var sensitiveKeys = map[string]struct{}{
	"otp":           {},
	"otp_code":      {},
	"code":          {},
	"qr_token":      {},
	"token":         {},
	"authorization": {},
	"api_key":       {},
	"jwt_secret":    {},
	"secret":        {},
}

// IsSensitive reports whether the provided log key carries credential
// material.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the keys that are redacted. Tests
// use this to ensure credential keys remain masked.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func redactAttr(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
