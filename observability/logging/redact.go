package logging

import (
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"module":    {},
	"command":   {},
	"operation": {},
	"class":     {},
	"account":   {},
	"creator":   {},
	"token":     {},
	"amount":    {},
	"id":        {},
	"hash":      {},
	"run_id":    {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Fingerprint logs an opaque payload, such as a signed delegation, by length
// and a short prefix so records can be correlated without leaking it.
func Fingerprint(key string, payload []byte) slog.Attr {
	if len(payload) == 0 {
		return slog.String(key, "")
	}
	prefix := payload
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return slog.Group(key, slog.Int("bytes", len(payload)), slog.String("prefix", hex.EncodeToString(prefix)))
}
