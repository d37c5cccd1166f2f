package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces masked attribute values.
const RedactedValue = "[REDACTED]"

// publicKeys lists attributes that are safe to log in clear. Identities,
// escrow addresses and statuses are visible on the ledger anyway. Anything
// else passed through MaskField (tokens, idempotency keys, DSNs) is masked.
var publicKeys = map[string]bool{
	"address":   true,
	"caller":    true,
	"client":    true,
	"component": true,
	"error":     true,
	"kind":      true,
	"method":    true,
	"op":        true,
	"owner":     true,
	"status":    true,
}

// Public reports whether key may be logged without masking.
func Public(key string) bool {
	return publicKeys[strings.ToLower(strings.TrimSpace(key))]
}

// MaskField builds a string attribute, masking the value unless key is
// public. Empty values are kept so missing data stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) != "" && !Public(key) {
		value = RedactedValue
	}
	return slog.String(key, value)
}
