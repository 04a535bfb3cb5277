package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// sign returns the lowercase hex SHA-256 of the concatenated parts.
func sign(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func signaturesEqual(expected, received string) bool {
	received = strings.ToLower(strings.TrimSpace(received))
	if len(received) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// maskSignature keeps enough of a signature to correlate log lines.
func maskSignature(value string) string {
	if len(value) <= 12 {
		return value
	}
	return value[:6] + "..." + value[len(value)-6:]
}
