// Package apikey formats and parses the bearer API keys spec.md §4.G
// describes: sk-{machineId}-{keyId}-{checksum}, where checksum is the
// first 8 hex characters of HMAC-SHA256(machineId‖keyId, serverSecret).
// This keeps the key self-describing (the machineId is embedded, so the
// edge handler never needs a reverse lookup) while still rejecting any
// key whose machineId/keyId pair a holder did not legitimately mint.
package apikey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	prefix        = "sk-"
	checksumBytes = 4 // 8 hex chars
)

// Format builds a bearer key for (machineID, keyID) signed with secret.
func Format(machineID, keyID, secret string) string {
	return fmt.Sprintf("%s%s-%s-%s", prefix, machineID, keyID, checksum(machineID, keyID, secret))
}

// Parse validates and decomposes a bearer key. ok is false for anything
// that isn't a well-formed, correctly signed sk-{machineId}-{keyId}-{sum}
// key — including legacy keys that lack the machineId segment, which
// spec.md §4.G requires rejecting on the /v1/* surface.
func Parse(key, secret string) (machineID, keyID string, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.Split(rest, "-")
	if len(parts) < 3 {
		return "", "", false
	}

	sum := parts[len(parts)-1]
	for i := 1; i < len(parts)-1; i++ {
		mid := strings.Join(parts[:i], "-")
		kid := strings.Join(parts[i:len(parts)-1], "-")
		if mid == "" || kid == "" {
			continue
		}
		if hmac.Equal([]byte(sum), []byte(checksum(mid, kid, secret))) {
			return mid, kid, true
		}
	}
	return "", "", false
}

func checksum(machineID, keyID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(machineID))
	_, _ = mac.Write([]byte(keyID))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:checksumBytes])
}

// IsLegacy reports whether key looks like a pre-machineId bearer key
// (bare "sk-{keyId}" with no embedded machineId/checksum structure) that
// must be rejected on the /v1/* surface and pointed at the prefix form.
func IsLegacy(key string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := strings.TrimPrefix(key, prefix)
	return len(strings.Split(rest, "-")) < 3
}
