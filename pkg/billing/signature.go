package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC-SHA256 of the exact payload
// bytes under secret. It fails closed: an empty secret, an empty or malformed
// signature, or a length mismatch all return false. The digest comparison is
// constant-time.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if len(signature) > len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}
