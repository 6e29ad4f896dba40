package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives an anonymized identifier from requester metadata. The
// raw value is never stored; only the truncated salted hash is.
func Fingerprint(value, secret string) string {
	sum := sha256.Sum256([]byte(value + secret))
	return hex.EncodeToString(sum[:])[:16]
}

// VerifySignature checks an HMAC-SHA256 hex signature over data.
func VerifySignature(data, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
