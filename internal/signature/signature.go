// The payment processor signs every webhook delivery with an HMAC-SHA512
// of the raw request body, hex encoded in a request header. Verification
// must run over the exact bytes that arrived on the wire; re-serializing
// the decoded payload changes key order and whitespace and breaks the hash.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Compute returns the hex-encoded HMAC-SHA512 of body under secret.
func Compute(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the provided signature against the raw body in constant
// time. It fails closed: a missing or malformed signature is a mismatch.
func Verify(body []byte, provided, secret string) bool {
	if provided == "" {
		return false
	}

	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(providedBytes, mac.Sum(nil))
}
