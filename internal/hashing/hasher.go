package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidCodeLength = errors.New("otp code length out of range")

const (
	minCodeLength = 4
	maxCodeLength = 10
)

// Hasher produces the digests the auth core stores in place of secrets.
// All outputs are deterministic fixed-length hex strings, so they can be
// used directly as storage keys.
type Hasher struct {
	secret []byte
}

// NewHasher wraps the server-side secret used to key OTP digests. The secret
// never leaves this package.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// HashToken hashes an opaque token value for storage comparison. The raw
// refresh token is never persisted; only this digest is.
func (h *Hasher) HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashOTPCode binds a numeric code to its email with a keyed HMAC, so the
// same code issued to two addresses produces different digests and a leaked
// store is useless without the server secret.
func (h *Hasher) HashOTPCode(code, email string) string {
	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "%s:%s", email, code)
	return hex.EncodeToString(mac.Sum(nil))
}

// Fingerprint derives a non-reversible identifier for an anonymous request
// source, used for view dedup without storing raw PII.
func (h *Hasher) Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + ":" + userAgent))
	return hex.EncodeToString(sum[:])
}

// RequestFingerprint ties an OTP request to the address and source that made
// it, for the audit trail on stored challenges.
func (h *Hasher) RequestFingerprint(email, ip string) string {
	sum := sha256.Sum256([]byte(email + ":" + ip))
	return hex.EncodeToString(sum[:])
}

// GenerateOTPCode returns a cryptographically random numeric string of the
// given length (4 to 10 digits).
func GenerateOTPCode(length int) (string, error) {
	if length < minCodeLength || length > maxCodeLength {
		return "", ErrInvalidCodeLength
	}

	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// ConstantTimeEqual compares two digests without leaking how far they match.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
