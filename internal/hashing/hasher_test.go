package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashToken_DeterministicHexDigest(t *testing.T) {
	h := NewHasher("test-secret")

	first := h.HashToken("some-refresh-token")
	second := h.HashToken("some-refresh-token")

	require.Equal(t, first, second)
	require.Len(t, first, 64)
	require.NotEqual(t, first, h.HashToken("another-token"))
}

func TestHashOTPCode_KeyedByEmail(t *testing.T) {
	h := NewHasher("test-secret")

	alice := h.HashOTPCode("123456", "alice@example.com")
	bob := h.HashOTPCode("123456", "bob@example.com")

	require.NotEqual(t, alice, bob, "same code for two emails must not collide")
	require.Equal(t, alice, h.HashOTPCode("123456", "alice@example.com"))
	require.Len(t, alice, 64)
}

func TestHashOTPCode_DependsOnServerSecret(t *testing.T) {
	a := NewHasher("secret-a").HashOTPCode("123456", "alice@example.com")
	b := NewHasher("secret-b").HashOTPCode("123456", "alice@example.com")

	require.NotEqual(t, a, b)
}

func TestGenerateOTPCode_LengthAndCharset(t *testing.T) {
	for _, length := range []int{4, 6, 10} {
		code, err := GenerateOTPCode(length)
		require.NoError(t, err)
		require.Len(t, code, length)
		for _, c := range code {
			require.True(t, c >= '0' && c <= '9', "code must be numeric, got %q", code)
		}
	}
}

func TestGenerateOTPCode_RejectsOutOfRangeLength(t *testing.T) {
	_, err := GenerateOTPCode(3)
	require.ErrorIs(t, err, ErrInvalidCodeLength)

	_, err = GenerateOTPCode(11)
	require.ErrorIs(t, err, ErrInvalidCodeLength)
}

func TestFingerprint_StableAndNonReversible(t *testing.T) {
	h := NewHasher("test-secret")

	fp := h.Fingerprint("203.0.113.7", "Mozilla/5.0")
	require.Equal(t, fp, h.Fingerprint("203.0.113.7", "Mozilla/5.0"))
	require.NotEqual(t, fp, h.Fingerprint("203.0.113.8", "Mozilla/5.0"))
	require.Len(t, fp, 64)
}

func TestRequestFingerprint_BindsEmailAndSource(t *testing.T) {
	h := NewHasher("test-secret")

	fp := h.RequestFingerprint("alice@example.com", "203.0.113.7")
	require.Equal(t, fp, h.RequestFingerprint("alice@example.com", "203.0.113.7"))
	require.NotEqual(t, fp, h.RequestFingerprint("bob@example.com", "203.0.113.7"))
	require.NotEqual(t, fp, h.RequestFingerprint("alice@example.com", "203.0.113.8"))
	require.Len(t, fp, 64)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("abc", "abc"))
	require.False(t, ConstantTimeEqual("abc", "abd"))
	require.False(t, ConstantTimeEqual("abc", "abcd"))
}
