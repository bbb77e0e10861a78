package util

import (
	"net/mail"
	"strings"
)

// NormalizeEmail lowercases and trims an address. Every email that enters the
// auth core goes through this exactly once, at the boundary.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail reports whether the address parses as RFC 5322. Display names
// ("Bob <bob@x>") are rejected; the core only accepts bare addresses.
func IsValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && addr.Name == ""
}
