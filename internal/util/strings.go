package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Fingerprint returns the hex SHA-256 digest of s.
// Used wherever a token has to be referenced outside process memory
// (shared store keys, audit records) without exposing the token itself.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ContainsAnyFold reports whether s contains any of the given substrings,
// ignoring case. It returns the first match.
// The substrings are expected to be lower case already.
func ContainsAnyFold(s string, substrings []string) (string, bool) {
	if s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if sub != "" && strings.Contains(lower, sub) {
			return sub, true
		}
	}
	return "", false
}
