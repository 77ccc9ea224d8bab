package common

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sha256Hex returns the lowercase hex SHA-256 of input.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes parts joined by NUL so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	return Sha256Hex(strings.Join(parts, "\x00"))
}
