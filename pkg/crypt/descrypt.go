// Package crypt wraps DES crypt(3) for accounts imported from older chat
// servers, which stored passwords as crypt(password, salt).
package crypt

import (
	descrypt "github.com/digitive/crypt"
)

// hashLen is the length of a traditional DES crypt(3) hash.
const hashLen = 13

// Crypt performs traditional Unix DES crypt(3).
func Crypt(password, salt string) string {
	result, err := descrypt.Crypt(password, salt)
	if err != nil {
		return ""
	}
	return result
}

// IsHash reports whether s looks like a DES crypt(3) hash.
func IsHash(s string) bool {
	if len(s) != hashLen {
		return false
	}
	for _, c := range s {
		if !(c == '.' || c == '/' || c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

// CheckPassword verifies a password against a DES-encrypted hash.
func CheckPassword(password, storedHash string) bool {
	if len(storedHash) < 2 {
		return false
	}
	salt := storedHash[:2]
	computed := Crypt(password, salt)
	return computed != "" && computed == storedHash
}
