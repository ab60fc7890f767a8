package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	PasswordAlgorithm = "scrypt"

	scryptN       = 16384
	scryptR       = 8
	scryptP       = 1
	scryptKeyLen  = 64
	passwordSalt  = 16
	hashSeparator = "$"
)

// HashPassword returns "scrypt$<hex salt>$<hex digest>" using a fresh salt per call.
// The hex salt string itself is the scrypt salt input.
func HashPassword(password string) (string, error) {
	raw := make([]byte, passwordSalt)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	digest, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive password key: %w", err)
	}
	return strings.Join([]string{PasswordAlgorithm, salt, hex.EncodeToString(digest)}, hashSeparator), nil
}

// VerifyPassword fails closed on any malformed stored hash.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, hashSeparator)
	if len(parts) != 3 || parts[0] != PasswordAlgorithm || parts[1] == "" || parts[2] == "" {
		return false
	}
	stored, err := hex.DecodeString(parts[2])
	if err != nil || len(stored) == 0 {
		return false
	}
	computed, err := scrypt.Key([]byte(password), []byte(parts[1]), scryptN, scryptR, scryptP, len(stored))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(stored, computed) == 1
}
