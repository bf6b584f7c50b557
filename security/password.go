package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PasswordIterations = 100_000
	passwordSaltLen    = 16
	passwordKeyLen     = 32
)

// HashPassword derives a room password hash with PBKDF2-HMAC-SHA256 and a fresh random salt. Both are hex encoded.
func HashPassword(password string) (hash string, salt string, err error) {
	s := make([]byte, passwordSaltLen)
	if _, err = rand.Read(s); err != nil {
		return "", "", err
	}
	key := pbkdf2.Key([]byte(password), s, PasswordIterations, passwordKeyLen, sha256.New)
	return hex.EncodeToString(key), hex.EncodeToString(s), nil
}

// CheckPassword reports whether password matches the stored hash and salt.
func CheckPassword(password, hash, salt string) bool {
	s, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), s, PasswordIterations, passwordKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(key, want) == 1
}
