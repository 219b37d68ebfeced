package kdf

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// PasswordKDFVersion tags stored hashes so parameters can change later
	// without breaking existing rows.
	PasswordKDFVersion = 1

	SaltSize = 16
	HashSize = 32

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

var ErrUnknownKDFVersion = errors.New("unknown kdf version")

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand salt: %w", err)
	}
	return salt, nil
}

// PasswordHash derives the stored hash for password under salt.
func PasswordHash(password string, salt []byte, version int) ([]byte, error) {
	if version != PasswordKDFVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKDFVersion, version)
	}
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, HashSize)
}

// VerifyPassword re-derives and compares in constant time.
func VerifyPassword(password string, salt, want []byte, version int) (bool, error) {
	got, err := PasswordHash(password, salt, version)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
