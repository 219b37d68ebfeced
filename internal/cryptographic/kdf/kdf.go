package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256 over secret. A nil salt means a
// zero-filled salt of hash length.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// SessionKey derives the 32-byte symmetric key for one message from a DH
// shared secret.
func SessionKey(shared []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := HKDF(shared, nil, []byte(info), key); err != nil {
		return nil, err
	}
	return key, nil
}
