// Package envelope seals chat payloads for transport.
package envelope

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"sma_chat/internal/cryptographic/encryption"
)

const (
	// AssociatedData is authenticated with every envelope.
	AssociatedData = "GCMAuthenticationData"

	// NotAuthenticated replaces the plaintext of any envelope that fails to open.
	NotAuthenticated = "MESSAGE NOT AUTHENTICATED"

	NonceSize = encryption.NonceSize
)

// Encrypt returns base64(nonce || ciphertext || tag).
func Encrypt(key []byte, plaintext string) ([]byte, error) {
	sealed, err := encryption.AEADEncrypt(key, []byte(plaintext), []byte(AssociatedData))
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt never fails loudly: on bad encoding, a wrong key or tampering it
// returns NotAuthenticated and false.
func Decrypt(key []byte, payload []byte) (string, bool) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(sealed, payload)
	if err != nil {
		return NotAuthenticated, false
	}
	plain, err := encryption.AEADDecrypt(key, sealed[:n], []byte(AssociatedData))
	if err != nil || !utf8.Valid(plain) {
		return NotAuthenticated, false
	}
	return string(plain), true
}
