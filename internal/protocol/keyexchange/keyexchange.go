// Package keyexchange derives one-time session keys from ephemeral
// finite-field Diffie-Hellman exchanges.
package keyexchange

import (
	"fmt"

	"github.com/awnumar/memguard"

	"sma_chat/internal/cryptographic/dh"
	"sma_chat/internal/cryptographic/kdf"
)

// HKDFInfo binds derived keys to this protocol.
const HKDFInfo = "handshake data"

const SessionKeySize = 32

var ErrInvalidKeyEncoding = dh.ErrInvalidKeyEncoding

type (
	PrivateKey = dh.PrivateKey
	PublicKey  = dh.PublicKey
)

func GenerateKeyPair() (*PrivateKey, error) {
	return dh.GenerateKey(nil)
}

// DeriveSessionKey agrees on a secret with peer and stretches it to a 32-byte
// key. The raw shared secret is wiped before returning. The caller still owns
// priv and must Destroy it.
func DeriveSessionKey(priv *PrivateKey, peer *PublicKey) ([]byte, error) {
	shared, err := priv.SharedSecret(peer)
	if err != nil {
		return nil, fmt.Errorf("dh: %w", err)
	}
	defer memguard.WipeBytes(shared)

	key, err := kdf.SessionKey(shared, HKDFInfo)
	if err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func SerializePublic(pub *PublicKey) ([]byte, error) {
	return pub.MarshalPEM()
}

func DeserializePublic(data []byte) (*PublicKey, error) {
	return dh.ParsePublicPEM(data)
}
