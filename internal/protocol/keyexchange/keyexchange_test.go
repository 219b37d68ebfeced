package keyexchange_test

import (
	"bytes"
	"errors"
	"testing"

	"sma_chat/internal/protocol/keyexchange"
)

func TestDeriveSessionKey_BothSidesAgree(t *testing.T) {
	alice, err := keyexchange.GenerateKeyPair()
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	defer alice.Destroy()
	bob, err := keyexchange.GenerateKeyPair()
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	defer bob.Destroy()

	// exchange over the wire encoding
	alicePEM, err := keyexchange.SerializePublic(alice.Public())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	bobPEM, _ := keyexchange.SerializePublic(bob.Public())

	alicePub, err := keyexchange.DeserializePublic(alicePEM)
	if err != nil {
		t.Fatalf("deserialize alice: %v", err)
	}
	bobPub, err := keyexchange.DeserializePublic(bobPEM)
	if err != nil {
		t.Fatalf("deserialize bob: %v", err)
	}

	k1, err := keyexchange.DeriveSessionKey(alice, bobPub)
	if err != nil {
		t.Fatalf("derive alice: %v", err)
	}
	k2, err := keyexchange.DeriveSessionKey(bob, alicePub)
	if err != nil {
		t.Fatalf("derive bob: %v", err)
	}
	if len(k1) != keyexchange.SessionKeySize || !bytes.Equal(k1, k2) {
		t.Fatalf("session keys differ")
	}
}

func TestDeriveSessionKey_FreshPerExchange(t *testing.T) {
	a1, _ := keyexchange.GenerateKeyPair()
	a2, _ := keyexchange.GenerateKeyPair()
	b, _ := keyexchange.GenerateKeyPair()

	k1, _ := keyexchange.DeriveSessionKey(a1, b.Public())
	k2, _ := keyexchange.DeriveSessionKey(a2, b.Public())
	if bytes.Equal(k1, k2) {
		t.Fatalf("distinct ephemeral keys produced the same session key")
	}
}

func TestDeserializePublic_Garbage(t *testing.T) {
	_, err := keyexchange.DeserializePublic([]byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"))
	if !errors.Is(err, keyexchange.ErrInvalidKeyEncoding) {
		t.Fatalf("want ErrInvalidKeyEncoding, got %v", err)
	}
}
