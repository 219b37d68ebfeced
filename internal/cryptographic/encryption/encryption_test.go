package encryption_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"sma_chat/internal/cryptographic/encryption"
)

func TestAEAD_RoundTripAndTamper(t *testing.T) {
	key := make([]byte, encryption.KeySize)
	rand.Read(key)
	ad := []byte("ad")

	ct, err := encryption.AEADEncrypt(key, []byte("hello"), ad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := encryption.AEADDecrypt(key, ct, ad)
	if err != nil || string(pt) != "hello" {
		t.Fatalf("decrypt: %q %v", pt, err)
	}

	ct[len(ct)-1] ^= 1
	if _, err := encryption.AEADDecrypt(key, ct, ad); err == nil {
		t.Fatalf("tampered ciphertext accepted")
	}
	if _, err := encryption.AEADDecrypt(key, ct[:5], ad); !errors.Is(err, encryption.ErrShortCiphertext) {
		t.Fatalf("want ErrShortCiphertext, got %v", err)
	}
}

func TestSealWithPassword(t *testing.T) {
	params := encryption.ScryptParams{N: 1 << 10, R: 8, P: 1}
	blob, err := encryption.SealWithPassword("pa55word!", []byte("secret key"), params)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, err := encryption.OpenWithPassword("pa55word!", blob)
	if err != nil || string(raw) != "secret key" {
		t.Fatalf("open: %q %v", raw, err)
	}
	if _, err := encryption.OpenWithPassword("wrong", blob); !errors.Is(err, encryption.ErrWrongPassword) {
		t.Fatalf("want ErrWrongPassword, got %v", err)
	}
}

func TestRSA_WrapUnwrap(t *testing.T) {
	priv, err := encryption.NewRSAKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	der, err := encryption.MarshalRSAPrivate(priv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := encryption.ParseRSAPrivate(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	secret := bytes.Repeat([]byte{7}, 44)
	wrapped, err := encryption.WrapKey(&priv.PublicKey, secret)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if len(wrapped) != encryption.RSABits/8 {
		t.Fatalf("want %d byte block, got %d", encryption.RSABits/8, len(wrapped))
	}
	got, err := encryption.UnwrapKey(parsed, wrapped)
	if err != nil || !bytes.Equal(got, secret) {
		t.Fatalf("unwrap: %v", err)
	}
}
