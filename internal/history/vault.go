// Package history stores conversation records on local disk, each one
// encrypted to the owner's long-term RSA key.
//
// A record line is base64(RSA-OAEP(aesKey || nonce) || AES-GCM(sender "\n"
// type "\n" message)). Appending only needs the public key; reading needs the
// password that seals the private key.
package history

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"sma_chat/internal/cryptographic/encryption"
	"sma_chat/internal/model"
	"sma_chat/internal/service/auth"
)

const (
	historyExt    = ".his"
	maxRecordLine = 32 << 20
)

var ErrCorruptRecord = errors.New("corrupt history record")

type (
	Vault struct {
		dataDir   string
		keyParams encryption.ScryptParams

		mu sync.Mutex
	}

	Option func(*Vault)
)

// WithKeyParams overrides the scrypt cost used to seal new private keys.
func WithKeyParams(p encryption.ScryptParams) Option {
	return func(v *Vault) { v.keyParams = p }
}

func NewVault(dataDir string, opts ...Option) *Vault {
	v := &Vault{
		dataDir:   dataDir,
		keyParams: encryption.DefaultScryptParams(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) historyPath(owner, peer string) (string, error) {
	dir, err := v.userDir(owner)
	if err != nil {
		return "", err
	}
	if !auth.ValidUsername(peer) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, peer)
	}
	return filepath.Join(dir, peer+historyExt), nil
}

// Append encrypts rec and adds it to owner's history with peer.
func (v *Vault) Append(owner, peer string, rec model.HistoryRecord) error {
	path, err := v.historyPath(owner, peer)
	if err != nil {
		return err
	}
	pub, err := v.publicKey(owner)
	if err != nil {
		return err
	}
	line, err := encodeRecord(pub, rec)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Records unlocks the private key and returns the history with peer in the
// order it was written. The file is re-read on every iteration. A missing
// history yields nothing.
func (v *Vault) Records(owner, peer, password string) (iter.Seq2[model.HistoryRecord, error], error) {
	path, err := v.historyPath(owner, peer)
	if err != nil {
		return nil, err
	}
	priv, err := v.privateKey(owner, password)
	if err != nil {
		return nil, err
	}

	return func(yield func(model.HistoryRecord, error) bool) {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(model.HistoryRecord{}, err)
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if !yield(decodeRecord(priv, line)) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(model.HistoryRecord{}, err)
		}
	}, nil
}

// Delete removes the history with peer. Deleting a missing history succeeds.
func (v *Vault) Delete(owner, peer string) error {
	path, err := v.historyPath(owner, peer)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Peers lists the users owner has history with.
func (v *Vault) Peers(owner string) ([]string, error) {
	dir, err := v.userDir(owner)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var peers []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), historyExt)
		if ok && !e.IsDir() && auth.ValidUsername(name) {
			peers = append(peers, name)
		}
	}
	sort.Strings(peers)
	return peers, nil
}

func encodeRecord(pub *rsa.PublicKey, rec model.HistoryRecord) ([]byte, error) {
	if strings.ContainsRune(rec.Sender, '\n') || strings.ContainsRune(string(rec.Type), '\n') {
		return nil, fmt.Errorf("%w: newline in sender or type", ErrCorruptRecord)
	}

	secret := make([]byte, encryption.KeySize+encryption.NonceSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(secret)
	key, nonce := secret[:encryption.KeySize], secret[encryption.KeySize:]

	plain := []byte(rec.Sender + "\n" + string(rec.Type) + "\n" + rec.Message)
	sealed, err := encryption.AEADSeal(key, nonce, plain, nil)
	memguard.WipeBytes(plain)
	if err != nil {
		return nil, err
	}
	wrapped, err := encryption.WrapKey(pub, secret)
	if err != nil {
		return nil, err
	}

	raw := append(wrapped, sealed...)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func decodeRecord(priv *rsa.PrivateKey, line []byte) (model.HistoryRecord, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(raw, line)
	if err != nil {
		return model.HistoryRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	raw = raw[:n]

	wrappedLen := priv.Size()
	if len(raw) < wrappedLen {
		return model.HistoryRecord{}, fmt.Errorf("%w: too short", ErrCorruptRecord)
	}
	secret, err := encryption.UnwrapKey(priv, raw[:wrappedLen])
	if err != nil || len(secret) != encryption.KeySize+encryption.NonceSize {
		return model.HistoryRecord{}, fmt.Errorf("%w: key unwrap failed", ErrCorruptRecord)
	}
	defer memguard.WipeBytes(secret)

	plain, err := encryption.AEADOpen(secret[:encryption.KeySize], secret[encryption.KeySize:], raw[wrappedLen:], nil)
	if err != nil {
		return model.HistoryRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	parts := strings.SplitN(string(plain), "\n", 3)
	if len(parts) != 3 {
		return model.HistoryRecord{}, fmt.Errorf("%w: missing fields", ErrCorruptRecord)
	}
	typ, err := model.ParseMessageType(parts[1])
	if err != nil {
		return model.HistoryRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return model.HistoryRecord{Sender: parts[0], Type: typ, Message: parts[2]}, nil
}
