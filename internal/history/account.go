package history

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"sma_chat/internal/cryptographic/encryption"
	"sma_chat/internal/service/auth"
	"sma_chat/internal/utils/log"
)

const (
	configFile = "config.json"
	dirMode    = 0o700
	fileMode   = 0o600
)

var (
	ErrNoAccount   = errors.New("no local account")
	ErrInvalidName = errors.New("invalid username or peer")
)

// accountConfig is <data>/<user>/config.json.
type accountConfig struct {
	PrivateKey json.RawMessage `json:"private_key"`
	PublicPEM  string          `json:"public_pem"`
}

func (v *Vault) userDir(username string) (string, error) {
	if !auth.ValidUsername(username) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, username)
	}
	return filepath.Join(v.dataDir, username), nil
}

// EnsureAccount creates the user's directory and long-term keypair the first
// time it is called for username. It reports whether it created them.
func (v *Vault) EnsureAccount(username, password string) (bool, error) {
	dir, err := v.userDir(username)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, configFile)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return false, fmt.Errorf("create account dir: %w", err)
	}

	priv, err := encryption.NewRSAKey()
	if err != nil {
		return false, fmt.Errorf("generate history key: %w", err)
	}
	der, err := encryption.MarshalRSAPrivate(priv)
	if err != nil {
		return false, err
	}
	sealed, err := encryption.SealWithPassword(password, der, v.keyParams)
	memguard.WipeBytes(der)
	if err != nil {
		return false, fmt.Errorf("seal history key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return false, err
	}

	data, err := json.MarshalIndent(accountConfig{
		PrivateKey: sealed,
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, "", "  ")
	if err != nil {
		return false, err
	}
	// O_EXCL so two clients racing on first login cannot both write
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	log.Info("created local account", zap.String("username", username))
	return true, nil
}

// DeleteAccount removes the user's config and all history. Missing data is
// not an error.
func (v *Vault) DeleteAccount(username string) error {
	dir, err := v.userDir(username)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return os.RemoveAll(dir)
}

func (v *Vault) loadConfig(username string) (accountConfig, error) {
	dir, err := v.userDir(username)
	if err != nil {
		return accountConfig{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if errors.Is(err, fs.ErrNotExist) {
		return accountConfig{}, fmt.Errorf("%w: %s", ErrNoAccount, username)
	}
	if err != nil {
		return accountConfig{}, err
	}
	var cfg accountConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return accountConfig{}, fmt.Errorf("parse %s: %w", configFile, err)
	}
	return cfg, nil
}

func (v *Vault) publicKey(username string) (*rsa.PublicKey, error) {
	cfg, err := v.loadConfig(username)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(cfg.PublicPEM))
	if block == nil {
		return nil, fmt.Errorf("no public key in %s", configFile)
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", k)
	}
	return pub, nil
}

// privateKey unseals the long-term key. A wrong password surfaces as
// auth.ErrAuthenticationFailed.
func (v *Vault) privateKey(username, password string) (*rsa.PrivateKey, error) {
	cfg, err := v.loadConfig(username)
	if err != nil {
		return nil, err
	}
	der, err := encryption.OpenWithPassword(password, cfg.PrivateKey)
	if errors.Is(err, encryption.ErrWrongPassword) {
		return nil, auth.ErrAuthenticationFailed
	}
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(der)
	return encryption.ParseRSAPrivate(der)
}
