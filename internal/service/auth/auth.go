// Package auth registers, authenticates and deletes relay accounts.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"sma_chat/internal/cryptographic/kdf"
	"sma_chat/internal/model"
	"sma_chat/internal/repository/credential"
	"sma_chat/internal/utils/log"
)

var (
	ErrInvalidCredentialInput = errors.New("invalid credential input")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrAccountExists          = credential.ErrAccountExists
	ErrDeletionFailed         = errors.New("account deletion failed")
)

type (
	existenceChecker interface {
		Exists(ctx context.Context, username string) (bool, error)
	}

	Authenticator struct {
		store credential.Store

		// used for unknown usernames so a miss costs a full derivation
		dummySalt []byte
		dummyHash []byte
	}
)

func NewAuthenticator(store credential.Store) (*Authenticator, error) {
	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	hash, err := kdf.PasswordHash("not a real password", salt, kdf.PasswordKDFVersion)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		store:     store,
		dummySalt: salt,
		dummyHash: hash,
	}, nil
}

// Register creates an account. The freshly derived hash is verified once
// before anything is written.
func (a *Authenticator) Register(ctx context.Context, username, password string) error {
	if err := ValidateCredentials(username, password); err != nil {
		return err
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		return err
	}
	hash, err := kdf.PasswordHash(password, salt, kdf.PasswordKDFVersion)
	if err != nil {
		return fmt.Errorf("derive password hash: %w", err)
	}
	ok, err := kdf.VerifyPassword(password, salt, hash, kdf.PasswordKDFVersion)
	if err != nil {
		return fmt.Errorf("verify password hash: %w", err)
	}
	if !ok {
		return errors.New("derived password hash does not verify")
	}

	err = a.store.Insert(ctx, model.Credential{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		KDFVersion:   kdf.PasswordKDFVersion,
	})
	if errors.Is(err, credential.ErrAccountExists) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Login checks username and password. Every failure, including store errors,
// comes back as ErrAuthenticationFailed.
func (a *Authenticator) Login(ctx context.Context, username, password string) error {
	if err := ValidateCredentials(username, password); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	rec, err := a.store.Lookup(ctx, username)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			log.Warn("credential lookup failed", zap.String("username", username), zap.Error(err))
		}
		_, _ = kdf.VerifyPassword(password, a.dummySalt, a.dummyHash, kdf.PasswordKDFVersion)
		return ErrAuthenticationFailed
	}
	defer memguard.WipeBytes(rec.PasswordHash)

	ok, err := kdf.VerifyPassword(password, rec.Salt, rec.PasswordHash, rec.KDFVersion)
	if err != nil {
		log.Warn("password verification error", zap.String("username", username), zap.Error(err))
		return ErrAuthenticationFailed
	}
	if !ok {
		return ErrAuthenticationFailed
	}
	return nil
}

// Delete removes an account after re-checking the password, then confirms
// the record is gone.
func (a *Authenticator) Delete(ctx context.Context, username, password string) error {
	if err := a.Login(ctx, username, password); err != nil {
		return err
	}

	if err := a.store.Delete(ctx, username); err != nil {
		return fmt.Errorf("%w: %w", ErrDeletionFailed, err)
	}

	present, err := a.exists(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeletionFailed, err)
	}
	if present {
		return ErrDeletionFailed
	}
	return nil
}

func (a *Authenticator) exists(ctx context.Context, username string) (bool, error) {
	if ec, ok := a.store.(existenceChecker); ok {
		return ec.Exists(ctx, username)
	}
	_, err := a.store.Lookup(ctx, username)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, credential.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
