// Package credential persists account records for the relay server.
package credential

import (
	"context"
	"errors"

	"sma_chat/internal/model"
)

var (
	ErrNotFound      = errors.New("credential not found")
	ErrAccountExists = errors.New("account already exists")
)

// Store is the account table. Usernames are unique.
type Store interface {
	Insert(ctx context.Context, rec model.Credential) error
	Lookup(ctx context.Context, username string) (model.Credential, error)
	Delete(ctx context.Context, username string) error
}
