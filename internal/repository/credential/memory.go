package credential

import (
	"context"
	"sync"

	"sma_chat/internal/model"
)

// MemoryStore keeps accounts in process memory. Used for development servers
// and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]model.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]model.Credential)}
}

func (s *MemoryStore) Insert(_ context.Context, rec model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Username]; ok {
		return ErrAccountExists
	}
	s.recs[rec.Username] = clone(rec)
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, username string) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[username]
	if !ok {
		return model.Credential{}, ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[username]; !ok {
		return ErrNotFound
	}
	delete(s.recs, username)
	return nil
}

func clone(rec model.Credential) model.Credential {
	rec.PasswordHash = append([]byte(nil), rec.PasswordHash...)
	rec.Salt = append([]byte(nil), rec.Salt...)
	return rec
}
