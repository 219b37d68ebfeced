package credential

import (
	"context"
	"encoding/json"
	"time"

	"sma_chat/internal/model"
	"sma_chat/internal/service/redis"
)

const redisKeyPrefix = "sma:credential:"

type (
	// KeyValue is the part of redis.RedisService the store needs.
	KeyValue interface {
		SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
		Get(ctx context.Context, key string) (string, error)
		Del(ctx context.Context, key string) (int64, error)
		Exists(ctx context.Context, key string) (bool, error)
	}

	// RedisStore keeps one JSON document per account under a prefixed key.
	RedisStore struct {
		rdb KeyValue
	}
)

var _ KeyValue = (*redis.RedisService)(nil)

func NewRedisStore(rdb KeyValue) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Insert(ctx context.Context, rec model.Credential) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, redisKeyPrefix+rec.Username, data, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountExists
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, username string) (model.Credential, error) {
	raw, err := s.rdb.Get(ctx, redisKeyPrefix+username)
	if redis.IsNil(err) {
		return model.Credential{}, ErrNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	var rec model.Credential
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.Credential{}, err
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, username string) error {
	n, err := s.rdb.Del(ctx, redisKeyPrefix+username)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists is a cheaper presence check than Lookup.
func (s *RedisStore) Exists(ctx context.Context, username string) (bool, error) {
	return s.rdb.Exists(ctx, redisKeyPrefix+username)
}
