package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sessionlink/internal/session"
	"sessionlink/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "sl:sess:"
	valueKeyPrefix   = "sl:"
)

// RedisStore persists sessions and auxiliary values as JSON blobs so the
// session layer survives process restarts. No TTL is applied to sessions;
// they live until logout or an expiry signal from the server.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, sess session.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+sess.UserID, blob, 0).Err()
}

func (s *RedisStore) Find(ctx context.Context, userID string) (session.Session, error) {
	blob, err := s.client.Get(ctx, sessionKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("redis get: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(blob, &sess); err != nil {
		// A corrupt blob must not crash startup; report it as invalid state
		// so callers can treat the session as absent.
		return session.Session{}, fmt.Errorf("corrupt session blob for %s: %w", userID, sentinel.ErrInvalidState)
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+userID).Err()
}

func (s *RedisStore) PutValue(ctx context.Context, namespace, key string, value []byte) error {
	return s.client.Set(ctx, valueKeyPrefix+namespace+":"+key, value, 0).Err()
}

func (s *RedisStore) GetValue(ctx context.Context, namespace, key string) ([]byte, error) {
	blob, err := s.client.Get(ctx, valueKeyPrefix+namespace+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return blob, nil
}

func (s *RedisStore) DeleteValue(ctx context.Context, namespace, key string) error {
	return s.client.Del(ctx, valueKeyPrefix+namespace+":"+key).Err()
}
