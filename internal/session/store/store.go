package store

import (
	"context"

	"sessionlink/internal/session"
	"sessionlink/pkg/platform/sentinel"
)

// ErrNotFound keeps storage-specific 404s consistent across implementations.
var ErrNotFound = sentinel.ErrNotFound

// Store persists per-user authentication state. Implementations must make
// writes atomic per key; keys are namespaced by user so there is no cross-user
// interaction. The generic value surface carries auxiliary per-user data (the
// verification cache mirror) without widening the session contract.
type Store interface {
	Save(ctx context.Context, s session.Session) error
	Find(ctx context.Context, userID string) (session.Session, error)
	Delete(ctx context.Context, userID string) error

	PutValue(ctx context.Context, namespace, key string, value []byte) error
	GetValue(ctx context.Context, namespace, key string) ([]byte, error)
	DeleteValue(ctx context.Context, namespace, key string) error
}
