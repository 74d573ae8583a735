package durable

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("durable store closed")

// Store is the namespaced key-value contract the session store relies on. No
// transactional guarantees across keys are assumed.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Pointer is the single-slot recovery pointer. Its operations are synchronous.
type Pointer interface {
	// Load returns the stored session id, or "" when the slot is empty.
	Load() (string, error)
	Store(sessionID string) error
	Clear() error
}
