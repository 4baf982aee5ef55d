// Package store is the shared key-value and lock store that every scheduler
// instance talks to. Ledger entries and lock entries live here.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is atomic get/set on a single string key.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Locker is a named lock with a mandatory expiry.
type Locker interface {
	// Acquire takes key for token unless another unexpired holder has it.
	// A false result with a nil error means the lock is held elsewhere.
	Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	// Release drops key if token still holds it. Releasing a lock that
	// expired or was taken over is not an error.
	Release(ctx context.Context, key, token string) error
}

// Store is what a scheduler needs from the shared backend.
type Store interface {
	KV
	Locker
	Close() error
}
