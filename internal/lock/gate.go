// Package lock scopes a function to a short-lived distributed lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"slotguard/internal/store"
)

// DefaultLease bounds how long a crashed holder can keep a key.
const DefaultLease = 60 * time.Second

// ErrTimeout means the lock stayed held by someone else for the whole wait
// budget.
var ErrTimeout = errors.New("lock: wait budget exhausted")

// Gate runs functions under a named lock. Wait bounds how long a caller
// blocks on a held lock; the lease only bounds how long a holder keeps it.
type Gate struct {
	locker store.Locker
	wait   time.Duration
	poll   time.Duration
}

func NewGate(locker store.Locker, wait, poll time.Duration) *Gate {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Gate{locker: locker, wait: wait, poll: poll}
}

// WithLock acquires key with the given lease, runs fn and releases the lock
// on every return path. When acquisition fails fn is not called.
func (g *Gate) WithLock(ctx context.Context, key string, lease time.Duration, fn func(ctx context.Context) error) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	token := uuid.NewString()
	if err := g.acquire(ctx, key, token, lease); err != nil {
		return err
	}
	defer func() {
		// release even if the tick's context was cancelled meanwhile
		if err := g.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn().Err(err).Str("lock", key).Msg("release lock failed; lease will expire")
		}
	}()
	return fn(ctx)
}

func (g *Gate) acquire(ctx context.Context, key, token string, lease time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(g.poll), 1)
	limiter.ReserveN(time.Now(), 1) // spend the initial token so the first retry waits a full poll
	for {
		ok, err := g.locker.Acquire(waitCtx, key, token, lease)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w: %s", ErrTimeout, key)
			}
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
			}
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}
	}
}
