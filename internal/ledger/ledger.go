// Package ledger records, per periodic task definition, the last time slot
// for which it was enqueued. It provides no exclusivity of its own: callers
// read and write an entry only while holding the matching lock key.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"slotguard/internal/store"
	"slotguard/internal/timeslot"
)

// Key is the ledger entry for definition def in queue.
func Key(queue, def string) string { return queue + "." + def + ".time_pattern" }

// LockKey is the lock guarding Key(queue, def).
func LockKey(queue, def string) string { return queue + "." + def + ".periodic_lock" }

type Ledger struct {
	kv store.KV
}

func New(kv store.KV) *Ledger { return &Ledger{kv: kv} }

// LastSlot returns the recorded slot; found is false if none was ever
// recorded.
func (l *Ledger) LastSlot(ctx context.Context, key string) (slot timeslot.Slot, found bool, err error) {
	v, err := l.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read ledger %s: %w", key, err)
	}
	return timeslot.Slot(v), true, nil
}

// RecordSlot overwrites the entry unconditionally.
func (l *Ledger) RecordSlot(ctx context.Context, key string, slot timeslot.Slot) error {
	if err := l.kv.Set(ctx, key, string(slot)); err != nil {
		return fmt.Errorf("write ledger %s: %w", key, err)
	}
	return nil
}
