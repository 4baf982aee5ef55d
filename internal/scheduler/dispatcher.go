package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
	"slotguard/internal/events"
	"slotguard/internal/ledger"
	"slotguard/internal/lock"
	"slotguard/internal/metrics"
	"slotguard/internal/timeslot"
)

// PeriodicQueue lists due periodic definitions and enqueues them.
type PeriodicQueue interface {
	Name() string
	ReadPeriodic(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	EnqueuePeriodic(ctx context.Context, s domain.Schedule, now time.Time) (string, error)
}

// Reviver runs after the periodic pass on every tick.
type Reviver interface {
	Run(ctx context.Context, now time.Time)
}

type Config struct {
	Queue   PeriodicQueue
	Gate    *lock.Gate
	Ledger  *ledger.Ledger
	Emitter events.Emitter
	Reviver Reviver
	Metrics *metrics.Metrics

	// MultipleSchedulerLocking turns on the lock+ledger check. Without it
	// every due definition is enqueued by every scheduler.
	MultipleSchedulerLocking bool
	// LockLease defaults to lock.DefaultLease.
	LockLease time.Duration
}

// Dispatcher makes the per-tick periodic enqueue decisions.
type Dispatcher struct {
	queue   PeriodicQueue
	gate    *lock.Gate
	ledger  *ledger.Ledger
	emitter events.Emitter
	reviver Reviver
	metrics *metrics.Metrics
	locking bool
	lease   time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Log{}
	}
	lease := cfg.LockLease
	if lease <= 0 {
		lease = lock.DefaultLease
	}
	return &Dispatcher{
		queue:   cfg.Queue,
		gate:    cfg.Gate,
		ledger:  cfg.Ledger,
		emitter: emitter,
		reviver: cfg.Reviver,
		metrics: cfg.Metrics,
		locking: cfg.MultipleSchedulerLocking,
		lease:   lease,
	}
}

// Tick runs one scheduler pass: periodic enqueue, then dead-task revival.
// Errors are logged per definition; a tick always runs to completion.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	d.emitter.EmitStatus(ctx, events.CheckingPeriodic, now)
	log.Debug().Time("now", now).Msg("checking periodic tasks")

	due, err := d.queue.ReadPeriodic(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to read periodic tasks")
	}
	for _, def := range due {
		eligible, err := d.CheckAndSet(ctx, def, now)
		if err != nil {
			d.metrics.DecisionFailed(def.Name)
			log.Error().Err(err).Str("definition", def.Name).Msg("cannot confirm periodic task is unscheduled; skipping")
			continue
		}
		if !eligible {
			continue
		}
		d.enqueuePeriodic(ctx, def, now)
	}

	if d.reviver != nil {
		d.reviver.Run(ctx, now)
	}
}

// CheckAndSet reports whether def may be enqueued for the slot containing
// now, and claims that slot when it may. Under locking at most one caller per
// (queue, definition, slot) sees true.
func (d *Dispatcher) CheckAndSet(ctx context.Context, def domain.Schedule, now time.Time) (bool, error) {
	if !d.locking {
		return true, nil
	}

	q := d.queue.Name()
	key := ledger.Key(q, def.Name)
	logger := log.With().Str("queue", q).Str("definition", def.Name).Logger()

	var eligible bool
	err := d.gate.WithLock(ctx, ledger.LockKey(q, def.Name), d.lease, func(ctx context.Context) error {
		slot := timeslot.Encode(now)
		last, found, err := d.ledger.LastSlot(ctx, key)
		if err != nil {
			return err
		}
		if found && last == slot {
			d.metrics.Skipped(def.Name)
			logger.Info().Str("slot", slot.String()).Msg("time slot already scheduled; not scheduling periodic task")
			return nil
		}
		if err := d.ledger.RecordSlot(ctx, key, slot); err != nil {
			return err
		}
		logger.Info().Str("slot", slot.String()).Msg("recorded time slot for periodic task")
		eligible = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return eligible, nil
}

func (d *Dispatcher) enqueuePeriodic(ctx context.Context, def domain.Schedule, now time.Time) {
	d.emitter.EmitTask(ctx, events.SchedulingPeriodic, domain.Task{Type: def.TaskType, Args: def.Args, Kwargs: def.Kwargs}, now)
	log.Info().Str("definition", def.Name).Str("task_type", def.TaskType).Msg("scheduling periodic task")

	taskID, err := d.queue.EnqueuePeriodic(ctx, def, now)
	if err != nil && taskID == "" {
		log.Error().Err(err).Str("definition", def.Name).Msg("failed to enqueue periodic task")
		return
	}
	d.metrics.Enqueued(def.Name)
	if err != nil {
		log.Warn().Err(err).Str("definition", def.Name).Str("task_id", taskID).Msg("periodic task enqueued; run bookkeeping failed")
		return
	}
	log.Info().Str("definition", def.Name).Str("task_id", taskID).Msg("periodic task enqueued")
}
