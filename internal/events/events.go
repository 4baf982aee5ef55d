// Package events publishes scheduler observability events.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
)

// Kind names an event.
type Kind string

const (
	CheckingPeriodic   Kind = "checking-periodic"
	SchedulingPeriodic Kind = "scheduling-periodic"
	RevivingDead       Kind = "reviving-dead"
)

// Emitter is best effort: implementations log delivery failures instead of
// returning them, so emission never changes a scheduling decision.
type Emitter interface {
	EmitStatus(ctx context.Context, kind Kind, ts time.Time)
	EmitTask(ctx context.Context, kind Kind, task domain.Task, ts time.Time)
}

// Log writes events to the global zerolog logger at debug level.
type Log struct{}

func (Log) EmitStatus(_ context.Context, kind Kind, ts time.Time) {
	log.Debug().Str("event", string(kind)).Time("ts", ts).Msg("status event")
}

func (Log) EmitTask(_ context.Context, kind Kind, task domain.Task, ts time.Time) {
	log.Debug().
		Str("event", string(kind)).
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Time("ts", ts).
		Msg("task event")
}

// Multi fans out to every emitter in order.
type Multi []Emitter

func (m Multi) EmitStatus(ctx context.Context, kind Kind, ts time.Time) {
	for _, e := range m {
		e.EmitStatus(ctx, kind, ts)
	}
}

func (m Multi) EmitTask(ctx context.Context, kind Kind, task domain.Task, ts time.Time) {
	for _, e := range m {
		e.EmitTask(ctx, kind, task, ts)
	}
}
