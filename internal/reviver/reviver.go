// Package reviver restarts task instances whose worker died mid-run.
package reviver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
	"slotguard/internal/events"
	"slotguard/internal/metrics"
)

// Match selects how a rule compares against a dead task's type.
type Match string

const (
	MatchExact     Match = "exact"
	MatchSubstring Match = "substring"
)

// Rule marks a task type as restartable.
type Rule struct {
	TaskType string
	Match    Match
}

func (r Rule) matches(taskType string) bool {
	if r.Match == MatchSubstring {
		return strings.Contains(taskType, r.TaskType)
	}
	return taskType == r.TaskType
}

// Registry is the ordered set of restartable rules. It is filled at startup
// and only read afterwards.
type Registry struct {
	rules []Rule
}

func NewRegistry(rules ...Rule) (*Registry, error) {
	reg := &Registry{}
	for _, r := range rules {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (reg *Registry) Register(r Rule) error {
	if r.TaskType == "" {
		return fmt.Errorf("restartable rule: task type is required")
	}
	switch r.Match {
	case "":
		r.Match = MatchExact
	case MatchExact, MatchSubstring:
	default:
		return fmt.Errorf("restartable rule %s: unknown match %q", r.TaskType, r.Match)
	}
	reg.rules = append(reg.rules, r)
	return nil
}

// Lookup returns the first registered rule matching taskType.
func (reg *Registry) Lookup(taskType string) (Rule, bool) {
	if reg == nil {
		return Rule{}, false
	}
	for _, r := range reg.rules {
		if r.matches(taskType) {
			return r, true
		}
	}
	return Rule{}, false
}

func (reg *Registry) Len() int {
	if reg == nil {
		return 0
	}
	return len(reg.rules)
}

// Queue is the part of the task queue the reviver drives.
type Queue interface {
	DeadTasks(ctx context.Context, now time.Time) ([]domain.Task, error)
	RevokeByID(ctx context.Context, id string) error
	ClearHeartbeat(ctx context.Context, id string) error
	Enqueue(ctx context.Context, t domain.Task) (string, error)
}

type Reviver struct {
	queue    Queue
	registry *Registry
	emitter  events.Emitter
	metrics  *metrics.Metrics
}

func New(queue Queue, registry *Registry, emitter events.Emitter, m *metrics.Metrics) *Reviver {
	if emitter == nil {
		emitter = events.Log{}
	}
	return &Reviver{queue: queue, registry: registry, emitter: emitter, metrics: m}
}

// Run revives every dead task that has a restartable rule. Failures are
// isolated per task; Run never fails the tick.
func (r *Reviver) Run(ctx context.Context, now time.Time) {
	log.Debug().Msg("restart dead tasks")
	dead, err := r.queue.DeadTasks(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list dead tasks")
		return
	}
	for _, task := range dead {
		r.revive(ctx, task, now)
	}
}

func (r *Reviver) revive(ctx context.Context, task domain.Task, now time.Time) {
	rule, ok := r.registry.Lookup(task.Type)
	if !ok {
		r.metrics.Unmatched()
		log.Warn().Str("task_id", task.ID).Str("task_type", task.Type).Msg("dead task has no restartable rule; leaving it")
		return
	}

	if err := r.queue.RevokeByID(ctx, task.ID); err != nil {
		r.metrics.ReviveFailed(task.Type)
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to revoke dead task; not resubmitting")
		return
	}
	if err := r.queue.ClearHeartbeat(ctx, task.ID); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to clear heartbeat")
	}

	fresh := domain.Task{
		Type:              task.Type,
		Args:              task.Args,
		Kwargs:            task.Kwargs,
		Priority:          task.Priority,
		MaxAttempts:       task.MaxAttempts,
		VisibilityTimeout: task.VisibilityTimeout,
	}
	id, err := r.queue.Enqueue(ctx, fresh)
	if err != nil {
		r.metrics.ReviveFailed(task.Type)
		log.Error().Err(err).Str("task_id", task.ID).Str("task_type", task.Type).Msg("failed to resubmit dead task")
		return
	}
	fresh.ID = id
	r.metrics.Revived(task.Type)
	r.emitter.EmitTask(ctx, events.RevivingDead, fresh, now)
	log.Info().
		Str("task_id", task.ID).
		Str("new_task_id", id).
		Str("task_type", task.Type).
		Str("rule", rule.TaskType).
		RawJSON("args", rawOr(task.Args, "[]")).
		RawJSON("kwargs", rawOr(task.Kwargs, "{}")).
		Msg("restarted dead task")
}

func rawOr(raw []byte, empty string) []byte {
	if len(raw) == 0 {
		return []byte(empty)
	}
	return raw
}
