package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
	"slotguard/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, t domain.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t domain.Task) error

func (f HandlerFunc) Handle(ctx context.Context, t domain.Task) error { return f(ctx, t) }

type Pool struct {
	repo           queue.Repository
	handlers       map[string]Handler
	sem            chan struct{}
	stop           chan struct{}
	stopOnce       sync.Once
	pollEvery      time.Duration
	heartbeatEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery, heartbeatEvery time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = 10 * time.Second
	}
	return &Pool{
		repo:           repo,
		handlers:       handlers,
		sem:            make(chan struct{}, size),
		stop:           make(chan struct{}),
		pollEvery:      pollEvery,
		heartbeatEvery: heartbeatEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			for {
				// A task is leased only once a worker is free to heartbeat it.
				select {
				case p.sem <- struct{}{}:
				case <-ctx.Done():
					return
				case <-p.stop:
					return
				}
				task, _, err := p.repo.LeaseNext(ctx, time.Now())
				if err != nil {
					<-p.sem
					if !errors.Is(err, queue.ErrEmpty) {
						log.Error().Err(err).Msg("lease next task")
					}
					break
				}
				go func(tk domain.Task) {
					defer func() { <-p.sem }()
					p.execute(ctx, tk)
				}(task)
			}
		}
	}
}

func (p *Pool) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	current, err := p.repo.Get(ctx, tk.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", tk.ID).Msg("load leased task")
		return
	}
	if current.State != domain.StateRunning {
		log.Info().Str("task_id", tk.ID).Str("state", current.State).Msg("task no longer running; skipping")
		return
	}

	h, ok := p.handlers[tk.Type]
	if !ok {
		_ = p.repo.Fail(ctx, tk.ID, "no handler")
		log.Warn().Str("task_id", tk.ID).Str("task_type", tk.Type).Msg("no handler for task type")
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()
	stopBeat := p.heartbeat(c, tk.ID)
	err = h.Handle(c, tk)
	stopBeat()

	if err != nil {
		next := backoffExp(tk.Attempts)
		log.Warn().Err(err).Str("task_id", tk.ID).Dur("retry_in", next).Msg("task failed")
		if err := p.repo.Retry(ctx, tk.ID, err.Error(), next); err != nil {
			log.Error().Err(err).Str("task_id", tk.ID).Msg("record retry")
		}
		return
	}
	if err := p.repo.Succeed(ctx, tk.ID); err != nil {
		log.Error().Err(err).Str("task_id", tk.ID).Msg("record success")
	}
}

// heartbeat refreshes the task's heartbeat until the returned func is called.
// A task that stops heartbeating is eventually reported dead.
func (p *Pool) heartbeat(ctx context.Context, id string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(p.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case now := <-t.C:
				if err := p.repo.Heartbeat(ctx, id, now); err != nil {
					log.Warn().Err(err).Str("task_id", id).Msg("heartbeat")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
