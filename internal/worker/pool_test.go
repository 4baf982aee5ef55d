package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"slotguard/internal/domain"
	"slotguard/internal/queue"
)

type countingRepo struct {
	queue.Repository
	beats int32
}

func (c *countingRepo) Heartbeat(ctx context.Context, id string, now time.Time) error {
	atomic.AddInt32(&c.beats, 1)
	return c.Repository.Heartbeat(ctx, id, now)
}

func newRepo(t *testing.T, deadAfter time.Duration) *countingRepo {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "queue.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return &countingRepo{Repository: queue.NewSQLiteRepo(db, "default", deadAfter)}
}

func waitState(t *testing.T, repo queue.Repository, id, state string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := repo.Get(context.Background(), id)
		if err == nil && tk.State == state {
			return tk
		}
		time.Sleep(10 * time.Millisecond)
	}
	tk, _ := repo.Get(context.Background(), id)
	t.Fatalf("task %s state = %s, want %s", id, tk.State, state)
	return tk
}

func TestPool_RunsHandlerAndHeartbeats(t *testing.T) {
	repo := newRepo(t, time.Minute)
	seen := make(chan string, 1)
	handlers := map[string]Handler{
		"report": HandlerFunc(func(ctx context.Context, tk domain.Task) error {
			seen <- string(tk.Kwargs)
			time.Sleep(80 * time.Millisecond)
			return nil
		}),
	}
	id, err := repo.Enqueue(context.Background(), domain.Task{Type: "report", Kwargs: []byte(`{"day":"mon"}`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(repo, handlers, 2, 5*time.Millisecond, 10*time.Millisecond).Run(ctx)

	waitState(t, repo, id, domain.StateSucceeded)
	if kw := <-seen; kw != `{"day":"mon"}` {
		t.Fatalf("handler saw kwargs %s", kw)
	}
	if atomic.LoadInt32(&repo.beats) == 0 {
		t.Fatal("no heartbeat written while handler ran")
	}
}

func TestPool_RetriesOnError(t *testing.T) {
	repo := newRepo(t, time.Minute)
	handlers := map[string]Handler{
		"flaky": HandlerFunc(func(context.Context, domain.Task) error { return errors.New("boom") }),
	}
	id, _ := repo.Enqueue(context.Background(), domain.Task{Type: "flaky", MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(repo, handlers, 1, 5*time.Millisecond, time.Second).Run(ctx)

	tk := waitState(t, repo, id, domain.StateFailed)
	if tk.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", tk.Attempts)
	}
}

func TestPool_UnknownTypeFails(t *testing.T) {
	repo := newRepo(t, time.Minute)
	id, _ := repo.Enqueue(context.Background(), domain.Task{Type: "nobody"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(repo, map[string]Handler{}, 1, 5*time.Millisecond, time.Second).Run(ctx)

	waitState(t, repo, id, domain.StateFailed)
}

func TestPool_QueuedTaskIsNotLeasedUntilAWorkerIsFree(t *testing.T) {
	repo := newRepo(t, 300*time.Millisecond)
	handlers := map[string]Handler{
		"slow": HandlerFunc(func(ctx context.Context, _ domain.Task) error {
			select {
			case <-time.After(700 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil
		}),
	}
	first, _ := repo.Enqueue(context.Background(), domain.Task{Type: "slow"})
	second, _ := repo.Enqueue(context.Background(), domain.Task{Type: "slow"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(repo, handlers, 1, 5*time.Millisecond, 50*time.Millisecond).Run(ctx)

	time.Sleep(450 * time.Millisecond)
	dead, err := repo.DeadTasks(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeadTasks: %v", err)
	}
	for _, tk := range dead {
		t.Errorf("task %s (state %s) reported dead while the pool is alive", tk.ID, tk.State)
	}
	if tk, _ := repo.Get(context.Background(), second); tk.State != domain.StateQueued {
		t.Fatalf("second task state = %s while the only worker is busy, want queued", tk.State)
	}

	waitState(t, repo, first, domain.StateSucceeded)
	waitState(t, repo, second, domain.StateSucceeded)
}

func TestExecute_SkipsTaskRevokedAfterLease(t *testing.T) {
	repo := newRepo(t, time.Minute)
	ran := false
	handlers := map[string]Handler{
		"report": HandlerFunc(func(context.Context, domain.Task) error { ran = true; return nil }),
	}
	ctx := context.Background()
	id, _ := repo.Enqueue(ctx, domain.Task{Type: "report"})
	tk, _, err := repo.LeaseNext(ctx, time.Now())
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := repo.RevokeByID(ctx, id); err != nil {
		t.Fatalf("RevokeByID: %v", err)
	}

	NewPool(repo, handlers, 1, time.Second, time.Second).execute(ctx, tk)

	if ran {
		t.Fatal("handler ran for a revoked task")
	}
	if got, _ := repo.Get(ctx, id); got.State != domain.StateCanceled {
		t.Fatalf("state = %s, want canceled", got.State)
	}
}

func TestPool_StopTwice(t *testing.T) {
	p := NewPool(newRepo(t, time.Minute), nil, 1, time.Second, time.Second)
	p.Stop()
	p.Stop()
}

func TestBackoffExp(t *testing.T) {
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 10: 60 * time.Second}
	for attempts, want := range cases {
		if got := backoffExp(attempts); got != want {
			t.Errorf("backoffExp(%d) = %v, want %v", attempts, got, want)
		}
	}
}
