package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"slotguard/internal/domain"
	"slotguard/internal/events"
	"slotguard/internal/ledger"
	"slotguard/internal/lock"
	"slotguard/internal/metrics"
	"slotguard/internal/queue"
	"slotguard/internal/store"
)

var scenarioNow = time.Date(2024, 3, 1, 10, 5, 30, 0, time.UTC)

var dailyReport = domain.Schedule{ID: "sch_1", Name: "DailyReport", CronExpr: "5 10 * * *", TaskType: "report"}

type fakeQueue struct {
	name string
	due  []domain.Schedule

	mu       sync.Mutex
	enqueued []string
	order    *[]string
}

func (f *fakeQueue) Name() string { return f.name }

func (f *fakeQueue) ReadPeriodic(context.Context, time.Time) ([]domain.Schedule, error) {
	return f.due, nil
}

func (f *fakeQueue) EnqueuePeriodic(_ context.Context, s domain.Schedule, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, s.Name)
	if f.order != nil {
		*f.order = append(*f.order, "enqueue:"+s.Name)
	}
	return "tsk_" + s.Name, nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
	order *[]string
}

func (r *recorder) EmitStatus(_ context.Context, kind events.Kind, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	if r.order != nil {
		*r.order = append(*r.order, string(kind))
	}
}

func (r *recorder) EmitTask(_ context.Context, kind events.Kind, _ domain.Task, _ time.Time) {
	r.EmitStatus(context.Background(), kind, time.Time{})
}

type reviverFunc func(ctx context.Context, now time.Time)

func (f reviverFunc) Run(ctx context.Context, now time.Time) { f(ctx, now) }

type downStore struct{ err error }

func (d downStore) Get(context.Context, string) (string, error)   { return "", d.err }
func (d downStore) Set(context.Context, string, string) error     { return d.err }
func (d downStore) Release(context.Context, string, string) error { return d.err }
func (d downStore) Close() error                                  { return nil }
func (d downStore) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, d.err
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func newDispatcher(q PeriodicQueue, s store.Store, locking bool) *Dispatcher {
	return NewDispatcher(Config{
		Queue:                    q,
		Gate:                     lock.NewGate(s, 5*time.Second, time.Millisecond),
		Ledger:                   ledger.New(s),
		Emitter:                  events.Log{},
		MultipleSchedulerLocking: locking,
	})
}

func sqliteStore(t *testing.T) (*sql.DB, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "shared.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("ensure store schema: %v", err)
	}
	return db, store.NewSQLite(db)
}

func TestCheckAndSet_ConcurrentSchedulersSingleWinner(t *testing.T) {
	_, sq := sqliteStore(t)
	backends := map[string]store.Store{"memory": store.NewMemory(), "sqlite": sq}
	for name, shared := range backends {
		t.Run(name, func(t *testing.T) {
			const n = 20
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				eligible int
			)
			for i := 0; i < n; i++ {
				d := newDispatcher(&fakeQueue{name: "default"}, shared, true)
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := d.CheckAndSet(context.Background(), dailyReport, scenarioNow)
					if err != nil {
						t.Errorf("CheckAndSet: %v", err)
						return
					}
					if ok {
						mu.Lock()
						eligible++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if eligible != 1 {
				t.Fatalf("expected exactly one eligible scheduler, got %d", eligible)
			}
		})
	}
}

func TestCheckAndSet_LockingDisabledAlwaysEligible(t *testing.T) {
	shared := store.NewMemory()
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		d := newDispatcher(&fakeQueue{name: "default"}, shared, false)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.CheckAndSet(context.Background(), dailyReport, scenarioNow)
		}(i)
	}
	wg.Wait()
	for i, ok := range results {
		if !ok {
			t.Fatalf("caller %d not eligible with locking disabled", i)
		}
	}
	if _, err := shared.Get(context.Background(), ledger.Key("default", "DailyReport")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ledger written with locking disabled: %v", err)
	}
}

func TestCheckAndSet_Idempotent(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(&fakeQueue{name: "default"}, store.NewMemory(), true)

	first, err := d.CheckAndSet(ctx, dailyReport, scenarioNow)
	if err != nil || !first {
		t.Fatalf("first call = %v, %v; want eligible", first, err)
	}
	second, err := d.CheckAndSet(ctx, dailyReport, scenarioNow.Add(20*time.Second))
	if err != nil || second {
		t.Fatalf("second call in same minute = %v, %v; want not eligible", second, err)
	}
	next, err := d.CheckAndSet(ctx, dailyReport, scenarioNow.Add(time.Minute))
	if err != nil || !next {
		t.Fatalf("next minute = %v, %v; want eligible", next, err)
	}
}

func TestCheckAndSet_DefinitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(&fakeQueue{name: "default"}, store.NewMemory(), true)
	other := domain.Schedule{Name: "Cleanup", CronExpr: "* * * * *", TaskType: "cleanup"}

	if ok, _ := d.CheckAndSet(ctx, dailyReport, scenarioNow); !ok {
		t.Fatal("DailyReport not eligible")
	}
	if ok, _ := d.CheckAndSet(ctx, other, scenarioNow); !ok {
		t.Fatal("Cleanup blocked by DailyReport's slot")
	}
}

func TestCheckAndSet_QueuesAreNamespaced(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	a := newDispatcher(&fakeQueue{name: "alpha"}, shared, true)
	b := newDispatcher(&fakeQueue{name: "beta"}, shared, true)
	if ok, _ := a.CheckAndSet(ctx, dailyReport, scenarioNow); !ok {
		t.Fatal("alpha not eligible")
	}
	if ok, _ := b.CheckAndSet(ctx, dailyReport, scenarioNow); !ok {
		t.Fatal("beta blocked by alpha's ledger")
	}
}

func TestTick_StoreDownFailsClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	down := downStore{err: errors.New("connection refused")}
	q := &fakeQueue{name: "default", due: []domain.Schedule{dailyReport, {Name: "Cleanup"}}}
	revived := false
	d := NewDispatcher(Config{
		Queue:                    q,
		Gate:                     lock.NewGate(down, 50*time.Millisecond, time.Millisecond),
		Ledger:                   ledger.New(down),
		Reviver:                  reviverFunc(func(context.Context, time.Time) { revived = true }),
		Metrics:                  m,
		MultipleSchedulerLocking: true,
	})

	d.Tick(context.Background(), scenarioNow)

	if q.count() != 0 {
		t.Fatalf("enqueued %d tasks without exclusivity", q.count())
	}
	if !revived {
		t.Fatal("reviver skipped after per-definition failures")
	}
	if got := counterValue(t, reg, "slotguard_periodic_decision_failures_total", "definition", "Cleanup"); got != 1 {
		t.Fatalf("decision failures for Cleanup = %v, want 1", got)
	}
}

func TestTick_LockHeldElsewhereSkipsDefinition(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	if ok, _ := shared.Acquire(ctx, ledger.LockKey("default", "DailyReport"), "stuck", time.Hour); !ok {
		t.Fatal("setup acquire failed")
	}
	cleanup := domain.Schedule{Name: "Cleanup", TaskType: "cleanup"}
	q := &fakeQueue{name: "default", due: []domain.Schedule{dailyReport, cleanup}}
	d := NewDispatcher(Config{
		Queue:                    q,
		Gate:                     lock.NewGate(shared, 20*time.Millisecond, time.Millisecond),
		Ledger:                   ledger.New(shared),
		MultipleSchedulerLocking: true,
	})

	d.Tick(ctx, scenarioNow)

	if q.count() != 1 || q.enqueued[0] != "Cleanup" {
		t.Fatalf("enqueued %v, want only Cleanup", q.enqueued)
	}
}

func TestTick_Order(t *testing.T) {
	var order []string
	q := &fakeQueue{name: "default", due: []domain.Schedule{dailyReport}, order: &order}
	d := NewDispatcher(Config{
		Queue:   q,
		Gate:    lock.NewGate(store.NewMemory(), time.Second, time.Millisecond),
		Ledger:  ledger.New(store.NewMemory()),
		Emitter: &recorder{order: &order},
		Reviver: reviverFunc(func(context.Context, time.Time) { order = append(order, "revive") }),
	})

	d.Tick(context.Background(), scenarioNow)

	want := []string{"checking-periodic", "scheduling-periodic", "enqueue:DailyReport", "revive"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// Two scheduler processes share one SQLite file for both the queue and the
// lock/ledger store, and tick at the same instant.
func TestTick_TwoSchedulersEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, shared := sqliteStore(t)
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure queue schema: %v", err)
	}
	repoA := queue.NewSQLiteRepo(db, "default", time.Minute)
	repoB := queue.NewSQLiteRepo(db, "default", time.Minute)
	if _, err := repoA.CreateSchedule(ctx, domain.Schedule{
		Name: "DailyReport", CronExpr: "5 10 * * *", TaskType: "report", Enabled: true, NextRun: scenarioNow,
	}); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	var wg sync.WaitGroup
	for _, repo := range []queue.Repository{repoA, repoB} {
		d := newDispatcher(repo, shared, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Tick(ctx, scenarioNow)
		}()
	}
	wg.Wait()

	tasks, err := repoA.ListRecentTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != "report" {
		t.Fatalf("expected exactly one enqueued report task, got %+v", tasks)
	}
	slot, err := shared.Get(ctx, "default.DailyReport.time_pattern")
	if err != nil {
		t.Fatalf("ledger read: %v", err)
	}
	if slot != "month3.day1.week_day5.hour10.minute5" {
		t.Fatalf("ledger slot = %q", slot)
	}
}

func TestTick_LockingDisabledDuplicates(t *testing.T) {
	shared := store.NewMemory()
	q := &fakeQueue{name: "default", due: []domain.Schedule{dailyReport}}
	for i := 0; i < 3; i++ {
		newDispatcher(q, shared, false).Tick(context.Background(), scenarioNow)
	}
	if q.count() != 3 {
		t.Fatalf("expected every scheduler to enqueue, got %d", q.count())
	}
}
