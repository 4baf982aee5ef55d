package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"slotguard/internal/api"
	"slotguard/internal/config"
	"slotguard/internal/events"
	httphandler "slotguard/internal/handlers/http"
	"slotguard/internal/handlers/shell"
	"slotguard/internal/ledger"
	"slotguard/internal/lock"
	"slotguard/internal/metrics"
	"slotguard/internal/queue"
	"slotguard/internal/reviver"
	"slotguard/internal/scheduler"
	"slotguard/internal/store"
	"slotguard/internal/worker"
)

// app holds every wired component of one slotguard process.
type app struct {
	cfg      config.Config
	db       *sql.DB
	repo     queue.Repository
	store    store.Store
	ledger   *ledger.Ledger
	registry *prometheus.Registry
	service  *scheduler.Service
	pool     *worker.Pool
	closers  []func() error
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.db, err = openSQLite(cfg.DB); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	if err = queue.EnsureSchema(a.db); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	a.repo = queue.NewSQLiteRepo(a.db, cfg.QueueName, cfg.Scheduler.HeartbeatTimeout)

	if a.store, err = openStore(ctx, cfg.Store, a.db); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	a.ledger = ledger.New(a.store)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	emitter := events.Multi{events.Log{}}
	if cfg.Events.AMQPURL != "" {
		amqpEmitter, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.QueueName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, amqpEmitter.Close)
		emitter = append(emitter, amqpEmitter)
	}

	rules, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	dispatcher := scheduler.NewDispatcher(scheduler.Config{
		Queue:                    a.repo,
		Gate:                     lock.NewGate(a.store, cfg.Scheduler.LockWait, cfg.Scheduler.LockPoll),
		Ledger:                   a.ledger,
		Emitter:                  emitter,
		Reviver:                  reviver.New(a.repo, rules, emitter, m),
		Metrics:                  m,
		MultipleSchedulerLocking: cfg.Scheduler.MultipleSchedulerLocking,
		LockLease:                cfg.Scheduler.LockLease,
	})
	a.service = scheduler.NewService(dispatcher, cfg.Scheduler.Interval, cfg.Scheduler.UTC)

	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httphandler.HTTP{},
	}
	a.pool = worker.NewPool(a.repo, handlers, cfg.Workers.Count, cfg.Workers.Poll, cfg.Workers.Heartbeat)

	log.Info().
		Str("queue", cfg.QueueName).
		Str("store", cfg.Store.Driver).
		Bool("locking", cfg.Scheduler.MultipleSchedulerLocking).
		Int("restartable", rules.Len()).
		Msg("slotguard wired")
	return a, nil
}

// openStore returns the shared store for ledger entries and locks.
func openStore(ctx context.Context, sc config.StoreConfig, queueDB *sql.DB) (store.Store, error) {
	switch sc.Driver {
	case "memory":
		log.Warn().Msg("memory store only coordinates schedulers inside this process")
		return store.NewMemory(), nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool), nil
	case "sqlite":
		db := queueDB
		if sc.DSN != "" {
			var err error
			if db, err = openSQLite(sc.DSN); err != nil {
				return nil, err
			}
		}
		if err := store.EnsureSQLiteSchema(db); err != nil {
			return nil, fmt.Errorf("ensure store schema: %w", err)
		}
		s := store.NewSQLite(db)
		if db == queueDB {
			return s, nil
		}
		return closingStore{Store: s, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// closingStore also closes the database the store was opened on.
type closingStore struct {
	store.Store
	close func() error
}

func (c closingStore) Close() error {
	return errors.Join(c.Store.Close(), c.close())
}

func (a *app) handler() http.Handler {
	return api.NewServer(a.repo, a.ledger, a.registry, a.cfg.HTTP.Debug)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
