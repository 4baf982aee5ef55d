package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"slotguard/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("not found")
)

// EnsureSchema creates tables if they don't exist. Timestamps are unix millis.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  args TEXT NOT NULL DEFAULT '[]',
  kwargs TEXT NOT NULL DEFAULT '{}',
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  heartbeat_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_heartbeat ON tasks(state, heartbeat_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  args TEXT NOT NULL DEFAULT '[]',
  kwargs TEXT NOT NULL DEFAULT '{}',
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled, name);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Name namespaces ledger and lock keys; every scheduler sharing a
	// queue must use the same name.
	Name() string

	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Heartbeat(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)

	// Dead task handling
	DeadTasks(ctx context.Context, now time.Time) ([]domain.Task, error)
	RevokeByID(ctx context.Context, id string) error
	ClearHeartbeat(ctx context.Context, id string) error

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ReadPeriodic(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	EnqueuePeriodic(ctx context.Context, s domain.Schedule, now time.Time) (string, error)
}

type sqliteRepo struct {
	db        *sql.DB
	name      string
	deadAfter time.Duration
	now       func() time.Time
}

// NewSQLiteRepo returns a queue named name. A running task whose heartbeat is
// older than deadAfter is reported by DeadTasks.
func NewSQLiteRepo(db *sql.DB, name string, deadAfter time.Duration) Repository {
	if deadAfter <= 0 {
		deadAfter = 2 * time.Minute
	}
	return &sqliteRepo{db: db, name: name, deadAfter: deadAfter, now: time.Now}
}

type Lease struct{ Until time.Time }

func (r *sqliteRepo) Name() string { return r.name }

const taskColumns = `id,type,args,kwargs,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,heartbeat_at,created_at,updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                         domain.Task
		args, kwargs              string
		nextRun, created, updated int64
		idem                      sql.NullString
		heartbeat                 sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Type, &args, &kwargs, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State,
		&nextRun, &t.VisibilityTimeout, &idem, &heartbeat, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Args = json.RawMessage(args)
	t.Kwargs = json.RawMessage(kwargs)
	t.NextRunAt = time.UnixMilli(nextRun)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	if heartbeat.Valid {
		hb := time.UnixMilli(heartbeat.Int64)
		t.HeartbeatAt = &hb
	}
	return t, nil
}

func orEmpty(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}

	// Check for existing task with same idempotency key
	if t.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,args,kwargs,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,?,'queued',0,?,?,?,?,?,?)
`, id, t.Type, orEmpty(t.Args, "[]"), orEmpty(t.Kwargs, "{}"), t.Priority, t.MaxAttempts, now, t.VisibilityTimeout, t.IdempotencyKey, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return id, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now.UnixMilli())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	ms := now.UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state='running', heartbeat_at=?, updated_at=? WHERE id=?`, ms, ms, t.ID); err != nil {
		return domain.Task{}, Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.State = domain.StateRunning
	t.HeartbeatAt = &now
	return t, Lease{Until: now.Add(time.Duration(t.VisibilityTimeout) * time.Second)}, nil
}

func (r *sqliteRepo) Heartbeat(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET heartbeat_at=? WHERE id=? AND state='running'`, now.UnixMilli(), id)
	return err
}

// finish records an attempt and applies update to a task that is still
// running. A task revoked while its handler ran is left alone.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := r.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,?)`,
		id, success, errStr, now); err != nil {
		return err
	}
	args = append(args, now, id)
	if _, err := tx.ExecContext(ctx, update+`, heartbeat_at=NULL, updated_at=? WHERE id=? AND state='running'`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?`, r.now().Add(delay).UnixMilli())
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `UPDATE tasks SET state='succeeded'`)
}

// Fail is a hard failure: the task moves to failed and is not retried.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `UPDATE tasks SET state='failed'`)
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
}

// DeadTasks lists running tasks whose worker stopped heartbeating.
func (r *sqliteRepo) DeadTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	cutoff := now.Add(-r.deadAfter).UnixMilli()
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE state='running' AND COALESCE(heartbeat_at, updated_at) < ?
ORDER BY created_at ASC`, cutoff)
}

// RevokeByID cancels a task that has not finished. Revoking an unknown or
// already finished task is a no-op.
func (r *sqliteRepo) RevokeByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks SET state='canceled', updated_at=?
WHERE id=? AND state IN ('queued','running')`, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}
	return nil
}

func (r *sqliteRepo) ClearHeartbeat(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET heartbeat_at=NULL WHERE id=?`, id)
	return err
}

const scheduleColumns = `id,name,cron_expr,task_type,args,kwargs,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s                         domain.Schedule
		args, kwargs              string
		lastRun                   sql.NullInt64
		nextRun, created, updated int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &args, &kwargs, &s.Priority, &s.MaxAttempts,
		&s.Enabled, &lastRun, &nextRun, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	s.Args = json.RawMessage(args)
	s.Kwargs = json.RawMessage(kwargs)
	if lastRun.Valid {
		lr := time.UnixMilli(lastRun.Int64)
		s.LastRun = &lr
	}
	s.NextRun = time.UnixMilli(nextRun)
	s.CreatedAt = time.UnixMilli(created)
	s.UpdatedAt = time.UnixMilli(updated)
	return s, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	var lastRun *int64
	if s.LastRun != nil {
		ms := s.LastRun.UnixMilli()
		lastRun = &ms
	}

	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,args,kwargs,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.CronExpr, s.TaskType, orEmpty(s.Args, "[]"), orEmpty(s.Kwargs, "{}"), s.Priority, s.MaxAttempts,
		s.Enabled, lastRun, s.NextRun.UnixMilli(), now, now)
	if err != nil {
		return "", fmt.Errorf("create schedule %s: %w", s.Name, err)
	}
	return id, nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,args=?,kwargs=?,priority=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, s.TaskType, orEmpty(s.Args, "[]"), orEmpty(s.Kwargs, "{}"), s.Priority, s.MaxAttempts,
		s.Enabled, s.NextRun.UnixMilli(), r.now().UnixMilli(), s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

// ReadPeriodic returns the enabled schedules whose cron expression fires in
// the minute containing now. Schedules with a broken expression are skipped.
func (r *sqliteRepo) ReadPeriodic(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	all, err := r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, s := range all {
		if ok, err := IsDue(s.CronExpr, now); err == nil && ok {
			due = append(due, s)
		}
	}
	return due, nil
}

// EnqueuePeriodic submits one instance of s and records the run.
func (r *sqliteRepo) EnqueuePeriodic(ctx context.Context, s domain.Schedule, now time.Time) (string, error) {
	taskID, err := r.Enqueue(ctx, domain.Task{
		Type:        s.TaskType,
		Args:        s.Args,
		Kwargs:      s.Kwargs,
		Priority:    s.Priority,
		MaxAttempts: s.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	nextRun, err := NextRunTime(s.CronExpr, now)
	if err != nil {
		return taskID, fmt.Errorf("next run for %s: %w", s.Name, err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`,
		now.UnixMilli(), nextRun.UnixMilli(), r.now().UnixMilli(), s.ID)
	if err != nil {
		return taskID, fmt.Errorf("update schedule run times: %w", err)
	}
	return taskID, nil
}
