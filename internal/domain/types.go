package domain

import (
	"encoding/json"
	"time"
)

// Task states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Task is one concrete unit of work. Type names the definition it belongs to.
type Task struct {
	ID                string
	Type              string
	Args              json.RawMessage // positional, JSON array
	Kwargs            json.RawMessage // keyword, JSON object
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	HeartbeatAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Schedule is a periodic task definition. Name is the stable identifier used
// to namespace ledger and lock keys.
type Schedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	Args        json.RawMessage `json:"args,omitempty"`
	Kwargs      json.RawMessage `json:"kwargs,omitempty"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	NextRun     time.Time       `json:"next_run"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
