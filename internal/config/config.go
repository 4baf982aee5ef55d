// Package config loads the slotguard YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"slotguard/internal/reviver"
)

type Config struct {
	QueueName   string            `yaml:"queue_name"`
	DB          string            `yaml:"db"` // SQLite queue database path
	Store       StoreConfig       `yaml:"store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Workers     WorkersConfig     `yaml:"workers"`
	HTTP        HTTPConfig        `yaml:"http"`
	Events      EventsConfig      `yaml:"events"`
	Restartable []RestartableRule `yaml:"restartable"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig selects the shared store holding slot ledger entries and locks.
// Driver is one of "sqlite", "postgres" or "memory". An empty sqlite DSN
// reuses the queue database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Interval                 time.Duration `yaml:"interval"`
	UTC                      bool          `yaml:"utc"`
	MultipleSchedulerLocking bool          `yaml:"multiple_scheduler_locking"`
	LockLease                time.Duration `yaml:"lock_lease"`
	LockWait                 time.Duration `yaml:"lock_wait"`
	LockPoll                 time.Duration `yaml:"lock_poll"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
}

type WorkersConfig struct {
	Count     int           `yaml:"count"`
	Poll      time.Duration `yaml:"poll"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// EventsConfig enables the AMQP emitter when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type RestartableRule struct {
	TaskType string `yaml:"task_type"`
	Match    string `yaml:"match"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

func Default() Config {
	return Config{
		QueueName: "default",
		DB:        "slotguard.db",
		Store:     StoreConfig{Driver: "sqlite"},
		Scheduler: SchedulerConfig{
			Interval:                 time.Minute,
			UTC:                      true,
			MultipleSchedulerLocking: false,
			LockLease:                time.Minute,
			LockWait:                 10 * time.Second,
			LockPoll:                 100 * time.Millisecond,
			HeartbeatTimeout:         2 * time.Minute,
		},
		Workers: WorkersConfig{
			Count:     8,
			Poll:      250 * time.Millisecond,
			Heartbeat: 10 * time.Second,
		},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Events: EventsConfig{Exchange: "slotguard.events"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load decodes path over Default. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.QueueName == "" {
		errs = append(errs, errors.New("queue_name is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	positive := map[string]time.Duration{
		"scheduler.interval":          c.Scheduler.Interval,
		"scheduler.lock_lease":        c.Scheduler.LockLease,
		"scheduler.lock_wait":         c.Scheduler.LockWait,
		"scheduler.lock_poll":         c.Scheduler.LockPoll,
		"scheduler.heartbeat_timeout": c.Scheduler.HeartbeatTimeout,
		"workers.poll":                c.Workers.Poll,
		"workers.heartbeat":           c.Workers.Heartbeat,
	}
	for field, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: duration must be > 0", field))
		}
	}
	if c.Workers.Heartbeat >= c.Scheduler.HeartbeatTimeout && c.Workers.Heartbeat > 0 {
		errs = append(errs, errors.New("workers.heartbeat must be shorter than scheduler.heartbeat_timeout"))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be > 0"))
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Registry builds the restartable task registry from the configured rules.
func (c Config) Registry() (*reviver.Registry, error) {
	rules := make([]reviver.Rule, 0, len(c.Restartable))
	for _, r := range c.Restartable {
		rules = append(rules, reviver.Rule{TaskType: r.TaskType, Match: reviver.Match(r.Match)})
	}
	return reviver.NewRegistry(rules...)
}
