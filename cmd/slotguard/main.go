package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slotguard/internal/config"
	"slotguard/internal/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagDB        string
	flagQueue     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "slotguard",
		Short:        "Task queue with multi-scheduler safe periodic enqueue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("SLOTGUARD_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: console|json")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite queue database path")
	root.PersistentFlags().StringVar(&flagQueue, "queue", "", "Queue name")

	root.AddCommand(newServeCmd(), newTickCmd())
	return root
}

// loadConfig reads the config file, applies command line overrides and sets
// up logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = flagLogFormat
	}
	if flags.Changed("db") {
		cfg.DB = flagDB
	}
	if flags.Changed("queue") {
		cfg.QueueName = flagQueue
	}
	if flags.Changed("addr") {
		cfg.HTTP.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("workers") {
		cfg.Workers.Count, _ = flags.GetInt("workers")
	}
	if flags.Changed("locking") {
		cfg.Scheduler.MultipleSchedulerLocking, _ = flags.GetBool("locking")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker pool and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address")
	cmd.Flags().Int("workers", 8, "number of worker goroutines")
	cmd.Flags().Bool("locking", false, "enable multi-scheduler locking")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.pool.Run(ctx)
	go a.service.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: a.handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newTickCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			return tick(cmd.Context(), cfg, now)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "tick time (RFC3339), defaults to now")
	cmd.Flags().Bool("locking", false, "enable multi-scheduler locking")
	return cmd
}

func tick(ctx context.Context, cfg config.Config, now time.Time) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.service.TickOnce(ctx, now)
	return nil
}
