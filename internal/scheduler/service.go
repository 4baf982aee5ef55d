package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Ticker is what the service drives once per interval.
type Ticker interface {
	Tick(ctx context.Context, now time.Time)
}

type Service struct {
	ticker   Ticker
	stop     chan struct{}
	stopOnce sync.Once
	interval time.Duration
	utc      bool
}

func NewService(t Ticker, interval time.Duration, utc bool) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		ticker:   t,
		stop:     make(chan struct{}),
		interval: interval,
		utc:      utc,
	}
}

// Start ticks on interval boundaries until ctx is done or Stop is called.
// Aligning the ticks keeps every scheduler evaluating the same minute.
func (s *Service) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Bool("utc", s.utc).Msg("scheduler started")

	timer := time.NewTimer(untilNextBoundary(time.Now(), s.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-timer.C:
			s.ticker.Tick(ctx, s.localize(now))
			timer.Reset(untilNextBoundary(time.Now(), s.interval))
		}
	}
}

// Stop may be called more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// TickOnce runs a single tick at now.
func (s *Service) TickOnce(ctx context.Context, now time.Time) {
	s.ticker.Tick(ctx, s.localize(now))
}

func (s *Service) localize(now time.Time) time.Time {
	if s.utc {
		return now.UTC()
	}
	return now.Local()
}

func untilNextBoundary(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}
