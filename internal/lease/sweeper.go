package lease

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ILLUVRSE/account-pool/internal/events"
)

// Sweeper runs ReclaimStale on an interval and whenever triggered. Triggers that
// arrive while a sweep is pending collapse into one.
type Sweeper struct {
	manager  *Manager
	maxLease time.Duration
	interval time.Duration
	trigger  chan struct{}
	logger   zerolog.Logger
}

func NewSweeper(m *Manager, maxLease, interval time.Duration) *Sweeper {
	return &Sweeper{
		manager:  m,
		maxLease: maxLease,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   log.Logger.With().Str("component", "lease.sweeper").Logger(),
	}
}

// Trigger requests a sweep without blocking.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Subscribe arranges a sweep whenever new work is enqueued.
func (s *Sweeper) Subscribe(bus *events.Bus) string {
	return bus.Subscribe(func(ctx context.Context, ev events.Event) { s.Trigger() }, events.WorkItemEnqueued)
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Dur("max_lease", s.maxLease).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.trigger:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.manager.ReclaimStale(ctx, s.maxLease)
	if err != nil {
		s.logger.Error().Err(err).Int("reclaimed", n).Msg("sweep finished with errors")
		return
	}
	s.logger.Debug().Int("reclaimed", n).Msg("sweep finished")
}
