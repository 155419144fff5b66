package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

// Leaser is the lease API a Runner drives. *Client implements it.
type Leaser interface {
	Acquire(ctx context.Context, holder string) (models.Resource, error)
	Release(ctx context.Context, id, holder string) error
	Renew(ctx context.Context, id, holder string) error
}

// Task runs with exclusive use of res. Its context is cancelled if the lease is lost.
type Task func(ctx context.Context, res models.Resource) error

type Runner struct {
	leaser Leaser
	holder string

	MaxAcquireAttempts int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	RenewInterval      time.Duration
	ReleaseTimeout     time.Duration

	logger zerolog.Logger
	jitter func() float64
}

// Holder is the id this Runner leases under.
func (r *Runner) Holder() string { return r.holder }

// NewRunner returns a Runner that leases as holder. An empty holder gets a random
// id so renew and release never fall back to the pool's anonymous release.
func NewRunner(leaser Leaser, holder string) *Runner {
	if holder == "" {
		holder = uuid.NewString()
	}
	return &Runner{
		leaser:             leaser,
		holder:             holder,
		MaxAcquireAttempts: 60,
		BaseDelay:          10 * time.Second,
		MaxDelay:           60 * time.Second,
		RenewInterval:      5 * time.Minute,
		ReleaseTimeout:     10 * time.Second,
		logger:             log.Logger.With().Str("component", "worker").Str("holder", holder).Logger(),
		jitter:             func() float64 { return 0.5 + rand.Float64() },
	}
}

// Backoff is the delay before acquire attempt n+1: the base doubles every third
// attempt up to the cap, then jitter in [0.5, 1.5) is applied.
func (r *Runner) Backoff(n int) time.Duration {
	d := float64(r.BaseDelay) * math.Pow(2, float64(n/3))
	d = math.Min(d, float64(r.MaxDelay))
	return time.Duration(d * r.jitter())
}

// Run acquires a resource, runs task while renewing the lease, and always releases
// the resource afterwards, even when ctx has been cancelled.
func (r *Runner) Run(ctx context.Context, task Task) error {
	res, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	logger := r.logger.With().Str("resource_id", res.ID).Logger()
	logger.Info().Msg("resource acquired")

	taskCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeat(taskCtx, cancel, res, logger)
	}()

	taskErr := task(taskCtx, res)
	cancel()
	wg.Wait()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), r.ReleaseTimeout)
	defer releaseCancel()
	if err := r.leaser.Release(releaseCtx, res.ID, r.holder); err != nil {
		logger.Error().Err(err).Msg("release resource")
		return errors.Join(taskErr, fmt.Errorf("release %s: %w", res.ID, err))
	}
	logger.Info().Msg("resource released")
	return taskErr
}

func (r *Runner) acquire(ctx context.Context) (models.Resource, error) {
	var lastErr error
	for attempt := 0; attempt < r.MaxAcquireAttempts; attempt++ {
		res, err := r.leaser.Acquire(ctx, r.holder)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == r.MaxAcquireAttempts-1 {
			break
		}
		delay := r.Backoff(attempt)
		r.logger.Info().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("resource unavailable")
		select {
		case <-ctx.Done():
			return models.Resource{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return models.Resource{}, fmt.Errorf("no resource after %d attempts: %w", r.MaxAcquireAttempts, lastErr)
}

func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelFunc, res models.Resource, logger zerolog.Logger) {
	ticker := time.NewTicker(r.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.leaser.Renew(ctx, res.ID, r.holder)
			switch {
			case err == nil:
				logger.Debug().Msg("lease renewed")
			case errors.Is(err, ErrLeaseLost):
				logger.Error().Err(err).Msg("lease lost, cancelling task")
				cancel()
				return
			case ctx.Err() == nil:
				logger.Warn().Err(err).Msg("renew lease")
			}
		}
	}
}
