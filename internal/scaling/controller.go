package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/models"
)

var ErrSubstrateUnavailable = errors.New("substrate unavailable")

type State string

const (
	StateIdle        State = "IDLE"
	StateRecomputing State = "RECOMPUTING"
)

// Snapshotter produces the demand snapshot a decision is derived from.
type Snapshotter interface {
	Snapshot(ctx context.Context) (models.DemandSnapshot, error)
}

// Controller recomputes the desired fleet size on a tick and whenever triggered.
// Triggers that arrive during a recompute collapse into a single follow-up pass,
// so the last pass always starts after the last trigger.
type Controller struct {
	gauge     Snapshotter
	substrate Substrate
	publisher events.Publisher
	interval  time.Duration
	trigger   chan string
	logger    zerolog.Logger

	runMu sync.Mutex

	mu      sync.RWMutex
	state   State
	last    models.ScalingDecision
	applied bool
}

func NewController(gauge Snapshotter, substrate Substrate, publisher events.Publisher, interval time.Duration) *Controller {
	return &Controller{
		gauge:     gauge,
		substrate: substrate,
		publisher: publisher,
		interval:  interval,
		trigger:   make(chan string, 1),
		state:     StateIdle,
		logger:    log.Logger.With().Str("component", "scaling").Logger(),
	}
}

// Trigger requests a recompute and never blocks.
func (c *Controller) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
		c.logger.Debug().Str("reason", reason).Msg("recompute already pending")
	}
}

// Subscribe triggers a recompute on every event that can change pending work or
// the resource total.
func (c *Controller) Subscribe(bus *events.Bus) string {
	return bus.Subscribe(func(ctx context.Context, ev events.Event) {
		c.Trigger(string(ev.Type))
	}, events.ResourceRegistered, events.ResourceDeregistered, events.WorkItemEnqueued, events.WorkItemDequeued)
}

// Run recomputes once at start, then on every tick and trigger until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.logger.Info().Dur("interval", c.interval).Msg("scaling controller started")
	c.recompute(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("scaling controller stopped")
			return
		case <-ticker.C:
			c.recompute(ctx, "tick")
		case reason := <-c.trigger:
			c.recompute(ctx, reason)
		}
	}
}

func (c *Controller) recompute(ctx context.Context, reason string) {
	if _, err := c.RecomputeNow(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Str("reason", reason).Msg("recompute failed, waiting for next trigger")
	}
}

// RecomputeNow runs a single recompute synchronously.
func (c *Controller) RecomputeNow(ctx context.Context) (models.ScalingDecision, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.setState(StateRecomputing)
	defer c.setState(StateIdle)

	snap, err := c.gauge.Snapshot(ctx)
	if err != nil {
		return models.ScalingDecision{}, fmt.Errorf("snapshot demand: %w", err)
	}
	decision := models.ScalingDecision{DesiredSize: Desired(snap), Snapshot: snap}
	if err := c.substrate.SetDesiredSize(ctx, decision.DesiredSize); err != nil {
		return decision, fmt.Errorf("%w: %v", ErrSubstrateUnavailable, err)
	}
	decision.AppliedAt = time.Now().UTC()

	c.mu.Lock()
	c.last, c.applied = decision, true
	c.mu.Unlock()

	c.logger.Info().
		Int("pending", snap.PendingWork).
		Int("available", snap.Available).
		Int("total", snap.Total).
		Int("desired", decision.DesiredSize).
		Msg("desired fleet size applied")

	if c.publisher != nil {
		ev := events.New(events.ScalingApplied, "")
		desired := decision.DesiredSize
		ev.Desired = &desired
		if err := c.publisher.Publish(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("publish scaling event")
		}
	}
	return decision, nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastDecision returns the most recent successfully applied decision.
func (c *Controller) LastDecision() (models.ScalingDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.applied
}
