// Package lease owns the state-transition protocol over the resource store:
// register, deregister, acquire, release, renew and stale-lease reclamation.
//
// Every transition is a compare-and-swap on (id, status, version). A lost swap is
// retried against freshly read state a bounded number of times, so no two callers
// ever hold the same resource and a lease renewed after a reclaim scan is never
// reclaimed by that scan.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrConflict          = errors.New("lease contention: retries exhausted")
	ErrNotHolder         = errors.New("resource is held by another holder")
	ErrNotHeld           = errors.New("resource is not leased")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

const (
	defaultMaxAttempts = 5
	defaultBatchSize   = 10
)

type Manager struct {
	store       store.Store
	publisher   events.Publisher
	now         func() time.Time
	maxAttempts int
	batchSize   int
	logger      zerolog.Logger
}

type Option func(*Manager)

// WithClock replaces the time source used for lease timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxAttempts bounds the compare-and-swap rounds of a single operation.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBatchSize sets how many AVAILABLE candidates an acquire round reads.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func New(st store.Store, publisher events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
		batchSize:   defaultBatchSize,
		logger:      log.Logger.With().Str("component", "lease").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// publish is fire-and-forget: a failed notification never fails the transition.
func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn().Err(err).
			Str("event_type", string(ev.Type)).
			Str("resource_id", ev.ResourceID).
			Msg("publish event")
	}
}

// Register adds the descriptor's resource in AVAILABLE status. Registering an
// existing resource is a no-op that returns the stored record with created=false.
func (m *Manager) Register(ctx context.Context, desc models.Descriptor) (models.Resource, bool, error) {
	desc.AccountID = strings.TrimSpace(desc.AccountID)
	desc.RoleARN = strings.TrimSpace(desc.RoleARN)
	if desc.RoleARN == "" {
		return models.Resource{}, false, fmt.Errorf("%w: roleArn required", ErrInvalidDescriptor)
	}
	id, err := desc.ResourceID()
	if err != nil {
		return models.Resource{}, false, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	res, err := m.store.Create(ctx, store.CreateInput{ID: id, Descriptor: desc, At: m.now()})
	if errors.Is(err, store.ErrDuplicate) {
		existing, err := m.store.Get(ctx, id)
		if err != nil {
			return models.Resource{}, false, fmt.Errorf("register %s: %w", id, err)
		}
		m.logger.Debug().Str("resource_id", id).Msg("resource already registered")
		return existing, false, nil
	}
	if err != nil {
		return models.Resource{}, false, fmt.Errorf("register %s: %w", id, err)
	}
	m.logger.Info().Str("resource_id", id).Msg("resource registered")
	m.publish(ctx, events.New(events.ResourceRegistered, id))
	return res, true, nil
}

// Deregister removes the resource regardless of its status.
func (m *Manager) Deregister(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	m.logger.Info().Str("resource_id", id).Msg("resource deregistered")
	m.publish(ctx, events.New(events.ResourceDeregistered, id))
	return nil
}

// Acquire leases one AVAILABLE resource to holder. ok=false with a nil error means no
// capacity. ErrConflict is returned only when every round lost its swaps while
// AVAILABLE resources were still visible. An empty holder is replaced by a generated id.
func (m *Manager) Acquire(ctx context.Context, holder string) (models.Resource, bool, error) {
	if holder == "" {
		holder = uuid.NewString()
	}
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		candidates, err := m.store.ListByStatus(ctx, models.StatusAvailable, m.batchSize)
		if err != nil {
			return models.Resource{}, false, fmt.Errorf("acquire: list available: %w", err)
		}
		if len(candidates) == 0 {
			return models.Resource{}, false, nil
		}
		// Spread concurrent callers across candidates instead of racing for the first.
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		for _, c := range candidates {
			res, err := m.store.CompareAndSwap(ctx, store.SwapInput{
				ID:            c.ID,
				ExpectStatus:  models.StatusAvailable,
				ExpectVersion: c.Version,
				Status:        models.StatusInUse,
				Holder:        holder,
				At:            m.now(),
			})
			if err == nil {
				m.logger.Info().Str("resource_id", res.ID).Str("holder", holder).Int("attempt", attempt+1).Msg("resource acquired")
				ev := events.New(events.ResourceAcquired, res.ID)
				ev.Holder = holder
				m.publish(ctx, ev)
				return res, true, nil
			}
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return models.Resource{}, false, fmt.Errorf("acquire %s: %w", c.ID, err)
		}
	}
	m.logger.Warn().Str("holder", holder).Int("attempts", m.maxAttempts).Msg("acquire retries exhausted")
	return models.Resource{}, false, ErrConflict
}

// Release returns a leased resource to the pool. Releasing an AVAILABLE resource
// succeeds without effect. A non-empty holder must match the recorded holder.
func (m *Manager) Release(ctx context.Context, id, holder string) error {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("release %s: %w", id, err)
		}
		if cur.Status == models.StatusAvailable {
			return nil
		}
		if holder != "" && cur.Holder != holder {
			return ErrNotHolder
		}
		_, err = m.store.CompareAndSwap(ctx, store.SwapInput{
			ID:            id,
			ExpectStatus:  models.StatusInUse,
			ExpectVersion: cur.Version,
			Status:        models.StatusAvailable,
			At:            m.now(),
		})
		switch {
		case err == nil:
			m.logger.Info().Str("resource_id", id).Str("holder", cur.Holder).Msg("resource released")
			ev := events.New(events.ResourceReleased, id)
			ev.Holder = cur.Holder
			ev.Reason = events.ReasonReleased
			m.publish(ctx, ev)
			return nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return ErrNotFound
		default:
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return ErrConflict
}

// Renew bumps the lease timestamp of a resource held by holder so reclaim sweeps
// treat it as alive.
func (m *Manager) Renew(ctx context.Context, id, holder string) (models.Resource, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.Resource{}, ErrNotFound
			}
			return models.Resource{}, fmt.Errorf("renew %s: %w", id, err)
		}
		if cur.Status != models.StatusInUse {
			return models.Resource{}, ErrNotHeld
		}
		if holder != "" && cur.Holder != holder {
			return models.Resource{}, ErrNotHolder
		}
		res, err := m.store.CompareAndSwap(ctx, store.SwapInput{
			ID:            id,
			ExpectStatus:  models.StatusInUse,
			ExpectVersion: cur.Version,
			Status:        models.StatusInUse,
			Holder:        cur.Holder,
			At:            m.now(),
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return models.Resource{}, ErrNotFound
		default:
			return models.Resource{}, fmt.Errorf("renew %s: %w", id, err)
		}
	}
	return models.Resource{}, ErrConflict
}

// ReclaimStale returns IN_USE resources whose lease is older than maxLease to the
// pool. Staleness is re-checked against fresh state whenever a swap loses, so a lease
// renewed after the scan survives. Per-resource failures do not stop the sweep.
func (m *Manager) ReclaimStale(ctx context.Context, maxLease time.Duration) (int, error) {
	if maxLease <= 0 {
		return 0, fmt.Errorf("reclaim: max lease must be positive")
	}
	leased, err := m.store.ListByStatus(ctx, models.StatusInUse, 0)
	if err != nil {
		return 0, fmt.Errorf("reclaim: list leased: %w", err)
	}
	var (
		reclaimed int
		errs      []error
	)
	for _, r := range leased {
		if !r.Stale(m.now(), maxLease) {
			continue
		}
		ok, err := m.reclaimOne(ctx, r, maxLease)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		m.logger.Info().Int("reclaimed", reclaimed).Dur("max_lease", maxLease).Msg("stale leases reclaimed")
	}
	return reclaimed, errors.Join(errs...)
}

func (m *Manager) reclaimOne(ctx context.Context, cur models.Resource, maxLease time.Duration) (bool, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		_, err := m.store.CompareAndSwap(ctx, store.SwapInput{
			ID:            cur.ID,
			ExpectStatus:  models.StatusInUse,
			ExpectVersion: cur.Version,
			Status:        models.StatusAvailable,
			At:            m.now(),
		})
		switch {
		case err == nil:
			m.logger.Warn().Str("resource_id", cur.ID).Str("holder", cur.Holder).Time("last_updated", cur.LastUpdated).Msg("reclaimed stale lease")
			ev := events.New(events.ResourceReleased, cur.ID)
			ev.Holder = cur.Holder
			ev.Reason = events.ReasonReclaimed
			m.publish(ctx, ev)
			return true, nil
		case errors.Is(err, store.ErrNotFound):
			return false, nil
		case !errors.Is(err, store.ErrConflict):
			return false, fmt.Errorf("reclaim %s: %w", cur.ID, err)
		}
		fresh, err := m.store.Get(ctx, cur.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("reclaim %s: %w", cur.ID, err)
		}
		cur = fresh
		if !cur.Stale(m.now(), maxLease) {
			return false, nil
		}
	}
	m.logger.Warn().Str("resource_id", cur.ID).Msg("reclaim retries exhausted")
	return false, fmt.Errorf("reclaim %s: %w", cur.ID, ErrConflict)
}

// ForceRelease marks a resource AVAILABLE without any compare-and-swap check. It is an
// administrative recovery tool and is unsafe if the resource is genuinely still held.
func (m *Manager) ForceRelease(ctx context.Context, id string) (models.Resource, error) {
	prev, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("force release %s: %w", id, err)
	}
	res, err := m.store.Overwrite(ctx, store.OverwriteInput{ID: id, Status: models.StatusAvailable, At: m.now()})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("force release %s: %w", id, err)
	}
	m.logger.Warn().Str("resource_id", id).Str("holder", prev.Holder).Msg("resource force released")
	ev := events.New(events.ResourceReleased, id)
	ev.Holder = prev.Holder
	ev.Reason = events.ReasonForced
	m.publish(ctx, ev)
	return res, nil
}

func (m *Manager) Get(ctx context.Context, id string) (models.Resource, error) {
	return m.store.Get(ctx, id)
}

// List returns every resource, AVAILABLE first, then by oldest transition.
func (m *Manager) List(ctx context.Context) ([]models.Resource, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if (a.Status == models.StatusAvailable) != (b.Status == models.StatusAvailable) {
			return a.Status == models.StatusAvailable
		}
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.Before(b.LastUpdated)
		}
		return a.ID < b.ID
	})
	return all, nil
}
