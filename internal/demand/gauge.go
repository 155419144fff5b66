// Package demand reads how much work is waiting and how much capacity the pool has.
package demand

import (
	"context"
	"fmt"
	"time"

	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

// CountStore is the slice of the resource store the gauge needs.
type CountStore interface {
	Counts(ctx context.Context) (store.Counts, error)
}

type Gauge struct {
	queue WorkQueue
	store CountStore
	now   func() time.Time
}

func NewGauge(queue WorkQueue, st CountStore) *Gauge {
	return &Gauge{
		queue: queue,
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gauge) PendingWork(ctx context.Context) (int, error) {
	n, err := g.queue.Depth(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending work: %w", err)
	}
	return n, nil
}

func (g *Gauge) ResourceCounts(ctx context.Context) (available, total int, err error) {
	c, err := g.store.Counts(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("resource counts: %w", err)
	}
	return c.Available, c.Total, nil
}

// Snapshot captures pending work and resource counts together. The two reads are not
// atomic with respect to each other.
func (g *Gauge) Snapshot(ctx context.Context) (models.DemandSnapshot, error) {
	pending, err := g.PendingWork(ctx)
	if err != nil {
		return models.DemandSnapshot{}, err
	}
	available, total, err := g.ResourceCounts(ctx)
	if err != nil {
		return models.DemandSnapshot{}, err
	}
	return models.DemandSnapshot{
		PendingWork: pending,
		Available:   available,
		Total:       total,
		CapturedAt:  g.now(),
	}, nil
}
