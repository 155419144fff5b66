package scaling_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/account-pool/internal/demand"
	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/scaling"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

func TestFleetTracksPoolThroughBus(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus()
	m := lease.New(st, bus)
	queue := demand.NewCounterQueue()
	gauge := demand.NewGauge(queue, st)
	sub := scaling.NewLogSubstrate()
	c := scaling.NewController(gauge, sub, nil, time.Hour)
	c.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Each worker registers 10 accounts and deregisters 5, enqueues 12 items and
	// dequeues 4, interleaved.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				acct := fmt.Sprintf("%02d%010d", i, j)
				res, _, err := m.Register(ctx, models.Descriptor{AccountID: acct, RoleARN: "arn:aws:iam::" + acct + ":role/Worker"})
				assert.NoError(t, err)

				queue.Enqueue(1)
				_ = bus.Publish(ctx, events.New(events.WorkItemEnqueued, ""))
				if j%2 == 1 {
					assert.NoError(t, m.Deregister(ctx, res.ID))
				}
				if j < 2 {
					queue.Enqueue(1)
					_ = bus.Publish(ctx, events.New(events.WorkItemEnqueued, ""))
				}
				if j%5 == 0 {
					queue.Dequeue(2)
					_ = bus.Publish(ctx, events.New(events.WorkItemDequeued, ""))
				}
			}
		}(i)
	}
	wg.Wait()

	snap, err := gauge.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 40, snap.Total)
	require.Equal(t, 64, snap.PendingWork)

	want := scaling.Desired(snap)
	assert.Eventually(t, func() bool {
		n, ok := sub.Desired()
		return ok && n == want
	}, 2*time.Second, 5*time.Millisecond)

	queue.Dequeue(40)
	require.NoError(t, bus.Publish(ctx, events.New(events.WorkItemDequeued, "")))
	assert.Eventually(t, func() bool {
		n, ok := sub.Desired()
		return ok && n == 24
	}, time.Second, 5*time.Millisecond)
}
