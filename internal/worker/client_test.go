package worker

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/account-pool/internal/demand"
	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/httpserver"
	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/scaling"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

func newPoolServer(t *testing.T, accounts ...string) (*httptest.Server, *lease.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	m := lease.New(st, bus)
	for _, acct := range accounts {
		_, _, err := m.Register(context.Background(), models.Descriptor{AccountID: acct, RoleARN: "arn:aws:iam::" + acct + ":role/Worker"})
		require.NoError(t, err)
	}
	gauge := demand.NewGauge(demand.NewCounterQueue(), st)
	srv := httpserver.New(zerolog.Nop(), httpserver.Dependencies{
		Pool:     m,
		Health:   st,
		Demand:   gauge,
		Scaling:  scaling.NewController(gauge, scaling.NewLogSubstrate(), bus, time.Minute),
		Events:   bus,
		MaxLease: time.Hour,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, m
}

func TestClientLeaseCycle(t *testing.T) {
	ctx := context.Background()
	ts, m := newPoolServer(t, "123456789012")
	c := NewClient(ts.URL)

	res, err := c.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "123456789012", res.ID)
	assert.Equal(t, "arn:aws:iam::123456789012:role/Worker", res.Descriptor.RoleARN)

	_, err = c.Acquire(ctx, "task-2")
	assert.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, c.Renew(ctx, res.ID, "task-1"))
	assert.ErrorIs(t, c.Renew(ctx, res.ID, "task-2"), ErrLeaseLost)
	assert.ErrorIs(t, c.Release(ctx, res.ID, "task-2"), ErrLeaseLost)

	require.NoError(t, c.Release(ctx, res.ID, "task-1"))
	got, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status)

	assert.ErrorIs(t, c.Renew(ctx, "missing", "task-1"), ErrLeaseLost)
}

func TestRunnerWithoutHolderKeepsOtherWorkersLease(t *testing.T) {
	ctx := context.Background()
	ts, m := newPoolServer(t, "123456789012")
	r := NewRunner(NewClient(ts.URL), "")
	require.NotEmpty(t, r.Holder())

	err := r.Run(ctx, func(ctx context.Context, res models.Resource) error {
		assert.Equal(t, r.Holder(), res.Holder)
		time.Sleep(5 * time.Millisecond)
		n, err := m.ReclaimStale(ctx, time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, ok, err := m.Acquire(ctx, "other-worker")
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	assert.ErrorIs(t, err, ErrLeaseLost)

	got, err := m.Get(ctx, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInUse, got.Status)
	assert.Equal(t, "other-worker", got.Holder)
}

type contendedPool struct {
	*lease.Manager
}

func (p contendedPool) Renew(ctx context.Context, id, holder string) (models.Resource, error) {
	return models.Resource{}, lease.ErrConflict
}

func TestRenewContentionKeepsLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := lease.New(st, nil)
	_, _, err := m.Register(ctx, models.Descriptor{AccountID: "123456789012", RoleARN: "arn:aws:iam::123456789012:role/Worker"})
	require.NoError(t, err)
	gauge := demand.NewGauge(demand.NewCounterQueue(), st)
	srv := httpserver.New(zerolog.Nop(), httpserver.Dependencies{
		Pool:     contendedPool{m},
		Health:   st,
		Demand:   gauge,
		Scaling:  scaling.NewController(gauge, scaling.NewLogSubstrate(), nil, time.Minute),
		Events:   events.NewBus(),
		MaxLease: time.Hour,
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	c := NewClient(ts.URL)

	res, err := c.Acquire(ctx, "task-1")
	require.NoError(t, err)

	err = c.Renew(ctx, res.ID, "task-1")
	assert.ErrorIs(t, err, ErrContention)
	assert.NotErrorIs(t, err, ErrLeaseLost)
}
