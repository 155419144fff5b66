package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/account-pool/internal/demand"
	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/scaling"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

type mockRecomputer struct {
	mock.Mock
}

func (m *mockRecomputer) RecomputeNow(ctx context.Context) (models.ScalingDecision, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.ScalingDecision), args.Error(1)
}

func adminHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin" {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type fixture struct {
	server   *httptest.Server
	manager  *lease.Manager
	queue    *demand.CounterQueue
	bus      *events.Bus
	recomp   *mockRecomputer

	mu       sync.Mutex
	received []events.Event
}

func (f *fixture) receivedTypes() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Type
	for _, ev := range f.received {
		out = append(out, ev.Type)
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &fixture{
		manager: lease.New(st, nil),
		queue:   demand.NewCounterQueue(),
		bus:     events.NewBus(),
		recomp:  new(mockRecomputer),
	}
	f.bus.SubscribeAll(func(ctx context.Context, ev events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.received = append(f.received, ev)
	})

	srv := New(zerolog.Nop(), Dependencies{
		Pool:     f.manager,
		Health:   st,
		Demand:   demand.NewGauge(f.queue, st),
		Scaling:  f.recomp,
		Events:   f.bus,
		Queue:    f.queue,
		Admin:    adminHeader,
		MaxLease: time.Hour,
	})
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func register(t *testing.T, f *fixture, acct string) {
	t.Helper()
	code, _ := f.do(t, http.MethodPost, "/resources", map[string]string{
		"accountId": acct,
		"roleArn":   "arn:aws:iam::" + acct + ":role/Worker",
	})
	require.Equal(t, http.StatusCreated, code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestResourceLifecycle(t *testing.T) {
	f := newFixture(t)
	register(t, f, "111111111111")

	code, _ := f.do(t, http.MethodPost, "/resources", map[string]string{
		"accountId": "111111111111",
		"roleArn":   "arn:aws:iam::111111111111:role/Worker",
	})
	assert.Equal(t, http.StatusOK, code, "re-register is a no-op")

	code, body := f.do(t, http.MethodPost, "/resources", map[string]string{"accountId": "222"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid descriptor")

	code, body = f.do(t, http.MethodGet, "/resources/111111111111", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AVAILABLE", body["status"])

	code, body = f.do(t, http.MethodGet, "/resources", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["resources"], 1)

	code, body = f.do(t, http.MethodDelete, "/resources/111111111111", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["deregistered"])

	code, body = f.do(t, http.MethodDelete, "/resources/111111111111", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["deregistered"])

	code, _ = f.do(t, http.MethodGet, "/resources/111111111111", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLeaseEndpoints(t *testing.T) {
	f := newFixture(t)
	register(t, f, "111111111111")

	code, body := f.do(t, http.MethodPost, "/leases", map[string]string{"holder": "task-1"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "111111111111", body["id"])
	assert.Equal(t, "task-1", body["holder"])

	code, body = f.do(t, http.MethodPost, "/leases", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no capacity", body["error"])

	code, _ = f.do(t, http.MethodPost, "/leases/111111111111/renew", map[string]string{"holder": "task-1"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodDelete, "/leases/111111111111?holder=task-2", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodDelete, "/leases/111111111111?holder=task-1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["released"])

	code, _ = f.do(t, http.MethodDelete, "/leases/111111111111?holder=task-1", nil)
	assert.Equal(t, http.StatusOK, code, "release is idempotent")

	code, _ = f.do(t, http.MethodPost, "/leases/111111111111/renew", map[string]string{"holder": "task-1"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodDelete, "/leases/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueueEventsAndDemand(t *testing.T) {
	f := newFixture(t)
	register(t, f, "111111111111")
	register(t, f, "222222222222")

	code, _ := f.do(t, http.MethodPost, "/queue/events", map[string]interface{}{"type": "enqueued", "count": 5})
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = f.do(t, http.MethodPost, "/queue/events", map[string]interface{}{"type": "dequeued"})
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = f.do(t, http.MethodPost, "/queue/events", map[string]interface{}{"type": "lost"})
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, []events.Type{events.WorkItemEnqueued, events.WorkItemDequeued}, f.receivedTypes())

	code, body := f.do(t, http.MethodGet, "/demand", nil)
	require.Equal(t, http.StatusOK, code)
	snap := body["snapshot"].(map[string]interface{})
	assert.Equal(t, float64(4), snap["pendingWork"])
	assert.Equal(t, float64(2), snap["total"])
	assert.Equal(t, float64(2), body["desired"])
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	register(t, f, "111111111111")
	auth := []string{"Authorization", "Bearer admin"}

	code, _ := f.do(t, http.MethodPost, "/admin/reclaim", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	_, _ = f.do(t, http.MethodPost, "/leases", map[string]string{"holder": "stuck"})
	code, body := f.do(t, http.MethodPost, "/admin/resources/111111111111/force-release", nil, auth...)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AVAILABLE", body["status"])

	code, body = f.do(t, http.MethodPost, "/admin/reclaim", map[string]int{"maxLeaseSeconds": 60}, auth...)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["reclaimed"])
	assert.Equal(t, float64(60), body["maxLeaseSeconds"])

	f.recomp.On("RecomputeNow", mock.Anything).Return(models.ScalingDecision{DesiredSize: 1}, nil).Once()
	code, body = f.do(t, http.MethodPost, "/admin/recompute", nil, auth...)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["desiredSize"])

	f.recomp.On("RecomputeNow", mock.Anything).
		Return(models.ScalingDecision{}, errors.Join(scaling.ErrSubstrateUnavailable, errors.New("throttled"))).Once()
	code, _ = f.do(t, http.MethodPost, "/admin/recompute", nil, auth...)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	f.recomp.AssertExpectations(t)
}

type reclaimPool struct {
	*lease.Manager
	reclaimed int
	err       error
}

func (p *reclaimPool) ReclaimStale(ctx context.Context, maxLease time.Duration) (int, error) {
	return p.reclaimed, p.err
}

func TestReclaimReportsPartialProgress(t *testing.T) {
	st := store.NewMemoryStore()
	pool := &reclaimPool{Manager: lease.New(st, nil)}
	srv := New(zerolog.Nop(), Dependencies{
		Pool:     pool,
		Health:   st,
		Demand:   demand.NewGauge(demand.NewCounterQueue(), st),
		Scaling:  new(mockRecomputer),
		Events:   events.NewBus(),
		Admin:    adminHeader,
		MaxLease: time.Hour,
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	f := &fixture{server: ts}
	auth := []string{"Authorization", "Bearer admin"}

	pool.reclaimed = 2
	pool.err = fmt.Errorf("reclaim acct-3: %w", lease.ErrConflict)
	code, body := f.do(t, http.MethodPost, "/admin/reclaim", nil, auth...)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["reclaimed"])
	assert.Contains(t, body["error"], "acct-3")

	pool.reclaimed = 0
	code, body = f.do(t, http.MethodPost, "/admin/reclaim", nil, auth...)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeContention, body["code"])
}

func TestConflictCodes(t *testing.T) {
	f := newFixture(t)
	register(t, f, "111111111111")

	code, _ := f.do(t, http.MethodPost, "/leases", map[string]string{"holder": "task-1"})
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodPost, "/leases/111111111111/renew", map[string]string{"holder": "task-2"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeLeaseLost, body["code"])
}
