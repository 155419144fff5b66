// Package httpserver exposes the pool over HTTP for workers, onboarding, the work
// queue and operators.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/scaling"
)

// Pool is the lease manager surface served over HTTP.
// Error codes carried next to the message on 409 responses.
const (
	CodeContention = "contention"
	CodeLeaseLost  = "lease_lost"
)

type Pool interface {
	Register(ctx context.Context, desc models.Descriptor) (models.Resource, bool, error)
	Deregister(ctx context.Context, id string) error
	Acquire(ctx context.Context, holder string) (models.Resource, bool, error)
	Release(ctx context.Context, id, holder string) error
	Renew(ctx context.Context, id, holder string) (models.Resource, error)
	ForceRelease(ctx context.Context, id string) (models.Resource, error)
	ReclaimStale(ctx context.Context, maxLease time.Duration) (int, error)
	Get(ctx context.Context, id string) (models.Resource, error)
	List(ctx context.Context) ([]models.Resource, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Snapshotter interface {
	Snapshot(ctx context.Context) (models.DemandSnapshot, error)
}

type Recomputer interface {
	RecomputeNow(ctx context.Context) (models.ScalingDecision, error)
}

// QueueCounter is updated by queue notifications when the pool tracks depth itself.
type QueueCounter interface {
	Enqueue(count int)
	Dequeue(count int)
}

type Dependencies struct {
	Pool    Pool
	Health  Pinger
	Demand  Snapshotter
	Scaling Recomputer
	Events  events.Publisher
	// Queue is optional; nil when depth comes from an external queue.
	Queue QueueCounter
	// Admin guards /admin routes. The routes are not mounted when nil.
	Admin    func(http.Handler) http.Handler
	MaxLease time.Duration
}

type Server struct {
	deps   Dependencies
	logger zerolog.Logger
}

func New(logger zerolog.Logger, deps Dependencies) *Server {
	return &Server{deps: deps, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Get("/resources", s.handleListResources)
	r.Post("/resources", s.handleRegister)
	r.Get("/resources/{id}", s.handleGetResource)
	r.Delete("/resources/{id}", s.handleDeregister)

	r.Post("/leases", s.handleAcquire)
	r.Delete("/leases/{id}", s.handleRelease)
	r.Post("/leases/{id}/renew", s.handleRenew)

	r.Post("/queue/events", s.handleQueueEvent)
	r.Get("/demand", s.handleDemand)

	if s.deps.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.deps.Admin)
			r.Post("/resources/{id}/force-release", s.handleForceRelease)
			r.Post("/reclaim", s.handleReclaim)
			r.Post("/recompute", s.handleRecompute)
		})
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Health.Ping(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("health check failed")
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.deps.Pool.List(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"resources": resources})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Pool.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type registerBody struct {
	AccountID string `json:"accountId"`
	RoleARN   string `json:"roleArn"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, created, err := s.deps.Pool.Register(r.Context(), models.Descriptor{AccountID: body.AccountID, RoleARN: body.RoleARN})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Pool.Deregister(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, lease.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]bool{"deregistered": false})
		return
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deregistered": true})
}

type holderBody struct {
	Holder string `json:"holder"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body holderBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, ok, err := s.deps.Pool.Acquire(r.Context(), body.Holder)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no capacity")
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Pool.Release(r.Context(), id, r.URL.Query().Get("holder")); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "released": true})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var body holderBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Pool.Renew(r.Context(), chi.URLParam(r, "id"), body.Holder)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type queueEventBody struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func (s *Server) handleQueueEvent(w http.ResponseWriter, r *http.Request) {
	var body queueEventBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Count == 0 {
		body.Count = 1
	}
	if body.Count < 0 {
		respondError(w, http.StatusBadRequest, "count must be positive")
		return
	}
	var ev events.Event
	switch body.Type {
	case "enqueued":
		if s.deps.Queue != nil {
			s.deps.Queue.Enqueue(body.Count)
		}
		ev = events.New(events.WorkItemEnqueued, "")
	case "dequeued":
		if s.deps.Queue != nil {
			s.deps.Queue.Dequeue(body.Count)
		}
		ev = events.New(events.WorkItemDequeued, "")
	default:
		respondError(w, http.StatusBadRequest, "type must be enqueued or dequeued")
		return
	}
	ev.Count = body.Count
	if err := s.deps.Events.Publish(r.Context(), ev); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("event_type", string(ev.Type)).Msg("publish queue event")
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"eventId": ev.ID})
}

func (s *Server) handleDemand(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Demand.Snapshot(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot": snap,
		"desired":  scaling.Desired(snap),
	})
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Pool.ForceRelease(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type reclaimBody struct {
	MaxLeaseSeconds int `json:"maxLeaseSeconds"`
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var body reclaimBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxLease := s.deps.MaxLease
	if body.MaxLeaseSeconds > 0 {
		maxLease = time.Duration(body.MaxLeaseSeconds) * time.Second
	}
	n, err := s.deps.Pool.ReclaimStale(r.Context(), maxLease)
	if err != nil && n == 0 {
		s.respondFailure(w, r, err)
		return
	}
	payload := map[string]interface{}{"reclaimed": n, "maxLeaseSeconds": int(maxLease.Seconds())}
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Int("reclaimed", n).Msg("reclaim finished with errors")
		payload["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Scaling.RecomputeNow(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// respondFailure maps domain errors onto status codes.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lease.ErrNotFound):
		respondError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, lease.ErrInvalidDescriptor):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lease.ErrConflict):
		respondErrorCode(w, http.StatusConflict, CodeContention, err.Error())
	case errors.Is(err, lease.ErrNotHolder), errors.Is(err, lease.ErrNotHeld):
		respondErrorCode(w, http.StatusConflict, CodeLeaseLost, err.Error())
	case errors.Is(err, scaling.ErrSubstrateUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := decodeJSON(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondErrorCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "code": code})
}
