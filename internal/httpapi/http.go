// Package httpapi exposes the service registry, the entity states and the
// operational endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"person_location/internal/diagnostics"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/logging"
	"person_location/internal/presence"
	"person_location/internal/queue"
)

const requestIDHeader = "X-Request-ID"

// Pinger reports storage health.
type Pinger interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Store and Queue may be nil.
type Deps struct {
	Integration *presence.Integration
	States      *host.States
	Services    *host.Services
	Tracker     *health.Tracker
	Store       Pinger
	Queue       *queue.Queue
	// RateLimit is requests per minute per client on /api; 0 disables it.
	RateLimit int
	Now       func() time.Time
}

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	d Deps
}

func NewRouter(d Deps) *Router {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Router{d: d}
}

// Handler returns the complete route tree.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(requestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(accessLog)

	mux.Route("/api", func(api chi.Router) {
		if r.d.RateLimit > 0 {
			api.Use(httprate.Limit(r.d.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		api.Get("/services", r.listServices)
		api.Post("/services/{name}", r.callService)
		api.Get("/states", r.listStates)
		api.Get("/states/{entity_id}", r.getState)
		api.Post("/states/{entity_id}", r.setState)
		api.Get("/targets", r.listTargets)
		api.Get("/targets/{entity_id}", r.getTarget)
		api.Get("/providers", r.listProviders)
	})
	mux.Get("/ops/health", r.health)
	mux.Get("/ops/diagnostics", r.diagnostics)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (r *Router) listServices(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.d.Services.Names())
}

func (r *Router) callService(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	data := map[string]any{}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&data); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	resp, err := r.d.Services.Call(req.Context(), name, data)
	switch {
	case errors.Is(err, host.ErrServiceNotFound):
		respondError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, presence.ErrMissingEntity), errors.Is(err, presence.ErrNotFound):
		respondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, health.ErrNoKey):
		respondError(w, http.StatusConflict, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if resp == nil {
		resp = map[string]any{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Router) listStates(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.d.States.All())
}

func (r *Router) getState(w http.ResponseWriter, req *http.Request) {
	st, ok := r.d.States.Get(chi.URLParam(req, "entity_id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// setState accepts a device tracker report. It is the way updates reach the
// engine when no other integration feeds the state store.
func (r *Router) setState(w http.ResponseWriter, req *http.Request) {
	var body struct {
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.State == "" {
		respondError(w, http.StatusBadRequest, errors.New("state is required"))
		return
	}
	entityID := chi.URLParam(req, "entity_id")
	_, existed := r.d.States.Get(entityID)
	st := r.d.States.Set(entityID, body.State, body.Attributes)
	code := http.StatusOK
	if !existed {
		code = http.StatusCreated
	}
	respondJSON(w, code, st)
}

func (r *Router) listTargets(w http.ResponseWriter, req *http.Request) {
	targets := r.d.Integration.Targets().All()
	out := make([]presence.View, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.View())
	}
	respondJSON(w, http.StatusOK, out)
}

func (r *Router) getTarget(w http.ResponseWriter, req *http.Request) {
	t, ok := r.d.Integration.Targets().Get(chi.URLParam(req, "entity_id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, http.StatusOK, t.View())
}

func (r *Router) listProviders(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.d.Tracker.Snapshot())
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if r.d.Store != nil {
		if err := r.d.Store.Health(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if r.d.Queue != nil && !r.d.Queue.Healthy() {
		http.Error(w, "queue not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) diagnostics(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, diagnostics.Build(r.d.Integration, r.d.Tracker, r.d.Queue, r.d.Now()))
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, req)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		logging.Debug().
			Str("request_id", w.Header().Get(requestIDHeader)).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("write json")
	}
}

func respondError(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]string{"error": err.Error()})
}
