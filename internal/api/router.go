package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/buildconfig"
	"github.com/domainshift/segtrain/internal/domain"
)

// StatusSource exposes the live state of the running training loop.
type StatusSource interface {
	RunID() uuid.UUID
	Snapshot() domain.RunStatus
}

// App is the read-only monitor surface for one training run: health, live
// status, and recent metrics. It never mutates training state.
type App struct {
	Router *chi.Mux

	source  StatusSource
	metrics domain.MetricStore
	started time.Time
}

func NewApp(source StatusSource, metrics domain.MetricStore, rps float64, burst int, logger *zap.Logger) *App {
	app := &App{
		source:  source,
		metrics: metrics,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logging(logger))
	r.Use(rateLimit(rps, burst))

	r.Get("/healthz", app.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", app.status)
		r.Get("/metrics", app.recentMetrics)
	})

	app.Router = r
	return app
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(a.started).String(),
		"version": buildconfig.Version(),
		"commit":  buildconfig.Commit(),
	})
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Run:   a.source.Snapshot(),
		Build: buildconfig.VersionInfo(),
	})
}

type statusResponse struct {
	Run   domain.RunStatus  `json:"run"`
	Build map[string]string `json:"build"`
}

func (a *App) recentMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	points, err := a.metrics.Recent(r.Context(), a.source.RunID(), limit)
	if err != nil {
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
