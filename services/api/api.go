// Package api exposes beacon ingress, target hydration and deletion over a
// JSON HTTP interface.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"netlock/services/archive"
	"netlock/services/ingest"
	"netlock/services/targets"
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins  []string
	RateLimit       int
	RequestTimeout  time.Duration
	ArchiveOnDelete bool
}

// Store holds the collector components the handlers call into.
type Store struct {
	Registry *targets.Registry
	Ingestor *ingest.Ingestor
	Archive  *archive.Exporter
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store  *Store
	config Config
	log    zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(store *Store, cfg Config, log zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Registry == nil {
		return nil, errors.New("store registry is required")
	}
	if store.Ingestor == nil {
		return nil, errors.New("store ingestor is required")
	}
	if cfg.ArchiveOnDelete && !store.Archive.Enabled() {
		return nil, errors.New("archive on delete requires an object store")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		store:  store,
		config: cfg,
		log:    log.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	if a.config.RateLimit > 0 {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/beacon", func(r chi.Router) {
			r.Post("/register", a.handleRegister)
			r.Post("/{id}/ping", a.handlePing)
			r.Post("/{id}/events", a.handleEvent)
			r.Post("/{id}/deregister", a.handleDeregister)
		})

		r.Get("/targets", a.handleListTargets)
		r.Get("/targets/{id}", a.handleGetTarget)
		r.Get("/targets/{id}/logs", a.handleTargetLogs)
		r.Delete("/targets/{id}", a.handleDeleteTarget)
		r.Get("/logs", a.handleListLogs)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Registry.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
