// Package admin is the control-plane HTTP server: authenticated CRUD over
// backends, models, download jobs, and the router singleton, plus the
// bundled web UI. It drives the lifecycle engine, config service, and
// model management on behalf of the CLI and the SPA.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/catalog"
	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/download"
	"github.com/appkitstudio/llamactl/internal/hub"
	"github.com/appkitstudio/llamactl/internal/lifecycle"
	"github.com/appkitstudio/llamactl/internal/middleware"
	"github.com/appkitstudio/llamactl/internal/modelmgmt"
	"github.com/appkitstudio/llamactl/internal/ports"
	"github.com/appkitstudio/llamactl/internal/serverconfig"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// Lifecycle is the slice of the engine the API drives. The concrete
// *lifecycle.Engine satisfies it; tests substitute fakes.
type Lifecycle interface {
	Start(ctx context.Context, id string) (*models.BackendConfig, error)
	Stop(ctx context.Context, id string) (*models.BackendConfig, error)
	Restart(ctx context.Context, id string) (*models.BackendConfig, error)
	StartRouter(ctx context.Context) (*models.RouterConfig, error)
	StopRouter(ctx context.Context) (*models.RouterConfig, error)
	RestartRouter(ctx context.Context) (*models.RouterConfig, error)
}

// Server holds the admin API's dependencies.
type Server struct {
	store   *state.Store
	cfg     *config.Config
	admin   *models.AdminConfig
	catalog *catalog.Catalog
	alloc   *ports.Allocator
	engine  Lifecycle
	sup     supervisor.Supervisor
	updates *serverconfig.Service
	deletes *modelmgmt.Service
	hub     *hub.Client
	jobs    *download.Manager
	started time.Time
}

// New wires the admin server. The config service and model management are
// built here because nothing else uses them.
func New(st *state.Store, cfg *config.Config, adminCfg *models.AdminConfig, sup supervisor.Supervisor, lc Lifecycle, hubClient *hub.Client, jobs *download.Manager) *Server {
	cat := catalog.New(st)
	alloc := ports.NewAllocator(st)
	if g, err := st.Global(); err == nil && g.DefaultPortBase >= 1024 {
		alloc.Base = g.DefaultPortBase
	}
	return &Server{
		store:   st,
		cfg:     cfg,
		admin:   adminCfg,
		catalog: cat,
		alloc:   alloc,
		engine:  lc,
		sup:     sup,
		updates: serverconfig.New(st, sup, cat, alloc, lc, cfg),
		deletes: modelmgmt.New(st, cat, lc, sup),
		hub:     hubClient,
		jobs:    jobs,
		started: time.Now(),
	}
}

// Handler wires the chi router with auth on /api and open static serving.
func (s *Server) Handler() http.Handler {
	auth := middleware.NewAPIKeyAuth(s.admin.APIKey)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(auth.Middleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Post("/", s.handleCreateServer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Patch("/", s.handleUpdateServer)
				r.Delete("/", s.handleDeleteServer)
				r.Post("/start", s.handleStartServer)
				r.Post("/stop", s.handleStopServer)
				r.Post("/restart", s.handleRestartServer)
				r.Get("/logs", s.handleServerLogs)
				r.Get("/history", s.handleServerHistory)
			})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Get("/search", s.handleSearchModels)
			r.Post("/download", s.handleDownloadModel)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetModel)
				r.Delete("/", s.handleDeleteModel)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleCancelJob)
			})
		})

		r.Route("/router", func(r chi.Router) {
			r.Get("/", s.handleGetRouter)
			r.Patch("/", s.handleUpdateRouter)
			r.Post("/start", s.handleStartRouter)
			r.Post("/stop", s.handleStopRouter)
			r.Post("/restart", s.handleRestartRouter)
			r.Get("/logs", s.handleRouterLogs)
		})

		r.Get("/status", s.handleStatus)
	})

	r.NotFound(s.handleStatic)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "admin",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg, details, code string) {
	respondJSON(w, status, models.ErrorResponse{Error: msg, Details: details, Code: code})
}

// respondServiceError maps service-layer error types onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	respondError(w, status, err.Error(), "", code)
}

func classifyError(err error) (int, string) {
	switch {
	case state.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case state.IsConflict(err):
		return http.StatusConflict, "CONFLICT"
	case state.IsValidation(err):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case state.IsAmbiguous(err):
		return http.StatusBadRequest, "AMBIGUOUS_IDENTIFIER"
	case lifecycle.IsInProgress(err):
		return http.StatusConflict, "OPERATION_IN_PROGRESS"
	case lifecycle.IsAlreadyInState(err):
		return http.StatusConflict, "ALREADY_IN_STATE"
	case modelmgmt.IsInUse(err):
		return http.StatusConflict, "MODEL_IN_USE"
	case download.IsFinished(err):
		return http.StatusConflict, "JOB_FINISHED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
