// Package router is the front door: one HTTP server that speaks the
// OpenAI chat-completions protocol and the Anthropic Messages protocol,
// dispatching each request to the running backend that serves the
// requested model. OpenAI-shaped requests are proxied verbatim; Anthropic
// requests are translated both ways, with streaming converted event by
// event.
package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/metrics"
	"github.com/appkitstudio/llamactl/internal/middleware"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// defaultTimeout bounds one proxied request when the config carries none.
const defaultTimeout = 120 * time.Second

// Server is the router's handler state. Backend sets are read from the
// store per request, so config changes apply without a restart.
type Server struct {
	store   *state.Store
	cfg     *models.RouterConfig
	metrics *metrics.Metrics
	client  *http.Client
	logPath string
	started time.Time
}

// New builds the router server around the persisted router singleton.
func New(store *state.Store, cfg *models.RouterConfig) *Server {
	return &Server{
		store:   store,
		cfg:     cfg,
		metrics: metrics.Default,
		// No client timeout: streaming responses outlive any fixed value.
		// The per-request deadline lives on the request context.
		client:  &http.Client{},
		logPath: store.Paths().RouterLog(),
		started: time.Now(),
	}
}

// Handler wires the chi router. No Compress middleware here: responses
// are forwarded verbatim and SSE frames must hit the wire unbuffered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Telemetry)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) timeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return time.Duration(s.cfg.RequestTimeout) * time.Second
	}
	return defaultTimeout
}

// ── Service endpoints ────────────────────────────────────────

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "router",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "router",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ── Model listing ────────────────────────────────────────────

type modelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string            `json:"object"`
	Data   []modelDescriptor `json:"data"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list := modelList{Object: "list", Data: []modelDescriptor{}}
	for _, b := range s.runningBackends() {
		list.Data = append(list.Data, modelDescriptor{
			ID:      b.ModelName,
			Object:  "model",
			Created: b.CreatedAt.Unix(),
			OwnedBy: "local",
		})
	}
	respondJSON(w, http.StatusOK, list)
}

// handleGetModel answers probes for any model id. Clients that check for
// cloud model names before sending traffic get a plausible descriptor
// instead of a 404.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if b := s.matchBackend(id); b != nil {
		respondJSON(w, http.StatusOK, modelDescriptor{
			ID:      b.ModelName,
			Object:  "model",
			Created: b.CreatedAt.Unix(),
			OwnedBy: "local",
		})
		return
	}
	respondJSON(w, http.StatusOK, modelDescriptor{
		ID:      id,
		Object:  "model",
		Created: time.Now().Unix(),
		OwnedBy: "local",
	})
}

// ── Backend matching ─────────────────────────────────────────

func (s *Server) runningBackends() []*models.BackendConfig {
	backends, err := s.store.ListBackends()
	if err != nil {
		log.Error().Err(err).Msg("Listing backends failed")
		return nil
	}
	var out []*models.BackendConfig
	for _, b := range backends {
		if b.Status == models.StatusRunning {
			out = append(out, b)
		}
	}
	return out
}

// matchBackend resolves a requested model name to a running backend.
// Tries, in order: exact modelName, case-insensitive, case-insensitive
// with ".gguf" appended, then normalized comparison.
func (s *Server) matchBackend(model string) *models.BackendConfig {
	running := s.runningBackends()

	for _, b := range running {
		if b.ModelName == model {
			return b
		}
	}
	for _, b := range running {
		if strings.EqualFold(b.ModelName, model) {
			return b
		}
	}
	for _, b := range running {
		if strings.EqualFold(b.ModelName, model+".gguf") {
			return b
		}
	}
	want := normalizeModelName(model)
	for _, b := range running {
		if normalizeModelName(b.ModelName) == want {
			return b
		}
	}
	return nil
}

// normalizeModelName folds the spellings clients use for the same model:
// case, the .gguf extension, and underscore vs hyphen.
func normalizeModelName(name string) string {
	n := strings.ToLower(name)
	n = strings.TrimSuffix(n, ".gguf")
	return strings.ReplaceAll(n, "_", "-")
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
