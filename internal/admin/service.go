package admin

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/logtail"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// ── Router singleton ─────────────────────────────────────────

func (s *Server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Router()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading router config failed", err.Error(), "INTERNAL")
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// handleUpdateRouter patches the singleton. Changes persist immediately
// and take effect on the next router start.
func (s *Server) handleUpdateRouter(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRouterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), "VALIDATION_ERROR")
		return
	}

	cfg, err := s.store.Router()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading router config failed", err.Error(), "INTERNAL")
		return
	}

	if req.Port != nil {
		if err := s.alloc.Validate(*req.Port, cfg.Port); err != nil {
			respondError(w, http.StatusBadRequest, err.Error(), "", "VALIDATION_ERROR")
			return
		}
		cfg.Port = *req.Port
	}
	if req.RequestTimeout != nil {
		if *req.RequestTimeout < 1 {
			respondError(w, http.StatusBadRequest, "requestTimeout must be at least 1 second", "", "VALIDATION_ERROR")
			return
		}
		cfg.RequestTimeout = *req.RequestTimeout
	}
	if req.Verbose != nil {
		cfg.Verbose = *req.Verbose
	}

	if err := s.store.SaveRouter(cfg); err != nil {
		respondError(w, http.StatusInternalServerError, "saving router config failed", err.Error(), "INTERNAL")
		return
	}

	log.Info().Int("port", cfg.Port).Bool("verbose", cfg.Verbose).Msg("Router config updated")
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStartRouter(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.StartRouter(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStopRouter(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.StopRouter(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRestartRouter(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.RestartRouter(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRouterLogs(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Router()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading router config failed", err.Error(), "INTERNAL")
		return
	}

	var path string
	switch logType := r.URL.Query().Get("type"); logType {
	case "", "stdout":
		path = cfg.StdoutPath
	case "stderr":
		path = cfg.StderrPath
	case "requests":
		path = s.store.Paths().RouterLog()
	default:
		respondError(w, http.StatusBadRequest,
			"log type must be stdout, stderr, or requests", "got "+logType, "VALIDATION_ERROR")
		return
	}

	lines, err := logtail.Tail(path, queryInt(r, "lines", 100))
	if err != nil && !os.IsNotExist(err) {
		respondError(w, http.StatusInternalServerError, "reading log failed", err.Error(), "INTERNAL")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	respondJSON(w, http.StatusOK, models.LogsResponse{Path: path, Lines: lines})
}

// ── Aggregate status ─────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backends, err := s.store.ListBackends()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if backends == nil {
		backends = []*models.BackendConfig{}
	}

	routerCfg, err := s.store.Router()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading router config failed", err.Error(), "INTERNAL")
		return
	}

	running := 0
	for _, b := range backends {
		if b.Status == models.StatusRunning {
			running++
		}
	}

	var modelCount int
	var dirSize int64
	if infos, err := s.catalog.Scan(); err == nil {
		modelCount = len(infos)
		for _, info := range infos {
			dirSize += info.Size
		}
	} else {
		log.Warn().Err(err).Msg("Model scan for status failed")
	}

	respondJSON(w, http.StatusOK, models.StatusResponse{
		Servers:       backends,
		Router:        routerCfg,
		RunningCount:  running,
		StoppedCount:  len(backends) - running,
		ModelCount:    modelCount,
		ActiveJobs:    s.jobs.Active(),
		ModelsDirSize: dirSize,
	})
}
