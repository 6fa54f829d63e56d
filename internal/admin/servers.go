package admin

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/lifecycle"
	"github.com/appkitstudio/llamactl/internal/logtail"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	backends, err := s.store.ListBackends()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if backends == nil {
		backends = []*models.BackendConfig{}
	}
	respondJSON(w, http.StatusOK, backends)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req models.CreateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), "VALIDATION_ERROR")
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, "missing required field: model", "", "VALIDATION_ERROR")
		return
	}

	info, err := s.catalog.Resolve(req.Model)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := models.ValidateAlias(req.Alias); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "", "VALIDATION_ERROR")
		return
	}

	global, err := s.store.Global()
	if err != nil {
		respondServiceError(w, err)
		return
	}

	port := req.Port
	if port == 0 {
		port, err = s.alloc.FindAvailable()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "no port available", err.Error(), "INTERNAL")
			return
		}
	} else {
		if port < 1024 || port > 65535 {
			respondError(w, http.StatusBadRequest, "port out of range 1024-65535", "", "VALIDATION_ERROR")
			return
		}
		if err := s.alloc.Validate(port, 0); err != nil {
			respondError(w, http.StatusConflict, err.Error(), "", "CONFLICT")
			return
		}
	}

	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}

	id := models.SanitizeID(info.Filename)
	label := models.LabelPrefix + id
	paths := s.store.Paths()
	b := &models.BackendConfig{
		ID:          id,
		Alias:       req.Alias,
		ModelName:   info.Filename,
		ModelPath:   info.Path,
		Port:        port,
		Host:        host,
		Threads:     orDefault(req.Threads, global.DefaultThreads),
		CtxSize:     orDefault(req.CtxSize, global.DefaultCtxSize),
		GPULayers:   orDefault(req.GPULayers, global.DefaultGPULayers),
		Verbose:     req.Verbose,
		Embeddings:  req.Embeddings,
		Jinja:       req.Jinja,
		CustomFlags: req.CustomFlags,
		Status:      models.StatusStopped,
		Label:       label,
		PlistPath:   paths.PlistFile(label),
		StdoutPath:  paths.StdoutLog(id),
		StderrPath:  paths.StderrLog(id),
		HTTPLogPath: paths.HTTPLog(id),
	}

	if err := s.store.CreateBackend(b); err != nil {
		respondServiceError(w, err)
		return
	}
	// The engine regenerates the unit before every start; writing it now
	// just lets operators inspect it immediately.
	if err := s.sup.WriteUnit(supervisor.UnitForBackend(b, s.cfg.ServerBinary)); err != nil {
		log.Warn().Err(err).Str("server", id).Msg("Writing unit after create failed")
	}

	log.Info().Str("server", id).Str("model", b.ModelName).Int("port", port).Msg("Server created")
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), "VALIDATION_ERROR")
		return
	}
	resp, err := s.updates.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if b.Status == models.StatusRunning {
		if _, err := s.engine.Stop(r.Context(), b.ID); err != nil && !lifecycle.IsAlreadyInState(err) {
			respondServiceError(w, err)
			return
		}
	}
	if err := s.sup.RemoveUnit(b.Label); err != nil {
		log.Warn().Err(err).Str("label", b.Label).Msg("Removing unit failed")
	}
	if err := s.store.DeleteBackend(b.ID); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("server", b.ID).Msg("Server deleted")
	respondJSON(w, http.StatusOK, map[string]string{"deleted": b.ID})
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	started, err := s.engine.Start(r.Context(), b.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, started)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	stopped, err := s.engine.Stop(r.Context(), b.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stopped)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	restarted, err := s.engine.Restart(r.Context(), b.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, restarted)
}

// ── Logs and history ─────────────────────────────────────────

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	// llama-server reports on stderr, so that is the default read.
	var path string
	switch logType := r.URL.Query().Get("type"); logType {
	case "", "stderr":
		path = b.StderrPath
	case "stdout":
		path = b.StdoutPath
	case "http":
		path = b.HTTPLogPath
	default:
		respondError(w, http.StatusBadRequest,
			"log type must be stdout, stderr, or http", "got "+logType, "VALIDATION_ERROR")
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

func (s *Server) handleServerHistory(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.FindByIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	entries, err := s.store.History(b.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Small helpers ────────────────────────────────────────────

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
