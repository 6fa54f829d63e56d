package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/pkg/models"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	infos, err := s.catalog.Scan()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "scanning models failed", err.Error(), "INTERNAL")
		return
	}

	out := make([]models.ModelEntry, 0, len(infos))
	for i := range infos {
		deps, err := s.deletes.Dependents(&infos[i])
		if err != nil {
			respondServiceError(w, err)
			return
		}
		out = append(out, models.ModelEntry{ModelInfo: infos[i], Dependents: deps})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	info, err := s.catalog.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	deps, err := s.deletes.Dependents(info)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.ModelEntry{ModelInfo: *info, Dependents: deps})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	cascade := r.URL.Query().Get("cascade") == "true"
	result, err := s.deletes.Delete(r.Context(), chi.URLParam(r, "name"), cascade)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Hub ──────────────────────────────────────────────────────

func (s *Server) handleSearchModels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "missing required parameter: q", "", "VALIDATION_ERROR")
		return
	}

	results, err := s.hub.Search(r.Context(), query, queryInt(r, "limit", 20))
	if err != nil {
		respondError(w, http.StatusBadGateway, "hub search failed", err.Error(), "UPSTREAM_FAILURE")
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), "VALIDATION_ERROR")
		return
	}
	if req.Repo == "" || req.Filename == "" {
		respondError(w, http.StatusBadRequest, "repo and filename are required", "", "VALIDATION_ERROR")
		return
	}

	job := s.jobs.Create(req.Repo, req.Filename)
	log.Info().Str("job", job.ID).Str("repo", req.Repo).Str("file", req.Filename).Msg("Download accepted")
	respondJSON(w, http.StatusAccepted, models.DownloadAccepted{JobID: job.ID})
}
