package admin

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// handleStatic serves the bundled web UI for everything the API router
// does not claim. Unknown paths fall back to index.html so client-side
// routing works on reload.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api" {
		respondError(w, http.StatusNotFound, "not found", r.URL.Path, "NOT_FOUND")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", "", "METHOD_NOT_ALLOWED")
		return
	}
	if s.cfg.WebDist == "" {
		respondError(w, http.StatusNotFound, "web UI not bundled", "", "NOT_FOUND")
		return
	}

	root := filepath.Clean(s.cfg.WebDist)
	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if rel == "" {
		rel = "index.html"
	}
	full := filepath.Join(root, filepath.FromSlash(rel))

	// Clean already collapsed any "..", but never serve outside the dist.
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		respondError(w, http.StatusNotFound, "not found", "", "NOT_FOUND")
		return
	}

	if fi, err := os.Stat(full); err != nil || fi.IsDir() {
		full = filepath.Join(root, "index.html")
		if _, err := os.Stat(full); err != nil {
			respondError(w, http.StatusNotFound, "web UI not bundled", "", "NOT_FOUND")
			return
		}
	}

	http.ServeFile(w, r, full)
}
