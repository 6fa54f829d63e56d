// Package state persists the control plane's configuration as plain JSON
// under the home root. There is no in-memory cache: every read parses the
// current file, so the router always sees live backend sets. Writers go
// through an atomic write-to-tmp-then-rename, which makes the rename the
// linearization point for any config change.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// historyCap bounds the per-backend transition log.
const historyCap = 50

// Store is the facade over the persisted directory tree. A single mutex
// serializes writers so uniqueness checks and renames do not race within
// this process; cross-process writers settle by last-rename-wins.
type Store struct {
	mu    sync.Mutex
	paths config.Paths
}

// New ensures the directory layout exists and writes the default global
// config on first run.
func New(paths config.Paths) (*Store, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	s := &Store{paths: paths}
	if _, err := os.Stat(paths.GlobalConfigFile()); os.IsNotExist(err) {
		if err := s.SaveGlobal(config.DefaultGlobal()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Paths exposes the layout to services that derive file locations.
func (s *Store) Paths() config.Paths { return s.paths }

// ── Atomic JSON I/O ──────────────────────────────────────────

func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	// Write to temp file then rename for atomicity
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ── Global config ────────────────────────────────────────────

func (s *Store) Global() (models.GlobalConfig, error) {
	var g models.GlobalConfig
	if err := readJSON(s.paths.GlobalConfigFile(), &g); err != nil {
		if os.IsNotExist(err) {
			return config.DefaultGlobal(), nil
		}
		return models.GlobalConfig{}, err
	}
	return g, nil
}

func (s *Store) SaveGlobal(g models.GlobalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.paths.GlobalConfigFile(), g)
}

// ModelsDir satisfies the catalog's directory provider.
func (s *Store) ModelsDir() string {
	g, err := s.Global()
	if err != nil {
		log.Warn().Err(err).Msg("global config unreadable, using defaults")
		g = config.DefaultGlobal()
	}
	return g.ModelsDirectory
}

// ── Backend CRUD ─────────────────────────────────────────────

// ListBackends enumerates servers/*.json sorted by id. A corrupt file is
// logged and skipped so one bad write never takes out the fleet view.
func (s *Store) ListBackends() ([]*models.BackendConfig, error) {
	entries, err := os.ReadDir(s.paths.ServersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*models.BackendConfig
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.paths.ServersDir(), name)
		var b models.BackendConfig
		if err := readJSON(path, &b); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping corrupt backend config")
			continue
		}
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetBackend(id string) (*models.BackendConfig, error) {
	var b models.BackendConfig
	if err := readJSON(s.paths.ServerFile(id), &b); err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Entity: "server", Key: id}
		}
		return nil, err
	}
	return &b, nil
}

// CreateBackend persists a new backend, failing on any uniqueness
// violation. The id must already be the sanitized model name.
func (s *Store) CreateBackend(b *models.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.paths.ServerFile(b.ID)); err == nil {
		return &ErrConflict{Field: "id", Value: b.ID}
	}
	if err := s.checkUnique(b); err != nil {
		return err
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	return s.writeJSON(s.paths.ServerFile(b.ID), b)
}

// SaveBackend rewrites an existing backend after re-checking invariants
// against every other backend.
func (s *Store) SaveBackend(b *models.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(b); err != nil {
		return err
	}
	b.UpdatedAt = time.Now()
	return s.writeJSON(s.paths.ServerFile(b.ID), b)
}

// checkUnique enforces the cross-backend invariants: unique port, unique
// modelPath, case-insensitive unique alias, id = sanitize(modelName).
// Caller holds s.mu.
func (s *Store) checkUnique(b *models.BackendConfig) error {
	if want := models.SanitizeID(b.ModelName); b.ID != want {
		return &ErrValidation{Field: "id", Reason: "must be " + want + " for model " + b.ModelName}
	}
	if err := models.ValidateAlias(b.Alias); err != nil {
		return &ErrValidation{Field: "alias", Reason: err.Error()}
	}
	others, err := s.ListBackends()
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.ID == b.ID {
			continue
		}
		if o.Port == b.Port {
			return &ErrConflict{Field: "port", Value: strconv.Itoa(b.Port), Holder: o.ID}
		}
		if o.ModelPath == b.ModelPath {
			return &ErrConflict{Field: "modelPath", Value: b.ModelPath, Holder: o.ID}
		}
		if b.Alias != "" && o.Alias != "" && strings.EqualFold(o.Alias, b.Alias) {
			return &ErrConflict{Field: "alias", Value: b.Alias, Holder: o.ID}
		}
	}
	return nil
}

// DeleteBackend removes the persisted config plus its log and history
// files. Log removal is best effort.
func (s *Store) DeleteBackend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.paths.ServerFile(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Entity: "server", Key: id}
		}
		return err
	}
	for _, p := range []string{
		s.paths.StdoutLog(id),
		s.paths.StderrLog(id),
		s.paths.HTTPLog(id),
		s.paths.HistoryFile(id),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("could not remove backend file")
		}
	}
	return nil
}

// FindByIdentifier resolves a user-supplied name to a backend. Tries, in
// order: numeric port, exact id, exact alias (case-insensitive), then a
// case-insensitive substring over modelName and id which must be unique.
func (s *Store) FindByIdentifier(ident string) (*models.BackendConfig, error) {
	backends, err := s.ListBackends()
	if err != nil {
		return nil, err
	}
	if port, ok := parsePort(ident); ok {
		for _, b := range backends {
			if b.Port == port {
				return b, nil
			}
		}
	}
	for _, b := range backends {
		if b.ID == ident {
			return b, nil
		}
	}
	for _, b := range backends {
		if b.Alias != "" && strings.EqualFold(b.Alias, ident) {
			return b, nil
		}
	}
	needle := strings.ToLower(ident)
	var matches []*models.BackendConfig
	for _, b := range backends {
		if strings.Contains(strings.ToLower(b.ModelName), needle) ||
			strings.Contains(strings.ToLower(b.ID), needle) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, &ErrNotFound{Entity: "server", Key: ident}
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, &ErrAmbiguous{Ident: ident, Matches: ids}
	}
}

// UsedPorts is the allocator's view: every port a persisted config claims,
// including the router and admin singletons.
func (s *Store) UsedPorts() map[int]bool {
	used := make(map[int]bool)
	backends, err := s.ListBackends()
	if err != nil {
		log.Warn().Err(err).Msg("listing backends for port scan")
	}
	for _, b := range backends {
		used[b.Port] = true
	}
	if r, err := s.Router(); err == nil {
		used[r.Port] = true
	}
	if a, err := s.Admin(); err == nil {
		used[a.Port] = true
	}
	return used
}

// ServerExistsForModel reports whether any backend references the exact
// absolute path. Basename matching is never used here.
func (s *Store) ServerExistsForModel(absPath string) bool {
	backends, err := s.ListBackends()
	if err != nil {
		return false
	}
	for _, b := range backends {
		if b.ModelPath == absPath {
			return true
		}
	}
	return false
}

// ── Singletons ───────────────────────────────────────────────

// Router loads the router singleton, initializing it with defaults on
// first use.
func (s *Store) Router() (*models.RouterConfig, error) {
	var r models.RouterConfig
	err := readJSON(s.paths.RouterConfigFile(), &r)
	if err == nil {
		return &r, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	r = models.RouterConfig{
		Port:           8080,
		Host:           "127.0.0.1",
		Label:          models.LabelPrefix + "router",
		RequestTimeout: 120,
		State:          models.ServiceStopped,
	}
	r.PlistPath = s.paths.PlistFile(r.Label)
	r.StdoutPath = filepath.Join(s.paths.LogsDir(), "router.stdout")
	r.StderrPath = filepath.Join(s.paths.LogsDir(), "router.stderr")
	if err := s.SaveRouter(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveRouter(r *models.RouterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UpdatedAt = time.Now()
	return s.writeJSON(s.paths.RouterConfigFile(), r)
}

// Admin loads the admin singleton, generating the API key on first use.
func (s *Store) Admin() (*models.AdminConfig, error) {
	var a models.AdminConfig
	err := readJSON(s.paths.AdminConfigFile(), &a)
	if err == nil {
		if a.APIKey == "" {
			a.APIKey = GenerateAPIKey()
			if err := s.SaveAdmin(&a); err != nil {
				return nil, err
			}
		}
		return &a, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	a = models.AdminConfig{
		Port:           8081,
		Host:           "127.0.0.1",
		Label:          models.LabelPrefix + "admin",
		APIKey:         GenerateAPIKey(),
		RequestTimeout: 120,
		State:          models.ServiceStopped,
	}
	a.PlistPath = s.paths.PlistFile(a.Label)
	a.StdoutPath = filepath.Join(s.paths.LogsDir(), "admin.stdout")
	a.StderrPath = filepath.Join(s.paths.LogsDir(), "admin.stderr")
	if err := s.SaveAdmin(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveAdmin(a *models.AdminConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now()
	return s.writeJSON(s.paths.AdminConfigFile(), a)
}

// GenerateAPIKey returns 32 bytes of entropy as 64 hex characters.
func GenerateAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// ── History ──────────────────────────────────────────────────

// AppendHistory records one status transition, keeping the newest
// historyCap entries.
func (s *Store) AppendHistory(id string, e models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.paths.HistoryFile(id)
	var entries []models.HistoryEntry
	if err := readJSON(path, &entries); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("resetting corrupt history file")
		entries = nil
	}
	entries = append(entries, e)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	return s.writeJSON(path, entries)
}

// ReplaceHistory overwrites a backend's history wholesale. Used by
// identity migration to carry transitions to the renamed backend.
func (s *Store) ReplaceHistory(id string, entries []models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	return s.writeJSON(s.paths.HistoryFile(id), entries)
}

func (s *Store) History(id string) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	if err := readJSON(s.paths.HistoryFile(id), &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// ── Small helpers ────────────────────────────────────────────

// parsePort accepts only all-digit identifiers in TCP port range.
func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

