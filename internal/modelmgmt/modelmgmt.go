// Package modelmgmt deletes model files safely: dependent backends are
// matched by exact path (never by filename) and must be removed first,
// either explicitly or through cascade.
package modelmgmt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/lifecycle"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// ErrInUse blocks a non-cascade delete while backends reference the model.
type ErrInUse struct {
	Ref        string
	Dependents []string
}

func (e *ErrInUse) Error() string {
	return fmt.Sprintf("model %q is used by %d server(s): %s",
		e.Ref, len(e.Dependents), strings.Join(e.Dependents, ", "))
}

// IsInUse reports whether err is an ErrInUse.
func IsInUse(err error) bool {
	var u *ErrInUse
	return errors.As(err, &u)
}

// Resolver resolves a model reference to a catalog entry. Satisfied by
// *catalog.Catalog.
type Resolver interface {
	Resolve(ref string) (*models.ModelInfo, error)
}

// Lifecycle stops dependent backends before cascade removal. Satisfied by
// *lifecycle.Engine.
type Lifecycle interface {
	Stop(ctx context.Context, id string) (*models.BackendConfig, error)
}

// Service coordinates model deletion across catalog, state and supervisor.
type Service struct {
	store    *state.Store
	resolver Resolver
	lc       Lifecycle
	sup      supervisor.Supervisor
}

func New(store *state.Store, resolver Resolver, lc Lifecycle, sup supervisor.Supervisor) *Service {
	return &Service{store: store, resolver: resolver, lc: lc, sup: sup}
}

// Delete removes the model file (or every shard of a set) from disk.
// Backends whose modelPath points into the entry are dependents: without
// cascade their presence fails the delete; with cascade each one is
// stopped and removed first.
func (s *Service) Delete(ctx context.Context, ref string, cascade bool) (*models.DeleteResult, error) {
	info, err := s.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	dependents, err := s.dependentsOf(info)
	if err != nil {
		return nil, err
	}

	if len(dependents) > 0 && !cascade {
		ids := make([]string, len(dependents))
		for i, d := range dependents {
			ids[i] = d.ID
		}
		return nil, &ErrInUse{Ref: ref, Dependents: ids}
	}

	result := &models.DeleteResult{Model: info.Filename, FreedBytes: info.Size}
	for _, dep := range dependents {
		s.removeBackend(ctx, dep)
		result.RemovedServers = append(result.RemovedServers, dep.ID)
	}

	if err := s.unlink(info); err != nil {
		return nil, err
	}

	log.Info().
		Str("model", info.Filename).
		Int("servers", len(result.RemovedServers)).
		Int64("bytes", result.FreedBytes).
		Msg("Model deleted")
	return result, nil
}

// Dependents lists the ids of backends configured on this model. The
// Admin API annotates catalog listings with it.
func (s *Service) Dependents(info *models.ModelInfo) ([]string, error) {
	deps, err := s.dependentsOf(info)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(deps))
	for i, b := range deps {
		ids[i] = b.ID
	}
	return ids, nil
}

// dependentsOf matches backends by exact path against the entry point or
// any shard of the set.
func (s *Service) dependentsOf(info *models.ModelInfo) ([]*models.BackendConfig, error) {
	backends, err := s.store.ListBackends()
	if err != nil {
		return nil, err
	}
	memberPaths := map[string]bool{info.Path: true}
	for _, p := range info.ShardPaths {
		memberPaths[p] = true
	}
	var out []*models.BackendConfig
	for _, b := range backends {
		if memberPaths[b.ModelPath] {
			out = append(out, b)
		}
	}
	return out, nil
}

// removeBackend tears one dependent down. Stop failures are logged, not
// fatal: launchd will have nothing to respawn once the unit is gone.
func (s *Service) removeBackend(ctx context.Context, b *models.BackendConfig) {
	if b.Status == models.StatusRunning {
		if _, err := s.lc.Stop(ctx, b.ID); err != nil && !lifecycle.IsAlreadyInState(err) {
			log.Warn().Err(err).Str("server", b.ID).Msg("Stopping dependent failed")
		}
	}
	if err := s.sup.RemoveUnit(b.Label); err != nil {
		log.Warn().Err(err).Str("label", b.Label).Msg("Removing dependent unit failed")
	}
	if err := s.store.DeleteBackend(b.ID); err != nil && !state.IsNotFound(err) {
		log.Warn().Err(err).Str("server", b.ID).Msg("Removing dependent config failed")
	}
}

// unlink removes the file, or every shard plus the containing directory
// when it empties out.
func (s *Service) unlink(info *models.ModelInfo) error {
	if !info.Sharded {
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", info.Path, err)
		}
		return nil
	}
	for _, p := range info.ShardPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing shard %s: %w", p, err)
		}
	}
	dir := filepath.Dir(info.Path)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		// Non-empty directories stay.
		log.Debug().Str("dir", dir).Msg("Model directory kept")
	}
	return nil
}
