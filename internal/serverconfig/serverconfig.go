// Package serverconfig applies validated patches to backend configs. A
// model change that renames the sanitized id migrates the backend to a
// fresh identity: old unit and config are removed before the new pair is
// written, so two configs never share an id.
package serverconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/ports"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// settleDelay gives launchd time to reap a migrating backend's old
// process between unload and unit removal.
const settleDelay = time.Second

// ModelResolver resolves a user-supplied model reference to a catalog
// entry. Satisfied by *catalog.Catalog.
type ModelResolver interface {
	Resolve(ref string) (*models.ModelInfo, error)
}

// Lifecycle bounces backend processes after config changes. Satisfied by
// *lifecycle.Engine.
type Lifecycle interface {
	Start(ctx context.Context, id string) (*models.BackendConfig, error)
	Restart(ctx context.Context, id string) (*models.BackendConfig, error)
}

// Service validates and applies backend config updates.
type Service struct {
	store    *state.Store
	sup      supervisor.Supervisor
	resolver ModelResolver
	alloc    *ports.Allocator
	lc       Lifecycle
	cfg      *config.Config

	// sleep is swapped in tests to skip the migration settle delay.
	sleep func(time.Duration)
}

func New(store *state.Store, sup supervisor.Supervisor, resolver ModelResolver, alloc *ports.Allocator, lc Lifecycle, cfg *config.Config) *Service {
	return &Service{
		store:    store,
		sup:      sup,
		resolver: resolver,
		alloc:    alloc,
		lc:       lc,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
}

// Update applies a patch to the backend resolved from ident. Every field
// is validated before anything is persisted. When req.Restart is set and
// the backend was running, the process is bounced so the change takes
// effect immediately; otherwise it applies on the next start.
func (s *Service) Update(ctx context.Context, ident string, req *models.UpdateServerRequest) (*models.UpdateServerResponse, error) {
	b, err := s.store.FindByIdentifier(ident)
	if err != nil {
		return nil, err
	}

	if req.Model != nil && *req.Model != "" {
		info, err := s.resolver.Resolve(*req.Model)
		if err != nil {
			return nil, err
		}
		if newID := models.SanitizeID(info.Filename); newID != b.ID {
			return s.migrate(ctx, b, info, req)
		}
		b.ModelName = info.Filename
		b.ModelPath = info.Path
	}

	if err := s.applyFields(b, req); err != nil {
		return nil, err
	}

	wasRunning := b.Status == models.StatusRunning

	if err := s.store.SaveBackend(b); err != nil {
		return nil, err
	}
	// Regenerate the unit so a stale one never outlives a config change.
	if err := s.sup.WriteUnit(supervisor.UnitForBackend(b, s.cfg.ServerBinary)); err != nil {
		return nil, fmt.Errorf("regenerating unit: %w", err)
	}

	resp := &models.UpdateServerResponse{Server: b}
	if wasRunning && req.Restart {
		restarted, err := s.lc.Restart(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		resp.Server = restarted
		resp.Restarted = true
	}

	log.Info().Str("server", b.ID).Bool("restarted", resp.Restarted).Msg("Server updated")
	return resp, nil
}

// migrate renames a backend whose model change produced a new sanitized
// id. Validation happens before anything is torn down; after the old
// config is removed, the new one is authoritative.
func (s *Service) migrate(ctx context.Context, old *models.BackendConfig, info *models.ModelInfo, req *models.UpdateServerRequest) (*models.UpdateServerResponse, error) {
	newID := models.SanitizeID(info.Filename)

	if _, err := s.store.GetBackend(newID); err == nil {
		return nil, &state.ErrConflict{Field: "id", Value: newID}
	} else if !state.IsNotFound(err) {
		return nil, err
	}

	paths := s.store.Paths()
	next := *old
	next.ID = newID
	next.ModelName = info.Filename
	next.ModelPath = info.Path
	next.Label = models.LabelPrefix + newID
	next.Status = models.StatusStopped
	next.PID = 0
	next.MetalMemoryMB = 0
	next.PlistPath = paths.PlistFile(next.Label)
	next.StdoutPath = paths.StdoutLog(newID)
	next.StderrPath = paths.StderrLog(newID)
	next.HTTPLogPath = paths.HTTPLog(newID)

	if err := s.applyFields(&next, req); err != nil {
		return nil, err
	}

	wasRunning := old.Status == models.StatusRunning
	bounce := wasRunning && req.Restart

	log.Info().
		Str("old", old.ID).
		Str("new", newID).
		Bool("restart", bounce).
		Msg("Migrating server identity")

	if bounce {
		if err := s.sup.Stop(old.Label); err != nil {
			log.Warn().Err(err).Str("label", old.Label).Msg("Supervisor stop failed")
		}
		if err := s.sup.Unload(old.Label); err != nil {
			log.Warn().Err(err).Str("label", old.Label).Msg("Supervisor unload failed")
		}
		s.sleep(settleDelay)
	}

	history, err := s.store.History(old.ID)
	if err != nil {
		log.Warn().Err(err).Str("server", old.ID).Msg("History unreadable, not carried over")
	}

	if err := s.sup.RemoveUnit(old.Label); err != nil {
		log.Warn().Err(err).Str("label", old.Label).Msg("Removing old unit failed")
	}
	if err := s.store.DeleteBackend(old.ID); err != nil {
		return nil, fmt.Errorf("removing old config: %w", err)
	}

	if err := s.store.CreateBackend(&next); err != nil {
		return nil, fmt.Errorf("persisting migrated config: %w", err)
	}
	if len(history) > 0 {
		history = append(history, models.HistoryEntry{
			Timestamp: time.Now().UTC(),
			Event:     "migrated",
			Status:    models.StatusStopped,
			Detail:    "renamed from " + old.ID,
		})
		if err := s.store.ReplaceHistory(newID, history); err != nil {
			log.Warn().Err(err).Str("server", newID).Msg("Failed to carry history over")
		}
	}
	if err := s.sup.WriteUnit(supervisor.UnitForBackend(&next, s.cfg.ServerBinary)); err != nil {
		return nil, fmt.Errorf("writing migrated unit: %w", err)
	}

	resp := &models.UpdateServerResponse{
		Server:   &next,
		Migrated: true,
		OldID:    old.ID,
		NewID:    newID,
	}
	if bounce {
		started, err := s.lc.Start(ctx, newID)
		if err != nil {
			return nil, fmt.Errorf("migrated to %s but start failed: %w", newID, err)
		}
		resp.Server = started
		resp.Restarted = true
	}

	log.Info().Str("old", old.ID).Str("new", newID).Msg("Server migrated")
	return resp, nil
}

// applyFields copies non-nil patch fields onto b, validating each one.
func (s *Service) applyFields(b *models.BackendConfig, req *models.UpdateServerRequest) error {
	if req.Alias != nil {
		if err := models.ValidateAlias(*req.Alias); err != nil {
			return &state.ErrValidation{Field: "alias", Reason: err.Error()}
		}
		b.Alias = *req.Alias
	}
	if req.Port != nil {
		if err := s.alloc.Validate(*req.Port, b.Port); err != nil {
			return &state.ErrValidation{Field: "port", Reason: err.Error()}
		}
		b.Port = *req.Port
	}
	if req.Host != nil {
		if *req.Host == "" {
			return &state.ErrValidation{Field: "host", Reason: "must not be empty"}
		}
		b.Host = *req.Host
	}
	if req.Threads != nil {
		if *req.Threads < 1 {
			return &state.ErrValidation{Field: "threads", Reason: "must be at least 1"}
		}
		b.Threads = *req.Threads
	}
	if req.CtxSize != nil {
		if *req.CtxSize < 256 {
			return &state.ErrValidation{Field: "ctxSize", Reason: "must be at least 256"}
		}
		b.CtxSize = *req.CtxSize
	}
	if req.GPULayers != nil {
		if *req.GPULayers < 0 {
			return &state.ErrValidation{Field: "gpuLayers", Reason: "must not be negative"}
		}
		b.GPULayers = *req.GPULayers
	}
	if req.Verbose != nil {
		b.Verbose = *req.Verbose
	}
	if req.Embeddings != nil {
		b.Embeddings = *req.Embeddings
	}
	if req.Jinja != nil {
		b.Jinja = *req.Jinja
	}
	if req.CustomFlags != nil {
		b.CustomFlags = *req.CustomFlags
	}
	return nil
}
