// Package lifecycle drives backends and the router/admin services through
// their start/stop/restart transitions. Every operation verifies the
// outcome (supervisor status, then the bound port) before persisting it, so
// persisted status only moves when the process actually moved.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/logtail"
	"github.com/appkitstudio/llamactl/internal/ports"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// ErrInProgress rejects a second operation on a backend that already has
// one in flight. Callers retry; they are never queued.
type ErrInProgress struct {
	ID string
	Op string
}

func (e ErrInProgress) Error() string {
	return fmt.Sprintf("operation in progress: %s is %s", e.ID, e.Op)
}

// IsInProgress reports whether err is an ErrInProgress.
func IsInProgress(err error) bool {
	var p ErrInProgress
	return errors.As(err, &p)
}

// ErrAlreadyInState rejects a start of a running backend or a stop of a
// stopped one.
type ErrAlreadyInState struct {
	ID     string
	Status models.BackendStatus
}

func (e ErrAlreadyInState) Error() string {
	return fmt.Sprintf("server %s is already %s", e.ID, e.Status)
}

// IsAlreadyInState reports whether err is an ErrAlreadyInState.
func IsAlreadyInState(err error) bool {
	var a ErrAlreadyInState
	return errors.As(err, &a)
}

// metalLine matches the llama.cpp startup stderr line reporting how much
// GPU memory the model mapped. Mapped builds print
// "load_tensors: Metal_Mapped model buffer size = 4096.00 MiB",
// older ones "llm_load_tensors: Metal buffer size = 4096.00 MiB".
var metalLine = regexp.MustCompile(`(?:Metal_Mapped model|Metal) buffer size\s*=\s*([0-9.]+)\s*MiB`)

// metalScanBytes bounds how much of the stderr log the scan reads. The
// line appears in the first screenful of startup output or not at all.
const metalScanBytes = 256 * 1024

// Engine owns the in-flight operation map. Operations on different
// backends proceed in parallel; a second operation on the same backend is
// rejected, never queued.
type Engine struct {
	store *state.Store
	sup   supervisor.Supervisor
	cfg   *config.Config

	mu       sync.Mutex
	inflight map[string]string

	statusTimeout time.Duration
	portTimeout   time.Duration
	stopTimeout   time.Duration
	metalGrace    time.Duration
	maxLogSize    int64
}

func New(store *state.Store, sup supervisor.Supervisor, cfg *config.Config) *Engine {
	return &Engine{
		store:         store,
		sup:           sup,
		cfg:           cfg,
		inflight:      make(map[string]string),
		statusTimeout: 5 * time.Second,
		portTimeout:   10 * time.Second,
		stopTimeout:   5 * time.Second,
		metalGrace:    8 * time.Second,
		maxLogSize:    100 << 20,
	}
}

func (e *Engine) acquire(id, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.inflight[id]; ok {
		return ErrInProgress{ID: id, Op: cur}
	}
	e.inflight[id] = op
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// ── Backend operations ──────────────────────────────────────

// Start brings one backend up and verifies it: supervisor reports running,
// then the port accepts TCP. Only then is status=running persisted.
func (e *Engine) Start(ctx context.Context, id string) (*models.BackendConfig, error) {
	if err := e.acquire(id, "starting"); err != nil {
		return nil, err
	}
	defer e.release(id)

	b, err := e.store.GetBackend(id)
	if err != nil {
		return nil, err
	}
	if b.Status == models.StatusRunning {
		// Only reject when the process is actually there. A crashed
		// backend keeps status=running on disk and must be startable.
		if st, serr := e.sup.Status(b.Label); serr == nil && st.Running {
			return nil, ErrAlreadyInState{ID: id, Status: models.StatusRunning}
		}
		log.Warn().Str("server", id).Msg("Recorded as running but process is gone, starting")
	}

	log.Info().Str("server", id).Int("port", b.Port).Msg("Starting server")

	for _, path := range []string{b.StdoutPath, b.StderrPath, b.HTTPLogPath} {
		if rotated, err := logtail.RotateIfLarge(path, e.maxLogSize); err != nil {
			log.Warn().Str("server", id).Str("log", path).Err(err).Msg("Log rotation failed")
		} else if rotated {
			log.Info().Str("server", id).Str("log", path).Msg("Rotated oversized log")
		}
	}

	unit := supervisor.UnitForBackend(b, e.cfg.ServerBinary)

	// A throttled unit will refuse further starts until it is recreated.
	if st, err := e.sup.Status(b.Label); err == nil && st.Throttled() {
		log.Warn().Str("server", id).Msg("Unit is throttled, recreating")
		if err := e.sup.Reset(unit); err != nil {
			return nil, fmt.Errorf("recover throttled unit: %w", err)
		}
	} else {
		// Regenerate so the unit always matches the persisted config.
		if err := e.sup.Unload(b.Label); err != nil {
			log.Warn().Str("server", id).Err(err).Msg("Unload before regenerate failed")
		}
		if err := e.sup.WriteUnit(unit); err != nil {
			return nil, fmt.Errorf("write unit: %w", err)
		}
		if err := e.sup.Load(b.Label); err != nil {
			return nil, fmt.Errorf("load unit: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.sup.Start(b.Label); err != nil {
		return nil, fmt.Errorf("start unit: %w", err)
	}

	st, err := supervisor.WaitForStart(e.sup, b.Label, e.statusTimeout)
	if err != nil {
		e.recordFailure(id, "start_failed", err.Error())
		return nil, fmt.Errorf("server %s failed to start: %w", id, err)
	}
	if !ports.WaitForOpen(b.DialHost(), b.Port, e.portTimeout) {
		err := fmt.Errorf("server %s started but port %d is not responding", id, b.Port)
		e.recordFailure(id, "start_failed", err.Error())
		return nil, err
	}

	if mb := e.scanMetalMemory(ctx, b.StderrPath); mb > 0 {
		b.MetalMemoryMB = mb
	}

	now := time.Now().UTC()
	b.Status = models.StatusRunning
	b.PID = st.PID
	b.LastStarted = &now
	if err := e.store.SaveBackend(b); err != nil {
		return nil, fmt.Errorf("persist running state: %w", err)
	}
	e.appendHistory(id, models.HistoryEntry{
		Timestamp: now,
		Event:     "started",
		Status:    models.StatusRunning,
		PID:       st.PID,
	})

	log.Info().Str("server", id).Int("pid", st.PID).Msg("Server running")
	return b, nil
}

// Stop takes one backend down. Supervisor stop and unload are best-effort;
// the verification that the process is gone is not.
func (e *Engine) Stop(ctx context.Context, id string) (*models.BackendConfig, error) {
	if err := e.acquire(id, "stopping"); err != nil {
		return nil, err
	}
	defer e.release(id)
	return e.stopLocked(ctx, id)
}

func (e *Engine) stopLocked(ctx context.Context, id string) (*models.BackendConfig, error) {
	b, err := e.store.GetBackend(id)
	if err != nil {
		return nil, err
	}
	if b.Status == models.StatusStopped {
		// An orphaned process under a stopped record still gets stopped.
		st, serr := e.sup.Status(b.Label)
		if serr != nil || !st.Running {
			return nil, ErrAlreadyInState{ID: id, Status: models.StatusStopped}
		}
		log.Warn().Str("server", id).Msg("Recorded as stopped but process is alive, stopping it")
	}

	log.Info().Str("server", id).Msg("Stopping server")

	if err := e.sup.Stop(b.Label); err != nil {
		log.Warn().Str("server", id).Err(err).Msg("Supervisor stop failed")
	}
	if err := e.sup.Unload(b.Label); err != nil {
		log.Warn().Str("server", id).Err(err).Msg("Supervisor unload failed")
	}
	if err := supervisor.WaitForStop(e.sup, b.Label, e.stopTimeout); err != nil {
		return nil, fmt.Errorf("server %s did not stop: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b.Status = models.StatusStopped
	b.PID = 0
	b.LastStopped = &now
	if err := e.store.SaveBackend(b); err != nil {
		return nil, fmt.Errorf("persist stopped state: %w", err)
	}
	e.appendHistory(id, models.HistoryEntry{
		Timestamp: now,
		Event:     "stopped",
		Status:    models.StatusStopped,
	})

	log.Info().Str("server", id).Msg("Server stopped")
	return b, nil
}

// Restart stops then starts. A backend that is already stopped skips
// straight to the start; any other stop failure aborts.
func (e *Engine) Restart(ctx context.Context, id string) (*models.BackendConfig, error) {
	if _, err := e.Stop(ctx, id); err != nil && !IsAlreadyInState(err) {
		return nil, err
	}
	return e.Start(ctx, id)
}

func (e *Engine) recordFailure(id, event, detail string) {
	e.appendHistory(id, models.HistoryEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Status:    models.StatusStopped,
		Detail:    detail,
	})
}

func (e *Engine) appendHistory(id string, entry models.HistoryEntry) {
	if err := e.store.AppendHistory(id, entry); err != nil {
		log.Warn().Str("server", id).Err(err).Msg("Failed to append history")
	}
}

// scanMetalMemory waits out the startup grace, then scans the head of the
// stderr log for the Metal allocation line.
func (e *Engine) scanMetalMemory(ctx context.Context, stderrPath string) int {
	select {
	case <-ctx.Done():
		return 0
	case <-time.After(e.metalGrace):
	}

	head, err := logtail.Head(stderrPath, metalScanBytes)
	if err != nil {
		return 0
	}
	m := metalLine.FindSubmatch(head)
	if m == nil {
		return 0
	}
	mib, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0
	}
	return int(mib)
}
