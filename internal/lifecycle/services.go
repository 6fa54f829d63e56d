package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/ports"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// The router and admin singletons ride the same supervisor as backends,
// with llamactl re-invoking itself as the service process.

// StartRouter brings the router service up and verifies its port.
func (e *Engine) StartRouter(ctx context.Context) (*models.RouterConfig, error) {
	if err := e.acquire("router", "starting"); err != nil {
		return nil, err
	}
	defer e.release("router")

	r, err := e.store.Router()
	if err != nil {
		return nil, err
	}
	if r.State == models.ServiceRunning {
		return nil, ErrAlreadyInState{ID: "router", Status: models.StatusRunning}
	}

	unit := supervisor.UnitForRouter(r, e.cfg.SelfBinary)
	if err := e.startService(ctx, "router", unit, r.Host, r.Port); err != nil {
		return nil, err
	}

	r.State = models.ServiceRunning
	if err := e.store.SaveRouter(r); err != nil {
		return nil, fmt.Errorf("persist router state: %w", err)
	}
	return r, nil
}

// StopRouter takes the router service down.
func (e *Engine) StopRouter(ctx context.Context) (*models.RouterConfig, error) {
	if err := e.acquire("router", "stopping"); err != nil {
		return nil, err
	}
	defer e.release("router")

	r, err := e.store.Router()
	if err != nil {
		return nil, err
	}
	if r.State == models.ServiceStopped {
		return nil, ErrAlreadyInState{ID: "router", Status: models.StatusStopped}
	}

	if err := e.stopService(ctx, "router", r.Label); err != nil {
		return nil, err
	}

	r.State = models.ServiceStopped
	if err := e.store.SaveRouter(r); err != nil {
		return nil, fmt.Errorf("persist router state: %w", err)
	}
	return r, nil
}

// RestartRouter bounces the router service.
func (e *Engine) RestartRouter(ctx context.Context) (*models.RouterConfig, error) {
	if _, err := e.StopRouter(ctx); err != nil && !IsAlreadyInState(err) {
		return nil, err
	}
	return e.StartRouter(ctx)
}

// StartAdmin brings the admin service up and verifies its port.
func (e *Engine) StartAdmin(ctx context.Context) (*models.AdminConfig, error) {
	if err := e.acquire("admin", "starting"); err != nil {
		return nil, err
	}
	defer e.release("admin")

	a, err := e.store.Admin()
	if err != nil {
		return nil, err
	}
	if a.State == models.ServiceRunning {
		return nil, ErrAlreadyInState{ID: "admin", Status: models.StatusRunning}
	}

	unit := supervisor.UnitForAdmin(a, e.cfg.SelfBinary)
	if err := e.startService(ctx, "admin", unit, a.Host, a.Port); err != nil {
		return nil, err
	}

	a.State = models.ServiceRunning
	if err := e.store.SaveAdmin(a); err != nil {
		return nil, fmt.Errorf("persist admin state: %w", err)
	}
	return a, nil
}

// StopAdmin takes the admin service down. When called from inside the
// admin process itself the HTTP response races the shutdown; the CLI is
// the expected caller.
func (e *Engine) StopAdmin(ctx context.Context) (*models.AdminConfig, error) {
	if err := e.acquire("admin", "stopping"); err != nil {
		return nil, err
	}
	defer e.release("admin")

	a, err := e.store.Admin()
	if err != nil {
		return nil, err
	}
	if a.State == models.ServiceStopped {
		return nil, ErrAlreadyInState{ID: "admin", Status: models.StatusStopped}
	}

	if err := e.stopService(ctx, "admin", a.Label); err != nil {
		return nil, err
	}

	a.State = models.ServiceStopped
	if err := e.store.SaveAdmin(a); err != nil {
		return nil, fmt.Errorf("persist admin state: %w", err)
	}
	return a, nil
}

func (e *Engine) startService(ctx context.Context, name string, unit supervisor.Unit, host string, port int) error {
	log.Info().Str("service", name).Int("port", port).Msg("Starting service")

	if st, err := e.sup.Status(unit.Label); err == nil && st.Throttled() {
		log.Warn().Str("service", name).Msg("Unit is throttled, recreating")
		if err := e.sup.Reset(unit); err != nil {
			return fmt.Errorf("recover throttled unit: %w", err)
		}
	} else {
		if err := e.sup.Unload(unit.Label); err != nil {
			log.Warn().Str("service", name).Err(err).Msg("Unload before regenerate failed")
		}
		if err := e.sup.WriteUnit(unit); err != nil {
			return fmt.Errorf("write unit: %w", err)
		}
		if err := e.sup.Load(unit.Label); err != nil {
			return fmt.Errorf("load unit: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.sup.Start(unit.Label); err != nil {
		return fmt.Errorf("start unit: %w", err)
	}
	if _, err := supervisor.WaitForStart(e.sup, unit.Label, e.statusTimeout); err != nil {
		return fmt.Errorf("%s failed to start: %w", name, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if !ports.WaitForOpen(host, port, e.portTimeout) {
		return fmt.Errorf("%s started but port %d is not responding", name, port)
	}

	log.Info().Str("service", name).Msg("Service running")
	return nil
}

func (e *Engine) stopService(ctx context.Context, name, label string) error {
	log.Info().Str("service", name).Msg("Stopping service")

	if err := e.sup.Stop(label); err != nil {
		log.Warn().Str("service", name).Err(err).Msg("Supervisor stop failed")
	}
	if err := e.sup.Unload(label); err != nil {
		log.Warn().Str("service", name).Err(err).Msg("Supervisor unload failed")
	}
	if err := supervisor.WaitForStop(e.sup, label, e.stopTimeout); err != nil {
		return fmt.Errorf("%s did not stop: %w", name, err)
	}
	return ctx.Err()
}
