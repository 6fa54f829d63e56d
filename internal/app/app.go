// Package app assembles the control plane. One constructor wires config,
// state store, supervisor, lifecycle engine, hub client and download
// jobs; the serve commands pick the HTTP server they need from it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/appkitstudio/llamactl/internal/admin"
	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/download"
	"github.com/appkitstudio/llamactl/internal/hub"
	"github.com/appkitstudio/llamactl/internal/lifecycle"
	"github.com/appkitstudio/llamactl/internal/router"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/internal/telemetry"
)

// App is the assembled control plane. Everything hangs off the state
// store; the engine and both HTTP surfaces are safe for concurrent use.
type App struct {
	Config *config.Config
	Store  *state.Store
	Sup    supervisor.Supervisor
	Engine *lifecycle.Engine
	Hub    *hub.Client
	Jobs   *download.Manager

	shutdownTelemetry func(context.Context) error
}

// New wires the application from the environment.
func New() (*App, error) {
	return NewWithConfig(config.Load())
}

// NewWithConfig wires the application against an explicit config.
func NewWithConfig(cfg *config.Config) (*App, error) {
	st, err := state.New(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	sup := supervisor.NewLaunchd(cfg.Paths)
	hubClient := hub.New(cfg.HubURL)

	return &App{
		Config:            cfg,
		Store:             st,
		Sup:               sup,
		Engine:            lifecycle.New(st, sup, cfg),
		Hub:               hubClient,
		Jobs:              download.NewManager(hubClient, st),
		shutdownTelemetry: shutdown,
	}, nil
}

// AdminServer builds the admin API server bound per the admin singleton.
func (a *App) AdminServer() (*http.Server, error) {
	adminCfg, err := a.Store.Admin()
	if err != nil {
		return nil, err
	}
	srv := admin.New(a.Store, a.Config, adminCfg, a.Sup, a.Engine, a.Hub, a.Jobs)
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", adminCfg.Host, adminCfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}, nil
}

// RouterServer builds the front door bound per the router singleton.
// No WriteTimeout: a streamed completion outlives any fixed value, so
// the per-request deadline is enforced inside the proxy instead.
func (a *App) RouterServer() (*http.Server, error) {
	rc, err := a.Store.Router()
	if err != nil {
		return nil, err
	}
	srv := router.New(a.Store, rc)
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rc.Host, rc.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}, nil
}

// Shutdown flushes telemetry. Call it after the HTTP server has drained.
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdownTelemetry(ctx)
}
