package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/appkitstudio/llamactl/internal/app"
	"github.com/appkitstudio/llamactl/internal/download"
)

var routerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router in the foreground",
	Long: `Run the OpenAI and Anthropic compatible router in the foreground.

This is what the router launchd unit invokes. Use "llamactl router
start" to run it supervised instead.`,
	RunE: runRouterServe,
}

var adminServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API in the foreground",
	Long: `Run the admin API and dashboard in the foreground.

This is what the admin launchd unit invokes. Use "llamactl admin
start" to run it supervised instead.`,
	RunE: runAdminServe,
}

func init() {
	routerCmd.AddCommand(routerServeCmd)
	adminCmd.AddCommand(adminServeCmd)
}

func runRouterServe(cmd *cobra.Command, args []string) error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("failed to initialize: %v", err)
	}
	srv, err := a.RouterServer()
	if err != nil {
		return fmt.Errorf("failed to build router: %v", err)
	}

	log.Info().Str("addr", srv.Addr).Msg("Router listening")
	return serveUntilSignal(a, srv, nil)
}

func runAdminServe(cmd *cobra.Command, args []string) error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("failed to initialize: %v", err)
	}
	srv, err := a.AdminServer()
	if err != nil {
		return fmt.Errorf("failed to build admin server: %v", err)
	}

	log.Info().Str("addr", srv.Addr).Msg("Admin API listening")
	return serveUntilSignal(a, srv, a.Jobs)
}

// serveUntilSignal runs srv until SIGINT or SIGTERM, then drains it and
// flushes telemetry. jobs, when set, gets its eviction loop for the
// lifetime of the server.
func serveUntilSignal(a *app.App, srv *http.Server, jobs *download.Manager) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if jobs != nil {
		go jobs.Run(ctx)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if ferr := a.Shutdown(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("Telemetry flush failed")
	}

	if err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %v", err)
	}
	return nil
}
