// Package cli implements the llamactl command tree. Management commands
// talk to the Admin API through pkg/client; the serve commands run the
// services in the foreground (launchd units invoke those); and the
// router/admin lifecycle commands drive launchd directly, because the
// admin API cannot bootstrap itself.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/lifecycle"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/client"
)

var (
	apiURL   string
	apiKey   string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "llamactl",
	Short: "Local control plane for llama.cpp inference",
	Long: `llamactl manages llama-server backends on this machine: it keeps their
configuration, drives them through launchd, fronts them with an OpenAI
and Anthropic compatible router, and downloads models from the hub.

Examples:
  llamactl model download unsloth/Qwen2.5-Coder-7B-Instruct-GGUF qwen2.5-coder-7b-instruct-q4_k_m.gguf
  llamactl server create --model qwen2.5-coder-7b-instruct-q4_k_m.gguf --alias coder
  llamactl server start coder
  llamactl router start
  llamactl status`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute runs the command tree. Called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(normalizeFlags)
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "admin API base URL (default: from local admin config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API key (default: from local admin config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
}

// normalizeFlags lets underscores stand in for dashes, so --ctx_size
// and --ctx-size both resolve to the same flag.
func normalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty output for a terminal; under launchd stderr is a log file
	// and stays JSON.
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level := logLevel
	if level == "" {
		level = config.Load().LogLevel
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// apiClient builds an Admin API client from the persistent flags,
// filling in whatever is missing from the local admin config. A CLI run
// on this machine is trusted precisely because it can read the state
// directory the key lives in.
func apiClient() (*client.Client, error) {
	if apiURL != "" && apiKey != "" {
		return client.New(apiURL, apiKey), nil
	}

	st, err := state.New(config.Load().Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %v", err)
	}
	ac, err := st.Admin()
	if err != nil {
		return nil, fmt.Errorf("failed to read admin config: %v", err)
	}

	base := apiURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", ac.Host, ac.Port)
	}
	key := apiKey
	if key == "" {
		key = ac.APIKey
	}
	return client.New(base, key), nil
}

// localEngine wires the lifecycle engine against local state, bypassing
// the Admin API. Bootstrap commands need it: the API cannot start or
// stop the service that serves it.
func localEngine() (*lifecycle.Engine, error) {
	cfg := config.Load()
	st, err := state.New(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %v", err)
	}
	return lifecycle.New(st, supervisor.NewLaunchd(cfg.Paths), cfg), nil
}
