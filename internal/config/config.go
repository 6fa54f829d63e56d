// Package config resolves where llamactl keeps its state and how the two
// services are tuned. Persisted settings live in JSON under the home root;
// environment variables only override machine-local details.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/appkitstudio/llamactl/pkg/models"
)

// Paths is the on-disk layout. Everything llamactl persists lives under
// Root; unit files go to the supervisor's agent directory.
type Paths struct {
	// Root is ~/.llamacpp unless LLAMACTL_HOME overrides it.
	Root string
	// AgentsDir is where unit files are written (~/Library/LaunchAgents).
	AgentsDir string
}

func (p Paths) GlobalConfigFile() string { return filepath.Join(p.Root, "config.json") }
func (p Paths) ServersDir() string       { return filepath.Join(p.Root, "servers") }
func (p Paths) ServerFile(id string) string {
	return filepath.Join(p.ServersDir(), id+".json")
}
func (p Paths) RouterConfigFile() string { return filepath.Join(p.Root, "router.json") }
func (p Paths) AdminConfigFile() string  { return filepath.Join(p.Root, "admin.json") }

func (p Paths) LogsDir() string            { return filepath.Join(p.Root, "logs") }
func (p Paths) StdoutLog(id string) string { return filepath.Join(p.LogsDir(), id+".stdout") }
func (p Paths) StderrLog(id string) string { return filepath.Join(p.LogsDir(), id+".stderr") }
func (p Paths) HTTPLog(id string) string   { return filepath.Join(p.LogsDir(), id+".http") }
func (p Paths) RouterLog() string          { return filepath.Join(p.LogsDir(), "router.log") }

func (p Paths) HistoryDir() string { return filepath.Join(p.Root, "history") }
func (p Paths) HistoryFile(id string) string {
	return filepath.Join(p.HistoryDir(), id+".json")
}

func (p Paths) PlistFile(label string) string {
	return filepath.Join(p.AgentsDir, label+".plist")
}

// EnsureDirs creates the layout. Safe to call repeatedly.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.ServersDir(), p.LogsDir(), p.HistoryDir(), p.AgentsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Config is the process-level configuration for both services.
type Config struct {
	Paths    Paths
	LogLevel string
	HubURL   string
	// ServerBinary is the absolute path to the inference binary spawned
	// by backend units.
	ServerBinary string
	// SelfBinary is the absolute path of llamactl itself; router/admin
	// units re-invoke it in foreground mode.
	SelfBinary string
	// WebDist is the bundled admin UI; empty disables static serving.
	WebDist   string
	Telemetry TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	self, err := os.Executable()
	if err != nil {
		self = "llamactl"
	}
	otlp := envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return &Config{
		Paths: Paths{
			Root:      envStr("LLAMACTL_HOME", filepath.Join(home, ".llamacpp")),
			AgentsDir: envStr("LLAMACTL_AGENTS_DIR", filepath.Join(home, "Library", "LaunchAgents")),
		},
		LogLevel:     envStr("LLAMACTL_LOG_LEVEL", "info"),
		HubURL:       envStr("LLAMACTL_HUB_URL", "https://huggingface.co"),
		ServerBinary: envStr("LLAMACTL_SERVER_BIN", findServerBinary()),
		SelfBinary:   self,
		WebDist:      envStr("LLAMACTL_WEB_DIST", filepath.Join(filepath.Dir(self), "web", "dist")),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("LLAMACTL_TELEMETRY", otlp != ""),
			OTLPEndpoint: otlp,
			ServiceName:  envStr("OTEL_SERVICE_NAME", "llamactl"),
		},
	}
}

// DefaultGlobal is the GlobalConfig written on first run.
func DefaultGlobal() models.GlobalConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return models.GlobalConfig{
		ModelsDirectory:  envStr("LLAMACTL_MODELS_DIR", filepath.Join(home, "models")),
		DefaultPortBase:  envInt("LLAMACTL_PORT_BASE", 9000),
		DefaultThreads:   8,
		DefaultCtxSize:   4096,
		DefaultGPULayers: 99,
	}
}

// findServerBinary locates llama-server on PATH, falling back to the
// common Homebrew location.
func findServerBinary() string {
	if p, err := exec.LookPath("llama-server"); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}
	return "/opt/homebrew/bin/llama-server"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
