// Package models defines the persisted entities of the control plane and
// the identity rules they obey. Everything here is plain data; behavior
// lives in the internal services.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ── Backend identity ─────────────────────────────────────────

// LabelPrefix namespaces supervisor unit labels for everything we manage.
const LabelPrefix = "com.llamacpp."

// modelExtensions are stripped when deriving an id from a model file name.
var modelExtensions = []string{".gguf", ".bin", ".safetensors"}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeID derives the stable backend identifier from a model name:
// lowercase, model extension stripped, runs of non-alphanumerics collapsed
// to a single "-", leading/trailing "-" trimmed. Idempotent.
func SanitizeID(modelName string) string {
	s := strings.ToLower(modelName)
	for _, ext := range modelExtensions {
		if strings.HasSuffix(s, ext) {
			s = strings.TrimSuffix(s, ext)
			break
		}
	}
	s = nonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// reservedAliases collide with CLI subcommands and singleton names.
var reservedAliases = map[string]struct{}{
	"router": {},
	"admin":  {},
	"all":    {},
	"status": {},
}

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateAlias checks the alias grammar and the reserved-name set.
// The empty alias is valid (backends are not required to have one).
func ValidateAlias(alias string) error {
	if alias == "" {
		return nil
	}
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("alias %q must be 1-64 characters of [A-Za-z0-9_-]", alias)
	}
	if _, ok := reservedAliases[strings.ToLower(alias)]; ok {
		return fmt.Errorf("alias %q is reserved", alias)
	}
	return nil
}

// ── BackendConfig ────────────────────────────────────────────

type BackendStatus string

const (
	StatusRunning BackendStatus = "running"
	StatusStopped BackendStatus = "stopped"
	StatusCrashed BackendStatus = "crashed"
)

// BackendConfig describes one supervised inference process: which model it
// serves, where it binds, how it is tuned, and where the supervisor puts
// its unit file and logs. One JSON file per backend under servers/.
type BackendConfig struct {
	ID        string `json:"id"`
	Alias     string `json:"alias,omitempty"`
	ModelName string `json:"modelName"`
	ModelPath string `json:"modelPath"`

	Port int    `json:"port"`
	Host string `json:"host"`

	Threads   int  `json:"threads"`
	CtxSize   int  `json:"ctxSize"`
	GPULayers int  `json:"gpuLayers"`
	Verbose   bool `json:"verbose"`
	// Embeddings gates the /v1/embeddings route on the router.
	Embeddings bool `json:"embeddings"`
	Jinja      bool `json:"jinja"`
	// CustomFlags are appended verbatim to the inference binary argv.
	CustomFlags []string `json:"customFlags,omitempty"`

	Status BackendStatus `json:"status"`
	PID    int           `json:"pid,omitempty"`

	LastStarted *time.Time `json:"lastStarted,omitempty"`
	LastStopped *time.Time `json:"lastStopped,omitempty"`

	// MetalMemoryMB is the Metal buffer size scraped from startup stderr,
	// 0 when the backend never reported one.
	MetalMemoryMB int `json:"metalMemoryMB,omitempty"`

	Label       string `json:"label"`
	PlistPath   string `json:"plistPath"`
	StdoutPath  string `json:"stdoutPath"`
	StderrPath  string `json:"stderrPath"`
	HTTPLogPath string `json:"httpLogPath"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DialHost returns the host the router should connect to. A backend bound
// to 0.0.0.0 listens everywhere but is only dialable via loopback.
func (b *BackendConfig) DialHost() string {
	if b.Host == "" || b.Host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return b.Host
}

// BaseURL is the dialable origin of the backend.
func (b *BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.DialHost(), b.Port)
}

// ── Service singletons ───────────────────────────────────────

// ServiceState is the persisted lifecycle state of the router/admin
// singletons. Backends use the richer BackendStatus.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
)

// RouterConfig is the front-door singleton, persisted as router.json.
type RouterConfig struct {
	Port       int    `json:"port"`
	Host       string `json:"host"`
	Label      string `json:"label"`
	PlistPath  string `json:"plistPath"`
	StdoutPath string `json:"stdoutPath"`
	StderrPath string `json:"stderrPath"`
	// RequestTimeout bounds one proxied request, in seconds.
	RequestTimeout int          `json:"requestTimeout"`
	Verbose        bool         `json:"verbose"`
	State          ServiceState `json:"state"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// AdminConfig is the control-plane singleton, persisted as admin.json.
// APIKey is generated on first load and protects every /api route.
type AdminConfig struct {
	Port       int    `json:"port"`
	Host       string `json:"host"`
	Label      string `json:"label"`
	PlistPath  string `json:"plistPath"`
	StdoutPath string `json:"stdoutPath"`
	StderrPath string `json:"stderrPath"`
	// APIKey is 32 bytes of entropy as 64 lowercase hex characters.
	APIKey         string       `json:"apiKey"`
	RequestTimeout int          `json:"requestTimeout"`
	Verbose        bool         `json:"verbose"`
	State          ServiceState `json:"state"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// GlobalConfig holds workstation-wide defaults, persisted as config.json.
type GlobalConfig struct {
	ModelsDirectory  string `json:"modelsDirectory"`
	DefaultPortBase  int    `json:"defaultPortBase"`
	DefaultThreads   int    `json:"defaultThreads"`
	DefaultCtxSize   int    `json:"defaultCtxSize"`
	DefaultGPULayers int    `json:"defaultGpuLayers"`
}

// ── Model catalog entries ────────────────────────────────────

// ModelInfo is derived from disk on every scan, never persisted. For a
// sharded set the entry is keyed on the first shard and Size sums all of
// them.
type ModelInfo struct {
	Filename      string    `json:"filename"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	Modified      time.Time `json:"modified"`
	Sharded       bool      `json:"isSharded"`
	ShardCount    int       `json:"shardCount,omitempty"`
	ShardPaths    []string  `json:"shardPaths,omitempty"`
	BaseModelName string    `json:"baseModelName"`
	// Exists means every shard of the set is present on disk.
	Exists bool `json:"exists"`
}

// ── Download jobs ────────────────────────────────────────────

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

// Finished reports whether the job reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type DownloadProgress struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	// Speed is bytes per second over a ~500ms moving window.
	Speed float64 `json:"speed"`
}

// DownloadJob lives in admin process memory only; it is lost on restart.
type DownloadJob struct {
	ID       string           `json:"id"`
	Repo     string           `json:"repo"`
	Filename string           `json:"filename"`
	Status   JobStatus        `json:"status"`
	Progress DownloadProgress `json:"progress"`
	Error    string           `json:"error,omitempty"`
	// ShardCount is set when the job expanded to a sharded set.
	ShardCount  int        `json:"shardCount,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ── History ──────────────────────────────────────────────────

// HistoryEntry is one status transition, appended to history/<id>.json.
type HistoryEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Event     string        `json:"event"`
	Status    BackendStatus `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}
