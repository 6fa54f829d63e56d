package models

// Request and response shapes for the Admin API. The CLI's client package
// reuses these, so the wire format is defined in exactly one place.

// CreateServerRequest creates a backend. Model may be a filename, a base
// model name, or an absolute path; it is resolved through the catalog.
// Zero-valued tuning fields fall back to GlobalConfig defaults, and a zero
// port asks the allocator for one.
type CreateServerRequest struct {
	Model       string   `json:"model"`
	Alias       string   `json:"alias,omitempty"`
	Port        int      `json:"port,omitempty"`
	Host        string   `json:"host,omitempty"`
	Threads     int      `json:"threads,omitempty"`
	CtxSize     int      `json:"ctxSize,omitempty"`
	GPULayers   int      `json:"gpuLayers,omitempty"`
	Verbose     bool     `json:"verbose,omitempty"`
	Embeddings  bool     `json:"embeddings,omitempty"`
	Jinja       bool     `json:"jinja,omitempty"`
	CustomFlags []string `json:"customFlags,omitempty"`
}

// UpdateServerRequest is a patch: nil means "leave unchanged". Changing
// Model can rename the backend id (identity migration); Restart asks the
// lifecycle engine to bounce the process when the change requires it.
type UpdateServerRequest struct {
	Model       *string   `json:"model,omitempty"`
	Alias       *string   `json:"alias,omitempty"`
	Port        *int      `json:"port,omitempty"`
	Host        *string   `json:"host,omitempty"`
	Threads     *int      `json:"threads,omitempty"`
	CtxSize     *int      `json:"ctxSize,omitempty"`
	GPULayers   *int      `json:"gpuLayers,omitempty"`
	Verbose     *bool     `json:"verbose,omitempty"`
	Embeddings  *bool     `json:"embeddings,omitempty"`
	Jinja       *bool     `json:"jinja,omitempty"`
	CustomFlags *[]string `json:"customFlags,omitempty"`
	Restart     bool      `json:"restart,omitempty"`
}

// UpdateServerResponse reports the applied config plus migration facts
// when the update renamed the backend.
type UpdateServerResponse struct {
	Server   *BackendConfig `json:"server"`
	Migrated bool           `json:"migrated,omitempty"`
	OldID    string         `json:"oldId,omitempty"`
	NewID    string         `json:"newId,omitempty"`
	// Restarted is set when the engine bounced the process for this update.
	Restarted bool `json:"restarted,omitempty"`
}

// UpdateRouterRequest patches the router singleton. Takes effect on the
// next router start.
type UpdateRouterRequest struct {
	Port           *int  `json:"port,omitempty"`
	RequestTimeout *int  `json:"requestTimeout,omitempty"`
	Verbose        *bool `json:"verbose,omitempty"`
}

// ModelEntry is a catalog entry plus the backends configured on it.
type ModelEntry struct {
	ModelInfo
	Dependents []string `json:"dependents,omitempty"`
}

// DeleteResult reports what a model delete removed.
type DeleteResult struct {
	Model          string   `json:"model"`
	FreedBytes     int64    `json:"freedBytes"`
	RemovedServers []string `json:"removedServers,omitempty"`
}

// DownloadRequest enqueues a hub download.
type DownloadRequest struct {
	Repo     string `json:"repo"`
	Filename string `json:"filename"`
}

// DownloadAccepted is the 202 body for an enqueued download.
type DownloadAccepted struct {
	JobID string `json:"jobId"`
}

// SearchResult is one hub hit, trimmed to what the UI and CLI show.
type SearchResult struct {
	ID        string   `json:"id"`
	Author    string   `json:"author,omitempty"`
	Downloads int64    `json:"downloads"`
	Likes     int64    `json:"likes"`
	Tags      []string `json:"tags,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// LogsResponse carries the tail of one log file.
type LogsResponse struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// StatusResponse aggregates the whole installation for /api/status.
type StatusResponse struct {
	Servers       []*BackendConfig `json:"servers"`
	Router        *RouterConfig    `json:"router"`
	RunningCount  int              `json:"runningCount"`
	StoppedCount  int              `json:"stoppedCount"`
	ModelCount    int              `json:"modelCount"`
	ActiveJobs    int              `json:"activeJobs"`
	ModelsDirSize int64            `json:"modelsDirSize"`
}

// ErrorResponse is the generic error envelope. Code carries machine
// readable values like OPERATION_IN_PROGRESS where callers branch on them.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}
