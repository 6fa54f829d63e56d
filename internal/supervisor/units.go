package supervisor

import (
	"path/filepath"
	"strconv"

	"github.com/appkitstudio/llamactl/pkg/models"
)

// UnitForBackend derives the launchd unit from a backend config. The argv
// feeds the inference binary directly; the supervisor owns the log files.
func UnitForBackend(b *models.BackendConfig, serverBinary string) Unit {
	args := []string{
		serverBinary,
		"--model", b.ModelPath,
		"--host", b.Host,
		"--port", strconv.Itoa(b.Port),
		"--threads", strconv.Itoa(b.Threads),
		"--ctx-size", strconv.Itoa(b.CtxSize),
		"--n-gpu-layers", strconv.Itoa(b.GPULayers),
	}
	if b.Verbose {
		args = append(args, "--verbose")
	}
	if b.Embeddings {
		args = append(args, "--embeddings")
	}
	if b.Jinja {
		args = append(args, "--jinja")
	}
	args = append(args, b.CustomFlags...)

	return Unit{
		Label:      b.Label,
		Args:       args,
		WorkingDir: filepath.Dir(b.ModelPath),
		StdoutPath: b.StdoutPath,
		StderrPath: b.StderrPath,
	}
}

// UnitForRouter re-invokes llamactl in foreground router mode.
func UnitForRouter(r *models.RouterConfig, selfBinary string) Unit {
	return Unit{
		Label:      r.Label,
		Args:       []string{selfBinary, "router", "serve"},
		WorkingDir: filepath.Dir(selfBinary),
		StdoutPath: r.StdoutPath,
		StderrPath: r.StderrPath,
	}
}

// UnitForAdmin re-invokes llamactl in foreground admin mode.
func UnitForAdmin(a *models.AdminConfig, selfBinary string) Unit {
	return Unit{
		Label:      a.Label,
		Args:       []string{selfBinary, "admin", "serve"},
		WorkingDir: filepath.Dir(selfBinary),
		StdoutPath: a.StdoutPath,
		StderrPath: a.StderrPath,
	}
}
