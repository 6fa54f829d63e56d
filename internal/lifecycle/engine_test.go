package lifecycle

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/internal/supervisor"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// White-box tests: the engine's poll timeouts and the Metal scan grace
// are shortened so failure paths resolve in milliseconds against the
// fake supervisor.

func newTestEngine(t *testing.T) (*Engine, *state.Store, *supervisor.Fake) {
	t.Helper()
	root := t.TempDir()
	paths := config.Paths{
		Root:      filepath.Join(root, "home"),
		AgentsDir: filepath.Join(root, "agents"),
	}
	st, err := state.New(paths)
	if err != nil {
		t.Fatalf("state.New() error = %v", err)
	}
	sup := supervisor.NewFake()
	eng := New(st, sup, &config.Config{
		Paths:        paths,
		ServerBinary: "/opt/homebrew/bin/llama-server",
		SelfBinary:   "/usr/local/bin/llamactl",
	})
	eng.statusTimeout = 2 * time.Second
	eng.portTimeout = 2 * time.Second
	eng.stopTimeout = 2 * time.Second
	eng.metalGrace = time.Millisecond
	return eng, st, sup
}

func seedBackend(t *testing.T, st *state.Store, id string, port int) *models.BackendConfig {
	t.Helper()
	paths := st.Paths()
	b := &models.BackendConfig{
		ID:          id,
		ModelName:   id + ".gguf",
		ModelPath:   filepath.Join(st.ModelsDir(), id+".gguf"),
		Port:        port,
		Host:        "127.0.0.1",
		Threads:     4,
		CtxSize:     4096,
		GPULayers:   99,
		Status:      models.StatusStopped,
		Label:       models.LabelPrefix + id,
		PlistPath:   paths.PlistFile(models.LabelPrefix + id),
		StdoutPath:  paths.StdoutLog(id),
		StderrPath:  paths.StderrLog(id),
		HTTPLogPath: paths.HTTPLog(id),
	}
	if err := st.CreateBackend(b); err != nil {
		t.Fatalf("CreateBackend() error = %v", err)
	}
	return b
}

// listenPort binds a loopback listener that stands in for the backend
// process, so the engine's port verification succeeds.
func listenPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// ─── Backend start ───────────────────────────────────────────

func TestStartVerifiesAndPersists(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	b := seedBackend(t, st, "llama-3-8b-q4", listenPort(t))

	stderr := "llm_load_tensors: offloading 32 layers to GPU\n" +
		"llm_load_tensors:      Metal buffer size =  4096.50 MiB\n"
	if err := os.WriteFile(b.StderrPath, []byte(stderr), 0o644); err != nil {
		t.Fatalf("writing stderr log: %v", err)
	}

	got, err := eng.Start(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Start().Status = %q, want running", got.Status)
	}
	if got.PID == 0 {
		t.Error("Start() did not record a PID")
	}
	if got.LastStarted == nil {
		t.Error("Start() did not set LastStarted")
	}
	if got.MetalMemoryMB != 4096 {
		t.Errorf("Start().MetalMemoryMB = %d, want 4096", got.MetalMemoryMB)
	}

	persisted, err := st.GetBackend(b.ID)
	if err != nil {
		t.Fatalf("GetBackend() error = %v", err)
	}
	if persisted.Status != models.StatusRunning || persisted.PID != got.PID {
		t.Errorf("persisted = %q/%d, want running/%d", persisted.Status, persisted.PID, got.PID)
	}

	if !sup.HasUnit(b.Label) {
		t.Error("Start() did not write a unit file")
	}
	unit, _ := sup.Unit(b.Label)
	if unit.Args[0] != "/opt/homebrew/bin/llama-server" {
		t.Errorf("unit argv[0] = %q, want the server binary", unit.Args[0])
	}

	entries, err := st.History(b.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "started" {
		t.Fatalf("history = %+v, want one started entry", entries)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	b := seedBackend(t, st, "already-up", listenPort(t))
	if _, err := eng.Start(context.Background(), b.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := eng.Start(context.Background(), b.ID)
	if !IsAlreadyInState(err) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyInState", err)
	}
	if !sup.HasUnit(b.Label) {
		t.Error("rejected start removed the unit")
	}
}

func TestStartAfterCrash(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "crashed-but-recorded", listenPort(t))

	// Status says running but no process exists under the supervisor.
	b.Status = models.StatusRunning
	b.PID = 1234
	if err := st.SaveBackend(b); err != nil {
		t.Fatalf("SaveBackend() error = %v", err)
	}

	got, err := eng.Start(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Start() after crash error = %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Start().Status = %q, want running", got.Status)
	}
	if got.PID == 1234 {
		t.Error("Start() kept the dead PID")
	}
}

func TestStartUnknownServer(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.Start(context.Background(), "nope")
	if !state.IsNotFound(err) {
		t.Fatalf("Start() error = %v, want ErrNotFound", err)
	}
}

func TestStartPortNeverOpens(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	eng.portTimeout = 300 * time.Millisecond
	b := seedBackend(t, st, "deaf-server", closedPort(t))

	_, err := eng.Start(context.Background(), b.ID)
	if err == nil || !strings.Contains(err.Error(), "not responding") {
		t.Fatalf("Start() error = %v, want port-not-responding", err)
	}

	// Verification failed, so the persisted status must not have moved.
	persisted, _ := st.GetBackend(b.ID)
	if persisted.Status != models.StatusStopped {
		t.Errorf("persisted status = %q, want stopped", persisted.Status)
	}

	entries, _ := st.History(b.ID)
	if len(entries) != 1 || entries[0].Event != "start_failed" {
		t.Fatalf("history = %+v, want one start_failed entry", entries)
	}
	if entries[0].Detail == "" {
		t.Error("start_failed entry has no detail")
	}
}

func TestStartSupervisorRefuses(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	b := seedBackend(t, st, "refused", listenPort(t))
	sup.StartErr = os.ErrPermission

	_, err := eng.Start(context.Background(), b.ID)
	if err == nil || !strings.Contains(err.Error(), "start unit") {
		t.Fatalf("Start() error = %v, want start unit failure", err)
	}
	persisted, _ := st.GetBackend(b.ID)
	if persisted.Status != models.StatusStopped {
		t.Errorf("persisted status = %q, want stopped", persisted.Status)
	}
}

func TestStartRecoversThrottledUnit(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	b := seedBackend(t, st, "crashy", listenPort(t))

	// A unit launchd refuses to respawn: loaded, dead, exit code 78.
	if err := sup.WriteUnit(supervisor.Unit{Label: b.Label, Args: []string{"stale"}}); err != nil {
		t.Fatalf("WriteUnit() error = %v", err)
	}
	if err := sup.Load(b.Label); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sup.SetExitCode(b.Label, supervisor.ThrottledExitCode)

	got, err := eng.Start(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Start().Status = %q, want running", got.Status)
	}

	unit, ok := sup.Unit(b.Label)
	if !ok {
		t.Fatal("unit file missing after recovery")
	}
	if unit.Args[0] == "stale" {
		t.Error("throttled unit was not recreated from current config")
	}
}

func TestStartRotatesOversizedLogs(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	eng.maxLogSize = 10
	b := seedBackend(t, st, "wordy", listenPort(t))

	if err := os.WriteFile(b.StdoutPath, []byte("this log is longer than ten bytes\n"), 0o644); err != nil {
		t.Fatalf("writing stdout log: %v", err)
	}

	if _, err := eng.Start(context.Background(), b.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := os.Stat(b.StdoutPath); !os.IsNotExist(err) {
		t.Error("oversized log was not rotated away")
	}
	archives, err := filepath.Glob(b.StdoutPath + ".*")
	if err != nil || len(archives) != 1 {
		t.Errorf("archives = %v (err %v), want exactly one", archives, err)
	}
}

func TestStartCancelledContext(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "cancelled", listenPort(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Start(ctx, b.ID)
	if err == nil {
		t.Fatal("Start() with cancelled context succeeded")
	}
	persisted, _ := st.GetBackend(b.ID)
	if persisted.Status != models.StatusStopped {
		t.Errorf("persisted status = %q, want stopped", persisted.Status)
	}
}

// ─── Backend stop and restart ────────────────────────────────

func TestStopPersistsAndRecordsHistory(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "stop-me", listenPort(t))
	if _, err := eng.Start(context.Background(), b.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := eng.Stop(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got.Status != models.StatusStopped || got.PID != 0 {
		t.Errorf("Stop() = %q/%d, want stopped/0", got.Status, got.PID)
	}
	if got.LastStopped == nil {
		t.Error("Stop() did not set LastStopped")
	}

	entries, _ := st.History(b.ID)
	if len(entries) != 2 || entries[0].Event != "started" || entries[1].Event != "stopped" {
		t.Fatalf("history = %+v, want started then stopped", entries)
	}
}

func TestStopAlreadyStopped(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "at-rest", listenPort(t))

	_, err := eng.Stop(context.Background(), b.ID)
	if !IsAlreadyInState(err) {
		t.Fatalf("Stop() error = %v, want ErrAlreadyInState", err)
	}
}

func TestStopOrphanProcess(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	b := seedBackend(t, st, "orphan", listenPort(t))

	// The process runs under the supervisor while the record says stopped.
	if err := sup.WriteUnit(supervisor.Unit{Label: b.Label}); err != nil {
		t.Fatalf("WriteUnit() error = %v", err)
	}
	if err := sup.Load(b.Label); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := sup.Start(b.Label); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := eng.Stop(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Stop() of orphan error = %v", err)
	}
	if got.Status != models.StatusStopped {
		t.Errorf("Stop().Status = %q, want stopped", got.Status)
	}
	if st, _ := sup.Status(b.Label); st.Running {
		t.Error("orphan process still running after Stop()")
	}
}

func TestRestartFromStopped(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "cold-start", listenPort(t))

	got, err := eng.Restart(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Restart().Status = %q, want running", got.Status)
	}
}

func TestRestartFromRunning(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "bounce", listenPort(t))
	if _, err := eng.Start(context.Background(), b.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := eng.Restart(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Restart().Status = %q, want running", got.Status)
	}

	entries, _ := st.History(b.ID)
	events := make([]string, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	want := []string{"started", "stopped", "started"}
	if len(events) != len(want) {
		t.Fatalf("history events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("history events = %v, want %v", events, want)
		}
	}
}

func TestSecondOperationRejected(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	b := seedBackend(t, st, "busy", listenPort(t))

	if err := eng.acquire(b.ID, "starting"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer eng.release(b.ID)

	_, err := eng.Start(context.Background(), b.ID)
	if !IsInProgress(err) {
		t.Fatalf("Start() error = %v, want ErrInProgress", err)
	}
	if !strings.Contains(err.Error(), "starting") {
		t.Errorf("error %q does not name the in-flight operation", err)
	}

	// A different backend is not blocked.
	other := seedBackend(t, st, "idle", listenPort(t))
	if _, err := eng.Start(context.Background(), other.ID); err != nil {
		t.Fatalf("Start(other) error = %v", err)
	}
}

// ─── Metal memory scan ───────────────────────────────────────

func TestScanMetalMemory(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	dir := st.Paths().LogsDir()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"reported", "ggml_metal_init: found device\nllm_load_tensors: Metal buffer size = 2048.00 MiB\n", 2048},
		{"mapped", "load_tensors: Metal_Mapped model buffer size = 7168.00 MiB\n", 7168},
		{"fractional", "Metal buffer size =  512.75 MiB\n", 512},
		{"absent", "llm_load_tensors: CPU buffer size = 4096.00 MiB\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".stderr")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("writing log: %v", err)
			}
			if got := eng.scanMetalMemory(context.Background(), path); got != tt.want {
				t.Errorf("scanMetalMemory() = %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if got := eng.scanMetalMemory(context.Background(), filepath.Join(dir, "nope.stderr")); got != 0 {
			t.Errorf("scanMetalMemory() = %d, want 0", got)
		}
	})
}

// ─── Router and admin services ───────────────────────────────

func TestStartRouterWritesServeUnit(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	rc, err := st.Router()
	if err != nil {
		t.Fatalf("Router() error = %v", err)
	}
	rc.Port = listenPort(t)
	if err := st.SaveRouter(rc); err != nil {
		t.Fatalf("SaveRouter() error = %v", err)
	}

	got, err := eng.StartRouter(context.Background())
	if err != nil {
		t.Fatalf("StartRouter() error = %v", err)
	}
	if got.State != models.ServiceRunning {
		t.Errorf("StartRouter().State = %q, want running", got.State)
	}

	unit, ok := sup.Unit(rc.Label)
	if !ok {
		t.Fatal("router unit was not written")
	}
	want := []string{"/usr/local/bin/llamactl", "router", "serve"}
	if len(unit.Args) != 3 || unit.Args[0] != want[0] || unit.Args[1] != want[1] || unit.Args[2] != want[2] {
		t.Errorf("router unit argv = %v, want %v", unit.Args, want)
	}

	persisted, _ := st.Router()
	if persisted.State != models.ServiceRunning {
		t.Errorf("persisted router state = %q, want running", persisted.State)
	}

	// Starting a running router is rejected.
	if _, err := eng.StartRouter(context.Background()); !IsAlreadyInState(err) {
		t.Fatalf("second StartRouter() error = %v, want ErrAlreadyInState", err)
	}
}

func TestStopRouter(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	rc, _ := st.Router()
	rc.Port = listenPort(t)
	if err := st.SaveRouter(rc); err != nil {
		t.Fatalf("SaveRouter() error = %v", err)
	}
	if _, err := eng.StartRouter(context.Background()); err != nil {
		t.Fatalf("StartRouter() error = %v", err)
	}

	got, err := eng.StopRouter(context.Background())
	if err != nil {
		t.Fatalf("StopRouter() error = %v", err)
	}
	if got.State != models.ServiceStopped {
		t.Errorf("StopRouter().State = %q, want stopped", got.State)
	}

	if _, err := eng.StopRouter(context.Background()); !IsAlreadyInState(err) {
		t.Fatalf("second StopRouter() error = %v, want ErrAlreadyInState", err)
	}
}

func TestRestartRouter(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	rc, _ := st.Router()
	rc.Port = listenPort(t)
	if err := st.SaveRouter(rc); err != nil {
		t.Fatalf("SaveRouter() error = %v", err)
	}
	if _, err := eng.StartRouter(context.Background()); err != nil {
		t.Fatalf("StartRouter() error = %v", err)
	}

	got, err := eng.RestartRouter(context.Background())
	if err != nil {
		t.Fatalf("RestartRouter() error = %v", err)
	}
	if got.State != models.ServiceRunning {
		t.Errorf("RestartRouter().State = %q, want running", got.State)
	}
}

func TestStartAdminWritesServeUnit(t *testing.T) {
	eng, st, sup := newTestEngine(t)
	ac, err := st.Admin()
	if err != nil {
		t.Fatalf("Admin() error = %v", err)
	}
	ac.Port = listenPort(t)
	if err := st.SaveAdmin(ac); err != nil {
		t.Fatalf("SaveAdmin() error = %v", err)
	}

	got, err := eng.StartAdmin(context.Background())
	if err != nil {
		t.Fatalf("StartAdmin() error = %v", err)
	}
	if got.State != models.ServiceRunning {
		t.Errorf("StartAdmin().State = %q, want running", got.State)
	}

	unit, ok := sup.Unit(ac.Label)
	if !ok {
		t.Fatal("admin unit was not written")
	}
	if len(unit.Args) != 3 || unit.Args[1] != "admin" || unit.Args[2] != "serve" {
		t.Errorf("admin unit argv = %v, want [llamactl admin serve]", unit.Args)
	}

	stopped, err := eng.StopAdmin(context.Background())
	if err != nil {
		t.Fatalf("StopAdmin() error = %v", err)
	}
	if stopped.State != models.ServiceStopped {
		t.Errorf("StopAdmin().State = %q, want stopped", stopped.State)
	}
}
