package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/pkg/models"
)

func testUnit() Unit {
	return Unit{
		Label:      "com.llamacpp.test",
		Args:       []string{"/usr/local/bin/llama-server", "--model", "/models/a&b.gguf", "--port", "9000"},
		WorkingDir: "/models",
		StdoutPath: "/logs/test.stdout",
		StderrPath: "/logs/test.stderr",
	}
}

func TestRenderPlist(t *testing.T) {
	out := renderPlist(testUnit())

	for _, want := range []string{
		"<key>Label</key>",
		"<string>com.llamacpp.test</string>",
		"<key>ProgramArguments</key>",
		"<string>/usr/local/bin/llama-server</string>",
		"<key>Crashed</key>",
		"<true/>",
		"<key>SuccessfulExit</key>",
		"<false/>",
		"<key>ThrottleInterval</key>",
		"<integer>10</integer>",
		"<key>StandardOutPath</key>",
		"<key>StandardErrorPath</key>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("renderPlist() missing %q", want)
		}
	}

	// Arguments must be XML-escaped.
	if !strings.Contains(out, "a&amp;b.gguf") {
		t.Error("renderPlist() did not escape & in argv")
	}
	if strings.Contains(out, "a&b.gguf") {
		t.Error("renderPlist() left raw & in argv")
	}
}

func TestParseListOutput(t *testing.T) {
	out := `{
	"LimitLoadToSessionType" = "Aqua";
	"Label" = "com.llamacpp.test";
	"OnDemand" = false;
	"LastExitStatus" = 0;
	"PID" = 12345;
	"Program" = "/usr/local/bin/llama-server";
};`
	st := parseListOutput(out)
	if !st.Loaded {
		t.Error("parseListOutput().Loaded = false, want true")
	}
	if !st.Running || st.PID != 12345 {
		t.Errorf("parseListOutput() running=%v pid=%d, want true/12345", st.Running, st.PID)
	}
}

func TestParseListOutput_PacksWaitStatus(t *testing.T) {
	// launchd reports the raw wait(2) status: exit code 78 arrives as
	// 78<<8 = 19968.
	out := `{
	"Label" = "com.llamacpp.test";
	"LastExitStatus" = 19968;
};`
	st := parseListOutput(out)
	if st.Running {
		t.Error("parseListOutput() running=true for dead job")
	}
	if st.LastExitCode != ThrottledExitCode {
		t.Errorf("parseListOutput().LastExitCode = %d, want %d", st.LastExitCode, ThrottledExitCode)
	}
	if !st.Throttled() {
		t.Error("Status.Throttled() = false, want true")
	}
}

func newTestLaunchd(t *testing.T) (*Launchd, *[]string) {
	t.Helper()
	root := t.TempDir()
	paths := config.Paths{Root: root, AgentsDir: root}
	var calls []string
	l := NewLaunchd(paths)
	l.run = func(args ...string) (string, error) {
		calls = append(calls, strings.Join(args, " "))
		return "", nil
	}
	return l, &calls
}

func TestLaunchd_WriteAndRemoveUnit(t *testing.T) {
	l, _ := newTestLaunchd(t)
	u := testUnit()

	if err := l.WriteUnit(u); err != nil {
		t.Fatalf("WriteUnit() error = %v", err)
	}
	path := l.paths.PlistFile(u.Label)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading unit file: %v", err)
	}
	if !strings.Contains(string(data), u.Label) {
		t.Error("unit file does not contain the label")
	}

	if err := l.RemoveUnit(u.Label); err != nil {
		t.Fatalf("RemoveUnit() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("RemoveUnit() left the unit file behind")
	}
	// Removing again is fine.
	if err := l.RemoveUnit(u.Label); err != nil {
		t.Errorf("RemoveUnit() second call error = %v", err)
	}
}

func TestLaunchd_LoadUsesPlistPath(t *testing.T) {
	l, calls := newTestLaunchd(t)
	if err := l.Load("com.llamacpp.m"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("Load() made %d launchctl calls, want 1", len(*calls))
	}
	got := (*calls)[0]
	if !strings.HasPrefix(got, "load -w ") || !strings.HasSuffix(got, "com.llamacpp.m.plist") {
		t.Errorf("Load() invoked %q, want load -w <plist path>", got)
	}
}

func TestLaunchd_UnloadIdempotent(t *testing.T) {
	l, _ := newTestLaunchd(t)
	l.run = func(args ...string) (string, error) {
		return "", fmt.Errorf("launchctl unload: Could not find specified service: %w", errors.New("exit status 113"))
	}
	if err := l.Unload("com.llamacpp.gone"); err != nil {
		t.Errorf("Unload(not loaded) = %v, want nil", err)
	}
}

func TestLaunchd_StatusNotLoaded(t *testing.T) {
	l, _ := newTestLaunchd(t)
	l.run = func(args ...string) (string, error) {
		return "", fmt.Errorf("launchctl list: Could not find service %q in domain", "x")
	}
	st, err := l.Status("com.llamacpp.gone")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Loaded || st.Running {
		t.Errorf("Status(not loaded) = %+v, want zero status", st)
	}
}

func TestUnitForBackend_Argv(t *testing.T) {
	b := &models.BackendConfig{
		ID:          "m",
		Label:       "com.llamacpp.m",
		ModelPath:   "/models/m.gguf",
		Host:        "127.0.0.1",
		Port:        9000,
		Threads:     8,
		CtxSize:     4096,
		GPULayers:   99,
		Embeddings:  true,
		Jinja:       true,
		CustomFlags: []string{"--flash-attn"},
		StdoutPath:  "/logs/m.stdout",
		StderrPath:  "/logs/m.stderr",
	}
	u := UnitForBackend(b, "/opt/homebrew/bin/llama-server")

	want := []string{
		"/opt/homebrew/bin/llama-server",
		"--model", "/models/m.gguf",
		"--host", "127.0.0.1",
		"--port", "9000",
		"--threads", "8",
		"--ctx-size", "4096",
		"--n-gpu-layers", "99",
		"--embeddings",
		"--jinja",
		"--flash-attn",
	}
	if len(u.Args) != len(want) {
		t.Fatalf("UnitForBackend() argv = %v, want %v", u.Args, want)
	}
	for i := range want {
		if u.Args[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, u.Args[i], want[i])
		}
	}
	if u.WorkingDir != "/models" {
		t.Errorf("WorkingDir = %q, want /models", u.WorkingDir)
	}
}

func TestWaitForStart_Fake(t *testing.T) {
	f := NewFake()
	u := testUnit()
	if err := f.WriteUnit(u); err != nil {
		t.Fatalf("WriteUnit() error = %v", err)
	}
	if err := f.Load(u.Label); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := f.Start(u.Label); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, err := WaitForStart(f, u.Label, time.Second)
	if err != nil {
		t.Fatalf("WaitForStart() error = %v", err)
	}
	if !st.Running || st.PID == 0 {
		t.Errorf("WaitForStart() = %+v, want running with pid", st)
	}

	if err := f.Stop(u.Label); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := WaitForStop(f, u.Label, time.Second); err != nil {
		t.Errorf("WaitForStop() error = %v", err)
	}
}

func TestWaitForStart_Timeout(t *testing.T) {
	f := NewFake()
	u := testUnit()
	if err := f.WriteUnit(u); err != nil {
		t.Fatalf("WriteUnit() error = %v", err)
	}
	if err := f.Load(u.Label); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Never started: the wait must give up.
	if _, err := WaitForStart(f, u.Label, 100*time.Millisecond); err == nil {
		t.Error("WaitForStart(never started) = nil error, want timeout")
	}
}
