package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/config"
)

// settleDelay gives launchd time to forget a removed job before the unit
// is recreated during throttle recovery.
const settleDelay = 1 * time.Second

// Launchd drives launchctl. Unit files live in the user's LaunchAgents
// directory so jobs survive logout/login but not reboots without login.
type Launchd struct {
	paths config.Paths
	// run executes launchctl; swapped in tests.
	run func(args ...string) (string, error)
}

func NewLaunchd(paths config.Paths) *Launchd {
	return &Launchd{paths: paths, run: runLaunchctl}
}

func runLaunchctl(args ...string) (string, error) {
	cmd := exec.Command("launchctl", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	if err != nil {
		return out, fmt.Errorf("launchctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(out), err)
	}
	return out, nil
}

func (l *Launchd) WriteUnit(u Unit) error {
	path := l.paths.PlistFile(u.Label)
	content := renderPlist(u)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Debug().Str("label", u.Label).Str("path", path).Msg("unit file written")
	return nil
}

func (l *Launchd) RemoveUnit(label string) error {
	err := os.Remove(l.paths.PlistFile(label))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Launchd) Load(label string) error {
	_, err := l.run("load", "-w", l.paths.PlistFile(label))
	if err != nil && isAlreadyLoaded(err) {
		return nil
	}
	return err
}

// Unload is idempotent: launchctl complaining that the service is unknown
// counts as success.
func (l *Launchd) Unload(label string) error {
	_, err := l.run("unload", "-w", l.paths.PlistFile(label))
	if err != nil && isNotLoaded(err) {
		return nil
	}
	return err
}

func (l *Launchd) Start(label string) error {
	_, err := l.run("start", label)
	return err
}

// Stop is idempotent like Unload.
func (l *Launchd) Stop(label string) error {
	_, err := l.run("stop", label)
	if err != nil && isNotLoaded(err) {
		return nil
	}
	return err
}

// Status parses `launchctl list <label>` output. A non-zero exit means
// the unit is not loaded.
func (l *Launchd) Status(label string) (Status, error) {
	out, err := l.run("list", label)
	if err != nil {
		if isNotLoaded(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	return parseListOutput(out), nil
}

func (l *Launchd) Reset(u Unit) error {
	if err := l.Unload(u.Label); err != nil {
		log.Warn().Err(err).Str("label", u.Label).Msg("unload during reset")
	}
	if err := l.RemoveUnit(u.Label); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	if err := l.WriteUnit(u); err != nil {
		return err
	}
	return l.Load(u.Label)
}

// parseListOutput reads the plist-ish text of `launchctl list <label>`:
//
//	{
//		"Label" = "com.llamacpp.x";
//		"LastExitStatus" = 0;
//		"PID" = 12345;
//	};
func parseListOutput(out string) Status {
	st := Status{Loaded: true}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		switch {
		case strings.HasPrefix(line, `"PID"`):
			if n, ok := trailingInt(line); ok {
				st.PID = n
				st.Running = true
			}
		case strings.HasPrefix(line, `"LastExitStatus"`):
			if n, ok := trailingInt(line); ok {
				// launchd packs the wait(2) status; the exit code is the
				// high byte.
				if n > 255 {
					n >>= 8
				}
				st.LastExitCode = n
			}
		}
	}
	return st
}

func trailingInt(line string) (int, bool) {
	i := strings.LastIndex(line, "=")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// isNotLoaded matches the launchctl errors for units it does not know,
// including a unit file that is already gone.
func isNotLoaded(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Could not find") ||
		strings.Contains(msg, "No such process") ||
		strings.Contains(msg, "not currently loaded") ||
		strings.Contains(msg, "No such file or directory")
}

func isAlreadyLoaded(err error) bool {
	return strings.Contains(err.Error(), "already loaded")
}
