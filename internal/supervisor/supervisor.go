// Package supervisor manages the host service manager that keeps backend
// processes alive. The concrete implementation drives macOS launchd via
// launchctl; everything above it programs against the Supervisor
// interface, so tests and future platforms swap the bottom layer only.
package supervisor

import (
	"fmt"
	"time"
)

// ThrottleInterval is written into every unit: launchd will not respawn a
// crashed job more often than this.
const ThrottleInterval = 10

// ThrottledExitCode is what launchd reports for a job it refuses to spawn
// because it crashed too fast too often. Recovery requires recreating the
// unit, not another start.
const ThrottledExitCode = 78

// pollInterval is the status poll cadence for the wait helpers.
const pollInterval = 500 * time.Millisecond

// Unit is the declarative descriptor handed to the host supervisor.
type Unit struct {
	Label      string
	Args       []string
	WorkingDir string
	StdoutPath string
	StderrPath string
}

// Status is the supervisor's live view of one unit.
type Status struct {
	// Loaded means the unit is known to the supervisor at all.
	Loaded bool
	// Running means a process is currently alive for the unit.
	Running bool
	PID     int
	// LastExitCode is the exit status of the most recent dead process,
	// 0 when none is recorded.
	LastExitCode int
}

// Throttled reports the crash-loop state that needs unit recreation.
func (s Status) Throttled() bool {
	return s.Loaded && !s.Running && s.LastExitCode == ThrottledExitCode
}

// Supervisor is the adapter contract. Unload and Stop are idempotent:
// acting on an unknown unit is success, not an error.
type Supervisor interface {
	// WriteUnit renders the unit file to disk, replacing any existing one.
	WriteUnit(u Unit) error
	// RemoveUnit deletes the unit file; missing files are fine.
	RemoveUnit(label string) error
	// Load registers the unit file with the supervisor.
	Load(label string) error
	// Unload deregisters it. Not-loaded is success.
	Unload(label string) error
	// Start kicks the job.
	Start(label string) error
	// Stop kills the job's process. Not-running is success.
	Stop(label string) error
	// Status queries the supervisor for the unit's live state.
	Status(label string) (Status, error)
	// Reset recovers a throttled unit: unload, remove, settle, recreate,
	// load. The unit is left loaded but not started.
	Reset(u Unit) error
}

// WaitForStart polls until the unit reports running or the timeout
// elapses. Returns the last observed status either way.
func WaitForStart(s Supervisor, label string, timeout time.Duration) (Status, error) {
	deadline := time.Now().Add(timeout)
	var last Status
	for {
		st, err := s.Status(label)
		if err == nil {
			last = st
			if st.Running {
				return st, nil
			}
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("unit %s did not start within %s", label, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// WaitForStop polls until the unit reports not running or the timeout
// elapses.
func WaitForStop(s Supervisor, label string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := s.Status(label)
		if err != nil || !st.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unit %s still running after %s", label, timeout)
		}
		time.Sleep(pollInterval)
	}
}
