package supervisor

import (
	"fmt"
	"sync"
)

// Fake is an in-memory Supervisor for tests and dry runs. Start/Stop flip
// a running bit immediately; PIDs are synthetic and stable per label.
type Fake struct {
	mu      sync.Mutex
	units   map[string]Unit
	loaded  map[string]bool
	running map[string]int
	exits   map[string]int
	nextPID int

	// StartErr, when set, fails the next Start call. Lets tests exercise
	// the failed-to-start path.
	StartErr error
	// OnStart runs after a successful Start with the unit's label, while
	// no lock is held. Tests use it to bind fake backend listeners.
	OnStart func(label string)
	// OnStop mirrors OnStart for teardown.
	OnStop func(label string)
}

func NewFake() *Fake {
	return &Fake{
		units:   make(map[string]Unit),
		loaded:  make(map[string]bool),
		running: make(map[string]int),
		exits:   make(map[string]int),
		nextPID: 5000,
	}
}

func (f *Fake) WriteUnit(u Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[u.Label] = u
	return nil
}

func (f *Fake) RemoveUnit(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, label)
	return nil
}

func (f *Fake) Load(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[label]; !ok {
		return fmt.Errorf("unit %s has no unit file", label)
	}
	f.loaded[label] = true
	return nil
}

func (f *Fake) Unload(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.loaded, label)
	delete(f.running, label)
	return nil
}

func (f *Fake) Start(label string) error {
	f.mu.Lock()
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		f.mu.Unlock()
		return err
	}
	if !f.loaded[label] {
		f.mu.Unlock()
		return fmt.Errorf("unit %s is not loaded", label)
	}
	f.nextPID++
	f.running[label] = f.nextPID
	cb := f.OnStart
	f.mu.Unlock()
	if cb != nil {
		cb(label)
	}
	return nil
}

func (f *Fake) Stop(label string) error {
	f.mu.Lock()
	delete(f.running, label)
	f.exits[label] = 0
	cb := f.OnStop
	f.mu.Unlock()
	if cb != nil {
		cb(label)
	}
	return nil
}

func (f *Fake) Status(label string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, running := f.running[label]
	return Status{
		Loaded:       f.loaded[label],
		Running:      running,
		PID:          pid,
		LastExitCode: f.exits[label],
	}, nil
}

func (f *Fake) Reset(u Unit) error {
	if err := f.Unload(u.Label); err != nil {
		return err
	}
	if err := f.RemoveUnit(u.Label); err != nil {
		return err
	}
	if err := f.WriteUnit(u); err != nil {
		return err
	}
	return f.Load(u.Label)
}

// HasUnit reports whether a unit file exists for the label.
func (f *Fake) HasUnit(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.units[label]
	return ok
}

// Unit returns the stored unit for assertions.
func (f *Fake) Unit(label string) (Unit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[label]
	return u, ok
}

// SetExitCode fakes a recorded exit status, e.g. the throttled code.
func (f *Fake) SetExitCode(label string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits[label] = code
}
