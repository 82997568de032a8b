package pipeline

import (
	"fmt"
	"sync"
)

// Phase is the lifecycle phase of a pipeline controller.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseDeviceReady
	PhaseRunning
	PhaseStopping
	PhaseDestroyed
)

// String returns a human-readable phase name
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseDeviceReady:
		return "device-ready"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// transitions lists the allowed moves. Controllers without a device (data
// channel, mic) go straight from Created to Running. A destroyed controller
// may run again; the device, if any, survives destruction.
var transitions = map[Phase][]Phase{
	PhaseCreated:     {PhaseDeviceReady, PhaseRunning, PhaseStopping, PhaseDestroyed},
	PhaseDeviceReady: {PhaseRunning, PhaseStopping, PhaseDestroyed},
	PhaseRunning:     {PhaseStopping},
	PhaseStopping:    {PhaseDestroyed},
	PhaseDestroyed:   {PhaseRunning, PhaseStopping},
}

// Lifecycle is a mutex-guarded phase with a fixed transition table.
type Lifecycle struct {
	mu       sync.Mutex
	phase    Phase
	onChange func(from, to Phase)
}

// NewLifecycle starts in PhaseCreated. onChange may be nil; it runs with the
// lifecycle lock released.
func NewLifecycle(onChange func(from, to Phase)) *Lifecycle {
	return &Lifecycle{phase: PhaseCreated, onChange: onChange}
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Transition moves to the given phase, or returns an error if the move is
// not in the table. Moving to the current phase is an error too.
func (l *Lifecycle) Transition(to Phase) error {
	l.mu.Lock()
	from := l.phase
	if !allowed(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("pipeline: invalid transition %s -> %s", from, to)
	}
	l.phase = to
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(from, to)
	}
	return nil
}

// TransitionFrom moves to `to` only when the current phase is `from`.
func (l *Lifecycle) TransitionFrom(from, to Phase) bool {
	l.mu.Lock()
	if l.phase != from || !allowed(from, to) {
		l.mu.Unlock()
		return false
	}
	l.phase = to
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(from, to)
	}
	return true
}

func allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
