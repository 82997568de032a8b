package hostlog

import (
	"errors"
	"sync"
)

// Subsystem keys the process-wide host registry.
type Subsystem string

const (
	SubsystemLog        Subsystem = "log"
	SubsystemSignalling Subsystem = "signalling"
	SubsystemChannels   Subsystem = "channels"
	SubsystemAV         Subsystem = "av"
)

// ErrNotRegistered is returned by Lookup when a subsystem has no entry.
var ErrNotRegistered = errors.New("hostlog: subsystem not registered")

// Registry is the single piece of process-wide host state: one listener per
// subsystem, installed at startup and cleared at shutdown.
type Registry struct {
	mu      sync.RWMutex
	entries map[Subsystem]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Subsystem]any)}
}

// Default is the registry used by the host command surface.
var Default = NewRegistry()

// Register installs (or replaces) the listener for a subsystem.
// Registering nil removes the entry.
func (r *Registry) Register(s Subsystem, listener any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listener == nil {
		delete(r.entries, s)
		return
	}
	r.entries[s] = listener
}

// Lookup returns the listener registered for a subsystem.
func (r *Registry) Lookup(s Subsystem) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[s]
	if !ok {
		return nil, ErrNotRegistered
	}
	return v, nil
}

// Reset removes every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Subsystem]any)
}

// Len returns the number of registered subsystems.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LookupAs is Lookup with a type assertion. ok is false when the subsystem is
// missing or holds a different type.
func LookupAs[T any](r *Registry, s Subsystem) (T, bool) {
	var zero T
	v, err := r.Lookup(s)
	if err != nil {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
