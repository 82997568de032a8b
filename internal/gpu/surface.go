package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Owner identifies which side currently holds a surface.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerRender
	OwnerConvert
)

// String returns a human-readable owner name
func (o Owner) String() string {
	switch o {
	case OwnerRender:
		return "render"
	case OwnerConvert:
		return "convert"
	default:
		return "none"
	}
}

var nextHandle atomic.Uintptr

// KeyedMutex is the ownership protocol shared by every surface
// implementation. Waits are unbounded.
type KeyedMutex struct {
	mu     sync.Mutex
	cond   *sync.Cond
	owner  Owner
	closed bool

	acquisitions atomic.Uint64
}

// NewKeyedMutex returns an unowned keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// Acquire blocks until the surface is free and takes it for the given side.
func (k *KeyedMutex) Acquire(side Owner) error {
	if side == OwnerNone {
		return fmt.Errorf("gpu: acquire requires a side")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	for k.owner != OwnerNone && !k.closed {
		k.cond.Wait()
	}
	if k.closed {
		return ErrSurfaceClosed
	}
	k.owner = side
	k.acquisitions.Add(1)
	return nil
}

// Release frees the surface and wakes one waiter.
func (k *KeyedMutex) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.owner == OwnerNone {
		return ErrNotOwned
	}
	k.owner = OwnerNone
	k.cond.Signal()
	return nil
}

// Owner returns the side currently holding the surface.
func (k *KeyedMutex) Owner() Owner {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.owner
}

// Acquisitions returns how many times the surface was acquired.
func (k *KeyedMutex) Acquisitions() uint64 { return k.acquisitions.Load() }

// Close marks the mutex closed and wakes all waiters.
func (k *KeyedMutex) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	k.owner = OwnerNone
	k.cond.Broadcast()
}

// newHandle returns a process-unique surface handle.
func newHandle() uintptr {
	return nextHandle.Add(1)
}
