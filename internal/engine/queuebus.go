package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// QueueBus is an in-process Bus for graphs that are not backed by the media
// engine. Messages beyond the queue size are dropped.
type QueueBus struct {
	queue chan *Message

	mu      sync.Mutex
	handler SyncHandler
	dropped atomic.Uint64
}

// NewQueueBus returns a bus holding up to size undelivered messages.
func NewQueueBus(size int) *QueueBus {
	if size <= 0 {
		size = 64
	}
	return &QueueBus{queue: make(chan *Message, size)}
}

// Post runs the sync handler on the caller's goroutine, then queues the
// message unless the handler consumed it. Returns false if it was dropped
// for lack of room.
func (b *QueueBus) Post(msg *Message) bool {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()

	if h != nil && h(msg) == SyncDrop {
		return true
	}
	select {
	case b.queue <- msg:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Pop implements Bus.
func (b *QueueBus) Pop(timeout time.Duration) *Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.queue:
		return msg
	case <-timer.C:
		return nil
	}
}

// SetSyncHandler implements Bus.
func (b *QueueBus) SetSyncHandler(h SyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Dropped returns how many messages did not fit the queue.
func (b *QueueBus) Dropped() uint64 { return b.dropped.Load() }
