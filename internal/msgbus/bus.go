// Package msgbus fans data-channel traffic out to in-process subscribers.
//
// Publish never blocks: a subscriber whose channel is full loses the message
// and the drop is counted. Subscribers may restrict themselves to a set of
// channel names.
package msgbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBusClosed          = errors.New("msgbus: bus is closed")
	ErrSubscriberExists   = errors.New("msgbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("msgbus: subscriber not found")
	ErrNilChannel         = errors.New("msgbus: nil channel provided")
)

// Message is one data-channel message.
type Message struct {
	Channel    string // role name: service, state, command, audit
	Data       []byte
	TraceID    string
	ReceivedAt time.Time
	Sequence   uint64
}

// NewMessage stamps a message with a trace id and the current time.
func NewMessage(channel string, data []byte) Message {
	return Message{
		Channel:    channel,
		Data:       data,
		TraceID:    uuid.NewString(),
		ReceivedAt: time.Now(),
	}
}

// SubscriberStats tracks message distribution metrics
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus.
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	ch       chan<- Message
	channels map[string]bool // nil: all channels
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

func (s *subscriber) wants(channel string) bool {
	return s.channels == nil || s.channels[channel]
}

// Bus distributes messages to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id. With channels given, only messages for
// those channel names are delivered.
func (b *Bus) Subscribe(id string, ch chan<- Message, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	sub := &subscriber{ch: ch}
	if len(channels) > 0 {
		sub.channels = make(map[string]bool, len(channels))
		for _, c := range channels {
			sub.channels[c] = true
		}
	}
	b.subscribers[id] = sub
	return nil
}

// Publish delivers msg to every interested subscriber without blocking.
// The bus assigns the sequence number.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	msg.Sequence = b.published.Add(1)

	for _, sub := range b.subscribers {
		if !sub.wants(msg.Channel) {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// SubscriberStats returns statistics for one subscriber.
func (b *Bus) SubscriberStats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Stats returns a snapshot of all subscribers.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		st.Subscribers[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	return st
}

// Close shuts the bus down. Later Publish calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
