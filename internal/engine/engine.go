// Package engine describes the media-graph engine the pipeline controllers
// drive. The engine itself (element creation, negotiation, decoding) is a
// black box; controllers only see these interfaces.
//
// Implementations:
//   - gstengine: GStreamer through go-gst
//   - enginetest: in-memory fakes for tests
//
// The webrtcpeer package also implements Graph so the data-channel endpoint
// runs under the same lifecycle as the media pipelines.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnsupported is returned by graphs that cannot perform an operation
// (e.g. a negotiation-only graph asked to create media elements).
var ErrUnsupported = errors.New("engine: operation not supported by this graph")

// State is the run state of a graph or element.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageType classifies bus messages. Only the types the controllers act on
// are distinguished; everything else is MessageOther.
type MessageType int

const (
	MessageOther MessageType = iota
	MessageError
	MessageEOS
	MessageLatency
	MessageNeedContext
	MessageStateChanged
)

// String returns a human-readable message type
func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "error"
	case MessageEOS:
		return "eos"
	case MessageLatency:
		return "latency"
	case MessageNeedContext:
		return "need-context"
	case MessageStateChanged:
		return "state-changed"
	default:
		return "other"
	}
}

// Message is a bus message, already parsed.
type Message struct {
	Type   MessageType
	Source string // name of the element that posted the message

	// MessageError
	Err   error
	Debug string

	// MessageStateChanged
	OldState State
	NewState State

	// MessageNeedContext
	ContextType string
}

// SyncReply tells the bus what to do with a message after the sync handler ran.
type SyncReply int

const (
	SyncPass SyncReply = iota // deliver to the asynchronous queue as usual
	SyncDrop                  // consume the message
)

// SyncHandler runs on whatever thread posted the message, before the message
// is queued for Pop.
type SyncHandler func(msg *Message) SyncReply

// Bus delivers graph messages.
type Bus interface {
	// Pop waits up to timeout for the next message. Returns nil on timeout.
	Pop(timeout time.Duration) *Message

	// SetSyncHandler installs the synchronous pre-filter. nil removes it.
	SetSyncHandler(h SyncHandler)
}

// Pad is an element connection point.
type Pad interface {
	Name() string
	// Caps returns the current caps as text ("" when not negotiated yet).
	Caps() string
	// Link connects this (source) pad to a sink pad.
	Link(sink Pad) error
}

// Element is one node of a graph.
type Element interface {
	Name() string
	Factory() string

	SetProperty(name string, value any) error
	// SetChildProperty sets "child::property" on a child object, e.g.
	// "signaller::uri" on webrtcsrc.
	SetChildProperty(path string, value any) error
	HasProperty(name string) bool

	StaticPad(name string) Pad

	// OnPadAdded registers a callback for dynamic pads. The callback runs on
	// an engine streaming thread.
	OnPadAdded(fn func(pad Pad))

	// OnPeerBin connects to signals carrying (peer id, per-peer bin), such as
	// "consumer-added" or "signaller::webrtcbin-ready".
	OnPeerBin(signal string, fn func(peerID string, bin Element)) error

	// SinkElements lists the sink elements of a bin element.
	SinkElements() ([]Element, error)

	// SyncStateWithParent brings the element to its parent's state. Required
	// for elements added to a graph that is already running.
	SyncStateWithParent() error
	State() State
}

// Typed property values. Engines convert them to their native form in
// SetProperty.
type (
	// Caps is a caps description, e.g. "audio/x-opus,channels=1".
	Caps string
	// Structure is a structure description, e.g. "meta,name=client".
	Structure string
	// Arg is a value given in text form, e.g. an enum nick.
	Arg string
)

// FrameSinkOptions configures an application frame sink.
type FrameSinkOptions struct {
	Caps               string
	Drop               bool
	MaxBuffers         uint
	ProcessingDeadline time.Duration
}

// Latency is the result of a graph latency query.
type Latency struct {
	Live bool
	Min  time.Duration
	Max  time.Duration
}

// Graph is a named processing graph.
type Graph interface {
	Name() string
	Bus() Bus

	SetState(s State) error
	State() State

	// NewElement creates an element. It is not part of the graph until Add.
	NewElement(factory, name string) (Element, error)

	// NewFrameSink creates an application sink that delivers each sample to
	// onSample on the streaming thread. onSample owns the sample.
	NewFrameSink(name string, opts FrameSinkOptions, onSample func(*Sample)) (Element, error)

	Add(elems ...Element) error
	// Remove stops elements and takes them out of the graph. Elements that
	// are not in the graph are skipped.
	Remove(elems ...Element) error
	// Link links the elements in order.
	Link(elems ...Element) error
	ElementByName(name string) (Element, bool)

	// SetContext answers a need-context request from the named element.
	SetContext(element, contextType string, handle any) error

	RecalculateLatency() bool
	Latency() (Latency, bool)

	// Release drops the graph. The graph must not be used afterwards.
	Release()
}

// Engine creates graphs.
type Engine interface {
	Name() string
	NewGraph(name string) (Graph, error)
}

// Sample is one decoded frame handed over by a frame sink.
//
// Release must be called exactly once by whoever owns the sample last;
// further calls are no-ops.
type Sample struct {
	Caps string
	Data []byte
	PTS  time.Duration

	release func()
	once    sync.Once
}

// NewSample wraps a payload. release may be nil.
func NewSample(caps string, data []byte, pts time.Duration, release func()) *Sample {
	return &Sample{Caps: caps, Data: data, PTS: pts, release: release}
}

// Release returns the sample's resources to the engine.
func (s *Sample) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
