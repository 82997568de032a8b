// Package enginetest provides in-memory fakes of the engine interfaces.
//
// The fakes model the one engine behavior the controllers depend on for
// correctness: an element added to a running graph stays in NULL until
// SyncStateWithParent is called, and a frame sink that is not PLAYING drops
// what it receives.
package enginetest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("enginetest: injected failure")

// Engine is a fake engine.Engine.
type Engine struct {
	mu     sync.Mutex
	graphs []*Graph

	// FailNewGraph makes NewGraph fail.
	FailNewGraph bool
	// FailPlaying makes SetState(StatePlaying) fail on new graphs.
	FailPlaying bool
	// FailFactories lists factories whose element creation fails.
	FailFactories map[string]bool
	// FailSyncFactories lists factories whose SyncStateWithParent fails.
	FailSyncFactories map[string]bool
}

// NewEngine returns an empty fake engine.
func NewEngine() *Engine {
	return &Engine{
		FailFactories:     make(map[string]bool),
		FailSyncFactories: make(map[string]bool),
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "fake" }

// NewGraph implements engine.Engine.
func (e *Engine) NewGraph(name string) (engine.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNewGraph {
		return nil, ErrInjected
	}
	g := NewGraph(name)
	g.failPlaying = e.FailPlaying
	g.failFactories = make(map[string]bool, len(e.FailFactories))
	for k, v := range e.FailFactories {
		g.failFactories[k] = v
	}
	for k, v := range e.FailSyncFactories {
		g.failSync[k] = v
	}
	e.graphs = append(e.graphs, g)
	return g, nil
}

// Graphs returns every graph created so far.
func (e *Engine) Graphs() []*Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Graph(nil), e.graphs...)
}

// Last returns the most recently created graph, or nil.
func (e *Engine) Last() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.graphs) == 0 {
		return nil
	}
	return e.graphs[len(e.graphs)-1]
}

// Graph is a fake engine.Graph.
type Graph struct {
	name string
	bus  *Bus

	mu            sync.Mutex
	state         engine.State
	elements      []*Element
	byName        map[string]*Element
	links         [][2]string
	contexts      map[string]string
	released      bool
	failPlaying   bool
	failFactories map[string]bool
	failSync      map[string]bool
	removed       []string
	nextID        int

	latencyRecalcs atomic.Int32
	stateHistory   []engine.State
}

// NewGraph returns a standalone fake graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:          name,
		bus:           NewBus(),
		byName:        make(map[string]*Element),
		contexts:      make(map[string]string),
		failFactories: make(map[string]bool),
		failSync:      make(map[string]bool),
	}
}

// Name implements engine.Graph.
func (g *Graph) Name() string { return g.name }

// Bus implements engine.Graph.
func (g *Graph) Bus() engine.Bus { return g.bus }

// FakeBus returns the concrete bus for posting messages.
func (g *Graph) FakeBus() *Bus { return g.bus }

// SetState implements engine.Graph. Elements already in the graph follow.
func (g *Graph) SetState(s engine.State) error {
	g.mu.Lock()
	if s == engine.StatePlaying && g.failPlaying {
		g.mu.Unlock()
		return ErrInjected
	}
	old := g.state
	g.state = s
	g.stateHistory = append(g.stateHistory, s)
	for _, el := range g.elements {
		el.setState(s)
	}
	g.mu.Unlock()

	if old != s {
		g.bus.Post(&engine.Message{
			Type:     engine.MessageStateChanged,
			Source:   g.name,
			OldState: old,
			NewState: s,
		})
	}
	return nil
}

// State implements engine.Graph.
func (g *Graph) State() engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// StateHistory returns every state the graph was set to.
func (g *Graph) StateHistory() []engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.State(nil), g.stateHistory...)
}

// NewElement implements engine.Graph.
func (g *Graph) NewElement(factory, name string) (engine.Element, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFactories[factory] {
		return nil, fmt.Errorf("no such element factory %q: %w", factory, ErrInjected)
	}
	return g.newElementLocked(factory, name), nil
}

func (g *Graph) newElementLocked(factory, name string) *Element {
	if name == "" {
		name = fmt.Sprintf("%s%d", factory, g.nextID)
		g.nextID++
	}
	return &Element{
		name:       name,
		factory:    factory,
		props:      make(map[string]any),
		pads:       make(map[string]*Pad),
		peerBins:   make(map[string][]func(string, engine.Element)),
		properties: nil,
	}
}

// NewFrameSink implements engine.Graph.
func (g *Graph) NewFrameSink(name string, opts engine.FrameSinkOptions, onSample func(*engine.Sample)) (engine.Element, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFactories["appsink"] {
		return nil, fmt.Errorf("no such element factory %q: %w", "appsink", ErrInjected)
	}
	el := g.newElementLocked("appsink", name)
	el.props["caps"] = opts.Caps
	el.props["drop"] = opts.Drop
	el.props["max-buffers"] = opts.MaxBuffers
	el.props["processing-deadline"] = opts.ProcessingDeadline
	el.onSample = onSample
	return el, nil
}

// Add implements engine.Graph.
func (g *Graph) Add(elems ...engine.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range elems {
		el, ok := e.(*Element)
		if !ok {
			return fmt.Errorf("enginetest: foreign element %T", e)
		}
		if _, dup := g.byName[el.name]; dup {
			return fmt.Errorf("enginetest: duplicate element name %q", el.name)
		}
		el.mu.Lock()
		el.parent = g
		el.mu.Unlock()
		g.elements = append(g.elements, el)
		g.byName[el.name] = el
	}
	return nil
}

// Remove implements engine.Graph. Removed elements drop to NULL and lose
// their links.
func (g *Graph) Remove(elems ...engine.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range elems {
		el, ok := e.(*Element)
		if !ok {
			return fmt.Errorf("enginetest: foreign element %T", e)
		}
		if g.byName[el.name] != el {
			continue
		}
		delete(g.byName, el.name)
		for i, x := range g.elements {
			if x == el {
				g.elements = append(g.elements[:i], g.elements[i+1:]...)
				break
			}
		}
		links := g.links[:0]
		for _, l := range g.links {
			if l[0] != el.name && l[1] != el.name {
				links = append(links, l)
			}
		}
		g.links = links
		g.removed = append(g.removed, el.name)

		el.mu.Lock()
		el.parent = nil
		el.state = engine.StateNull
		el.mu.Unlock()
	}
	return nil
}

// Removed returns the names of every element removed so far.
func (g *Graph) Removed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.removed...)
}

// Elements returns every element currently in the graph.
func (g *Graph) Elements() []*Element {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Element{}, g.elements...)
}

// Link implements engine.Graph.
func (g *Graph) Link(elems ...engine.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i+1 < len(elems); i++ {
		a, b := elems[i].(*Element), elems[i+1].(*Element)
		if g.byName[a.name] != a || g.byName[b.name] != b {
			return fmt.Errorf("enginetest: cannot link %s -> %s: not in graph", a.name, b.name)
		}
		g.links = append(g.links, [2]string{a.name, b.name})
	}
	return nil
}

// Links returns every element link as "a->b".
func (g *Graph) Links() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l[0]+"->"+l[1])
	}
	return out
}

// ElementByName implements engine.Graph.
func (g *Graph) ElementByName(name string) (engine.Element, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return el, true
}

// Element returns the concrete element with the given name.
func (g *Graph) Element(name string) *Element {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byName[name]
}

// ElementsByFactory returns the graph's elements created from factory.
func (g *Graph) ElementsByFactory(factory string) []*Element {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Element
	for _, el := range g.elements {
		if el.factory == factory {
			out = append(out, el)
		}
	}
	return out
}

// SetContext implements engine.Graph.
func (g *Graph) SetContext(element, contextType string, handle any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byName[element]; !ok {
		return fmt.Errorf("enginetest: no element %q", element)
	}
	g.contexts[element] = fmt.Sprintf("%s=%v", contextType, handle)
	return nil
}

// Context returns what SetContext stored for an element.
func (g *Graph) Context(element string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contexts[element]
}

// RecalculateLatency implements engine.Graph.
func (g *Graph) RecalculateLatency() bool {
	g.latencyRecalcs.Add(1)
	return true
}

// LatencyRecalcs returns how many times RecalculateLatency ran.
func (g *Graph) LatencyRecalcs() int { return int(g.latencyRecalcs.Load()) }

// Latency implements engine.Graph.
func (g *Graph) Latency() (engine.Latency, bool) {
	return engine.Latency{Live: true, Min: 10 * time.Millisecond, Max: 200 * time.Millisecond}, true
}

// Release implements engine.Graph.
func (g *Graph) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
}

// Released reports whether Release was called.
func (g *Graph) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Element is a fake engine.Element.
type Element struct {
	name    string
	factory string

	mu         sync.Mutex
	parent     *Graph
	state      engine.State
	props      map[string]any
	properties map[string]bool // nil means every property exists
	pads       map[string]*Pad
	padAdded   []func(engine.Pad)
	peerBins   map[string][]func(string, engine.Element)
	sinks      []engine.Element
	syncCalls  int

	onSample func(*engine.Sample)
	received atomic.Int64
	dropped  atomic.Int64
}

// NewElement returns a detached element, e.g. a per-peer bin handed to
// OnPeerBin callbacks.
func NewElement(factory, name string) *Element {
	return &Element{
		name:     name,
		factory:  factory,
		props:    make(map[string]any),
		pads:     make(map[string]*Pad),
		peerBins: make(map[string][]func(string, engine.Element)),
	}
}

// Name implements engine.Element.
func (e *Element) Name() string { return e.name }

// Factory implements engine.Element.
func (e *Element) Factory() string { return e.factory }

// SetProperty implements engine.Element.
func (e *Element) SetProperty(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.properties != nil && !e.properties[name] {
		return fmt.Errorf("enginetest: %s has no property %q", e.name, name)
	}
	e.props[name] = value
	return nil
}

// SetChildProperty implements engine.Element.
func (e *Element) SetChildProperty(path string, value any) error {
	if !strings.Contains(path, "::") {
		return fmt.Errorf("enginetest: invalid child property path %q", path)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[path] = value
	return nil
}

// HasProperty implements engine.Element.
func (e *Element) HasProperty(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.properties == nil || e.properties[name]
}

// RestrictProperties limits the properties the element accepts.
func (e *Element) RestrictProperties(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties = make(map[string]bool, len(names))
	for _, n := range names {
		e.properties[n] = true
	}
}

// Property returns a property value set on the element.
func (e *Element) Property(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[name]
	return v, ok
}

// StaticPad implements engine.Element. Pads are created on first request.
func (e *Element) StaticPad(name string) engine.Pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pads[name]
	if !ok {
		p = &Pad{name: name, owner: e}
		e.pads[name] = p
	}
	return p
}

// OnPadAdded implements engine.Element.
func (e *Element) OnPadAdded(fn func(engine.Pad)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.padAdded = append(e.padAdded, fn)
}

// EmitPadAdded simulates the engine discovering a new pad.
func (e *Element) EmitPadAdded(name, caps string) *Pad {
	pad := &Pad{name: name, caps: caps, owner: e}
	e.mu.Lock()
	e.pads[name] = pad
	fns := append([]func(engine.Pad){}, e.padAdded...)
	e.mu.Unlock()

	for _, fn := range fns {
		fn(pad)
	}
	return pad
}

// OnPeerBin implements engine.Element.
func (e *Element) OnPeerBin(signal string, fn func(string, engine.Element)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerBins[signal] = append(e.peerBins[signal], fn)
	return nil
}

// EmitPeerBin simulates a (peer id, bin) signal.
func (e *Element) EmitPeerBin(signal, peerID string, bin engine.Element) {
	e.mu.Lock()
	fns := append([]func(string, engine.Element){}, e.peerBins[signal]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(peerID, bin)
	}
}

// SetSinkElements sets what SinkElements returns.
func (e *Element) SetSinkElements(sinks ...engine.Element) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = sinks
}

// SinkElements implements engine.Element.
func (e *Element) SinkElements() ([]engine.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Element(nil), e.sinks...), nil
}

// SyncStateWithParent implements engine.Element.
func (e *Element) SyncStateWithParent() error {
	e.mu.Lock()
	parent := e.parent
	e.syncCalls++
	e.mu.Unlock()
	if parent == nil {
		return fmt.Errorf("enginetest: %s has no parent", e.name)
	}
	parent.mu.Lock()
	fail := parent.failSync[e.factory]
	parent.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: sync %s", ErrInjected, e.name)
	}
	e.setState(parent.State())
	return nil
}

// SyncCalls returns how many times SyncStateWithParent ran.
func (e *Element) SyncCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncCalls
}

// State implements engine.Element.
func (e *Element) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Element) setState(s engine.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Push delivers a sample into a frame sink. A sink that is not PLAYING
// drops the sample and releases it. Returns whether it was delivered.
func (e *Element) Push(s *engine.Sample) bool {
	e.mu.Lock()
	state, fn := e.state, e.onSample
	e.mu.Unlock()

	if fn == nil || state != engine.StatePlaying {
		e.dropped.Add(1)
		s.Release()
		return false
	}
	e.received.Add(1)
	fn(s)
	return true
}

// Received returns samples delivered through Push.
func (e *Element) Received() int64 { return e.received.Load() }

// Dropped returns samples dropped by Push because of a stalled state.
func (e *Element) Dropped() int64 { return e.dropped.Load() }

// Pad is a fake engine.Pad.
type Pad struct {
	name  string
	caps  string
	owner *Element

	mu   sync.Mutex
	peer *Pad
}

// Name implements engine.Pad.
func (p *Pad) Name() string { return p.name }

// Caps implements engine.Pad.
func (p *Pad) Caps() string { return p.caps }

// Link implements engine.Pad.
func (p *Pad) Link(sink engine.Pad) error {
	sp, ok := sink.(*Pad)
	if !ok || sp == nil {
		return fmt.Errorf("enginetest: foreign pad %T", sink)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer != nil {
		return fmt.Errorf("enginetest: pad %s already linked", p.name)
	}
	p.peer = sp
	return nil
}

// Peer returns the linked sink pad's owner element name.
func (p *Pad) Peer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer == nil {
		return ""
	}
	return p.peer.owner.name + "." + p.peer.name
}

// Bus is a fake engine.Bus.
type Bus struct {
	queue chan *engine.Message

	mu   sync.Mutex
	sync engine.SyncHandler
	pops atomic.Int64
}

// NewBus returns a bus with a generous queue.
func NewBus() *Bus {
	return &Bus{queue: make(chan *engine.Message, 256)}
}

// Post runs the sync handler on the caller's goroutine and queues the
// message unless the handler dropped it.
func (b *Bus) Post(msg *engine.Message) {
	b.mu.Lock()
	h := b.sync
	b.mu.Unlock()

	if h != nil && h(msg) == engine.SyncDrop {
		return
	}
	select {
	case b.queue <- msg:
	default:
	}
}

// Pop implements engine.Bus.
func (b *Bus) Pop(timeout time.Duration) *engine.Message {
	b.pops.Add(1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.queue:
		return msg
	case <-timer.C:
		return nil
	}
}

// Pops returns how many times Pop was called.
func (b *Bus) Pops() int64 { return b.pops.Load() }

// SetSyncHandler implements engine.Bus.
func (b *Bus) SetSyncHandler(h engine.SyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync = h
}

// HasSyncHandler reports whether a sync handler is installed.
func (b *Bus) HasSyncHandler() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sync != nil
}
