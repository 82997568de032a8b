// Package gstengine implements the engine interfaces on GStreamer through
// go-gst.
package gstengine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

var initOnce sync.Once

// Engine creates GStreamer pipelines.
type Engine struct{}

// New initializes GStreamer once per process.
func New() *Engine {
	initOnce.Do(func() { gst.Init(nil) })
	return &Engine{}
}

// Name implements engine.Engine.
func (*Engine) Name() string { return "gstreamer" }

// NewGraph implements engine.Engine.
func (*Engine) NewGraph(name string) (engine.Graph, error) {
	p, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("gstengine: failed to create pipeline: %w", err)
	}
	return &graph{pipeline: p, bus: &bus{b: p.GetPipelineBus()}}, nil
}

type graph struct {
	pipeline *gst.Pipeline
	bus      *bus
}

func (g *graph) Name() string { return g.pipeline.GetName() }

func (g *graph) Bus() engine.Bus { return g.bus }

func (g *graph) SetState(s engine.State) error {
	if err := g.pipeline.SetState(toGstState(s)); err != nil {
		return fmt.Errorf("gstengine: failed to set %s to %s: %w", g.Name(), s, err)
	}
	return nil
}

func (g *graph) State() engine.State { return fromGstState(g.pipeline.GetState()) }

func (g *graph) NewElement(factory, name string) (engine.Element, error) {
	var (
		el  *gst.Element
		err error
	)
	if name == "" {
		el, err = gst.NewElement(factory)
	} else {
		el, err = gst.NewElementWithName(factory, name)
	}
	if err != nil {
		return nil, fmt.Errorf("gstengine: failed to create %s: %w", factory, err)
	}
	return &element{el: el, factory: factory}, nil
}

// NewFrameSink builds an appsink. Each sample owns a copy of the mapped
// buffer, so the engine can reuse its buffer immediately.
func (g *graph) NewFrameSink(name string, opts engine.FrameSinkOptions, onSample func(*engine.Sample)) (engine.Element, error) {
	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstengine: failed to create appsink: %w", err)
	}
	if name != "" {
		sink.SetProperty("name", name)
	}
	if opts.Caps != "" {
		sink.SetCaps(gst.NewCapsFromString(opts.Caps))
	}
	sink.SetDrop(opts.Drop)
	sink.SetMaxBuffers(opts.MaxBuffers)
	sink.SetProperty("processing-deadline", uint64(opts.ProcessingDeadline.Nanoseconds()))

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}

			caps := ""
			if c := sample.GetCaps(); c != nil {
				caps = c.String()
			}

			mapInfo := buffer.Map(gst.MapRead)
			data := mapInfo.Bytes()
			frame := make([]byte, len(data))
			copy(frame, data)
			buffer.Unmap()

			pts := time.Duration(buffer.PresentationTimestamp())
			onSample(engine.NewSample(caps, frame, pts, nil))
			return gst.FlowOK
		},
	})
	return &element{el: sink.Element, factory: "appsink"}, nil
}

func (g *graph) Add(elems ...engine.Element) error {
	for _, e := range elems {
		el, err := unwrap(e)
		if err != nil {
			return err
		}
		if err := g.pipeline.Add(el); err != nil {
			return fmt.Errorf("gstengine: failed to add %s: %w", el.GetName(), err)
		}
	}
	return nil
}

// Remove stops each element and takes it out of the pipeline. Removal
// continues past failures; the first error is returned.
func (g *graph) Remove(elems ...engine.Element) error {
	var first error
	for _, e := range elems {
		el, err := unwrap(e)
		if err != nil {
			return err
		}
		if found, err := g.pipeline.GetElementByName(el.GetName()); err != nil || found == nil {
			continue
		}
		if err := el.SetState(gst.StateNull); err != nil && first == nil {
			first = fmt.Errorf("gstengine: failed to stop %s: %w", el.GetName(), err)
		}
		if err := g.pipeline.Remove(el); err != nil && first == nil {
			first = fmt.Errorf("gstengine: failed to remove %s: %w", el.GetName(), err)
		}
	}
	return first
}

func (g *graph) Link(elems ...engine.Element) error {
	raw := make([]*gst.Element, 0, len(elems))
	for _, e := range elems {
		el, err := unwrap(e)
		if err != nil {
			return err
		}
		raw = append(raw, el)
	}
	return gst.ElementLinkMany(raw...)
}

func (g *graph) ElementByName(name string) (engine.Element, bool) {
	el, err := g.pipeline.GetElementByName(name)
	if err != nil || el == nil {
		return nil, false
	}
	return &element{el: el, factory: factoryName(el)}, true
}

// SetContext answers need-context with a persistent context carrying
// handle under the "device" field.
func (g *graph) SetContext(name, contextType string, handle any) error {
	el, err := g.pipeline.GetElementByName(name)
	if err != nil || el == nil {
		return fmt.Errorf("gstengine: no element %q", name)
	}
	ctx := gst.NewContext(contextType, true)
	if err := ctx.WritableStructure().SetValue("device", handle); err != nil {
		return fmt.Errorf("gstengine: failed to fill %s context: %w", contextType, err)
	}
	setElementContext(el, ctx)
	return nil
}

func (g *graph) RecalculateLatency() bool { return g.pipeline.RecalculateLatency() }

func (g *graph) Latency() (engine.Latency, bool) {
	q := gst.NewLatencyQuery()
	if !g.pipeline.Query(q) {
		return engine.Latency{}, false
	}
	live, min, max := q.ParseLatency()
	return engine.Latency{
		Live: live,
		Min:  time.Duration(min),
		Max:  time.Duration(max),
	}, true
}

func (g *graph) Release() {
	g.pipeline.SetState(gst.StateNull)
	g.pipeline.Unref()
}

type bus struct {
	b *gst.Bus
}

func (b *bus) Pop(timeout time.Duration) *engine.Message {
	msg := b.b.TimedPop(timeout)
	if msg == nil {
		return nil
	}
	return convertMessage(msg)
}

func (b *bus) SetSyncHandler(h engine.SyncHandler) {
	if h == nil {
		b.b.SetSyncHandler(func(*gst.Message) gst.BusSyncReply { return gst.BusPass })
		return
	}
	b.b.SetSyncHandler(func(msg *gst.Message) gst.BusSyncReply {
		if h(convertMessage(msg)) == engine.SyncDrop {
			return gst.BusDrop
		}
		return gst.BusPass
	})
}

func convertMessage(msg *gst.Message) *engine.Message {
	out := &engine.Message{Source: msg.Source()}
	switch msg.Type() {
	case gst.MessageError:
		out.Type = engine.MessageError
		if gerr := msg.ParseError(); gerr != nil {
			out.Err = gerr
			out.Debug = gerr.DebugString()
		}
	case gst.MessageEOS:
		out.Type = engine.MessageEOS
	case gst.MessageLatency:
		out.Type = engine.MessageLatency
	case gst.MessageNeedContext:
		out.Type = engine.MessageNeedContext
		if ctxType, ok := messageContextType(msg); ok {
			out.ContextType = ctxType
		}
	case gst.MessageStateChanged:
		out.Type = engine.MessageStateChanged
		old, cur := msg.ParseStateChanged()
		out.OldState, out.NewState = fromGstState(old), fromGstState(cur)
	default:
		out.Type = engine.MessageOther
	}
	return out
}

type element struct {
	el      *gst.Element
	factory string
}

func unwrap(e engine.Element) (*gst.Element, error) {
	el, ok := e.(*element)
	if !ok {
		return nil, fmt.Errorf("gstengine: foreign element %T", e)
	}
	return el.el, nil
}

func factoryName(el *gst.Element) string {
	if f := el.GetFactory(); f != nil {
		return f.GetName()
	}
	return ""
}

func (e *element) Name() string { return e.el.GetName() }

func (e *element) Factory() string { return e.factory }

// SetProperty sets a property. nil clears a string property (e.g.
// stun-server) to NULL.
func (e *element) SetProperty(name string, value any) error {
	if arg, ok := value.(engine.Arg); ok {
		e.el.SetArg(name, string(arg))
		return nil
	}
	return setProperty(e.el, name, value)
}

// SetChildProperty sets "child::property", where child is an object-valued
// property of the element such as webrtcsrc's signaller.
func (e *element) SetChildProperty(path string, value any) error {
	child, prop, ok := strings.Cut(path, "::")
	if !ok {
		return fmt.Errorf("gstengine: invalid child property path %q", path)
	}
	obj, err := e.childObject(child)
	if err != nil {
		return err
	}
	return setProperty(obj, prop, value)
}

func (e *element) childObject(child string) (*glib.Object, error) {
	v, err := e.el.GetProperty(child)
	if err != nil {
		return nil, fmt.Errorf("gstengine: %s has no %s: %w", e.Name(), child, err)
	}
	obj, ok := v.(*glib.Object)
	if !ok || obj == nil {
		return nil, fmt.Errorf("gstengine: %s.%s is not an object (%T)", e.Name(), child, v)
	}
	return obj, nil
}

// propertySetter is satisfied by *glib.Object and everything embedding it.
type propertySetter interface {
	SetProperty(name string, value interface{}) error
	SetPropertyValue(name string, value *glib.Value) error
}

func setProperty(obj propertySetter, name string, value any) error {
	switch v := value.(type) {
	case engine.Caps:
		return obj.SetProperty(name, gst.NewCapsFromString(string(v)))
	case engine.Structure:
		return obj.SetProperty(name, gst.NewStructureFromString(string(v)))
	}
	if value == nil {
		null, err := glib.ValueInit(glib.TYPE_STRING)
		if err != nil {
			return err
		}
		return obj.SetPropertyValue(name, null)
	}
	return obj.SetProperty(name, value)
}

func (e *element) HasProperty(name string) bool {
	_, err := e.el.GetPropertyType(name)
	return err == nil
}

func (e *element) StaticPad(name string) engine.Pad {
	p := e.el.GetStaticPad(name)
	if p == nil {
		return nil
	}
	return &pad{p: p}
}

func (e *element) OnPadAdded(fn func(engine.Pad)) {
	e.el.Connect("pad-added", func(self *gst.Element, p *gst.Pad) {
		fn(&pad{p: p})
	})
}

// OnPeerBin connects a (peer id, bin) signal. "child::signal" connects on a
// child object, e.g. "signaller::webrtcbin-ready".
func (e *element) OnPeerBin(signal string, fn func(string, engine.Element)) error {
	handler := func(self *glib.Object, peerID string, bin *gst.Element) {
		fn(peerID, &element{el: bin, factory: factoryName(bin)})
	}

	if child, sig, ok := strings.Cut(signal, "::"); ok {
		obj, err := e.childObject(child)
		if err != nil {
			return err
		}
		_, err = obj.Connect(sig, handler)
		return err
	}
	_, err := e.el.Connect(signal, handler)
	return err
}

func (e *element) SinkElements() ([]engine.Element, error) {
	sinks, err := gst.ToGstBin(e.el).GetSinkElements()
	if err != nil {
		return nil, err
	}
	out := make([]engine.Element, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, &element{el: s, factory: factoryName(s)})
	}
	return out, nil
}

func (e *element) SyncStateWithParent() error {
	if !e.el.SyncStateWithParent() {
		return fmt.Errorf("gstengine: %s could not sync state with parent", e.Name())
	}
	return nil
}

func (e *element) State() engine.State { return fromGstState(e.el.GetState()) }

type pad struct {
	p *gst.Pad
}

func (p *pad) Name() string { return p.p.GetName() }

func (p *pad) Caps() string {
	if c := p.p.GetCurrentCaps(); c != nil {
		return c.String()
	}
	return ""
}

func (p *pad) Link(sink engine.Pad) error {
	sp, ok := sink.(*pad)
	if !ok || sp == nil {
		return fmt.Errorf("gstengine: foreign pad %T", sink)
	}
	if ret := p.p.Link(sp.p); ret != gst.PadLinkOK {
		return fmt.Errorf("gstengine: pad link %s: %v", p.Name(), ret)
	}
	return nil
}

func toGstState(s engine.State) gst.State {
	switch s {
	case engine.StateReady:
		return gst.StateReady
	case engine.StatePaused:
		return gst.StatePaused
	case engine.StatePlaying:
		return gst.StatePlaying
	default:
		return gst.StateNull
	}
}

func fromGstState(s gst.State) engine.State {
	switch s {
	case gst.StateReady:
		return engine.StateReady
	case gst.StatePaused:
		return engine.StatePaused
	case gst.StatePlaying:
		return engine.StatePlaying
	default:
		return engine.StateNull
	}
}
