// Package avpipeline receives a remote peer's video and audio over WebRTC
// and decodes video into per-target shared surfaces for the host renderer.
//
// Thread roles:
//   - host/render thread: CreateDevice, CreateTexture, Draw, ReleaseTexture,
//     DestroyPipeline
//   - bus goroutine (pipeline.Base): bus messages, need-context answers
//   - engine streaming threads: pad-added and frame-arrival callbacks
//
// The frame slots are the only state shared between the render thread and
// streaming threads; graph extension from pad-added callbacks happens under
// a single graph mutation lock.
package avpipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/framebridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/gpu"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

var (
	// ErrNoDevice is returned by operations that need CreateDevice first.
	ErrNoDevice = errors.New("avpipeline: no device")
	// ErrNoTexture is returned by Draw for a target without a texture.
	ErrNoTexture = errors.New("avpipeline: no texture for target")
)

// DefaultWebRTCBinLatency is applied to the receiving webrtcbin's jitterbuffer.
const DefaultWebRTCBinLatency = 10 * time.Millisecond

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger

	// StunServer is given to webrtcsrc. Empty disables STUN.
	StunServer string

	// WebRTCBinLatency is set on the per-peer webrtcbin once ready.
	WebRTCBinLatency time.Duration

	// AudioSink is the playback sink factory (default: autoaudiosink).
	AudioSink string
	// AudioLowLatency requests low-latency mode on sinks that support it.
	AudioLowLatency bool
	// DisableAudio skips audio pads.
	DisableAudio bool

	// VideoChain overrides the non-empty element names of the backend's
	// decode chain.
	VideoChain *gpu.VideoChain

	// PollInterval is the bus poll interval (default: pipeline.DefaultPollInterval).
	PollInterval time.Duration
}

// eye is the per-target state: the frame slot and the host texture.
type eye struct {
	target  framebridge.Target
	slot    *framebridge.Slot
	surface gpu.Surface

	draws         atomic.Uint64
	converts      atomic.Uint64
	convertErrors atomic.Uint64
}

// Stats is a snapshot of the AV pipeline.
type Stats struct {
	Pipeline      pipeline.Stats
	Left          *framebridge.Stats
	Right         *framebridge.Stats
	VideoPads     uint64
	AudioPads     uint64
	ChainFailures uint64
	Draws         uint64
	Converts      uint64
	ConvertErrors uint64
	Orphans       uint64 // frames that arrived before their target had a texture
}

// Controller is the AV pipeline controller.
type Controller struct {
	backend gpu.Backend
	opts    Options
	logger  *slog.Logger
	base    *pipeline.Base

	mu     sync.Mutex // guards device and eyes
	device gpu.Device
	eyes   [2]*eye

	// graphMu serializes every graph mutation made from pad-added callbacks:
	// create, add, link and sync state happen under it.
	graphMu sync.Mutex

	videoPads     atomic.Uint64
	audioPads     atomic.Uint64
	chainFailures atomic.Uint64
	orphans       atomic.Uint64
}

// New creates an AV controller for the given engine and GPU backend.
func New(eng engine.Engine, backend gpu.Backend, opts Options) (*Controller, error) {
	if eng == nil {
		return nil, fmt.Errorf("avpipeline: engine is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("avpipeline: gpu backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WebRTCBinLatency <= 0 {
		opts.WebRTCBinLatency = DefaultWebRTCBinLatency
	}
	if opts.AudioSink == "" {
		opts.AudioSink = "autoaudiosink"
	}

	c := &Controller{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With("component", "avpipeline"),
	}

	base, err := pipeline.NewBase(pipeline.Config{
		Name:     "av-pipeline",
		NewGraph: eng.NewGraph,
		Hooks: pipeline.Hooks{
			SyncMessage: c.syncMessage,
			Stopped: func(reason error) {
				c.logger.Warn("avpipeline: pipeline stopped, destroy and recreate to recover", "reason", reason)
			},
		},
		Logger:       opts.Logger,
		PollInterval: opts.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	c.base = base
	return c, nil
}

// Phase returns the controller's lifecycle phase.
func (c *Controller) Phase() pipeline.Phase { return c.base.Lifecycle().Phase() }

// CreateDevice acquires the GPU device shared with the host renderer.
// Calling it again is a no-op with a warning.
func (c *Controller) CreateDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		c.logger.Warn("avpipeline: device already created")
		return nil
	}

	dev, err := c.backend.CreateDevice()
	if err != nil {
		c.logger.Error("avpipeline: failed to create device", "backend", c.backend.Name(), "error", err)
		return fmt.Errorf("avpipeline: failed to create device: %w", err)
	}
	c.device = dev

	if err := c.base.Lifecycle().Transition(pipeline.PhaseDeviceReady); err != nil {
		c.logger.Debug("avpipeline: lifecycle", "error", err)
	}
	c.logger.Info("avpipeline: device created", "backend", c.backend.Name())
	return nil
}

// CreatePipeline builds the receive graph for remotePeerID behind the
// signalling server at uri and starts it.
func (c *Controller) CreatePipeline(uri, remotePeerID string) error {
	if c.currentDevice() == nil {
		c.logger.Error("avpipeline: create device before the pipeline")
		return ErrNoDevice
	}

	if err := c.base.CreatePipeline(); err != nil {
		return err
	}
	g := c.base.Graph()

	if err := c.addSource(g, uri, remotePeerID); err != nil {
		c.logger.Error("avpipeline: failed to build source", "error", err)
		c.base.DestroyPipeline()
		return err
	}

	if err := c.base.CreateBusThread(); err != nil {
		c.base.DestroyPipeline()
		return err
	}

	c.logger.Info("avpipeline: pipeline created",
		"uri", uri,
		"peer_id", remotePeerID,
		"stun", c.opts.StunServer != "",
	)
	return nil
}

// CreateTexture allocates the shared texture for a target and acquires it
// for the render side. Must be called on the host's graphics thread.
func (c *Controller) CreateTexture(width, height int, target framebridge.Target) (gpu.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		c.logger.Error("avpipeline: create device before textures")
		return nil, ErrNoDevice
	}

	surface, err := c.device.NewSurface(width, height)
	if err != nil {
		c.logger.Error("avpipeline: failed to create texture", "target", target.String(), "error", err)
		return nil, fmt.Errorf("avpipeline: failed to create texture: %w", err)
	}
	// Render side owns the texture until the first draw hands it over
	if err := surface.AcquireForRead(); err != nil {
		surface.Close()
		return nil, fmt.Errorf("avpipeline: failed to acquire texture: %w", err)
	}

	e := c.eyes[target]
	if e == nil {
		device := c.device
		e = &eye{
			target: target,
			slot:   framebridge.NewSlot(target, device.NewConverter),
		}
		c.eyes[target] = e
	}
	if e.surface != nil {
		e.surface.Close()
	}
	e.surface = surface

	c.logger.Info("avpipeline: texture created",
		"target", target.String(),
		"width", width,
		"height", height,
		"handle", surface.Handle(),
	)
	return surface, nil
}

// Draw converts the latest pending frame of a target into its texture.
// Returns nil without doing anything when no new frame is pending.
func (c *Controller) Draw(target framebridge.Target) error {
	c.mu.Lock()
	e := c.eyes[target]
	var surface gpu.Surface
	if e != nil {
		surface = e.surface
	}
	c.mu.Unlock()

	if e == nil || surface == nil {
		c.logger.Warn("avpipeline: draw on a target without texture", "target", target.String())
		return ErrNoTexture
	}
	e.draws.Add(1)

	frame, ok := e.slot.Take()
	if !ok {
		return nil
	}
	defer e.slot.Done(frame)

	if len(frame.Sample.Data) == 0 {
		c.logger.Error("avpipeline: sample without payload", "target", target.String(), "seq", frame.Seq)
		return fmt.Errorf("avpipeline: sample without payload")
	}

	// Hand the texture to the convert side for the blit, then take it back
	if err := surface.Release(); err != nil {
		c.logger.Warn("avpipeline: texture not held by render side", "target", target.String(), "error", err)
	}
	convErr := frame.Converter.Convert(frame.Sample, surface)
	if err := surface.AcquireForRead(); err != nil {
		c.logger.Error("avpipeline: failed to reacquire texture", "target", target.String(), "error", err)
		return err
	}

	if convErr != nil {
		e.convertErrors.Add(1)
		c.logger.Error("avpipeline: convert failed",
			"target", target.String(),
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", convErr,
		)
		return convErr
	}
	e.converts.Add(1)
	return nil
}

// RenderEvent is the render-thread callback: draw left, then right.
func (c *Controller) RenderEvent() {
	c.Draw(framebridge.TargetLeft)
	c.Draw(framebridge.TargetRight)
}

// ReleaseTexture releases the host-visible texture of a target. Pipeline
// side resources stay until DestroyPipeline.
func (c *Controller) ReleaseTexture(target framebridge.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.eyes[target]
	if e == nil || e.surface == nil {
		c.logger.Warn("avpipeline: release of a texture that does not exist", "target", target.String())
		return
	}
	e.surface.Close()
	e.surface = nil
	c.logger.Info("avpipeline: texture released", "target", target.String())
}

// DestroyPipeline stops and releases the graph, then clears both slots.
func (c *Controller) DestroyPipeline() {
	c.base.DestroyPipeline()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.eyes {
		if e != nil {
			e.slot.Reset()
		}
	}
}

// Close destroys the pipeline and frees textures and the device.
func (c *Controller) Close() error {
	c.DestroyPipeline()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.eyes {
		if e == nil {
			continue
		}
		e.slot.Close()
		if e.surface != nil {
			e.surface.Close()
		}
		c.eyes[i] = nil
	}
	if c.device != nil {
		err := c.device.Close()
		c.device = nil
		return err
	}
	return nil
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	st := Stats{
		Pipeline:      c.base.Stats(),
		VideoPads:     c.videoPads.Load(),
		AudioPads:     c.audioPads.Load(),
		ChainFailures: c.chainFailures.Load(),
		Orphans:       c.orphans.Load(),
	}

	c.mu.Lock()
	eyes := c.eyes
	c.mu.Unlock()

	for _, e := range eyes {
		if e == nil {
			continue
		}
		s := e.slot.Stats()
		if e.target == framebridge.TargetLeft {
			st.Left = &s
		} else {
			st.Right = &s
		}
		st.Draws += e.draws.Load()
		st.Converts += e.converts.Load()
		st.ConvertErrors += e.convertErrors.Load()
	}
	return st
}

func (c *Controller) currentDevice() gpu.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Controller) slot(target framebridge.Target) *framebridge.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.eyes[target]; e != nil {
		return e.slot
	}
	return nil
}

// syncMessage answers need-context queries with the shared device so the
// pipeline does not create its own.
func (c *Controller) syncMessage(g engine.Graph, msg *engine.Message) engine.SyncReply {
	if msg.Type != engine.MessageNeedContext {
		return engine.SyncPass
	}
	dev := c.currentDevice()
	if dev == nil || dev.ContextType() == "" || msg.ContextType != dev.ContextType() {
		return engine.SyncPass
	}

	if err := g.SetContext(msg.Source, msg.ContextType, dev.Handle()); err != nil {
		c.logger.Warn("avpipeline: failed to share device context", "element", msg.Source, "error", err)
		return engine.SyncPass
	}
	c.logger.Debug("avpipeline: device context shared", "element", msg.Source, "context_type", msg.ContextType)
	return engine.SyncPass
}
