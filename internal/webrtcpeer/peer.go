// Package webrtcpeer is the data session endpoint backed by a pion
// PeerConnection.
//
// A Peer is both a datachannel.Endpoint and an engine.Graph, so the data
// controller drives it with the same Base lifecycle as the media pipelines:
// connection failure is posted on the bus as an error, a closed connection
// as end of stream.
package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/datachannel"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

// ErrClosed is returned after Release.
var ErrClosed = errors.New("webrtcpeer: closed")

// Config configures a Peer.
type Config struct {
	Name string
	// ICEServers are STUN/TURN urls. Empty disables STUN.
	ICEServers []string
	// BundlePolicy is "balanced", "max-compat" or "max-bundle" ("" keeps pion's default).
	BundlePolicy string
	// IncludeLoopback gathers loopback candidates (local testing).
	IncludeLoopback bool
	Logger          *slog.Logger
}

// Peer wraps a PeerConnection.
type Peer struct {
	name   string
	pc     *webrtc.PeerConnection
	bus    *engine.QueueBus
	logger *slog.Logger

	mu        sync.Mutex
	state     engine.State
	onCand    func(candidate string, lineIndex uint16)
	onChannel func(ch datachannel.Channel)
	closed    bool

	// description steps run in order on one worker goroutine
	workMu sync.Mutex
	work   []func()
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Peer and starts its worker.
func New(cfg Config) (*Peer, error) {
	if cfg.Name == "" {
		cfg.Name = "webrtcpeer"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rtcCfg := webrtc.Configuration{}
	var urls []string
	for _, u := range cfg.ICEServers {
		if u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	if cfg.BundlePolicy != "" {
		var bp webrtc.BundlePolicy
		if err := bp.UnmarshalJSON([]byte(strconv.Quote(cfg.BundlePolicy))); err != nil || bp == webrtc.BundlePolicyUnknown {
			return nil, fmt.Errorf("webrtcpeer: invalid bundle policy %q", cfg.BundlePolicy)
		}
		rtcCfg.BundlePolicy = bp
	}

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: failed to create peer connection: %w", err)
	}

	p := &Peer{
		name:   cfg.Name,
		pc:     pc,
		bus:    engine.NewQueueBus(64),
		logger: cfg.Logger.With("component", "webrtcpeer"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(p.handleCandidate)
	pc.OnDataChannel(p.handleDataChannel)
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		p.logger.Debug("webrtcpeer: ice gathering state", "state", s.String())
	})

	go p.worker()
	return p, nil
}

// NewEndpoint returns a datachannel.EndpointFactory creating peers from cfg.
func NewEndpoint(cfg Config) datachannel.EndpointFactory {
	return func() (datachannel.Endpoint, error) {
		return New(cfg)
	}
}

func (p *Peer) worker() {
	defer close(p.done)
	for {
		p.workMu.Lock()
		queue := p.work
		p.work = nil
		p.workMu.Unlock()

		for _, fn := range queue {
			fn()
		}
		if len(queue) > 0 {
			continue
		}

		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
	}
}

// enqueue schedules fn on the worker. Safe to call from the worker itself.
func (p *Peer) enqueue(fn func()) {
	p.workMu.Lock()
	p.work = append(p.work, fn)
	p.workMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetRemoteDescription implements datachannel.Endpoint.
func (p *Peer) SetRemoteDescription(sdp string, done func(error)) {
	p.enqueue(func() {
		err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
		if err != nil {
			p.postError("failed to set remote description", err)
		}
		done(err)
	})
}

// CreateAnswer implements datachannel.Endpoint.
func (p *Peer) CreateAnswer(done func(string, error)) {
	p.enqueue(func() {
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			p.postError("failed to create answer", err)
			done("", err)
			return
		}
		done(answer.SDP, nil)
	})
}

// SetLocalDescription implements datachannel.Endpoint.
func (p *Peer) SetLocalDescription(sdp string, done func(error)) {
	p.enqueue(func() {
		err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
		if err != nil {
			p.postError("failed to set local description", err)
		}
		done(err)
	})
}

// AddICECandidate implements datachannel.Endpoint.
func (p *Peer) AddICECandidate(candidate string, lineIndex uint16) error {
	idx := lineIndex
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: &idx,
	})
}

// OnICECandidate implements datachannel.Endpoint.
func (p *Peer) OnICECandidate(fn func(string, uint16)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

// OnDataChannel implements datachannel.Endpoint.
func (p *Peer) OnDataChannel(fn func(datachannel.Channel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChannel = fn
}

// Graph implements datachannel.Endpoint.
func (p *Peer) Graph() engine.Graph { return p }

func (p *Peer) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		// gathering complete
		return
	}
	init := c.ToJSON()
	var line uint16
	if init.SDPMLineIndex != nil {
		line = *init.SDPMLineIndex
	}

	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(init.Candidate, line)
	}
}

func (p *Peer) handleDataChannel(dc *webrtc.DataChannel) {
	p.logger.Debug("webrtcpeer: data channel announced", "label", dc.Label())
	dc.OnOpen(func() {
		p.mu.Lock()
		fn := p.onChannel
		p.mu.Unlock()
		if fn != nil {
			fn(&channel{dc: dc})
		}
	})
}

func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	p.logger.Info("webrtcpeer: connection state changed", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateFailed:
		p.bus.Post(&engine.Message{
			Type:   engine.MessageError,
			Source: p.name,
			Err:    errors.New("ice connection failed"),
			Debug:  "peer connection state failed",
		})
	case webrtc.PeerConnectionStateClosed:
		p.bus.Post(&engine.Message{Type: engine.MessageEOS, Source: p.name})
	}
}

func (p *Peer) postError(what string, err error) {
	p.bus.Post(&engine.Message{
		Type:   engine.MessageError,
		Source: p.name,
		Err:    fmt.Errorf("sdp negotiation: %s", what),
		Debug:  err.Error(),
	})
}

// Name implements engine.Graph.
func (p *Peer) Name() string { return p.name }

// Bus implements engine.Graph.
func (p *Peer) Bus() engine.Bus { return p.bus }

// SetState implements engine.Graph. The peer has no media to start, so
// states are only recorded and announced.
func (p *Peer) SetState(s engine.State) error {
	p.mu.Lock()
	if p.closed && s != engine.StateNull {
		p.mu.Unlock()
		return ErrClosed
	}
	old := p.state
	p.state = s
	p.mu.Unlock()

	if old != s {
		p.bus.Post(&engine.Message{
			Type:     engine.MessageStateChanged,
			Source:   p.name,
			OldState: old,
			NewState: s,
		})
	}
	return nil
}

// State implements engine.Graph.
func (p *Peer) State() engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NewElement implements engine.Graph; a peer has no elements.
func (p *Peer) NewElement(string, string) (engine.Element, error) {
	return nil, engine.ErrUnsupported
}

// NewFrameSink implements engine.Graph; a peer has no elements.
func (p *Peer) NewFrameSink(string, engine.FrameSinkOptions, func(*engine.Sample)) (engine.Element, error) {
	return nil, engine.ErrUnsupported
}

// Add implements engine.Graph; a peer has no elements.
func (p *Peer) Add(...engine.Element) error { return engine.ErrUnsupported }

// Remove implements engine.Graph; a peer has no elements.
func (p *Peer) Remove(...engine.Element) error { return engine.ErrUnsupported }

// Link implements engine.Graph; a peer has no elements.
func (p *Peer) Link(...engine.Element) error { return engine.ErrUnsupported }

// ElementByName implements engine.Graph.
func (p *Peer) ElementByName(string) (engine.Element, bool) { return nil, false }

// SetContext implements engine.Graph.
func (p *Peer) SetContext(string, string, any) error { return engine.ErrUnsupported }

// RecalculateLatency implements engine.Graph.
func (p *Peer) RecalculateLatency() bool { return true }

// Latency implements engine.Graph.
func (p *Peer) Latency() (engine.Latency, bool) { return engine.Latency{}, false }

// Release closes the peer connection and stops the worker.
func (p *Peer) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.onCand = nil
	p.onChannel = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	if err := p.pc.Close(); err != nil {
		p.logger.Warn("webrtcpeer: close failed", "error", err)
	}
}

// channel adapts a pion DataChannel.
type channel struct {
	dc *webrtc.DataChannel
}

func (c *channel) Label() string { return c.dc.Label() }

func (c *channel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

func (c *channel) Send(data []byte) error { return c.dc.Send(data) }

func (c *channel) Close() error { return c.dc.Close() }
