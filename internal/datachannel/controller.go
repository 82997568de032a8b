// Package datachannel runs the negotiation-only session that carries the
// typed data channels (service, state, command, audit) between the remote
// producer and the host.
package datachannel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

var (
	// ErrNotCreated is returned when no data session exists.
	ErrNotCreated = errors.New("datachannel: pipeline not created")
	// ErrChannelNotOpen is returned by sends on a channel that never opened.
	ErrChannelNotOpen = errors.New("datachannel: channel not open")
)

// Options configures a Controller.
type Options struct {
	Logger       *slog.Logger
	Listener     Listener
	PollInterval time.Duration
}

// Stats is a snapshot of data session activity.
type Stats struct {
	Pipeline        pipeline.Stats
	Answers         uint64
	LocalCandidates uint64
	NegotiationErrs uint64
	UnknownChannels uint64
	Open            map[string]bool
	Received        map[string]uint64
	Sent            map[string]uint64
	Dropped         uint64 // received with no listener
}

// Controller owns one data session at a time.
type Controller struct {
	newEndpoint EndpointFactory
	logger      *slog.Logger
	base        *pipeline.Base

	mu       sync.Mutex // guards everything below
	listener Listener
	endpoint Endpoint
	channels [4]Channel

	answers         atomic.Uint64
	localCandidates atomic.Uint64
	negotiationErrs atomic.Uint64
	unknownChannels atomic.Uint64
	dropped         atomic.Uint64
	received        [4]atomic.Uint64
	sent            [4]atomic.Uint64
}

// New creates a data channel controller.
func New(newEndpoint EndpointFactory, opts Options) (*Controller, error) {
	if newEndpoint == nil {
		return nil, fmt.Errorf("datachannel: endpoint factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		newEndpoint: newEndpoint,
		logger:      opts.Logger.With("component", "datachannel"),
		listener:    opts.Listener,
	}

	base, err := pipeline.NewBase(pipeline.Config{
		Name:     "data-pipeline",
		NewGraph: c.newGraph,
		Hooks: pipeline.Hooks{
			Stopped: func(reason error) {
				c.logger.Warn("datachannel: session stopped", "reason", reason)
			},
		},
		Logger:       opts.Logger,
		PollInterval: opts.PollInterval,
		RunState:     engine.StateReady,
	})
	if err != nil {
		return nil, err
	}
	c.base = base
	return c, nil
}

// SetListener replaces the host listener. nil drops everything.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Phase returns the session lifecycle phase.
func (c *Controller) Phase() pipeline.Phase { return c.base.Lifecycle().Phase() }

// newGraph creates the endpoint for a new session and wires its callbacks.
func (c *Controller) newGraph(string) (engine.Graph, error) {
	ep, err := c.newEndpoint()
	if err != nil {
		return nil, fmt.Errorf("datachannel: failed to create endpoint: %w", err)
	}
	ep.OnICECandidate(c.onLocalCandidate)
	ep.OnDataChannel(c.onDataChannel)

	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()
	return ep.Graph(), nil
}

// CreatePipeline creates the endpoint and starts its bus goroutine. The
// endpoint idles in READY until an offer arrives.
func (c *Controller) CreatePipeline() error {
	if err := c.base.CreatePipeline(); err != nil {
		return err
	}
	if err := c.base.CreateBusThread(); err != nil {
		c.base.DestroyPipeline()
		return err
	}
	c.logger.Info("datachannel: pipeline created")
	return nil
}

// SetOffer applies a remote offer and answers it. Answer creation starts
// only after the remote description is fully applied; the answer reaches
// the listener once it is the local description.
func (c *Controller) SetOffer(offer string) error {
	ep := c.currentEndpoint()
	if ep == nil {
		c.logger.Error("datachannel: offer received without pipeline")
		return ErrNotCreated
	}

	info, err := ParseOffer(offer)
	if err != nil {
		c.negotiationErrs.Add(1)
		c.logger.Error("datachannel: failed to parse sdp offer", "error", err)
		return err
	}
	if !info.Application {
		c.logger.Warn("datachannel: offer has no application section", "media", info.Media)
	}
	c.logger.Debug("datachannel: offer parsed", "session_id", info.SessionID, "media", info.Media)

	ep.SetRemoteDescription(offer, func(err error) {
		if err != nil {
			c.negotiationFailed("set remote description", err)
			return
		}
		c.logger.Debug("datachannel: remote description set")
		ep.CreateAnswer(func(answer string, err error) {
			if err != nil {
				c.negotiationFailed("create answer", err)
				return
			}
			ep.SetLocalDescription(answer, func(err error) {
				if err != nil {
					c.negotiationFailed("set local description", err)
					return
				}
				c.answers.Add(1)
				c.logger.Info("datachannel: answer created")
				if l := c.currentListener(); l != nil {
					l.OnAnswer(answer)
				} else {
					c.logger.Warn("datachannel: no listener for sdp answer")
				}
			})
		})
	})
	return nil
}

func (c *Controller) negotiationFailed(step string, err error) {
	c.negotiationErrs.Add(1)
	c.logger.Error("datachannel: negotiation failed", "step", step, "error", err)
}

// SetICECandidate adds a remote candidate to the endpoint.
func (c *Controller) SetICECandidate(candidate string, lineIndex uint16) error {
	ep := c.currentEndpoint()
	if ep == nil {
		c.logger.Error("datachannel: ice candidate received without pipeline")
		return ErrNotCreated
	}
	if err := ep.AddICECandidate(candidate, lineIndex); err != nil {
		c.logger.Warn("datachannel: failed to add ice candidate", "line_index", lineIndex, "error", err)
		return err
	}
	return nil
}

func (c *Controller) onLocalCandidate(candidate string, lineIndex uint16) {
	c.localCandidates.Add(1)
	if l := c.currentListener(); l != nil {
		l.OnICECandidate(candidate, lineIndex)
		return
	}
	c.logger.Warn("datachannel: no listener for ice candidate")
}

// onDataChannel routes an opened channel by label. An unknown label is
// left unrouted.
func (c *Controller) onDataChannel(ch Channel) {
	label := ch.Label()
	role, ok := RouteLabel(label)
	if !ok {
		c.unknownChannels.Add(1)
		c.logger.Warn("datachannel: unknown data channel", "label", label)
		return
	}

	c.mu.Lock()
	prev := c.channels[role]
	c.channels[role] = ch
	listener := c.listener
	c.mu.Unlock()

	if prev != nil && prev != ch {
		c.logger.Info("datachannel: channel replaced", "role", role.String(), "label", prev.Label())
		prev.Close()
	}

	ch.OnMessage(func(data []byte) { c.deliver(role, data) })
	c.logger.Info("datachannel: data channel opened", "role", role.String(), "label", label)

	if !role.notifiesOpen() {
		return
	}
	if listener == nil {
		c.logger.Warn("datachannel: no listener for channel open", "role", role.String())
		return
	}
	listener.OnChannelOpen(role)
}

func (c *Controller) deliver(role Role, data []byte) {
	c.received[role].Add(1)
	l := c.currentListener()
	if l == nil {
		c.dropped.Add(1)
		c.logger.Warn("datachannel: no listener, message dropped", "role", role.String(), "size", len(data))
		return
	}
	l.OnMessage(role, data)
}

// Send transmits data on the channel of a role.
func (c *Controller) Send(role Role, data []byte) error {
	c.mu.Lock()
	ch := c.channels[role]
	c.mu.Unlock()

	if ch == nil {
		c.logger.Warn("datachannel: channel not open, message not sent", "role", role.String())
		return ErrChannelNotOpen
	}
	if err := ch.Send(data); err != nil {
		c.logger.Error("datachannel: send failed", "role", role.String(), "error", err)
		return err
	}
	c.sent[role].Add(1)
	return nil
}

// SendService sends on the service channel.
func (c *Controller) SendService(data []byte) error { return c.Send(RoleService, data) }

// SendCommand sends on the command channel.
func (c *Controller) SendCommand(data []byte) error { return c.Send(RoleCommand, data) }

// DestroyPipeline closes every open channel, then stops and releases the
// endpoint. Safe to call when nothing was created.
func (c *Controller) DestroyPipeline() {
	c.mu.Lock()
	channels := c.channels
	c.channels = [4]Channel{}
	c.endpoint = nil
	c.mu.Unlock()

	for _, ch := range channels {
		if ch != nil {
			ch.Close()
		}
	}
	c.base.DestroyPipeline()
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	st := Stats{
		Pipeline:        c.base.Stats(),
		Answers:         c.answers.Load(),
		LocalCandidates: c.localCandidates.Load(),
		NegotiationErrs: c.negotiationErrs.Load(),
		UnknownChannels: c.unknownChannels.Load(),
		Dropped:         c.dropped.Load(),
		Open:            make(map[string]bool, len(Roles)),
		Received:        make(map[string]uint64, len(Roles)),
		Sent:            make(map[string]uint64, len(Roles)),
	}

	c.mu.Lock()
	channels := c.channels
	c.mu.Unlock()

	for _, r := range Roles {
		st.Open[r.String()] = channels[r] != nil
		st.Received[r.String()] = c.received[r].Load()
		st.Sent[r.String()] = c.sent[r].Load()
	}
	return st
}

func (c *Controller) currentEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Controller) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}
