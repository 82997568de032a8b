// Package mic sends the local microphone to the remote peer as a WebRTC
// producer.
//
//	audiosrc → queue → audioconvert → audioresample → webrtcdsp
//	  → opusenc → capsfilter(opus mono 48k) → webrtcsink
package mic

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

const (
	// DefaultProducerName is advertised in the producer meta.
	DefaultProducerName = "UnityClient"

	opusCaps = "audio/x-opus,channels=1,rate=48000"

	// consumerProcessingDeadline is applied to the audio sinks of every
	// consumer webrtcbin.
	consumerProcessingDeadline = time.Millisecond
)

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger

	// Source is the capture element factory (default: autoaudiosrc).
	Source string
	// EchoCancel enables webrtcdsp echo cancellation.
	EchoCancel bool
	// StunServer is given to webrtcsink. Empty disables STUN.
	StunServer string
	// ProducerName is the meta name consumers look for.
	ProducerName string

	PollInterval time.Duration
}

// Stats is a snapshot of the mic pipeline.
type Stats struct {
	Pipeline  pipeline.Stats
	Consumers uint64
}

// Controller is the mic/send pipeline controller.
type Controller struct {
	opts   Options
	logger *slog.Logger
	base   *pipeline.Base

	consumers atomic.Uint64
}

// New creates a mic controller.
func New(eng engine.Engine, opts Options) (*Controller, error) {
	if eng == nil {
		return nil, fmt.Errorf("mic: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Source == "" {
		opts.Source = "autoaudiosrc"
	}
	if opts.ProducerName == "" {
		opts.ProducerName = DefaultProducerName
	}

	c := &Controller{
		opts:   opts,
		logger: opts.Logger.With("component", "mic"),
	}
	base, err := pipeline.NewBase(pipeline.Config{
		Name:     "mic-pipeline",
		NewGraph: eng.NewGraph,
		Hooks: pipeline.Hooks{
			Stopped: func(reason error) {
				c.logger.Warn("mic: pipeline stopped", "reason", reason)
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

// CreatePipeline builds the send graph against the signalling server at
// uri and starts it.
func (c *Controller) CreatePipeline(uri string) error {
	if err := c.base.CreatePipeline(); err != nil {
		return err
	}
	if err := c.build(c.base.Graph(), uri); err != nil {
		c.logger.Error("mic: failed to build pipeline", "error", err)
		c.base.DestroyPipeline()
		return err
	}
	if err := c.base.CreateBusThread(); err != nil {
		c.base.DestroyPipeline()
		return err
	}
	c.logger.Info("mic: pipeline created",
		"uri", uri,
		"source", c.opts.Source,
		"echo_cancel", c.opts.EchoCancel,
	)
	return nil
}

type prop struct {
	name  string
	value any
}

func (c *Controller) build(g engine.Graph, uri string) error {
	stages := []struct {
		factory string
		props   []prop
	}{
		{factory: c.opts.Source},
		{factory: "queue"},
		{factory: "audioconvert"},
		{factory: "audioresample"},
		{factory: "webrtcdsp", props: []prop{
			{"echo-cancel", c.opts.EchoCancel},
		}},
		{factory: "opusenc", props: []prop{
			{"audio-type", engine.Arg("restricted-lowdelay")},
			{"frame-size", engine.Arg("10")},
		}},
		{factory: "capsfilter", props: []prop{
			{"caps", engine.Caps(opusCaps)},
		}},
	}

	elems := make([]engine.Element, 0, len(stages)+1)
	for _, st := range stages {
		el, err := g.NewElement(st.factory, "")
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", st.factory, err)
		}
		for _, p := range st.props {
			if err := el.SetProperty(p.name, p.value); err != nil {
				return fmt.Errorf("failed to set %s.%s: %w", st.factory, p.name, err)
			}
		}
		elems = append(elems, el)
	}

	sink, err := c.newSink(g, uri)
	if err != nil {
		return err
	}
	elems = append(elems, sink)

	if err := g.Add(elems...); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := g.Link(elems...); err != nil {
		return fmt.Errorf("elements could not be linked: %w", err)
	}
	return nil
}

func (c *Controller) newSink(g engine.Graph, uri string) (engine.Element, error) {
	sink, err := g.NewElement("webrtcsink", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtcsink: %w", err)
	}
	if err := sink.SetChildProperty("signaller::uri", uri); err != nil {
		return nil, fmt.Errorf("failed to set signaller uri: %w", err)
	}
	meta := engine.Structure(fmt.Sprintf("meta,name=%s", c.opts.ProducerName))
	if err := sink.SetProperty("meta", meta); err != nil {
		return nil, fmt.Errorf("failed to set producer meta: %w", err)
	}

	var stun any
	if c.opts.StunServer != "" {
		stun = c.opts.StunServer
	}
	if err := sink.SetProperty("stun-server", stun); err != nil {
		return nil, fmt.Errorf("failed to set stun-server: %w", err)
	}
	if err := sink.SetProperty("do-retransmission", false); err != nil {
		c.logger.Warn("mic: do-retransmission not supported", "error", err)
	}

	if err := sink.OnPeerBin("consumer-added", c.onConsumerAdded); err != nil {
		c.logger.Warn("mic: consumer-added not available", "error", err)
	}
	return sink, nil
}

// onConsumerAdded lowers the processing deadline of the new consumer's
// audio sinks.
func (c *Controller) onConsumerAdded(peerID string, bin engine.Element) {
	c.consumers.Add(1)
	c.logger.Info("mic: consumer added", "peer_id", peerID)

	sinks, err := bin.SinkElements()
	if err != nil {
		c.logger.Warn("mic: failed to list consumer sinks", "peer_id", peerID, "error", err)
		return
	}
	deadline := uint64(consumerProcessingDeadline.Nanoseconds())
	for _, s := range sinks {
		if !s.HasProperty("processing-deadline") {
			continue
		}
		if err := s.SetProperty("processing-deadline", deadline); err != nil {
			c.logger.Warn("mic: failed to set processing-deadline", "sink", s.Name(), "error", err)
		}
	}
}

// DestroyPipeline stops and releases the send graph.
func (c *Controller) DestroyPipeline() { c.base.DestroyPipeline() }

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	return Stats{
		Pipeline:  c.base.Stats(),
		Consumers: c.consumers.Load(),
	}
}
