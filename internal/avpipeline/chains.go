package avpipeline

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/framebridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/gpu"
)

// addSource adds webrtcsrc configured for the remote producer.
//
// Graph built so far:
//
//	webrtcsrc (dynamic pads: video_0, video_1, audio_0 ...)
//
// Each pad is completed by onPadAdded once the remote stream topology is
// negotiated.
func (c *Controller) addSource(g engine.Graph, uri, peerID string) error {
	src, err := g.NewElement("webrtcsrc", "")
	if err != nil {
		return fmt.Errorf("failed to create webrtcsrc: %w", err)
	}

	if err := src.SetChildProperty("signaller::producer-peer-id", peerID); err != nil {
		return fmt.Errorf("failed to set producer peer id: %w", err)
	}
	if err := src.SetChildProperty("signaller::uri", uri); err != nil {
		return fmt.Errorf("failed to set signaller uri: %w", err)
	}

	var stun any // nil disables STUN
	if c.opts.StunServer != "" {
		stun = c.opts.StunServer
	}
	if err := src.SetProperty("stun-server", stun); err != nil {
		return fmt.Errorf("failed to set stun-server: %w", err)
	}
	if err := src.SetProperty("do-retransmission", false); err != nil {
		c.logger.Warn("avpipeline: do-retransmission not supported", "error", err)
	}

	latencyMs := uint(c.opts.WebRTCBinLatency.Milliseconds())
	if err := src.OnPeerBin("signaller::webrtcbin-ready", func(peer string, bin engine.Element) {
		if err := bin.SetProperty("latency", latencyMs); err != nil {
			c.logger.Warn("avpipeline: failed to set webrtcbin latency", "error", err)
			return
		}
		c.logger.Info("avpipeline: webrtcbin ready", "peer_id", peer, "latency_ms", latencyMs)
	}); err != nil {
		c.logger.Warn("avpipeline: webrtcbin-ready not available", "error", err)
	}

	src.OnPadAdded(c.onPadAdded)

	if err := g.Add(src); err != nil {
		return fmt.Errorf("failed to add webrtcsrc: %w", err)
	}
	return nil
}

// onPadAdded runs on an engine streaming thread for every negotiated
// substream. video_0 feeds the left target, any other video pad the right.
func (c *Controller) onPadAdded(pad engine.Pad) {
	name := pad.Name()
	c.logger.Debug("avpipeline: pad-added signal received", "pad", name)

	switch {
	case strings.HasPrefix(name, "video"):
		c.videoPads.Add(1)
		target := framebridge.TargetRight
		if strings.HasPrefix(name, "video_0") {
			target = framebridge.TargetLeft
		}
		c.logger.Info("avpipeline: connecting video pad", "pad", name, "target", target.String())
		if err := c.linkVideo(pad, target); err != nil {
			c.chainFailures.Add(1)
			c.logger.Error("avpipeline: video chain abandoned", "pad", name, "error", err)
		}

	case strings.HasPrefix(name, "audio"):
		c.audioPads.Add(1)
		if c.opts.DisableAudio {
			c.logger.Info("avpipeline: audio disabled, pad left unlinked", "pad", name)
			return
		}
		if err := c.linkAudio(pad); err != nil {
			c.chainFailures.Add(1)
			c.logger.Error("avpipeline: audio chain abandoned", "pad", name, "error", err)
		}

	default:
		c.logger.Warn("avpipeline: unexpected pad", "pad", name)
	}
}

func (c *Controller) videoChain() (gpu.VideoChain, error) {
	dev := c.currentDevice()
	if dev == nil {
		return gpu.VideoChain{}, ErrNoDevice
	}
	chain := dev.VideoChain()
	if o := c.opts.VideoChain; o != nil {
		override(&chain.Depayloader, o.Depayloader)
		override(&chain.Parser, o.Parser)
		override(&chain.Decoder, o.Decoder)
		override(&chain.Converter, o.Converter)
		override(&chain.SinkCaps, o.SinkCaps)
	}
	return chain, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// linkVideo builds depay → parse → decode → convert → frame sink for pad.
func (c *Controller) linkVideo(pad engine.Pad, target framebridge.Target) error {
	chain, err := c.videoChain()
	if err != nil {
		return err
	}

	c.graphMu.Lock()
	defer c.graphMu.Unlock()

	g := c.base.Graph()
	if g == nil {
		return fmt.Errorf("pipeline destroyed")
	}

	elems, err := newElements(g, chain.Depayloader, chain.Parser, chain.Decoder, chain.Converter)
	if err != nil {
		return err
	}
	sink, err := g.NewFrameSink("", engine.FrameSinkOptions{
		Caps:               chain.SinkCaps,
		Drop:               true,
		MaxBuffers:         1,
		ProcessingDeadline: 0,
	}, c.frameCallback(target))
	if err != nil {
		return fmt.Errorf("failed to create frame sink: %w", err)
	}
	elems = append(elems, sink)

	return c.attach(g, pad, elems)
}

// linkAudio builds depay → queue → decode → convert → resample → playback.
func (c *Controller) linkAudio(pad engine.Pad) error {
	c.graphMu.Lock()
	defer c.graphMu.Unlock()

	g := c.base.Graph()
	if g == nil {
		return fmt.Errorf("pipeline destroyed")
	}

	elems, err := newElements(g, "rtpopusdepay", "queue", "opusdec", "audioconvert", "audioresample", c.opts.AudioSink)
	if err != nil {
		return err
	}

	playback := elems[len(elems)-1]
	if c.opts.AudioLowLatency && playback.HasProperty("low-latency") {
		playback.SetProperty("low-latency", true)
	}
	if playback.HasProperty("provide-clock") {
		playback.SetProperty("provide-clock", false)
	}
	if playback.HasProperty("processing-deadline") {
		playback.SetProperty("processing-deadline", uint64(0))
	}

	return c.attach(g, pad, elems)
}

// attach inserts elems into the running graph, links them and the pad, then
// syncs every element with the graph. On failure the elements are removed
// again so an abandoned substream leaves nothing in the graph. Must hold
// graphMu.
func (c *Controller) attach(g engine.Graph, pad engine.Pad, elems []engine.Element) error {
	if err := c.insert(g, pad, elems); err != nil {
		if rerr := g.Remove(elems...); rerr != nil {
			c.logger.Warn("avpipeline: failed to remove abandoned elements", "pad", pad.Name(), "error", rerr)
		}
		return err
	}
	c.logger.Debug("avpipeline: pads linked successfully",
		"src_pad", pad.Name(),
		"elements", len(elems),
	)
	return nil
}

func (c *Controller) insert(g engine.Graph, pad engine.Pad, elems []engine.Element) error {
	if err := g.Add(elems...); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := g.Link(elems...); err != nil {
		return fmt.Errorf("elements could not be linked: %w", err)
	}

	sinkPad := elems[0].StaticPad("sink")
	if sinkPad == nil {
		return fmt.Errorf("failed to get sink pad from %s", elems[0].Name())
	}
	if err := pad.Link(sinkPad); err != nil {
		return fmt.Errorf("failed to link pad %s: %w", pad.Name(), err)
	}

	// Elements added after the graph started do not follow its state
	for _, el := range elems {
		if err := el.SyncStateWithParent(); err != nil {
			return fmt.Errorf("failed to sync %s with parent: %w", el.Name(), err)
		}
	}
	return nil
}

func newElements(g engine.Graph, factories ...string) ([]engine.Element, error) {
	elems := make([]engine.Element, 0, len(factories)+1)
	for _, f := range factories {
		el, err := g.NewElement(f, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", f, err)
		}
		elems = append(elems, el)
	}
	return elems, nil
}

// frameCallback returns the frame sink callback bound to a target. It runs
// on the engine streaming thread.
func (c *Controller) frameCallback(target framebridge.Target) func(*engine.Sample) {
	return func(s *engine.Sample) {
		format, err := engine.ParseVideoFormat(s.Caps)
		if err != nil {
			c.logger.Error("avpipeline: sample without usable caps", "target", target.String(), "error", err)
			s.Release()
			return
		}

		slot := c.slot(target)
		if slot == nil {
			c.orphans.Add(1)
			s.Release()
			return
		}

		if err := slot.Publish(s, format); err != nil {
			c.logger.Error("avpipeline: failed to publish frame", "target", target.String(), "error", err)
		}
	}
}
