package webrtcbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/avpipeline"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/datachannel"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/framebridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/gpu"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/hostlog"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/mic"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/msgbus"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/webrtcpeer"
)

// ErrUnknownTexture is returned by ReleaseTexture for handles the bridge did
// not create.
var ErrUnknownTexture = errors.New("webrtcbridge: unknown texture handle")

// Options configures a Bridge. The zero value is usable: software GPU
// backend, no STUN, no echo cancellation.
type Options struct {
	// Backend selects the GPU backend ("software").
	Backend string

	// StunServer is a stun:// uri given to the media pipelines. Empty
	// disables STUN.
	StunServer string
	// ICEServers are used by the data-channel endpoint. When empty the
	// STUN server is used.
	ICEServers   []string
	BundlePolicy string
	// WebRTCBinLatency is the jitterbuffer latency (default: 10ms).
	WebRTCBinLatency time.Duration

	AudioSink       string
	AudioLowLatency bool
	DisableAudio    bool

	// Mic pipeline
	AudioSource     string
	EchoCancel      bool
	MicProducerName string

	// Decode chain overrides. Empty keeps the backend's element.
	VideoDecoder string
	VideoParser  string
	VideoCaps    string

	// LogLevel is the minimum level forwarded to the host (default: info).
	LogLevel slog.Leveler
	// LogHandler also receives every record, e.g. a JSON stdout handler.
	LogHandler slog.Handler

	// bus poll interval, shortened in tests
	pollInterval time.Duration
}

// Stats is a snapshot of every pipeline of the bridge.
type Stats struct {
	AV   avpipeline.Stats
	Data datachannel.Stats
	Mic  mic.Stats
	Bus  msgbus.Stats
}

// Bridge owns the AV, data-channel and mic pipelines of one host.
type Bridge struct {
	opts     Options
	registry *hostlog.Registry
	logger   *slog.Logger

	av   *avpipeline.Controller
	data *datachannel.Controller
	mic  *mic.Controller
	bus  *msgbus.Bus

	mu       sync.Mutex
	textures map[uintptr]framebridge.Target
}

// New creates a bridge backed by GStreamer and pion, registering cb in the
// process-wide registry.
func New(opts Options, cb Callbacks) (*Bridge, error) {
	return newBridge(opts, cb, gstEngine(), nil, hostlog.Default)
}

// newBridge wires the controllers. A nil newEndpoint uses pion peers built
// from opts.
func newBridge(
	opts Options,
	cb Callbacks,
	eng engine.Engine,
	newEndpoint datachannel.EndpointFactory,
	registry *hostlog.Registry,
) (*Bridge, error) {
	backend, err := gpu.Lookup(opts.Backend)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		opts:     opts,
		registry: registry,
		bus:      msgbus.New(),
		textures: make(map[uintptr]framebridge.Target),
	}
	b.SetCallbacks(cb)

	b.logger = slog.New(hostlog.NewHandler(hostlog.SinkFunc(b.forwardLog), &hostlog.HandlerOptions{
		Level: opts.LogLevel,
		Next:  opts.LogHandler,
	}))

	var chain *gpu.VideoChain
	if opts.VideoDecoder != "" || opts.VideoParser != "" || opts.VideoCaps != "" {
		chain = &gpu.VideoChain{
			Decoder:  opts.VideoDecoder,
			Parser:   opts.VideoParser,
			SinkCaps: opts.VideoCaps,
		}
	}
	b.av, err = avpipeline.New(eng, backend, avpipeline.Options{
		Logger:           b.logger,
		StunServer:       opts.StunServer,
		WebRTCBinLatency: opts.WebRTCBinLatency,
		AudioSink:        opts.AudioSink,
		AudioLowLatency:  opts.AudioLowLatency,
		DisableAudio:     opts.DisableAudio,
		VideoChain:       chain,
		PollInterval:     opts.pollInterval,
	})
	if err != nil {
		return nil, err
	}

	if newEndpoint == nil {
		newEndpoint = webrtcpeer.NewEndpoint(webrtcpeer.Config{
			Name:         "data-endpoint",
			ICEServers:   b.iceServers(),
			BundlePolicy: opts.BundlePolicy,
			Logger:       b.logger,
		})
	}
	b.data, err = datachannel.New(newEndpoint, datachannel.Options{
		Logger:       b.logger,
		Listener:     &hostListener{registry: registry, bus: b.bus, logger: b.logger},
		PollInterval: opts.pollInterval,
	})
	if err != nil {
		return nil, err
	}

	b.mic, err = mic.New(eng, mic.Options{
		Logger:       b.logger,
		Source:       opts.AudioSource,
		EchoCancel:   opts.EchoCancel,
		StunServer:   opts.StunServer,
		ProducerName: opts.MicProducerName,
		PollInterval: opts.pollInterval,
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("webrtcbridge: initialized",
		"engine", eng.Name(),
		"backend", backend.Name(),
		"stun", opts.StunServer != "",
		"echo_cancel", opts.EchoCancel,
	)
	return b, nil
}

// iceServers converts the GStreamer-style stun:// uri for pion.
func (b *Bridge) iceServers() []string {
	if len(b.opts.ICEServers) > 0 {
		return b.opts.ICEServers
	}
	if b.opts.StunServer == "" {
		return nil
	}
	return []string{"stun:" + strings.TrimPrefix(b.opts.StunServer, "stun://")}
}

// SetCallbacks replaces the host callbacks.
func (b *Bridge) SetCallbacks(cb Callbacks) {
	cb.register(b.registry)
}

// Logger returns the logger forwarding to the host.
func (b *Bridge) Logger() *slog.Logger { return b.logger }

// MessageBus returns the bus carrying every received channel message.
func (b *Bridge) MessageBus() *msgbus.Bus { return b.bus }

func (b *Bridge) forwardLog(message string, level hostlog.Level, length int) {
	if sink, ok := hostlog.LookupAs[hostlog.Sink](b.registry, hostlog.SubsystemLog); ok {
		sink.Log(message, level, length)
	}
}

func targetOf(isLeft bool) framebridge.Target {
	if isLeft {
		return framebridge.TargetLeft
	}
	return framebridge.TargetRight
}

// CreateDevice creates the GPU device shared with the host renderer.
func (b *Bridge) CreateDevice() error { return b.av.CreateDevice() }

// CreatePipeline starts the AV pipeline consuming the producer peerID
// announced on the signalling server at uri.
func (b *Bridge) CreatePipeline(uri, peerID string) error {
	return b.av.CreatePipeline(uri, peerID)
}

// CreateTexture allocates the texture of one eye and returns its handle,
// 0 on failure.
func (b *Bridge) CreateTexture(width, height int, isLeft bool) (uintptr, error) {
	target := targetOf(isLeft)
	surface, err := b.av.CreateTexture(width, height, target)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for h, t := range b.textures {
		if t == target {
			delete(b.textures, h)
		}
	}
	b.textures[surface.Handle()] = target
	return surface.Handle(), nil
}

// Draw converts the latest frame of one eye into its texture.
func (b *Bridge) Draw(isLeft bool) error { return b.av.Draw(targetOf(isLeft)) }

// RenderEvent draws both eyes. Called on the render thread.
func (b *Bridge) RenderEvent() { b.av.RenderEvent() }

// ReleaseTexture releases a texture returned by CreateTexture.
func (b *Bridge) ReleaseTexture(handle uintptr) error {
	b.mu.Lock()
	target, ok := b.textures[handle]
	delete(b.textures, handle)
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("webrtcbridge: release of unknown texture", "handle", handle)
		return fmt.Errorf("%w: %d", ErrUnknownTexture, handle)
	}
	b.av.ReleaseTexture(target)
	return nil
}

// DestroyPipeline stops the AV pipeline. Blocks until its bus goroutine exits.
func (b *Bridge) DestroyPipeline() { b.av.DestroyPipeline() }

// CreateDataPipeline creates the data-channel session endpoint.
func (b *Bridge) CreateDataPipeline() error { return b.data.CreatePipeline() }

// DestroyDataPipeline closes every channel and the endpoint.
func (b *Bridge) DestroyDataPipeline() { b.data.DestroyPipeline() }

// SetSDPOffer applies the remote offer. The answer arrives on OnAnswer.
func (b *Bridge) SetSDPOffer(sdp string) error { return b.data.SetOffer(sdp) }

// SetICECandidate adds a remote ICE candidate.
func (b *Bridge) SetICECandidate(candidate string, lineIndex uint16) error {
	return b.data.SetICECandidate(candidate, lineIndex)
}

// SendBytesChannelService sends on the service channel.
func (b *Bridge) SendBytesChannelService(data []byte) error { return b.data.SendService(data) }

// SendBytesChannelCommand sends on the command channel.
func (b *Bridge) SendBytesChannelCommand(data []byte) error { return b.data.SendCommand(data) }

// SendCommand is SendBytesChannelCommand for the MQTT relay.
func (b *Bridge) SendCommand(data []byte) error { return b.SendBytesChannelCommand(data) }

// CreateMicPipeline starts sending the local microphone through the
// signalling server at uri.
func (b *Bridge) CreateMicPipeline(uri string) error { return b.mic.CreatePipeline(uri) }

// DestroyMicPipeline stops the mic pipeline.
func (b *Bridge) DestroyMicPipeline() { b.mic.DestroyPipeline() }

// Phases returns the lifecycle phase of each pipeline, keyed by name.
func (b *Bridge) Phases() map[string]string {
	return map[string]string{
		"av-pipeline":   b.av.Phase().String(),
		"data-pipeline": b.data.Phase().String(),
		"mic-pipeline":  b.mic.Phase().String(),
	}
}

// Stats returns a snapshot of the bridge.
func (b *Bridge) Stats() Stats {
	return Stats{
		AV:   b.av.Stats(),
		Data: b.data.Stats(),
		Mic:  b.mic.Stats(),
		Bus:  b.bus.Stats(),
	}
}

// Close destroys every pipeline and frees textures and the device.
func (b *Bridge) Close() error {
	b.mic.DestroyPipeline()
	b.data.DestroyPipeline()
	err := b.av.Close()
	b.bus.Close()

	b.mu.Lock()
	b.textures = make(map[uintptr]framebridge.Target)
	b.mu.Unlock()

	b.logger.Info("webrtcbridge: closed")
	return err
}
