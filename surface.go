package webrtcbridge

import (
	"errors"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine/gstengine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/hostlog"
)

// ErrAlreadyInitialized is returned by Init when a bridge is installed.
var ErrAlreadyInitialized = errors.New("webrtcbridge: already initialized")

func gstEngine() engine.Engine { return gstengine.New() }

// Init creates the process-wide bridge and registers the host callbacks.
func Init(opts Options, cb Callbacks) error {
	return initWith(hostlog.Default, func() (*Bridge, error) { return New(opts, cb) })
}

func initWith(r *hostlog.Registry, create func() (*Bridge, error)) error {
	if _, ok := hostlog.LookupAs[*Bridge](r, hostlog.SubsystemAV); ok {
		return ErrAlreadyInitialized
	}
	b, err := create()
	if err != nil {
		r.Reset()
		return err
	}
	r.Register(hostlog.SubsystemAV, b)
	return nil
}

// Shutdown destroys every pipeline and clears the registry. Callbacks stop
// once it returns.
func Shutdown() { shutdown(hostlog.Default) }

func shutdown(r *hostlog.Registry) {
	b, ok := hostlog.LookupAs[*Bridge](r, hostlog.SubsystemAV)
	if !ok {
		return
	}
	b.Close()
	r.Reset()
}

// Current returns the process-wide bridge installed by Init.
func Current() (*Bridge, bool) {
	return hostlog.LookupAs[*Bridge](hostlog.Default, hostlog.SubsystemAV)
}

// with runs fn on the current bridge, or logs that there is none.
func with(op string, fn func(b *Bridge)) {
	b, ok := Current()
	if !ok {
		slog.Warn("webrtcbridge: not initialized", "op", op)
		return
	}
	fn(b)
}

// The flat host surface. Failures are logged by the controllers; the host
// observes them through the Log callback.

func CreateDevice() {
	with("CreateDevice", func(b *Bridge) { b.CreateDevice() })
}

func CreatePipeline(uri, remotePeerID string) {
	with("CreatePipeline", func(b *Bridge) { b.CreatePipeline(uri, remotePeerID) })
}

// CreateTexture returns the texture handle, 0 on failure.
func CreateTexture(width, height int, isLeft bool) uintptr {
	var handle uintptr
	with("CreateTexture", func(b *Bridge) { handle, _ = b.CreateTexture(width, height, isLeft) })
	return handle
}

func Draw(isLeft bool) {
	with("Draw", func(b *Bridge) { b.Draw(isLeft) })
}

func RenderEvent() {
	with("RenderEvent", func(b *Bridge) { b.RenderEvent() })
}

func ReleaseTexture(handle uintptr) {
	with("ReleaseTexture", func(b *Bridge) { b.ReleaseTexture(handle) })
}

func DestroyPipeline() {
	with("DestroyPipeline", func(b *Bridge) { b.DestroyPipeline() })
}

func CreateDataPipeline() {
	with("CreateDataPipeline", func(b *Bridge) { b.CreateDataPipeline() })
}

func DestroyDataPipeline() {
	with("DestroyDataPipeline", func(b *Bridge) { b.DestroyDataPipeline() })
}

func SetSDPOffer(sdp string) {
	with("SetSDPOffer", func(b *Bridge) { b.SetSDPOffer(sdp) })
}

func SetICECandidate(candidate string, lineIndex int) {
	if lineIndex < 0 || lineIndex > 0xffff {
		slog.Warn("webrtcbridge: invalid m-line index", "index", lineIndex)
		return
	}
	with("SetICECandidate", func(b *Bridge) { b.SetICECandidate(candidate, uint16(lineIndex)) })
}

// SendBytesChannelService sends the first length bytes of data.
func SendBytesChannelService(data []byte, length int) {
	with("SendBytesChannelService", func(b *Bridge) {
		if p, ok := clip(b, data, length); ok {
			b.SendBytesChannelService(p)
		}
	})
}

// SendBytesChannelCommand sends the first length bytes of data.
func SendBytesChannelCommand(data []byte, length int) {
	with("SendBytesChannelCommand", func(b *Bridge) {
		if p, ok := clip(b, data, length); ok {
			b.SendBytesChannelCommand(p)
		}
	})
}

func CreateMicPipeline(uri string) {
	with("CreateMicPipeline", func(b *Bridge) { b.CreateMicPipeline(uri) })
}

func DestroyMicPipeline() {
	with("DestroyMicPipeline", func(b *Bridge) { b.DestroyMicPipeline() })
}

func clip(b *Bridge, data []byte, length int) ([]byte, bool) {
	if length < 0 || length > len(data) {
		b.logger.Error("webrtcbridge: invalid send length", "length", length, "buffer", len(data))
		return nil, false
	}
	return data[:length], true
}
