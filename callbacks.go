package webrtcbridge

import (
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/datachannel"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/hostlog"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/msgbus"
)

// LogLevel is the severity passed to the Log callback.
type LogLevel = hostlog.Level

const (
	LogInfo    = hostlog.LevelInfo
	LogWarning = hostlog.LevelWarning
	LogError   = hostlog.LevelError
)

// Callbacks are the host notifications. Any of them may be nil.
//
// Callbacks run on bridge goroutines (bus loops, endpoint workers), never on
// the host's render thread.
type Callbacks struct {
	Log func(message string, level LogLevel, length int)

	// Negotiation
	OnAnswer       func(sdp string)
	OnICECandidate func(candidate string, lineIndex uint16)

	// Channel opened notifications exist for the service and command
	// channels only.
	OnServiceOpen func()
	OnCommandOpen func()

	OnServiceMessage func(data []byte)
	OnStateMessage   func(data []byte)
	OnCommandMessage func(data []byte)
	OnAuditMessage   func(data []byte)
}

// register installs cb under every subsystem it serves.
func (cb Callbacks) register(r *hostlog.Registry) {
	if cb.Log != nil {
		r.Register(hostlog.SubsystemLog, hostlog.Sink(hostlog.SinkFunc(cb.Log)))
	} else {
		r.Register(hostlog.SubsystemLog, nil)
	}
	r.Register(hostlog.SubsystemSignalling, cb)
	r.Register(hostlog.SubsystemChannels, cb)
}

// hostListener surfaces data-session events to the registered callbacks and
// copies every received message onto the bus. Events with no callback to
// take them are logged and dropped.
type hostListener struct {
	registry *hostlog.Registry
	bus      *msgbus.Bus
	logger   *slog.Logger
}

func (l *hostListener) callbacks(s hostlog.Subsystem) Callbacks {
	cb, _ := hostlog.LookupAs[Callbacks](l.registry, s)
	return cb
}

func (l *hostListener) log() *slog.Logger {
	if l.logger == nil {
		return slog.Default()
	}
	return l.logger
}

func (l *hostListener) OnAnswer(sdp string) {
	fn := l.callbacks(hostlog.SubsystemSignalling).OnAnswer
	if fn == nil {
		l.log().Warn("webrtcbridge: no host callback, answer dropped", "size", len(sdp))
		return
	}
	fn(sdp)
}

func (l *hostListener) OnICECandidate(candidate string, lineIndex uint16) {
	fn := l.callbacks(hostlog.SubsystemSignalling).OnICECandidate
	if fn == nil {
		l.log().Warn("webrtcbridge: no host callback, ice candidate dropped", "mline", lineIndex)
		return
	}
	fn(candidate, lineIndex)
}

func (l *hostListener) OnChannelOpen(role datachannel.Role) {
	cb := l.callbacks(hostlog.SubsystemChannels)
	var fn func()
	switch role {
	case datachannel.RoleService:
		fn = cb.OnServiceOpen
	case datachannel.RoleCommand:
		fn = cb.OnCommandOpen
	default:
		return
	}
	if fn == nil {
		l.log().Warn("webrtcbridge: no host callback, channel open dropped", "role", role.String())
		return
	}
	fn()
}

func (l *hostListener) OnMessage(role datachannel.Role, data []byte) {
	l.bus.Publish(msgbus.NewMessage(role.String(), data))

	cb := l.callbacks(hostlog.SubsystemChannels)
	var fn func([]byte)
	switch role {
	case datachannel.RoleService:
		fn = cb.OnServiceMessage
	case datachannel.RoleState:
		fn = cb.OnStateMessage
	case datachannel.RoleCommand:
		fn = cb.OnCommandMessage
	case datachannel.RoleAudit:
		fn = cb.OnAuditMessage
	}
	if fn == nil {
		l.log().Warn("webrtcbridge: no host callback, message dropped",
			"role", role.String(),
			"size", len(data),
		)
		return
	}
	fn(data)
}
