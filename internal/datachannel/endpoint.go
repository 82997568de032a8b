package datachannel

import (
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

// Role is the purpose of a data channel, derived from its label.
type Role int

const (
	RoleService Role = iota
	RoleState
	RoleCommand
	RoleAudit
)

// Roles lists every role in routing order.
var Roles = []Role{RoleService, RoleState, RoleCommand, RoleAudit}

// String returns the role name used in logs and relay topics.
func (r Role) String() string {
	switch r {
	case RoleService:
		return "service"
	case RoleState:
		return "state"
	case RoleCommand:
		return "command"
	case RoleAudit:
		return "audit"
	default:
		return "unknown"
	}
}

// notifiesOpen reports whether the host is told when a channel of this role opens.
func (r Role) notifiesOpen() bool {
	return r == RoleService || r == RoleCommand
}

// Channel labels. The service label matches exactly; the others match as
// prefixes since producers append a suffix per robot.
const (
	LabelService       = "service"
	LabelStatePrefix   = "reachy_state"
	LabelCommandPrefix = "reachy_command"
	LabelAuditPrefix   = "reachy_audit"
)

// RouteLabel maps a channel label to its role.
func RouteLabel(label string) (Role, bool) {
	switch {
	case label == LabelService:
		return RoleService, true
	case strings.HasPrefix(label, LabelStatePrefix):
		return RoleState, true
	case strings.HasPrefix(label, LabelCommandPrefix):
		return RoleCommand, true
	case strings.HasPrefix(label, LabelAuditPrefix):
		return RoleAudit, true
	default:
		return 0, false
	}
}

// Channel is an open data channel.
type Channel interface {
	Label() string
	// OnMessage sets the handler for received payloads. It runs on the
	// endpoint's network goroutine.
	OnMessage(fn func(data []byte))
	Send(data []byte) error
	Close() error
}

// Endpoint is the negotiation endpoint of a data session. Description
// steps complete asynchronously; done runs on an endpoint goroutine.
type Endpoint interface {
	SetRemoteDescription(sdp string, done func(err error))
	CreateAnswer(done func(sdp string, err error))
	SetLocalDescription(sdp string, done func(err error))

	AddICECandidate(candidate string, lineIndex uint16) error

	// OnICECandidate reports locally gathered candidates.
	OnICECandidate(fn func(candidate string, lineIndex uint16))
	// OnDataChannel reports remote channels once they are open.
	OnDataChannel(fn func(ch Channel))

	// Graph is the endpoint seen as a pipeline graph: state changes and
	// failures are reported on its bus.
	Graph() engine.Graph
}

// EndpointFactory creates a fresh endpoint for each data session.
type EndpointFactory func() (Endpoint, error)

// Listener receives everything a data session surfaces to the host.
type Listener interface {
	OnAnswer(sdp string)
	OnICECandidate(candidate string, lineIndex uint16)
	OnChannelOpen(role Role)
	OnMessage(role Role, data []byte)
}
