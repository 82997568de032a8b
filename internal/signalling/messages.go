package signalling

import "fmt"

// MessageType is the "type" field of a signalling message.
type MessageType string

const (
	TypeWelcome           MessageType = "welcome"
	TypeSetPeerStatus     MessageType = "setPeerStatus"
	TypeList              MessageType = "list"
	TypeStartSession      MessageType = "startSession"
	TypeSessionStarted    MessageType = "sessionStarted"
	TypeSessionEnded      MessageType = "sessionEnded"
	TypeEndSession        MessageType = "endSession"
	TypePeer              MessageType = "peer"
	TypePeerStatusChanged MessageType = "peerStatusChanged"
	TypeError             MessageType = "error"
)

// Peer roles.
const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
	RoleListener = "listener"
)

// Meta is the free-form metadata a peer advertises. Only the name is used.
type Meta struct {
	Name string `json:"name,omitempty"`
}

// Producer is one entry of a list reply.
type Producer struct {
	ID   string `json:"id"`
	Meta *Meta  `json:"meta,omitempty"`
}

// SDP is a session description carried by a peer message.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICE is an ICE candidate carried by a peer message.
type ICE struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Message is the union of all signalling messages. Fields not used by a
// given type are omitted on the wire.
type Message struct {
	Type      MessageType `json:"type"`
	PeerID    string      `json:"peerId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Roles     []string    `json:"roles,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	Producers []Producer  `json:"producers,omitempty"`
	SDP       *SDP        `json:"sdp,omitempty"`
	ICE       *ICE        `json:"ice,omitempty"`
	Details   string      `json:"details,omitempty"`
}

// MetaName returns the advertised name, or "" without meta.
func (m *Message) MetaName() string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta.Name
}

// HasRole reports whether the message lists role.
func (m *Message) HasRole(role string) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (m Message) String() string {
	return fmt.Sprintf("%s(peer=%s session=%s)", m.Type, m.PeerID, m.SessionID)
}

// SessionStatus is the consumer session state.
type SessionStatus int

const (
	SessionEnded SessionStatus = iota
	SessionAsked
	SessionStarted
)

// String returns a human-readable session status
func (s SessionStatus) String() string {
	switch s {
	case SessionEnded:
		return "ended"
	case SessionAsked:
		return "asked"
	case SessionStarted:
		return "started"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
}
