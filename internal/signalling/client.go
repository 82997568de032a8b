// Package signalling is a consumer client for the gst-plugins-rs WebRTC
// signalling server.
//
// The client registers as a listener, polls the producer list until the
// configured producer shows up, then asks for a session with it. Offers and
// remote ICE candidates of that session go to a Handler; answers and local
// candidates go back through SendAnswer and SendICECandidate.
//
// Connection loss is handled by Run, which reconnects with exponential
// backoff.
package signalling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("signalling: not connected")
	ErrNoSession    = errors.New("signalling: no session")
)

// DefaultPollInterval is how often the producer list is requested.
const DefaultPollInterval = time.Second

const writeTimeout = 5 * time.Second

// Handler receives session events. Calls come from the client's read loop,
// one at a time.
type Handler interface {
	// OnProducerFound is called when the producer was found and a session
	// has been requested.
	OnProducerFound(peerID string)
	// OnProducerLeft is called when the producer disappears from the list.
	OnProducerLeft(peerID string)
	OnOffer(sdp string)
	OnICECandidate(candidate string, lineIndex uint16)
	OnSessionEnded(sessionID string)
}

// Config configures a Client.
type Config struct {
	URI          string
	ProducerName string

	PollInterval time.Duration
	Reconnect    ReconnectConfig

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Stats is a snapshot of client activity.
type Stats struct {
	Status     SessionStatus
	Connected  bool
	PeerID     string
	ProducerID string
	SessionID  string
	Connects   uint64
	Reconnects uint64
	Received   uint64
	Sent       uint64
	Errors     uint64
}

// Client is a signalling consumer.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.Mutex
	status     SessionStatus
	peerID     string
	producerID string
	sessionID  string

	connects   atomic.Uint64
	reconnects atomic.Uint64
	received   atomic.Uint64
	sent       atomic.Uint64
	errors     atomic.Uint64
}

// New creates a client. It does not connect until Run.
func New(cfg Config, handler Handler) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("signalling: uri is required")
	}
	if cfg.ProducerName == "" {
		return nil, fmt.Errorf("signalling: producer name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("signalling: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Reconnect.RetryDelay <= 0 || cfg.Reconnect.MaxRetryDelay <= 0 {
		def := DefaultReconnectConfig()
		if cfg.Reconnect.RetryDelay <= 0 {
			cfg.Reconnect.RetryDelay = def.RetryDelay
		}
		if cfg.Reconnect.MaxRetryDelay <= 0 {
			cfg.Reconnect.MaxRetryDelay = def.MaxRetryDelay
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "signalling"),
	}, nil
}

// Run connects and serves the signalling session until ctx is cancelled.
// Dropped connections are retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("signalling: starting",
		"uri", c.cfg.URI,
		"producer", c.cfg.ProducerName,
		"poll_interval", c.cfg.PollInterval,
	)
	err := runWithReconnect(ctx, c.session, c.cfg.Reconnect, func() {
		c.reconnects.Add(1)
	}, c.logger)
	c.logger.Info("signalling: stopped", "error", err)
	return err
}

// session runs one websocket connection.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URI, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URI, err)
	}
	c.connects.Add(1)
	c.logger.Info("signalling: connected", "uri", c.cfg.URI)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	var established atomic.Bool
	welcomed := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		return c.poll(gctx, welcomed)
	})
	g.Go(func() error {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("read: %w", err)
			}
			c.received.Add(1)
			if msg.Type == TypeWelcome && !established.Load() {
				established.Store(true)
				c.onWelcome(msg)
				close(welcomed)
				continue
			}
			c.process(msg)
		}
	})

	err = g.Wait()

	c.writeMu.Lock()
	c.conn = nil
	c.writeMu.Unlock()
	c.endLocalSession("connection closed")

	return established.Load(), err
}

// poll asks for the producer list once per interval after the welcome.
func (c *Client) poll(ctx context.Context, welcomed <-chan struct{}) error {
	select {
	case <-welcomed:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.send(Message{Type: TypeList}); err != nil {
			return fmt.Errorf("list: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) onWelcome(msg Message) {
	c.mu.Lock()
	c.peerID = msg.PeerID
	c.mu.Unlock()
	c.logger.Info("signalling: welcome", "peer_id", msg.PeerID)

	if err := c.send(Message{Type: TypeSetPeerStatus, Roles: []string{RoleListener}}); err != nil {
		c.logger.Error("signalling: failed to set peer status", "error", err)
	}
}

func (c *Client) process(msg Message) {
	switch msg.Type {
	case TypeList:
		c.onList(msg.Producers)

	case TypePeerStatusChanged:
		c.onPeerStatusChanged(msg)

	case TypeStartSession, TypeSessionStarted:
		c.mu.Lock()
		c.sessionID = msg.SessionID
		if msg.Type == TypeSessionStarted {
			c.status = SessionStarted
		}
		c.mu.Unlock()
		c.logger.Info("signalling: session started", "peer_id", msg.PeerID, "session_id", msg.SessionID)

	case TypeSessionEnded:
		c.mu.Lock()
		current := c.sessionID
		if msg.SessionID != "" && current != "" && msg.SessionID != current {
			c.mu.Unlock()
			c.logger.Debug("signalling: ignoring end of another session", "session_id", msg.SessionID)
			return
		}
		c.status = SessionEnded
		c.sessionID = ""
		c.mu.Unlock()
		c.logger.Info("signalling: session ended", "session_id", msg.SessionID)
		c.handler.OnSessionEnded(msg.SessionID)

	case TypePeer:
		c.onPeer(msg)

	case TypeError:
		c.errors.Add(1)
		c.logger.Error("signalling: server error", "details", msg.Details)

	default:
		c.logger.Debug("signalling: message not processed", "message", msg.String())
	}
}

func (c *Client) onList(producers []Producer) {
	var found *Producer
	for i := range producers {
		if producers[i].Meta != nil && producers[i].Meta.Name == c.cfg.ProducerName {
			found = &producers[i]
			break
		}
	}

	c.mu.Lock()
	status := c.status
	producerID := c.producerID
	c.mu.Unlock()

	switch {
	case status == SessionEnded && found != nil:
		c.startSession(found.ID)
	case status != SessionEnded && found == nil:
		c.producerLeft(producerID)
	}
}

func (c *Client) onPeerStatusChanged(msg Message) {
	c.mu.Lock()
	status := c.status
	producerID := c.producerID
	c.mu.Unlock()

	if msg.HasRole(RoleProducer) && msg.MetaName() == c.cfg.ProducerName {
		if status == SessionEnded {
			c.startSession(msg.PeerID)
		}
		return
	}
	if msg.PeerID == producerID && status != SessionEnded && !msg.HasRole(RoleProducer) {
		c.producerLeft(producerID)
	}
}

func (c *Client) startSession(peerID string) {
	c.logger.Info("signalling: producer found, starting session",
		"producer", c.cfg.ProducerName,
		"peer_id", peerID,
	)
	err := c.send(Message{
		Type:   TypeStartSession,
		PeerID: peerID,
		Roles:  []string{RoleConsumer},
	})
	if err != nil {
		c.logger.Error("signalling: failed to start session", "peer_id", peerID, "error", err)
		return
	}

	c.mu.Lock()
	c.status = SessionAsked
	c.producerID = peerID
	c.mu.Unlock()

	c.handler.OnProducerFound(peerID)
}

func (c *Client) producerLeft(peerID string) {
	c.logger.Warn("signalling: producer left", "producer", c.cfg.ProducerName, "peer_id", peerID)
	c.mu.Lock()
	c.status = SessionEnded
	c.sessionID = ""
	c.producerID = ""
	c.mu.Unlock()
	c.handler.OnProducerLeft(peerID)
}

// endLocalSession drops session state after the connection is gone.
func (c *Client) endLocalSession(reason string) {
	c.mu.Lock()
	status := c.status
	producerID := c.producerID
	c.status = SessionEnded
	c.sessionID = ""
	c.producerID = ""
	c.peerID = ""
	c.mu.Unlock()

	if status != SessionEnded {
		c.logger.Warn("signalling: session lost", "reason", reason)
		c.handler.OnProducerLeft(producerID)
	}
}

func (c *Client) onPeer(msg Message) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if msg.SessionID != "" && session != "" && msg.SessionID != session {
		c.logger.Debug("signalling: ignoring peer message for another session", "session_id", msg.SessionID)
		return
	}

	switch {
	case msg.ICE != nil && msg.ICE.Candidate != "":
		c.logger.Debug("signalling: remote ice candidate",
			"candidate", msg.ICE.Candidate,
			"mline_index", msg.ICE.SDPMLineIndex,
		)
		c.handler.OnICECandidate(msg.ICE.Candidate, msg.ICE.SDPMLineIndex)

	case msg.SDP != nil && msg.SDP.Type == "offer":
		c.logger.Info("signalling: received offer", "session_id", msg.SessionID, "size", len(msg.SDP.SDP))
		c.handler.OnOffer(msg.SDP.SDP)

	case msg.SDP != nil:
		c.logger.Warn("signalling: unexpected sdp", "type", msg.SDP.Type)

	default:
		c.logger.Debug("signalling: empty peer message")
	}
}

// SendAnswer sends the local answer for the current session.
func (c *Client) SendAnswer(sdp string) error {
	return c.sendPeer(Message{SDP: &SDP{Type: "answer", SDP: sdp}})
}

// SendICECandidate sends a local ICE candidate for the current session.
func (c *Client) SendICECandidate(candidate string, lineIndex uint16) error {
	return c.sendPeer(Message{ICE: &ICE{Candidate: candidate, SDPMLineIndex: lineIndex}})
}

func (c *Client) sendPeer(msg Message) error {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if session == "" {
		return ErrNoSession
	}
	msg.Type = TypePeer
	msg.SessionID = session
	return c.send(msg)
}

// EndSession asks the server to end the current session.
func (c *Client) EndSession() error {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if session == "" {
		return ErrNoSession
	}
	if err := c.send(Message{Type: TypeEndSession, SessionID: session}); err != nil {
		return err
	}

	c.mu.Lock()
	c.status = SessionEnded
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	c.sent.Add(1)
	return nil
}

// Status returns the session status.
func (c *Client) Status() SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns a snapshot of the client.
func (c *Client) Stats() Stats {
	c.writeMu.Lock()
	connected := c.conn != nil
	c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Status:     c.status,
		Connected:  connected,
		PeerID:     c.peerID,
		ProducerID: c.producerID,
		SessionID:  c.sessionID,
		Connects:   c.connects.Load(),
		Reconnects: c.reconnects.Load(),
		Received:   c.received.Load(),
		Sent:       c.sent.Load(),
		Errors:     c.errors.Load(),
	}
}
