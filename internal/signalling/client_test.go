package signalling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is a minimal signalling server. It answers list requests from
// its producer table and forwards every other message to the test.
type fakeServer struct {
	*httptest.Server
	conns chan *serverConn

	mu        sync.Mutex
	producers []Producer
	accepted  atomic.Int32
	// dropFirst closes the first connection right after the welcome.
	dropFirst bool
	// silentList leaves list requests unanswered.
	silentList bool
}

type serverConn struct {
	conn  *websocket.Conn
	wmu   sync.Mutex
	in    chan Message
	lists atomic.Int32
}

func (sc *serverConn) send(t *testing.T, msg Message) {
	t.Helper()
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if err := sc.conn.WriteJSON(msg); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func (sc *serverConn) expect(t *testing.T, typ MessageType) Message {
	t.Helper()
	select {
	case msg := <-sc.in:
		if msg.Type != typ {
			t.Fatalf("server got %s, want %s", msg.Type, typ)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("server: no %s message", typ)
	}
	return Message{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *serverConn, 4)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := fs.accepted.Add(1)
		sc := &serverConn{conn: conn, in: make(chan Message, 32)}
		sc.wmu.Lock()
		conn.WriteJSON(Message{Type: TypeWelcome, PeerID: "consumer-peer"})
		sc.wmu.Unlock()
		if n == 1 && fs.dropFirst {
			conn.Close()
			return
		}
		fs.conns <- sc

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				close(sc.in)
				return
			}
			if msg.Type == TypeList {
				sc.lists.Add(1)
				if fs.silentList {
					continue
				}
				fs.mu.Lock()
				reply := Message{Type: TypeList, Producers: append([]Producer(nil), fs.producers...)}
				fs.mu.Unlock()
				sc.wmu.Lock()
				conn.WriteJSON(reply)
				sc.wmu.Unlock()
				continue
			}
			sc.in <- msg
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) setProducers(p ...Producer) {
	fs.mu.Lock()
	fs.producers = p
	fs.mu.Unlock()
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) next(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no client connection")
	}
	return nil
}

type event struct {
	kind string
	arg  string
	idx  uint16
}

type recordingHandler struct {
	events chan event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan event, 32)}
}

func (h *recordingHandler) OnProducerFound(peerID string) { h.events <- event{kind: "found", arg: peerID} }
func (h *recordingHandler) OnProducerLeft(peerID string)  { h.events <- event{kind: "left", arg: peerID} }
func (h *recordingHandler) OnOffer(sdp string)            { h.events <- event{kind: "offer", arg: sdp} }
func (h *recordingHandler) OnICECandidate(candidate string, idx uint16) {
	h.events <- event{kind: "ice", arg: candidate, idx: idx}
}
func (h *recordingHandler) OnSessionEnded(sessionID string) {
	h.events <- event{kind: "ended", arg: sessionID}
}

func (h *recordingHandler) expect(t *testing.T, kind string) event {
	t.Helper()
	select {
	case ev := <-h.events:
		if ev.kind != kind {
			t.Fatalf("event = %s(%s), want %s", ev.kind, ev.arg, kind)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", kind)
	}
	return event{}
}

func startClient(t *testing.T, fs *fakeServer, h Handler) *Client {
	t.Helper()
	c, err := New(Config{
		URI:          fs.wsURL(),
		ProducerName: "robot",
		PollInterval: 10 * time.Millisecond,
		Reconnect:    ReconnectConfig{RetryDelay: 5 * time.Millisecond, MaxRetryDelay: 20 * time.Millisecond},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return c
}

func waitStatus(t *testing.T, c *Client, want SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != want && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := c.Status(); got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

func TestClient_SessionFlow(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	c := startClient(t, fs, h)
	sc := fs.next(t)

	status := sc.expect(t, TypeSetPeerStatus)
	if !status.HasRole(RoleListener) {
		t.Errorf("roles = %v, want listener", status.Roles)
	}
	t.Logf("✅ registered as listener")

	// Nothing happens while the producer is absent
	time.Sleep(40 * time.Millisecond)
	if c.Status() != SessionEnded {
		t.Fatalf("status = %s before producer appeared", c.Status())
	}

	fs.setProducers(
		Producer{ID: "other-peer", Meta: &Meta{Name: "camera"}},
		Producer{ID: "robot-peer", Meta: &Meta{Name: "robot"}},
	)
	start := sc.expect(t, TypeStartSession)
	if start.PeerID != "robot-peer" {
		t.Errorf("startSession peer = %q", start.PeerID)
	}
	if ev := h.expect(t, "found"); ev.arg != "robot-peer" {
		t.Errorf("found peer = %q", ev.arg)
	}
	if c.Status() != SessionAsked {
		t.Errorf("status = %s, want asked", c.Status())
	}

	sc.send(t, Message{Type: TypeSessionStarted, PeerID: "robot-peer", SessionID: "s1"})
	waitStatus(t, c, SessionStarted)

	sc.send(t, Message{Type: TypePeer, SessionID: "s1", SDP: &SDP{Type: "offer", SDP: "v=0"}})
	if ev := h.expect(t, "offer"); ev.arg != "v=0" {
		t.Errorf("offer = %q", ev.arg)
	}
	sc.send(t, Message{Type: TypePeer, SessionID: "s1", ICE: &ICE{Candidate: "candidate:1", SDPMLineIndex: 0}})
	h.expect(t, "ice")

	// Messages for other sessions are ignored
	sc.send(t, Message{Type: TypePeer, SessionID: "other", SDP: &SDP{Type: "offer", SDP: "x"}})

	if err := c.SendAnswer("v=0 answer"); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	answer := sc.expect(t, TypePeer)
	if answer.SessionID != "s1" || answer.SDP == nil || answer.SDP.Type != "answer" {
		t.Errorf("answer = %+v", answer)
	}
	if err := c.SendICECandidate("candidate:2", 1); err != nil {
		t.Fatal(err)
	}
	ice := sc.expect(t, TypePeer)
	if ice.ICE == nil || ice.ICE.Candidate != "candidate:2" || ice.ICE.SDPMLineIndex != 1 {
		t.Errorf("ice = %+v", ice)
	}

	select {
	case ev := <-h.events:
		t.Errorf("unexpected event %s", ev.kind)
	default:
	}
	t.Logf("✅ offer/answer exchanged in session s1 (lists polled: %d)", sc.lists.Load())

	// Producer disappears from the list
	fs.setProducers()
	if ev := h.expect(t, "left"); ev.arg != "robot-peer" {
		t.Errorf("left peer = %q", ev.arg)
	}
	waitStatus(t, c, SessionEnded)
	if err := c.SendAnswer("late"); err != ErrNoSession {
		t.Errorf("SendAnswer without session = %v", err)
	}
}

func TestClient_SessionEnded(t *testing.T) {
	fs := newFakeServer(t)
	fs.setProducers(Producer{ID: "robot-peer", Meta: &Meta{Name: "robot"}})
	h := newRecordingHandler()
	c := startClient(t, fs, h)
	sc := fs.next(t)

	sc.expect(t, TypeSetPeerStatus)
	sc.expect(t, TypeStartSession)
	h.expect(t, "found")
	sc.send(t, Message{Type: TypeSessionStarted, SessionID: "s1"})
	waitStatus(t, c, SessionStarted)

	sc.send(t, Message{Type: TypeSessionEnded, SessionID: "s1"})
	if ev := h.expect(t, "ended"); ev.arg != "s1" {
		t.Errorf("ended = %q", ev.arg)
	}

	// The producer is still listed, so a new session is requested
	sc.expect(t, TypeStartSession)
	h.expect(t, "found")
}

func TestClient_EndSession(t *testing.T) {
	fs := newFakeServer(t)
	fs.setProducers(Producer{ID: "robot-peer", Meta: &Meta{Name: "robot"}})
	h := newRecordingHandler()
	c := startClient(t, fs, h)
	sc := fs.next(t)

	sc.expect(t, TypeSetPeerStatus)
	sc.expect(t, TypeStartSession)
	sc.send(t, Message{Type: TypeSessionStarted, SessionID: "s7"})
	waitStatus(t, c, SessionStarted)

	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	end := sc.expect(t, TypeEndSession)
	if end.SessionID != "s7" {
		t.Errorf("endSession id = %q", end.SessionID)
	}
}

func TestClient_PeerStatusChanged(t *testing.T) {
	fs := newFakeServer(t)
	fs.silentList = true
	h := newRecordingHandler()
	startClient(t, fs, h)
	sc := fs.next(t)
	sc.expect(t, TypeSetPeerStatus)

	sc.send(t, Message{Type: TypePeerStatusChanged, PeerID: "cam", Roles: []string{RoleProducer}, Meta: &Meta{Name: "camera"}})
	sc.send(t, Message{Type: TypePeerStatusChanged, PeerID: "robot-peer", Roles: []string{RoleProducer}, Meta: &Meta{Name: "robot"}})

	start := sc.expect(t, TypeStartSession)
	if start.PeerID != "robot-peer" {
		t.Errorf("startSession peer = %q", start.PeerID)
	}
	h.expect(t, "found")

	// Producer unregisters
	sc.send(t, Message{Type: TypePeerStatusChanged, PeerID: "robot-peer", Roles: nil})
	h.expect(t, "left")
}

func TestClient_Reconnects(t *testing.T) {
	fs := newFakeServer(t)
	fs.dropFirst = true
	h := newRecordingHandler()
	c := startClient(t, fs, h)

	sc := fs.next(t)
	sc.expect(t, TypeSetPeerStatus)

	st := c.Stats()
	if st.Connects < 2 || st.Reconnects < 1 {
		t.Errorf("connects = %d, reconnects = %d", st.Connects, st.Reconnects)
	}
	if st.PeerID != "consumer-peer" {
		t.Errorf("peer id = %q", st.PeerID)
	}
	t.Logf("✅ reconnected after drop (connects=%d)", st.Connects)
}

func TestClient_LostConnectionEndsSession(t *testing.T) {
	fs := newFakeServer(t)
	fs.setProducers(Producer{ID: "robot-peer", Meta: &Meta{Name: "robot"}})
	h := newRecordingHandler()
	c := startClient(t, fs, h)
	sc := fs.next(t)
	sc.expect(t, TypeSetPeerStatus)
	sc.expect(t, TypeStartSession)
	h.expect(t, "found")

	sc.conn.Close()
	if ev := h.expect(t, "left"); ev.arg != "robot-peer" {
		t.Errorf("left = %q", ev.arg)
	}

	// The new connection finds the producer again
	sc2 := fs.next(t)
	sc2.expect(t, TypeSetPeerStatus)
	sc2.expect(t, TypeStartSession)
	h.expect(t, "found")
	if c.Stats().Connects < 2 {
		t.Error("client did not reconnect")
	}
}

func TestNew_Validation(t *testing.T) {
	h := newRecordingHandler()
	tests := []struct {
		name string
		cfg  Config
		h    Handler
	}{
		{"no uri", Config{ProducerName: "robot"}, h},
		{"no producer", Config{URI: "ws://x"}, h},
		{"no handler", Config{URI: "ws://x", ProducerName: "robot"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.h); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("attempt %d: %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
