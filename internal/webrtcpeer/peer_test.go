package webrtcpeer

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/datachannel"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

// hostListener plays the host: it applies the answer and our candidates to
// the remote offerer, buffering candidates until the answer is in place.
type hostListener struct {
	offerer *webrtc.PeerConnection
	t       *testing.T

	mu        sync.Mutex
	answered  bool
	pending   []webrtc.ICECandidateInit
	answers   int
	opened    chan datachannel.Role
	messages  chan string
	answerSet chan struct{}
}

func (h *hostListener) OnAnswer(sdp string) {
	if err := h.offerer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		h.t.Errorf("offerer rejected answer: %v", err)
		return
	}
	h.mu.Lock()
	h.answers++
	h.answered = true
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, c := range pending {
		h.offerer.AddICECandidate(c)
	}
	close(h.answerSet)
}

func (h *hostListener) OnICECandidate(candidate string, lineIndex uint16) {
	idx := lineIndex
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMLineIndex: &idx}

	h.mu.Lock()
	if !h.answered {
		h.pending = append(h.pending, init)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.offerer.AddICECandidate(init)
}

func (h *hostListener) OnChannelOpen(role datachannel.Role) { h.opened <- role }

func (h *hostListener) OnMessage(role datachannel.Role, data []byte) {
	h.messages <- role.String() + ":" + string(data)
}

func newOfferer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	pc, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

// A real pion offerer opens "reachy_command"; the controller answers once,
// the channel routes to the command role and carries traffic both ways.
func TestPeer_OfferAnswerWithRealOfferer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	offerer := newOfferer(t)

	dc, err := offerer.CreateDataChannel("reachy_command", nil)
	if err != nil {
		t.Fatal(err)
	}
	fromBridge := make(chan string, 4)
	dc.OnMessage(func(m webrtc.DataChannelMessage) { fromBridge <- string(m.Data) })
	offererOpen := make(chan struct{})
	dc.OnOpen(func() { close(offererOpen) })

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered

	host := &hostListener{
		offerer:   offerer,
		t:         t,
		opened:    make(chan datachannel.Role, 4),
		messages:  make(chan string, 4),
		answerSet: make(chan struct{}),
	}

	ctrl, err := datachannel.New(NewEndpoint(Config{IncludeLoopback: true, Logger: logger}), datachannel.Options{
		Logger:       logger,
		Listener:     host,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.CreatePipeline(); err != nil {
		t.Fatal(err)
	}
	defer ctrl.DestroyPipeline()

	if err := ctrl.SetOffer(offerer.LocalDescription().SDP); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	timeout := time.After(10 * time.Second)
	select {
	case <-host.answerSet:
	case <-timeout:
		t.Fatal("no answer")
	}

	select {
	case role := <-host.opened:
		if role != datachannel.RoleCommand {
			t.Fatalf("opened role = %s, want command", role)
		}
	case <-timeout:
		t.Fatal("command channel never opened")
	}
	select {
	case <-offererOpen:
	case <-timeout:
		t.Fatal("offerer channel never opened")
	}

	if err := dc.SendText("ping"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-host.messages:
		if got != "command:ping" {
			t.Errorf("host received %q", got)
		}
	case <-timeout:
		t.Fatal("message never routed to command")
	}

	if err := ctrl.SendCommand([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-fromBridge:
		if got != "pong" {
			t.Errorf("offerer received %q", got)
		}
	case <-timeout:
		t.Fatal("command send never arrived")
	}

	host.mu.Lock()
	answers := host.answers
	host.mu.Unlock()
	if answers != 1 {
		t.Errorf("answers = %d, want exactly 1", answers)
	}
	t.Logf("✅ real offer answered, reachy_command round trip")
}

func TestPeer_GraphSurface(t *testing.T) {
	p, err := New(Config{Name: "data"})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.SetState(engine.StateReady); err != nil {
		t.Fatal(err)
	}
	msg := p.Bus().Pop(time.Second)
	if msg == nil || msg.Type != engine.MessageStateChanged || msg.NewState != engine.StateReady {
		t.Fatalf("state change not posted: %+v", msg)
	}
	if _, err := p.NewElement("queue", ""); err != engine.ErrUnsupported {
		t.Errorf("NewElement = %v, want ErrUnsupported", err)
	}

	p.Release()
	p.Release()
	if err := p.SetState(engine.StatePlaying); err != ErrClosed {
		t.Errorf("SetState after release = %v, want ErrClosed", err)
	}
}

func TestPeer_RejectsBadConfig(t *testing.T) {
	if _, err := New(Config{BundlePolicy: "everything"}); err == nil {
		t.Error("invalid bundle policy accepted")
	}
}

func TestPeer_NegotiationErrorOnBus(t *testing.T) {
	p, err := New(Config{Name: "data"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	done := make(chan error, 1)
	p.SetRemoteDescription("not sdp", func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("bogus remote description accepted")
	}

	msg := p.Bus().Pop(time.Second)
	if msg == nil || msg.Type != engine.MessageError {
		t.Fatalf("negotiation error not posted: %+v", msg)
	}
	if got := engine.ClassifyError(msg.Err.Error(), msg.Debug); got != engine.ErrCategoryNegotiation {
		t.Errorf("classified as %s, want negotiation", got)
	}
}
