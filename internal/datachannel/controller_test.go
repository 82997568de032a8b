package datachannel

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine/enginetest"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

const dataOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

// sequencer records the order in which the endpoint's asynchronous steps
// start and complete.
type sequencer struct {
	mu     sync.Mutex
	events []string
}

func (s *sequencer) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sequencer) index(e string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, got := range s.events {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeEndpoint struct {
	graph *enginetest.Graph
	seq   *sequencer

	remoteDelay time.Duration
	failRemote  error

	mu         sync.Mutex
	onCand     func(string, uint16)
	onChannel  func(Channel)
	candidates []string
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{graph: enginetest.NewGraph("endpoint"), seq: &sequencer{}}
}

func (e *fakeEndpoint) SetRemoteDescription(sdp string, done func(error)) {
	e.seq.record("remote:start")
	go func() {
		time.Sleep(e.remoteDelay)
		e.seq.record("remote:done")
		done(e.failRemote)
	}()
}

func (e *fakeEndpoint) CreateAnswer(done func(string, error)) {
	e.seq.record("answer:start")
	go func() {
		e.seq.record("answer:done")
		done("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", nil)
	}()
}

func (e *fakeEndpoint) SetLocalDescription(sdp string, done func(error)) {
	e.seq.record("local:start")
	go func() {
		e.seq.record("local:done")
		done(nil)
	}()
}

func (e *fakeEndpoint) AddICECandidate(candidate string, lineIndex uint16) error {
	if candidate == "" {
		return errors.New("empty candidate")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEndpoint) OnICECandidate(fn func(string, uint16)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCand = fn
}

func (e *fakeEndpoint) OnDataChannel(fn func(Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChannel = fn
}

func (e *fakeEndpoint) Graph() engine.Graph { return e.graph }

func (e *fakeEndpoint) open(ch Channel) {
	e.mu.Lock()
	fn := e.onChannel
	e.mu.Unlock()
	fn(ch)
}

func (e *fakeEndpoint) gather(candidate string, line uint16) {
	e.mu.Lock()
	fn := e.onCand
	e.mu.Unlock()
	fn(candidate, line)
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	onMessage func([]byte)
	sent      [][]byte
	closed    bool
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) receive(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

type recordingListener struct {
	mu         sync.Mutex
	answers    []string
	candidates []string
	opens      map[Role]int
	messages   map[Role][][]byte
	answered   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		opens:    make(map[Role]int),
		messages: make(map[Role][][]byte),
		answered: make(chan struct{}, 8),
	}
}

func (l *recordingListener) OnAnswer(sdp string) {
	l.mu.Lock()
	l.answers = append(l.answers, sdp)
	l.mu.Unlock()
	l.answered <- struct{}{}
}

func (l *recordingListener) OnICECandidate(candidate string, lineIndex uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, candidate)
}

func (l *recordingListener) OnChannelOpen(role Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens[role]++
}

func (l *recordingListener) OnMessage(role Role, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[role] = append(l.messages[role], data)
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestController(t *testing.T, ep *fakeEndpoint, l Listener, w io.Writer) *Controller {
	t.Helper()
	if w == nil {
		w = io.Discard
	}
	c, err := New(func() (Endpoint, error) { return ep, nil }, Options{
		Logger:       slog.New(slog.NewTextHandler(w, nil)),
		Listener:     l,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.CreatePipeline(); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	t.Cleanup(c.DestroyPipeline)
	return c
}

func waitAnswer(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.answered:
	case <-time.After(2 * time.Second):
		t.Fatal("no sdp answer within 2s")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		label string
		role  Role
		ok    bool
	}{
		{"service", RoleService, true},
		{"service_2", 0, false},
		{"reachy_state", RoleState, true},
		{"reachy_state_r1", RoleState, true},
		{"reachy_command", RoleCommand, true},
		{"reachy_command_left_arm", RoleCommand, true},
		{"reachy_audit", RoleAudit, true},
		{"reachy", 0, false},
		{"", 0, false},
		{"chat", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			role, ok := RouteLabel(tt.label)
			if ok != tt.ok || (ok && role != tt.role) {
				t.Errorf("RouteLabel(%q) = %s,%v want %s,%v", tt.label, role, ok, tt.role, tt.ok)
			}
		})
	}
}

func TestParseOffer(t *testing.T) {
	info, err := ParseOffer(dataOffer)
	if err != nil {
		t.Fatalf("ParseOffer: %v", err)
	}
	if !info.Application || len(info.Media) != 1 {
		t.Errorf("info = %+v", info)
	}

	for _, bad := range []string{"", "   ", "hello world", "v=0\r\n"} {
		if _, err := ParseOffer(bad); !errors.Is(err, ErrInvalidOffer) {
			t.Errorf("ParseOffer(%q) = %v, want ErrInvalidOffer", bad, err)
		}
	}
}

// Answer creation must not start before the remote description is applied.
func TestController_NegotiationOrdering(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remoteDelay = 30 * time.Millisecond
	l := newRecordingListener()
	c := newTestController(t, ep, l, nil)

	if err := c.SetOffer(dataOffer); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	waitAnswer(t, l)

	order := []string{"remote:start", "remote:done", "answer:start", "answer:done", "local:start", "local:done"}
	for i := 1; i < len(order); i++ {
		a, b := ep.seq.index(order[i-1]), ep.seq.index(order[i])
		if a < 0 || b < 0 || a > b {
			t.Fatalf("%s (at %d) must precede %s (at %d): %v", order[i-1], a, order[i], b, ep.seq.events)
		}
	}
	t.Logf("✅ negotiation order: %v", ep.seq.events)
}

// A valid offer on a fresh session yields exactly one answer.
func TestController_OfferYieldsOneAnswer(t *testing.T) {
	ep := newFakeEndpoint()
	l := newRecordingListener()
	c := newTestController(t, ep, l, nil)

	if err := c.SetOffer(dataOffer); err != nil {
		t.Fatal(err)
	}
	waitAnswer(t, l)

	select {
	case <-l.answered:
		t.Fatal("second answer delivered")
	case <-time.After(50 * time.Millisecond):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.answers) != 1 || l.answers[0] == "" {
		t.Errorf("answers = %q", l.answers)
	}
	if c.Stats().Answers != 1 {
		t.Errorf("stats answers = %d", c.Stats().Answers)
	}
}

func TestController_NegotiationFailure(t *testing.T) {
	ep := newFakeEndpoint()
	ep.failRemote = errors.New("remote description rejected")
	l := newRecordingListener()
	c := newTestController(t, ep, l, nil)

	c.SetOffer(dataOffer)

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().NegotiationErrs == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.Stats().NegotiationErrs != 1 {
		t.Fatal("negotiation failure not counted")
	}
	if ep.seq.index("answer:start") >= 0 {
		t.Error("answer created after failed remote description")
	}

	if err := c.SetOffer("garbage"); !errors.Is(err, ErrInvalidOffer) {
		t.Errorf("SetOffer(garbage) = %v", err)
	}
}

func TestController_CommandChannelRouting(t *testing.T) {
	ep := newFakeEndpoint()
	l := newRecordingListener()
	logs := &logBuffer{}
	c := newTestController(t, ep, l, logs)

	cmd := &fakeChannel{label: "reachy_command"}
	ep.open(cmd)
	cmd.receive([]byte("move"))
	cmd.receive([]byte("stop"))

	unknown := &fakeChannel{label: "telemetry"}
	ep.open(unknown)
	unknown.receive([]byte("ignored"))

	l.mu.Lock()
	opens, cmds := l.opens[RoleCommand], len(l.messages[RoleCommand])
	total := len(l.opens)
	l.mu.Unlock()

	if opens != 1 {
		t.Errorf("command open notifications = %d, want 1", opens)
	}
	if total != 1 {
		t.Errorf("open notifications for %d roles, want 1", total)
	}
	if cmds != 2 {
		t.Errorf("command messages = %d, want 2", cmds)
	}
	if unknown.onMessage != nil {
		t.Error("unknown channel got a message handler")
	}
	if !strings.Contains(logs.String(), "unknown data channel") || !strings.Contains(logs.String(), "label=telemetry") {
		t.Errorf("missing warning for unknown label:\n%s", logs.String())
	}
	if c.Stats().UnknownChannels != 1 {
		t.Errorf("unknown channels = %d", c.Stats().UnknownChannels)
	}
	t.Logf("✅ reachy_command routed, unknown label ignored")
}

func TestController_OpenNotifications(t *testing.T) {
	ep := newFakeEndpoint()
	l := newRecordingListener()
	newTestController(t, ep, l, nil)

	for _, label := range []string{"service", "reachy_state_1", "reachy_command", "reachy_audit_x"} {
		ep.open(&fakeChannel{label: label})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	want := map[Role]int{RoleService: 1, RoleCommand: 1}
	for _, r := range Roles {
		if l.opens[r] != want[r] {
			t.Errorf("%s opens = %d, want %d", r, l.opens[r], want[r])
		}
	}
}

func TestController_Send(t *testing.T) {
	ep := newFakeEndpoint()
	c := newTestController(t, ep, newRecordingListener(), nil)

	if err := c.SendCommand([]byte("x")); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("send before open = %v, want ErrChannelNotOpen", err)
	}

	svc := &fakeChannel{label: "service"}
	ep.open(svc)
	if err := c.SendService([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if len(svc.sent) != 1 || string(svc.sent[0]) != "hello" {
		t.Errorf("sent = %q", svc.sent)
	}

	// Reopening a role replaces and closes the previous channel
	svc2 := &fakeChannel{label: "service"}
	ep.open(svc2)
	if !svc.closed {
		t.Error("replaced channel not closed")
	}
	c.SendService([]byte("again"))
	if len(svc2.sent) != 1 {
		t.Error("send did not go to the new channel")
	}
	if st := c.Stats(); st.Sent["service"] != 2 {
		t.Errorf("sent stats = %v", st.Sent)
	}
}

func TestController_ICE(t *testing.T) {
	ep := newFakeEndpoint()
	l := newRecordingListener()
	c := newTestController(t, ep, l, nil)

	if err := c.SetICECandidate("candidate:1 1 UDP 2122252543 192.168.1.2 50000 typ host", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.SetICECandidate("", 0); err == nil {
		t.Error("empty candidate accepted")
	}
	ep.gather("candidate:2 1 UDP 2122252543 10.0.0.2 50001 typ host", 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ep.candidates) != 1 || len(l.candidates) != 1 {
		t.Errorf("remote=%d local=%d", len(ep.candidates), len(l.candidates))
	}
}

func TestController_NoListenerDrops(t *testing.T) {
	ep := newFakeEndpoint()
	c := newTestController(t, ep, nil, nil)

	st := &fakeChannel{label: "reachy_state"}
	ep.open(st)
	st.receive([]byte("pose"))

	if c.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", c.Stats().Dropped)
	}
}

func TestController_DestroyClosesChannels(t *testing.T) {
	ep := newFakeEndpoint()
	c := newTestController(t, ep, newRecordingListener(), nil)

	svc := &fakeChannel{label: "service"}
	ep.open(svc)

	c.DestroyPipeline()
	c.DestroyPipeline()

	if !svc.closed {
		t.Error("channel not closed on destroy")
	}
	if err := c.SetOffer(dataOffer); !errors.Is(err, ErrNotCreated) {
		t.Errorf("SetOffer after destroy = %v", err)
	}
	if err := c.SendService([]byte("x")); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("send after destroy = %v", err)
	}
}

func TestController_IdlesInReady(t *testing.T) {
	ep := newFakeEndpoint()
	c := newTestController(t, ep, nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for c.Phase() != pipeline.PhaseRunning && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if s := ep.graph.State(); s != engine.StateReady {
		t.Errorf("endpoint state = %s, want READY", s)
	}
}
