package mic

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine/enginetest"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

func newTestController(t *testing.T, eng *enginetest.Engine, opts Options) *Controller {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.PollInterval = 5 * time.Millisecond
	c, err := New(eng, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.DestroyPipeline)
	return c
}

func waitRunning(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Phase() != pipeline.PhaseRunning && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.Phase() != pipeline.PhaseRunning {
		t.Fatalf("phase = %s, want running", c.Phase())
	}
}

func TestController_BuildsSendChain(t *testing.T) {
	eng := enginetest.NewEngine()
	c := newTestController(t, eng, Options{EchoCancel: true, StunServer: "stun://stun.l.google.com:19302"})

	if err := c.CreatePipeline("ws://signalling:8443"); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	waitRunning(t, c)

	g := eng.Last()
	order := []string{"autoaudiosrc", "queue", "audioconvert", "audioresample", "webrtcdsp", "opusenc", "capsfilter", "webrtcsink"}
	links := g.Links()
	if len(links) != len(order)-1 {
		t.Fatalf("links = %v", links)
	}
	for i := 0; i+1 < len(order); i++ {
		a := g.ElementsByFactory(order[i])[0].Name()
		b := g.ElementsByFactory(order[i+1])[0].Name()
		if links[i] != a+"->"+b {
			t.Errorf("link %d = %s, want %s->%s", i, links[i], a, b)
		}
	}

	checks := []struct {
		factory, prop string
		want          any
	}{
		{"webrtcdsp", "echo-cancel", true},
		{"opusenc", "audio-type", engine.Arg("restricted-lowdelay")},
		{"opusenc", "frame-size", engine.Arg("10")},
		{"capsfilter", "caps", engine.Caps("audio/x-opus,channels=1,rate=48000")},
		{"webrtcsink", "signaller::uri", "ws://signalling:8443"},
		{"webrtcsink", "meta", engine.Structure("meta,name=UnityClient")},
		{"webrtcsink", "stun-server", "stun://stun.l.google.com:19302"},
		{"webrtcsink", "do-retransmission", false},
	}
	for _, tt := range checks {
		t.Run(tt.factory+"."+tt.prop, func(t *testing.T) {
			got, ok := g.ElementsByFactory(tt.factory)[0].Property(tt.prop)
			if !ok || got != tt.want {
				t.Errorf("%s.%s = %v, want %v", tt.factory, tt.prop, got, tt.want)
			}
		})
	}
	t.Logf("✅ send chain: %v", order)
}

func TestController_EchoCancelOffByDefault(t *testing.T) {
	eng := enginetest.NewEngine()
	c := newTestController(t, eng, Options{})
	c.CreatePipeline("ws://x")

	g := eng.Last()
	if v, _ := g.ElementsByFactory("webrtcdsp")[0].Property("echo-cancel"); v != false {
		t.Errorf("echo-cancel = %v, want false", v)
	}
	if v, ok := g.ElementsByFactory("webrtcsink")[0].Property("stun-server"); !ok || v != nil {
		t.Errorf("stun-server = %v, want nil", v)
	}
}

func TestController_ConsumerAddedLowersDeadline(t *testing.T) {
	eng := enginetest.NewEngine()
	c := newTestController(t, eng, Options{})
	if err := c.CreatePipeline("ws://x"); err != nil {
		t.Fatal(err)
	}

	audioSink := enginetest.NewElement("autoaudiosink", "sink0")
	other := enginetest.NewElement("fakesink", "sink1")
	other.RestrictProperties("sync")
	bin := enginetest.NewElement("webrtcbin", "consumer-bin")
	bin.SetSinkElements(audioSink, other)

	g := eng.Last()
	g.ElementsByFactory("webrtcsink")[0].EmitPeerBin("consumer-added", "consumer-1", bin)

	if v, _ := audioSink.Property("processing-deadline"); v != uint64(time.Millisecond) {
		t.Errorf("processing-deadline = %v, want 1ms", v)
	}
	if _, ok := other.Property("processing-deadline"); ok {
		t.Error("deadline set on a sink without the property")
	}
	if c.Stats().Consumers != 1 {
		t.Errorf("consumers = %d", c.Stats().Consumers)
	}
}

func TestController_MissingEncoder(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.FailFactories["opusenc"] = true
	c := newTestController(t, eng, Options{})

	if err := c.CreatePipeline("ws://x"); err == nil {
		t.Fatal("expected error without opusenc")
	}
	if !eng.Last().Released() {
		t.Error("graph not released after build failure")
	}

	// Nothing left behind: a second attempt gets a fresh graph
	delete(eng.FailFactories, "opusenc")
	if err := c.CreatePipeline("ws://x"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitRunning(t, c)
}
