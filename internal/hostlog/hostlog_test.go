package hostlog

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type record struct {
	msg    string
	level  Level
	length int
}

type captureSink struct {
	mu      sync.Mutex
	records []record
}

func (c *captureSink) Log(message string, level Level, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record{message, level, length})
}

func (c *captureSink) all() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.records...)
}

func TestHandler_LevelMapping(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *slog.Logger)
		level Level
	}{
		{"info", func(l *slog.Logger) { l.Info("hello") }, LevelInfo},
		{"warn", func(l *slog.Logger) { l.Warn("hello") }, LevelWarning},
		{"error", func(l *slog.Logger) { l.Error("hello") }, LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			tt.log(slog.New(NewHandler(sink, nil)))

			got := sink.all()
			if len(got) != 1 {
				t.Fatalf("expected 1 record, got %d", len(got))
			}
			if got[0].level != tt.level {
				t.Errorf("level = %v, want %v", got[0].level, tt.level)
			}
			if got[0].length != len(got[0].msg) {
				t.Errorf("length = %d, want %d", got[0].length, len(got[0].msg))
			}
		})
	}
}

func TestHandler_DebugFilteredByDefault(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewHandler(sink, nil))

	logger.Debug("noisy")
	if n := len(sink.all()); n != 0 {
		t.Fatalf("expected debug to be filtered, got %d records", n)
	}

	sink2 := &captureSink{}
	logger = slog.New(NewHandler(sink2, &HandlerOptions{Level: slog.LevelDebug}))
	logger.Debug("noisy")
	got := sink2.all()
	if len(got) != 1 || got[0].level != LevelInfo {
		t.Fatalf("expected debug forwarded as Info, got %+v", got)
	}
}

func TestHandler_AttrsRendered(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewHandler(sink, nil)).With("component", "av").WithGroup("slot")

	logger.Info("frame", "target", "left", "seq", 3)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	want := "frame component=av slot.target=left slot.seq=3"
	if got[0].msg != want {
		t.Errorf("msg = %q, want %q", got[0].msg, want)
	}
}

func TestHandler_TeesToNext(t *testing.T) {
	var buf bytes.Buffer
	next := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	sink := &captureSink{}

	logger := slog.New(NewHandler(sink, &HandlerOptions{Next: next}))
	logger.Debug("only json")
	logger.Info("both")

	if n := len(sink.all()); n != 1 {
		t.Errorf("sink records = %d, want 1", n)
	}
	if !strings.Contains(buf.String(), "only json") || !strings.Contains(buf.String(), "both") {
		t.Errorf("next handler missing records: %s", buf.String())
	}
}

func TestHandler_PanickingSinkIsIsolated(t *testing.T) {
	logger := slog.New(NewHandler(SinkFunc(func(string, Level, int) {
		panic("host crashed")
	}), nil))

	logger.Error("must not propagate")
	t.Logf("✅ panicking sink recovered")
}

// A sink that logs through its own logger must not block on itself.
func TestHandler_ReentrantSink(t *testing.T) {
	capture := &captureSink{}
	var logger *slog.Logger
	var nested atomic.Bool
	logger = slog.New(NewHandler(SinkFunc(func(msg string, level Level, length int) {
		capture.Log(msg, level, length)
		if nested.CompareAndSwap(false, true) {
			logger.Warn("logged from sink")
		}
	}), nil))

	done := make(chan struct{})
	go func() {
		logger.Info("outer")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logging from inside the sink blocked")
	}

	got := capture.all()
	if len(got) != 2 || got[0].msg != "outer" || got[1].msg != "logged from sink" {
		t.Fatalf("records = %+v", got)
	}
	t.Logf("✅ nested record delivered: %q at %v", got[1].msg, got[1].level)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Lookup(SubsystemLog); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	sink := &captureSink{}
	r.Register(SubsystemLog, Sink(sink))

	got, ok := LookupAs[Sink](r, SubsystemLog)
	if !ok || got != sink {
		t.Fatalf("LookupAs returned %v, %v", got, ok)
	}

	if _, ok := LookupAs[string](r, SubsystemLog); ok {
		t.Error("LookupAs with wrong type should fail")
	}

	r.Register(SubsystemLog, nil)
	if r.Len() != 0 {
		t.Errorf("Len = %d after nil register, want 0", r.Len())
	}

	r.Register(SubsystemAV, 1)
	r.Register(SubsystemChannels, 2)
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len = %d after Reset, want 0", r.Len())
	}
}
