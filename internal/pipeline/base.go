// Package pipeline implements the generic lifecycle shared by every media
// and negotiation pipeline: one named graph, one background goroutine locked
// to its OS thread that drives the graph's bus, and a blocking teardown.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/engine"
)

var (
	// ErrNoGraph is returned when an operation needs a graph that was never created.
	ErrNoGraph = errors.New("pipeline: no graph")
	// ErrAlreadyCreated is returned by CreatePipeline when a graph exists.
	ErrAlreadyCreated = errors.New("pipeline: graph already created")
	// ErrBusThreadRunning is returned by CreateBusThread when the loop is already running.
	ErrBusThreadRunning = errors.New("pipeline: bus thread already running")
	// ErrEndOfStream is the stop reason reported after an EOS message.
	ErrEndOfStream = errors.New("pipeline: end of stream")
)

// DefaultPollInterval is how long each bus poll waits before checking for quit.
const DefaultPollInterval = 50 * time.Millisecond

// GraphFactory builds the graph for a controller.
type GraphFactory func(name string) (engine.Graph, error)

// Hooks are the extension points of a Base controller.
type Hooks struct {
	// SyncMessage runs synchronously on the thread that posted a message,
	// before the bus loop sees it. Used to answer need-context queries.
	SyncMessage func(g engine.Graph, msg *engine.Message) engine.SyncReply

	// Stopped runs on the bus goroutine when the loop ends by itself
	// (error, end of stream, or failure to reach PLAYING).
	Stopped func(reason error)
}

// Config configures a Base controller.
type Config struct {
	Name         string
	NewGraph     GraphFactory
	Hooks        Hooks
	Logger       *slog.Logger
	PollInterval time.Duration

	// RunState is the state the bus goroutine brings the graph to
	// (default: PLAYING). Negotiation-only graphs idle in READY.
	RunState engine.State
}

// Stats is a snapshot of a controller's bus activity.
type Stats struct {
	Name              string
	Phase             Phase
	ErrorsNetwork     uint64
	ErrorsCodec       uint64
	ErrorsNegotiation uint64
	ErrorsDevice      uint64
	ErrorsUnknown     uint64
	EOS               uint64
	LatencyChanges    uint64
	NeedContext       uint64
	StartedAt         time.Time
}

// Base owns one named graph and the goroutine running its bus loop.
//
// Lifecycle: CreatePipeline → CreateBusThread → DestroyPipeline.
// DestroyPipeline blocks until the bus goroutine has exited and must not be
// called from a bus or sync handler.
type Base struct {
	name     string
	newGraph GraphFactory
	hooks    Hooks
	logger   *slog.Logger
	poll     time.Duration
	runState engine.State

	mu    sync.Mutex
	graph engine.Graph
	quit  chan struct{}
	done  chan struct{}

	lifecycle *Lifecycle
	startedAt atomic.Pointer[time.Time]

	errorsNetwork     atomic.Uint64
	errorsCodec       atomic.Uint64
	errorsNegotiation atomic.Uint64
	errorsDevice      atomic.Uint64
	errorsUnknown     atomic.Uint64
	eos               atomic.Uint64
	latencyChanges    atomic.Uint64
	needContext       atomic.Uint64
}

// NewBase validates the configuration and returns an idle controller.
func NewBase(cfg Config) (*Base, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pipeline: name is required")
	}
	if cfg.NewGraph == nil {
		return nil, fmt.Errorf("pipeline: graph factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RunState == engine.StateNull {
		cfg.RunState = engine.StatePlaying
	}

	b := &Base{
		name:     cfg.Name,
		newGraph: cfg.NewGraph,
		hooks:    cfg.Hooks,
		logger:   cfg.Logger.With("pipeline", cfg.Name),
		poll:     cfg.PollInterval,
		runState: cfg.RunState,
	}
	b.lifecycle = NewLifecycle(func(from, to Phase) {
		b.logger.Debug("pipeline: phase changed", "from", from.String(), "to", to.String())
	})
	return b, nil
}

// Name returns the pipeline name.
func (b *Base) Name() string { return b.name }

// Lifecycle returns the controller's lifecycle.
func (b *Base) Lifecycle() *Lifecycle { return b.lifecycle }

// Logger returns the controller's logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Graph returns the current graph or nil.
func (b *Base) Graph() engine.Graph {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.graph
}

// CreatePipeline allocates the graph. The bus goroutine is not started.
func (b *Base) CreatePipeline() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.graph != nil {
		b.logger.Warn("pipeline: already created")
		return ErrAlreadyCreated
	}

	g, err := b.newGraph(b.name)
	if err != nil {
		b.logger.Error("pipeline: failed to create graph", "error", err)
		return fmt.Errorf("pipeline: failed to create graph: %w", err)
	}
	b.graph = g

	b.logger.Debug("pipeline: graph created")
	return nil
}

// CreateBusThread starts the goroutine that brings the graph to PLAYING and
// runs the bus loop until DestroyPipeline or a fatal message.
func (b *Base) CreateBusThread() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.graph == nil {
		b.logger.Error("pipeline: cannot start bus thread without a graph")
		return ErrNoGraph
	}
	if b.done != nil {
		b.logger.Warn("pipeline: bus thread already running")
		return ErrBusThreadRunning
	}

	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.graph, b.quit, b.done)
	return nil
}

// DestroyPipeline stops the bus loop, waits for the goroutine to exit and
// releases the graph. Calling it without a graph only logs a warning.
func (b *Base) DestroyPipeline() {
	b.mu.Lock()
	g, quit, done := b.graph, b.quit, b.done
	b.graph, b.quit, b.done = nil, nil, nil
	b.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}

	if g == nil {
		b.logger.Warn("pipeline: destroy called but no pipeline exists")
		b.lifecycle.TransitionFrom(PhaseStopping, PhaseDestroyed)
		return
	}

	b.lifecycle.TransitionFrom(PhaseRunning, PhaseStopping)
	g.Release()
	if err := b.lifecycle.Transition(PhaseDestroyed); err != nil {
		b.logger.Debug("pipeline: lifecycle", "error", err)
	}

	b.logger.Info("pipeline: destroyed")
}

// Stats returns a snapshot of the controller's counters.
func (b *Base) Stats() Stats {
	s := Stats{
		Name:              b.name,
		Phase:             b.lifecycle.Phase(),
		ErrorsNetwork:     b.errorsNetwork.Load(),
		ErrorsCodec:       b.errorsCodec.Load(),
		ErrorsNegotiation: b.errorsNegotiation.Load(),
		ErrorsDevice:      b.errorsDevice.Load(),
		ErrorsUnknown:     b.errorsUnknown.Load(),
		EOS:               b.eos.Load(),
		LatencyChanges:    b.latencyChanges.Load(),
		NeedContext:       b.needContext.Load(),
	}
	if t := b.startedAt.Load(); t != nil {
		s.StartedAt = *t
	}
	return s
}

// run is the bus goroutine.
func (b *Base) run(g engine.Graph, quit <-chan struct{}, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	bus := g.Bus()
	bus.SetSyncHandler(func(msg *engine.Message) engine.SyncReply {
		return b.syncMessage(g, msg)
	})

	if err := g.SetState(b.runState); err != nil {
		b.logger.Error(fmt.Sprintf("pipeline: cannot set pipeline to %s state", strings.ToLower(b.runState.String())), "error", err)
		bus.SetSyncHandler(nil)

		b.mu.Lock()
		owned := b.graph == g
		if owned {
			b.graph = nil
		}
		b.mu.Unlock()
		if owned {
			g.Release()
		}

		b.lifecycle.Transition(PhaseStopping)
		b.stopped(fmt.Errorf("pipeline: failed to reach %s: %w", b.runState, err))
		return
	}

	now := time.Now()
	b.startedAt.Store(&now)
	if err := b.lifecycle.Transition(PhaseRunning); err != nil {
		b.logger.Debug("pipeline: lifecycle", "error", err)
	}
	b.logger.Info("pipeline: started", "state", b.runState.String())

	reason := b.loop(g, bus, quit)

	if err := g.SetState(engine.StateNull); err != nil {
		b.logger.Warn("pipeline: failed to set pipeline to null", "error", err)
	}
	bus.SetSyncHandler(nil)

	if reason != nil {
		b.lifecycle.TransitionFrom(PhaseRunning, PhaseStopping)
		b.stopped(reason)
	}
}

// loop polls the bus until quit is closed (nil) or a fatal message arrives
// (the stop reason).
func (b *Base) loop(g engine.Graph, bus engine.Bus, quit <-chan struct{}) error {
	for {
		select {
		case <-quit:
			b.logger.Debug("pipeline: quit requested, leaving bus loop")
			return nil

		default:
			// Poll with a short timeout for responsive shutdown
			msg := bus.Pop(b.poll)
			if msg == nil {
				continue
			}
			if reason := b.handleMessage(g, msg); reason != nil {
				return reason
			}
		}
	}
}

// handleMessage processes one bus message. A non-nil result stops the loop.
func (b *Base) handleMessage(g engine.Graph, msg *engine.Message) error {
	switch msg.Type {
	case engine.MessageError:
		errText := ""
		if msg.Err != nil {
			errText = msg.Err.Error()
		}
		category := engine.ClassifyError(errText, msg.Debug)
		b.countError(category)

		b.logger.Error("pipeline: error received",
			"source", msg.Source,
			"error", errText,
			"debug", msg.Debug,
			"category", category.String(),
		)
		return fmt.Errorf("pipeline error [%s]: %s", category.String(), errText)

	case engine.MessageEOS:
		b.eos.Add(1)
		b.logger.Info("pipeline: end of stream received", "source", msg.Source)
		return ErrEndOfStream

	case engine.MessageLatency:
		b.latencyChanges.Add(1)
		if !g.RecalculateLatency() {
			b.logger.Warn("pipeline: latency recalculation failed")
		}
		if lat, ok := g.Latency(); ok {
			b.logger.Debug("pipeline: latency",
				"live", lat.Live,
				"min", lat.Min,
				"max", lat.Max,
			)
		}

	case engine.MessageStateChanged:
		if msg.Source == g.Name() {
			b.logger.Debug("pipeline: state changed",
				"from", msg.OldState.String(),
				"to", msg.NewState.String(),
			)
		}
	}
	return nil
}

func (b *Base) syncMessage(g engine.Graph, msg *engine.Message) engine.SyncReply {
	if msg.Type == engine.MessageNeedContext {
		b.needContext.Add(1)
	}
	if b.hooks.SyncMessage == nil {
		return engine.SyncPass
	}
	return b.hooks.SyncMessage(g, msg)
}

func (b *Base) stopped(reason error) {
	if b.hooks.Stopped != nil {
		b.hooks.Stopped(reason)
	}
}

func (b *Base) countError(c engine.ErrorCategory) {
	switch c {
	case engine.ErrCategoryNetwork:
		b.errorsNetwork.Add(1)
	case engine.ErrCategoryCodec:
		b.errorsCodec.Add(1)
	case engine.ErrCategoryNegotiation:
		b.errorsNegotiation.Add(1)
	case engine.ErrCategoryDevice:
		b.errorsDevice.Add(1)
	default:
		b.errorsUnknown.Add(1)
	}
}
