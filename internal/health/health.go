// Package health serves the bridge's liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/framebridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/pipeline"
)

// Overall states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// PipelineHealth contains lifecycle and error counters of one pipeline
type PipelineHealth struct {
	Phase          string            `json:"phase"`
	Errors         map[string]uint64 `json:"errors,omitempty"` // per category
	EOS            uint64            `json:"eos"`
	LatencyChanges uint64            `json:"latency_changes"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
}

// EyeHealth contains frame handoff metrics for one texture target
type EyeHealth struct {
	Published uint64  `json:"published"`
	Consumed  uint64  `json:"consumed"`
	Dropped   uint64  `json:"dropped"`
	DropRate  float64 `json:"drop_rate"`
	Format    string  `json:"format,omitempty"`
	FPS       float64 `json:"fps"`
	Stable    bool    `json:"stable"`
}

// SignallingHealth contains the signalling session state
type SignallingHealth struct {
	Connected  bool   `json:"connected"`
	Session    string `json:"session"`
	ProducerID string `json:"producer_id,omitempty"`
	Reconnects uint64 `json:"reconnects"`
}

// Status represents the health state of the bridge
type Status struct {
	Status        string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Pipelines     map[string]PipelineHealth `json:"pipelines"`
	Eyes          map[string]EyeHealth      `json:"eyes,omitempty"`
	Signalling    *SignallingHealth         `json:"signalling,omitempty"`
	Channels      map[string]bool           `json:"channels,omitempty"`
	MQTTConnected *bool                     `json:"mqtt_connected,omitempty"`
}

// FromPipeline converts controller stats.
func FromPipeline(st pipeline.Stats) PipelineHealth {
	h := PipelineHealth{
		Phase:          st.Phase.String(),
		EOS:            st.EOS,
		LatencyChanges: st.LatencyChanges,
	}
	errs := map[string]uint64{
		"network":     st.ErrorsNetwork,
		"codec":       st.ErrorsCodec,
		"negotiation": st.ErrorsNegotiation,
		"device":      st.ErrorsDevice,
		"unknown":     st.ErrorsUnknown,
	}
	for k, v := range errs {
		if v > 0 {
			if h.Errors == nil {
				h.Errors = make(map[string]uint64)
			}
			h.Errors[k] = v
		}
	}
	if !st.StartedAt.IsZero() && st.Phase == pipeline.PhaseRunning {
		h.UptimeSeconds = int64(time.Since(st.StartedAt).Seconds())
	}
	return h
}

// FromSlot converts frame slot stats. nil gives the zero value.
func FromSlot(st *framebridge.Stats) EyeHealth {
	if st == nil {
		return EyeHealth{}
	}
	var dropRate float64
	if total := st.Consumed + st.Dropped; total > 0 {
		dropRate = float64(st.Dropped) / float64(total)
	}
	return EyeHealth{
		Published: st.Published,
		Consumed:  st.Consumed,
		Dropped:   st.Dropped,
		DropRate:  dropRate,
		Format:    st.Format,
		FPS:       st.Cadence.RateMean,
		Stable:    st.Cadence.IsStable,
	}
}

// Evaluate sets the overall status: unhealthy when the AV pipeline is not
// running, degraded when signalling or MQTT is down.
func (s *Status) Evaluate(avPipeline string) {
	s.Status = StatusHealthy
	if p, ok := s.Pipelines[avPipeline]; !ok || p.Phase != pipeline.PhaseRunning.String() {
		s.Status = StatusUnhealthy
		return
	}
	if s.Signalling != nil && !s.Signalling.Connected {
		s.Status = StatusDegraded
	}
	if s.MQTTConnected != nil && !*s.MQTTConnected {
		s.Status = StatusDegraded
	}
}

// Provider returns the current status.
type Provider func() Status

// Server is the health HTTP server.
type Server struct {
	addr     string
	provider Provider
	started  time.Time
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a server on addr.
func NewServer(addr string, provider Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		provider: provider,
		started:  time.Now(),
		logger:   logger.With("component", "health"),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	return mux
}

// livenessHandler handles /health: 200 while the process is alive.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readinessHandler handles /readiness with the detailed status.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := s.provider()
	status.UptimeSeconds = int64(time.Since(s.started).Seconds())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("health: starting server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness"},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("health: server failed", "error", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
