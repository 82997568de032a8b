package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	webrtcbridge "github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/relay"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/signalling"
)

const avPipeline = "av-pipeline"

// session drives the bridge from signalling events. It plays the part of
// the game-engine host: textures, render loop and negotiation relay.
type session struct {
	cfg    *config.Config
	logger *slog.Logger

	bridge *webrtcbridge.Bridge
	client *signalling.Client
	relay  *relay.Relay

	mu       sync.Mutex
	producer string // peer id of the live producer, "" when none
	textures [2]uintptr
}

func (s *session) createTextures() error {
	if err := s.bridge.CreateDevice(); err != nil {
		return err
	}
	for i, isLeft := range []bool{true, false} {
		h, err := s.bridge.CreateTexture(s.cfg.Render.Width, s.cfg.Render.Height, isLeft)
		if err != nil {
			return err
		}
		s.textures[i] = h
	}
	s.logger.Info("session: textures created",
		"width", s.cfg.Render.Width,
		"height", s.cfg.Render.Height,
		"left", s.textures[0],
		"right", s.textures[1],
	)
	return nil
}

// OnProducerFound starts the data session and the media pipelines for the
// producer. The offer follows on OnOffer.
func (s *session) OnProducerFound(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer == peerID {
		return
	}
	if s.producer != "" {
		s.teardownLocked("producer replaced")
	}
	s.producer = peerID

	s.logger.Info("session: producer found", "peer_id", peerID)
	if err := s.bridge.CreateDataPipeline(); err != nil {
		s.logger.Error("session: failed to create data pipeline", "error", err)
	}
	if err := s.bridge.CreatePipeline(s.cfg.Signalling.URI, peerID); err != nil {
		s.logger.Error("session: failed to create av pipeline", "error", err)
	}
	if s.cfg.Audio.Mic {
		if err := s.bridge.CreateMicPipeline(s.cfg.Signalling.URI); err != nil {
			s.logger.Error("session: failed to create mic pipeline", "error", err)
		}
	}
}

func (s *session) OnProducerLeft(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != peerID {
		return
	}
	s.teardownLocked("producer left")
}

func (s *session) OnSessionEnded(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer == "" {
		return
	}
	s.logger.Info("session: ended by server", "session_id", sessionID)
	s.teardownLocked("session ended")
}

func (s *session) OnOffer(sdp string) {
	if err := s.bridge.SetSDPOffer(sdp); err != nil {
		s.logger.Error("session: offer rejected", "error", err)
	}
}

func (s *session) OnICECandidate(candidate string, lineIndex uint16) {
	// Failures are logged by the data controller.
	_ = s.bridge.SetICECandidate(candidate, lineIndex)
}

func (s *session) teardownLocked(reason string) {
	s.logger.Info("session: tearing down pipelines", "peer_id", s.producer, "reason", reason)
	s.bridge.DestroyMicPipeline()
	s.bridge.DestroyDataPipeline()
	s.bridge.DestroyPipeline()
	s.producer = ""
}

func (s *session) sendAnswer(sdp string) {
	if err := s.client.SendAnswer(sdp); err != nil {
		s.logger.Warn("session: failed to send answer", "error", err)
	}
}

func (s *session) sendICECandidate(candidate string, lineIndex uint16) {
	if err := s.client.SendICECandidate(candidate, lineIndex); err != nil && !errors.Is(err, signalling.ErrNoSession) {
		s.logger.Warn("session: failed to send ice candidate", "error", err)
	}
}

// renderLoop stands in for the host render thread.
func (s *session) renderLoop(ctx context.Context) {
	interval := time.Second / time.Duration(s.cfg.Render.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("session: render loop started", "fps", s.cfg.Render.FPS)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bridge.RenderEvent()
		}
	}
}

func (s *session) healthStatus() health.Status {
	st := s.bridge.Stats()
	status := health.Status{
		Pipelines: map[string]health.PipelineHealth{
			avPipeline:      health.FromPipeline(st.AV.Pipeline),
			"data-pipeline": health.FromPipeline(st.Data.Pipeline),
			"mic-pipeline":  health.FromPipeline(st.Mic.Pipeline),
		},
		Eyes: map[string]health.EyeHealth{
			"left":  health.FromSlot(st.AV.Left),
			"right": health.FromSlot(st.AV.Right),
		},
		Channels: st.Data.Open,
	}

	sig := s.client.Stats()
	status.Signalling = &health.SignallingHealth{
		Connected:  sig.Connected,
		Session:    sig.Status.String(),
		ProducerID: sig.ProducerID,
		Reconnects: sig.Reconnects,
	}
	if s.relay != nil {
		connected := s.relay.Stats().Connected
		status.MQTTConnected = &connected
	}

	status.Evaluate(avPipeline)
	return status
}

// shutdown ends the signalling session and closes the bridge within timeout.
func (s *session) shutdown(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		s.mu.Lock()
		if s.producer != "" {
			s.teardownLocked("shutdown")
		}
		s.mu.Unlock()

		for _, h := range s.textures {
			if h != 0 {
				s.bridge.ReleaseTexture(h)
			}
		}
		done <- s.bridge.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.New("shutdown timed out")
	}
}
