package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var bundlePolicies = map[string]bool{
	"":           true,
	"balanced":   true,
	"max-compat": true,
	"max-bundle": true,
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "webrtc-bridge"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSignalling(&cfg.Signalling); err != nil {
		return fmt.Errorf("signalling: %w", err)
	}

	if !bundlePolicies[cfg.WebRTC.BundlePolicy] {
		return fmt.Errorf("webrtc.bundle_policy %q must be balanced, max-compat or max-bundle", cfg.WebRTC.BundlePolicy)
	}
	if cfg.WebRTC.LatencyMS < 0 {
		return fmt.Errorf("webrtc.latency_ms must be >= 0")
	}
	if cfg.WebRTC.LatencyMS == 0 {
		cfg.WebRTC.LatencyMS = 10
	}
	if cfg.WebRTC.StunServer != "" && !strings.HasPrefix(cfg.WebRTC.StunServer, "stun://") {
		return fmt.Errorf("webrtc.stun_server must be a stun:// uri")
	}

	if cfg.Audio.Sink == "" {
		cfg.Audio.Sink = "autoaudiosink"
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = "autoaudiosrc"
	}

	if cfg.Video.Backend == "" {
		cfg.Video.Backend = "software"
	}
	if cfg.Video.Backend != "software" {
		return fmt.Errorf("video.backend %q not supported", cfg.Video.Backend)
	}

	if cfg.Render.FPS <= 0 {
		cfg.Render.FPS = 60
	}
	if cfg.Render.Width <= 0 {
		cfg.Render.Width = 960
	}
	if cfg.Render.Height <= 0 {
		cfg.Render.Height = 720
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = cfg.InstanceID
		}
		if cfg.MQTT.Prefix == "" {
			cfg.MQTT.Prefix = fmt.Sprintf("reachy/%s", cfg.InstanceID)
		}
	}

	if cfg.Health.Listen == "" {
		cfg.Health.Listen = ":8080"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}

	return nil
}

func validateSignalling(s *SignallingConfig) error {
	if s.URI == "" {
		return fmt.Errorf("uri is required")
	}
	u, err := url.Parse(s.URI)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("uri scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.ProducerName == "" {
		s.ProducerName = "robot"
	}
	if s.MicProducerName == "" {
		s.MicProducerName = "UnityClient"
	}
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = 1000
	}
	if s.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0")
	}
	if s.Reconnect.RetryDelayMS <= 0 {
		s.Reconnect.RetryDelayMS = 1000
	}
	if s.Reconnect.MaxRetryDelayMS <= 0 {
		s.Reconnect.MaxRetryDelayMS = 30000
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	return logLevels[c.Log.Level]
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// PollInterval returns the producer list polling interval.
func (s SignallingConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// Latency returns the webrtcbin latency.
func (w WebRTCConfig) Latency() time.Duration {
	return time.Duration(w.LatencyMS) * time.Millisecond
}
