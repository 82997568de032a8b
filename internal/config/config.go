// Package config loads the webrtc-bridge YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)

	Signalling SignallingConfig `yaml:"signalling"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	Audio      AudioConfig      `yaml:"audio"`
	Video      VideoConfig      `yaml:"video"`
	Render     RenderConfig     `yaml:"render"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// SignallingConfig contains signalling server settings
type SignallingConfig struct {
	URI             string          `yaml:"uri"`              // ws://robot:8443
	ProducerName    string          `yaml:"producer_name"`    // meta name of the remote producer (default: robot)
	PollIntervalMS  int             `yaml:"poll_interval_ms"` // producer list polling (default: 1000)
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	MicProducerName string          `yaml:"mic_producer_name"` // meta name advertised by the mic pipeline (default: UnityClient)
}

// ReconnectConfig contains signalling reconnection backoff
type ReconnectConfig struct {
	MaxRetries      int `yaml:"max_retries"` // 0: retry forever
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// WebRTCConfig contains ICE and bundling settings
type WebRTCConfig struct {
	StunServer   string   `yaml:"stun_server"` // empty: STUN disabled
	ICEServers   []string `yaml:"ice_servers"` // data channel endpoint
	BundlePolicy string   `yaml:"bundle_policy"`
	LatencyMS    int      `yaml:"latency_ms"` // webrtcbin jitterbuffer latency (default: 10)
}

// AudioConfig contains audio playback and capture settings
type AudioConfig struct {
	Enabled    *bool  `yaml:"enabled"` // default: true
	Sink       string `yaml:"sink"`    // default: autoaudiosink
	LowLatency bool   `yaml:"low_latency"`
	Source     string `yaml:"source"` // mic capture element (default: autoaudiosrc)
	EchoCancel bool   `yaml:"echo_cancel"`
	Mic        bool   `yaml:"mic"` // start the mic pipeline with the session
}

// VideoConfig contains decoding and GPU settings
type VideoConfig struct {
	Backend string `yaml:"backend"` // software (default)
	Decoder string `yaml:"decoder"` // default: backend's decoder
	Parser  string `yaml:"parser"`
	Caps    string `yaml:"caps"` // frame sink caps
}

// RenderConfig contains texture and render loop settings
type RenderConfig struct {
	FPS    int `yaml:"fps"`    // RenderEvent rate (default: 60)
	Width  int `yaml:"width"`  // default: 960
	Height int `yaml:"height"` // default: 720
}

// MQTTConfig contains MQTT relay settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"topic_prefix"`
	QoS      byte   `yaml:"qos"`
}

// HealthConfig contains the health endpoint settings
type HealthConfig struct {
	Listen string `yaml:"listen"` // default: :8080, "off" disables
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  *bool  `yaml:"json"`  // default: true
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// AudioEnabled reports whether remote audio is played.
func (c *Config) AudioEnabled() bool {
	return c.Audio.Enabled == nil || *c.Audio.Enabled
}

// LogJSON reports whether logs are written as JSON.
func (c *Config) LogJSON() bool {
	return c.Log.JSON == nil || *c.Log.JSON
}
