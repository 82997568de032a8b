// Package relay bridges data-channel traffic and an MQTT broker.
//
// State and audit messages taken from the msgbus are published as msgpack
// envelopes on <prefix>/state and <prefix>/audit. Payloads received on
// <prefix>/command are forwarded to the robot's command channel.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/msgbus"
)

const (
	subscriberID   = "mqtt-relay"
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 64
)

// Envelope is the msgpack body published for each relayed message.
type Envelope struct {
	Label      string    `msgpack:"label"`
	TraceID    string    `msgpack:"trace_id"`
	ReceivedAt time.Time `msgpack:"received_at"`
	Sequence   uint64    `msgpack:"seq"`
	Payload    []byte    `msgpack:"payload"`
}

// Client is the part of mqtt.Client the relay uses.
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// CommandSender forwards control payloads to the command channel.
type CommandSender interface {
	SendCommand(data []byte) error
}

// Config configures a Relay.
type Config struct {
	Broker   string // tcp://host:1883
	ClientID string
	Prefix   string
	QoS      byte
	Logger   *slog.Logger
}

// Stats contains relay statistics
type Stats struct {
	Connected bool
	Published map[string]uint64 // count per topic
	Commands  uint64
	Errors    uint64
}

// Relay publishes channel traffic and consumes control commands.
type Relay struct {
	cfg      Config
	bus      *msgbus.Bus
	commands CommandSender
	client   Client
	logger   *slog.Logger
	queue    chan []byte

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	received  uint64
	errors    uint64
}

// New creates a relay with a paho client built from cfg.
func New(cfg Config, bus *msgbus.Bus, commands CommandSender) (*Relay, error) {
	r, err := newRelay(cfg, bus, commands)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		r.setConnected(true)
		r.logger.Info("relay: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
		// Subscriptions do not survive a clean reconnect.
		go func() {
			if err := r.subscribe(); err != nil {
				r.logger.Error("relay: resubscribe failed", "error", err)
			}
		}()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		r.setConnected(false)
		r.logger.Warn("relay: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}
	r.client = mqtt.NewClient(opts)
	return r, nil
}

func newRelay(cfg Config, bus *msgbus.Bus, commands CommandSender) (*Relay, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("relay: broker is required")
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("relay: topic prefix is required")
	}
	if bus == nil || commands == nil {
		return nil, fmt.Errorf("relay: bus and command sender are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:       cfg,
		bus:       bus,
		commands:  commands,
		logger:    cfg.Logger.With("component", "relay"),
		queue:     make(chan []byte, queueSize),
		published: make(map[string]uint64),
	}, nil
}

// Topic returns the topic for a channel name.
func (r *Relay) Topic(channel string) string {
	return r.cfg.Prefix + "/" + channel
}

// Run connects to the broker and relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay: connecting to mqtt broker", "broker", r.cfg.Broker)
	token := r.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("relay: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("relay: mqtt connection failed: %w", err)
	}
	r.setConnected(true)

	if err := r.subscribe(); err != nil {
		r.client.Disconnect(250)
		return err
	}

	msgs := make(chan msgbus.Message, queueSize)
	if err := r.bus.Subscribe(subscriberID, msgs, "state", "audit"); err != nil {
		r.client.Disconnect(250)
		return fmt.Errorf("relay: %w", err)
	}
	defer r.bus.Unsubscribe(subscriberID)

	r.logger.Info("relay: started",
		"state_topic", r.Topic("state"),
		"audit_topic", r.Topic("audit"),
		"command_topic", r.Topic("command"),
	)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case msg := <-msgs:
			if err := r.publish(msg); err != nil {
				r.logger.Warn("relay: publish failed", "channel", msg.Channel, "error", err)
			}
		case payload := <-r.queue:
			r.forward(payload)
		}
	}
}

func (r *Relay) subscribe() error {
	topic := r.Topic("command")
	token := r.client.Subscribe(topic, r.cfg.QoS, r.messageHandler)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("relay: command subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("relay: command subscription failed: %w", err)
	}
	r.logger.Debug("relay: subscribed", "topic", topic, "qos", r.cfg.QoS)
	return nil
}

// messageHandler runs on the paho router; it only queues.
func (r *Relay) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case r.queue <- payload:
	default:
		r.countError()
		r.logger.Warn("relay: command queue full, dropping command", "size", len(payload))
	}
}

func (r *Relay) forward(payload []byte) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	if err := r.commands.SendCommand(payload); err != nil {
		r.countError()
		r.logger.Warn("relay: failed to forward command", "size", len(payload), "error", err)
		return
	}
	r.logger.Debug("relay: command forwarded", "size", len(payload))
}

func (r *Relay) publish(msg msgbus.Message) error {
	if !r.isConnected() {
		r.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := msgpack.Marshal(&Envelope{
		Label:      msg.Channel,
		TraceID:    msg.TraceID,
		ReceivedAt: msg.ReceivedAt,
		Sequence:   msg.Sequence,
		Payload:    msg.Data,
	})
	if err != nil {
		r.countError()
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := r.Topic(msg.Channel)
	token := r.client.Publish(topic, r.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		r.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		r.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	r.mu.Lock()
	r.published[topic]++
	r.mu.Unlock()

	r.logger.Debug("relay: published", "topic", topic, "trace_id", msg.TraceID, "size", len(payload))
	return nil
}

func (r *Relay) shutdown() {
	if r.client.IsConnected() {
		r.client.Unsubscribe(r.Topic("command")).WaitTimeout(publishTimeout)
		r.client.Disconnect(250)
		r.logger.Info("relay: mqtt disconnected")
	}
	r.setConnected(false)
}

// Stats returns relay statistics
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	published := make(map[string]uint64, len(r.published))
	for k, v := range r.published {
		published[k] = v
	}
	return Stats{
		Connected: r.connected,
		Published: published,
		Commands:  r.received,
		Errors:    r.errors,
	}
}

func (r *Relay) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *Relay) isConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Relay) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

// DecodeEnvelope parses a published envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("relay: invalid envelope: %w", err)
	}
	return env, nil
}
