package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	webrtcbridge "github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/relay"
	"github.com/e7canasta/orion-care-sensor/modules/webrtc-bridge/internal/signalling"
)

const defaultConfigPath = "config/bridge.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel()
	if *debug {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.LogJSON() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler).With("instance_id", cfg.InstanceID)
	slog.SetDefault(logger)

	slog.Info("starting webrtc bridge",
		"config", *configPath,
		"signalling", cfg.Signalling.URI,
		"producer", cfg.Signalling.ProducerName,
		"debug", *debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logLevel, handler); err != nil {
		slog.Error("bridge stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("webrtc bridge stopped successfully")
}

func run(ctx context.Context, cfg *config.Config, level slog.Level, handler slog.Handler) error {
	s := &session{cfg: cfg, logger: slog.Default().With("component", "session")}

	// The bridge logs through its own handler; records tee into stdout.
	var err error
	s.bridge, err = webrtcbridge.New(bridgeOptions(cfg, level, handler), webrtcbridge.Callbacks{
		OnAnswer:       s.sendAnswer,
		OnICECandidate: s.sendICECandidate,
		OnServiceOpen:  func() { s.logger.Info("session: service channel open") },
		OnCommandOpen:  func() { s.logger.Info("session: command channel open") },
	})
	if err != nil {
		return err
	}

	s.client, err = signalling.New(signalling.Config{
		URI:          cfg.Signalling.URI,
		ProducerName: cfg.Signalling.ProducerName,
		PollInterval: cfg.Signalling.PollInterval(),
		Reconnect: signalling.ReconnectConfig{
			MaxRetries:    cfg.Signalling.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(cfg.Signalling.Reconnect.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Signalling.Reconnect.MaxRetryDelayMS) * time.Millisecond,
		},
		Logger: slog.Default(),
	}, s)
	if err != nil {
		s.bridge.Close()
		return err
	}

	if err := s.createTextures(); err != nil {
		s.bridge.Close()
		return err
	}

	if cfg.MQTT.Enabled {
		s.relay, err = relay.New(relay.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
			Logger:   slog.Default(),
		}, s.bridge.MessageBus(), s.bridge)
		if err != nil {
			s.bridge.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.renderLoop(gctx)
		return nil
	})

	if s.relay != nil {
		// The relay is optional: the bridge keeps running without a broker.
		g.Go(func() error {
			if err := s.relay.Run(gctx); err != nil {
				slog.Error("mqtt relay stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.Health.Listen != "off" {
		srv := health.NewServer(cfg.Health.Listen, s.healthStatus, slog.Default())
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()

	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)
	if shutdownErr := s.shutdown(timeout); shutdownErr != nil {
		slog.Error("shutdown failed", "error", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}
	return err
}

func bridgeOptions(cfg *config.Config, level slog.Level, handler slog.Handler) webrtcbridge.Options {
	return webrtcbridge.Options{
		Backend:          cfg.Video.Backend,
		StunServer:       cfg.WebRTC.StunServer,
		ICEServers:       cfg.WebRTC.ICEServers,
		BundlePolicy:     cfg.WebRTC.BundlePolicy,
		WebRTCBinLatency: cfg.WebRTC.Latency(),
		AudioSink:        cfg.Audio.Sink,
		AudioLowLatency:  cfg.Audio.LowLatency,
		DisableAudio:     !cfg.AudioEnabled(),
		AudioSource:      cfg.Audio.Source,
		EchoCancel:       cfg.Audio.EchoCancel,
		MicProducerName:  cfg.Signalling.MicProducerName,
		VideoDecoder:     cfg.Video.Decoder,
		VideoParser:      cfg.Video.Parser,
		VideoCaps:        cfg.Video.Caps,
		LogLevel:         level,
		LogHandler:       handler,
	}
}
