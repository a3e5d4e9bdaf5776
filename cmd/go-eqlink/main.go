// go-eqlink: audio control daemon
// Drives a local equalizer, visualizer and tone generator and mirrors
// volume, playback and equalizer changes to an ESP32 sound device
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gopxl/beep/v2"

	"github.com/teslashibe/go-eqlink/internal/config"
	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/device"
	"github.com/teslashibe/go-eqlink/internal/engine"
	"github.com/teslashibe/go-eqlink/internal/generator"
	"github.com/teslashibe/go-eqlink/internal/health"
	"github.com/teslashibe/go-eqlink/internal/remote"
	"github.com/teslashibe/go-eqlink/internal/server"
	"github.com/teslashibe/go-eqlink/internal/telemetry"
	"github.com/teslashibe/go-eqlink/internal/usbprobe"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-eqlink/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use an in-process mock device and no audio hardware")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-eqlink %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Override log level if debug flag is set
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting go-eqlink",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remoteCfg := remote.Config{
		Addr:         cfg.Remote.Addr(),
		Timeout:      cfg.Remote.Timeout,
		BatchSpacing: cfg.Remote.BatchSpacing,
		QueueSize:    cfg.Remote.QueueSize,
		Workers:      cfg.Remote.Workers,
	}

	if *useMock {
		mock, err := device.NewMock("127.0.0.1:0", logger)
		if err != nil {
			logger.Error("failed to start mock device", "error", err)
			os.Exit(1)
		}
		defer mock.Close()
		remoteCfg.Addr = mock.Addr()
		cfg.Engine.Output = config.OutputNull
		if cfg.Generator.Output == config.OutputSpeaker || cfg.Generator.Output == config.OutputAplay {
			cfg.Generator.Output = config.OutputMemory
		}
		logger.Info("using mock device", "addr", mock.Addr())
	}

	// Remote device mirror
	mirror := remote.NewMirror(remote.NewClient(remoteCfg, logger), remoteCfg, logger)
	defer mirror.Close()

	// Local audio output shared by playback and the tone generator
	out, err := openOutput(cfg.Engine, logger)
	if err != nil {
		logger.Error("failed to open audio output", "error", err)
		os.Exit(1)
	}
	defer out.Close()

	eng := engine.New(engine.Config{
		CaptureHz:   cfg.Engine.CaptureHz,
		CaptureSize: cfg.Engine.CaptureSize,
		Q:           cfg.Engine.Q,
	}, out, logger)

	sinks, err := sinkFactory(cfg.Generator, out)
	if err != nil {
		logger.Error("invalid generator output", "error", err)
		os.Exit(1)
	}
	gen := generator.New(generator.Config{
		SampleRate:   cfg.Generator.SampleRate,
		BufferSize:   cfg.Generator.BufferSize,
		MinFrequency: cfg.Generator.MinFrequency,
		MaxFrequency: cfg.Generator.MaxFrequency,
		Paced:        cfg.Generator.Output != config.OutputSpeaker && cfg.Generator.Output != config.OutputAplay,
	}, sinks, logger)
	defer gen.Close()

	reducer := visualizer.NewReducer(visualizer.Config{
		HistorySize:   cfg.Visualizer.HistorySize,
		DisplayPoints: cfg.Visualizer.DisplayPoints,
		SmoothWindow:  cfg.Visualizer.SmoothWindow,
		BarCount:      cfg.Visualizer.BarCount,
		Divisor:       cfg.Visualizer.Divisor,
		CurveExponent: cfg.Visualizer.CurveExponent,
	}, logger)
	defer reducer.Close()

	mgr := control.New(control.Config{
		DefaultVolume: cfg.Control.DefaultVolume,
		ProbeInterval: cfg.Control.ProbeInterval,
	}, eng, mirror, reducer, gen, logger)

	// Probe the remote device in background
	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control manager error", "error", err)
		}
	}()

	if cfg.Control.Media != "" {
		if err := mgr.Load(ctx, cfg.Control.Media); err != nil {
			logger.Warn("initial media not loaded", "media", cfg.Control.Media, "error", err)
		}
	}

	// Collector uplink
	var uplink *telemetry.Client
	if cfg.Telemetry.URL != "" {
		tcfg := telemetry.DefaultConfig()
		tcfg.URL = cfg.Telemetry.URL
		tcfg.ReconnectBackoff = cfg.Telemetry.ReconnectBackoff
		tcfg.MaxBackoff = cfg.Telemetry.MaxBackoff
		tcfg.PingInterval = cfg.Telemetry.PingInterval
		tcfg.FrameInterval = cfg.Telemetry.FrameInterval

		uplink = telemetry.NewClient(tcfg, logger)
		if err := uplink.Connect(ctx); err != nil {
			logger.Warn("telemetry disabled", "error", err)
			uplink = nil
		} else {
			defer uplink.Close()

			states := mgr.Subscribe()
			frames := reducer.Subscribe()
			go func() {
				defer mgr.Unsubscribe(states)
				defer reducer.Unsubscribe(frames)
				uplink.Forward(ctx, states, frames)
			}()
		}
	}

	// Health probes
	checker := health.NewChecker(version)
	checker.SetLogger(logger)
	registerProbes(checker, cfg.Health, mgr, eng, gen)
	go checker.Run(ctx, cfg.Health.Interval)

	// Create server
	srv := server.New(cfg.Server, server.Deps{
		Manager:   mgr,
		Reducer:   reducer,
		Health:    checker,
		Mirror:    mirror,
		Generator: gen,
		Engine:    eng,
		Telemetry: uplink,
	}, logger, version)

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Print startup info
	printStartupBanner(cfg, remoteCfg.Addr, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> manager (tone, session) -> deferred mirror, output
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("releasing audio session...")
	if err := mgr.Close(); err != nil {
		logger.Warn("manager close error", "error", err)
	}
	cancel()

	logger.Info("go-eqlink stopped")
}

// openOutput opens the system speaker or a device-less output
func openOutput(cfg config.EngineConfig, logger *slog.Logger) (engine.Output, error) {
	sr := beep.SampleRate(cfg.SampleRate)
	if cfg.Output == config.OutputNull {
		logger.Info("audio output disabled, playback runs without a device")
		return engine.NewNullOutput(sr), nil
	}
	return engine.NewSpeaker(sr)
}

// sinkFactory selects where generated tones are written
func sinkFactory(cfg config.GeneratorConfig, out engine.Output) (generator.SinkFactory, error) {
	switch cfg.Output {
	case config.OutputSpeaker:
		return engine.SpeakerSinkFactory(out), nil
	case config.OutputWAV:
		return generator.WAVSinkFactory(cfg.WAVPath), nil
	case config.OutputAplay:
		if !generator.IsCommandAvailable(cfg.Player) {
			return nil, fmt.Errorf("player %q not found in PATH", cfg.Player)
		}
		return generator.CommandSinkFactory(cfg.Player), nil
	case config.OutputMemory:
		return generator.MemorySinkFactory(&generator.MemorySink{Limit: cfg.SampleRate}), nil
	}
	return nil, fmt.Errorf("unknown generator output %q", cfg.Output)
}

func registerProbes(checker *health.Checker, cfg config.HealthConfig, mgr *control.Manager, eng *engine.Engine, gen *generator.Generator) {
	checker.Register("remote", false, func(ctx context.Context) (bool, string) {
		snap := mgr.Snapshot()
		if snap.RemoteCheckedAt.IsZero() {
			return true, "not probed yet"
		}
		if !snap.RemoteConnected {
			return false, "unreachable"
		}
		return true, "connected"
	})

	checker.Register("engine", false, func(ctx context.Context) (bool, string) {
		stats := eng.GetStats()
		return true, fmt.Sprintf("%d active sessions", stats.ActiveSessions)
	})

	checker.Register("generator", false, func(ctx context.Context) (bool, string) {
		stats := gen.GetStats()
		if stats.WriteErrors > 0 && !stats.Running {
			return false, fmt.Sprintf("stopped after %d write errors", stats.WriteErrors)
		}
		if stats.Running {
			return true, "running"
		}
		return true, "idle"
	})

	if cfg.USBProbe {
		prober := usbprobe.NewProber(nil, nil)
		checker.Register("usb_device", true, func(ctx context.Context) (bool, string) {
			prober.Probe()
			return prober.Status()
		})
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, remoteAddr, version string) {
	fmt.Println()
	fmt.Println("🎛  go-eqlink v" + version)
	fmt.Println("   Equalizer, visualizer and tone generator")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Printf("📡 Mirroring to %s\n", remoteAddr)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                - Health check")
	fmt.Println("   GET  /api/state             - Current state snapshot")
	fmt.Println("   GET  /api/visualizer        - Latest visualization frame")
	fmt.Println("   WS   /api/stream            - Live state and frame stream")
	fmt.Println("   POST /api/playback/load     - Load media")
	fmt.Println("   POST /api/eq/bands/:index   - Set band gain")
	fmt.Println("   POST /api/volume            - Set volume")
	fmt.Println("   POST /api/tone/start        - Start test tone")
	fmt.Println("   GET  /metrics               - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
