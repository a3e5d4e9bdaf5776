// Package server provides the HTTP API and live stream for go-eqlink
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-eqlink/internal/config"
	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/engine"
	"github.com/teslashibe/go-eqlink/internal/equalizer"
	"github.com/teslashibe/go-eqlink/internal/generator"
	"github.com/teslashibe/go-eqlink/internal/health"
	"github.com/teslashibe/go-eqlink/internal/remote"
	"github.com/teslashibe/go-eqlink/internal/telemetry"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

// Deps are the components the API drives and reports on.
// Manager and Reducer are required; the rest may be nil.
type Deps struct {
	Manager   *control.Manager
	Reducer   *visualizer.Reducer
	Health    *health.Checker
	Mirror    *remote.Mirror
	Generator *generator.Generator
	Engine    *engine.Engine
	Telemetry *telemetry.Client
}

// Server is the HTTP server for go-eqlink
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	deps      Deps
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-eqlink",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		wsHub:     NewWSHub(deps.Manager, deps.Reducer, cfg.StreamHz, logger),
		startTime: time.Now(),
		version:   version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")
	api.Get("/state", s.stateHandler)
	api.Get("/visualizer", s.visualizerHandler)
	api.Get("/stream", s.wsHub.UpgradeHandler())
	api.Get("/stats", s.statsHandler)
	api.Get("/config", s.configHandler)

	playback := api.Group("/playback")
	playback.Post("/load", s.loadHandler)
	playback.Post("/toggle", s.toggleHandler)

	eq := api.Group("/eq")
	eq.Get("/presets", s.presetsHandler)
	eq.Post("/preset", s.presetHandler)
	eq.Post("/enabled", s.eqEnabledHandler)
	eq.Post("/bands/:index", s.bandHandler)

	api.Post("/volume", s.volumeHandler)

	tone := api.Group("/tone")
	tone.Post("/start", s.toneStartHandler)
	tone.Post("/update", s.toneUpdateHandler)
	tone.Post("/stop", s.toneStopHandler)

	api.Post("/remote/check", s.remoteCheckHandler)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// parseBody decodes a JSON body and rejects empty or malformed input
func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return errors.New("request body required")
	}
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Health.GetStatus())
}

// stateHandler returns the current snapshot
func (s *Server) stateHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Manager.Snapshot())
}

// visualizerHandler returns the latest visualization frame
func (s *Server) visualizerHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Reducer.Frame())
}

func (s *Server) loadHandler(c *fiber.Ctx) error {
	var req struct {
		Media string `json:"media"`
	}
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Media) == "" {
		return badRequest(c, "media is required")
	}

	if err := s.deps.Manager.Load(c.UserContext(), req.Media); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
			"state": s.deps.Manager.Snapshot(),
		})
	}
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) toggleHandler(c *fiber.Ctx) error {
	s.deps.Manager.TogglePlayback(c.UserContext())
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) presetsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"presets": equalizer.Presets()})
}

func (s *Server) presetHandler(c *fiber.Ctx) error {
	var req struct {
		Preset string `json:"preset"`
	}
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	preset, err := equalizer.ParsePreset(req.Preset)
	if err != nil {
		return badRequest(c, err.Error())
	}

	switch err := s.deps.Manager.ApplyPreset(preset); {
	case err == nil:
	case errors.Is(err, control.ErrNoSession):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) eqEnabledHandler(c *fiber.Ctx) error {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Enabled == nil {
		return badRequest(c, "enabled is required")
	}

	s.deps.Manager.ToggleEqualizer(*req.Enabled)
	return c.JSON(s.deps.Manager.Snapshot())
}

// bandHandler sets one band. An out of range index is a no-op, not an error.
func (s *Server) bandHandler(c *fiber.Ctx) error {
	index, err := c.ParamsInt("index")
	if err != nil {
		return badRequest(c, "band index must be an integer")
	}

	var req struct {
		Gain *float64 `json:"gain"`
	}
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Gain == nil {
		return badRequest(c, "gain is required")
	}

	s.deps.Manager.SetBandLevel(index, *req.Gain)
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) volumeHandler(c *fiber.Ctx) error {
	var req struct {
		Level *float64 `json:"level"`
	}
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Level == nil {
		return badRequest(c, "level is required")
	}

	s.deps.Manager.SetVolume(*req.Level)
	return c.JSON(s.deps.Manager.Snapshot())
}

type toneRequest struct {
	Frequency *float64 `json:"frequency"`
	Amplitude *float64 `json:"amplitude"`
}

// values fills missing fields from the current generator state
func (r toneRequest) values(cur generator.State) (float64, float64) {
	freq, amp := cur.FrequencyHz, cur.Amplitude
	if r.Frequency != nil {
		freq = *r.Frequency
	}
	if r.Amplitude != nil {
		amp = *r.Amplitude
	}
	return freq, amp
}

func (s *Server) toneStartHandler(c *fiber.Ctx) error {
	var req toneRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "malformed body: "+err.Error())
		}
	}

	freq, amp := req.values(s.deps.Manager.Snapshot().Generator)
	if err := s.deps.Manager.StartTone(freq, amp); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) toneUpdateHandler(c *fiber.Ctx) error {
	var req toneRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	freq, amp := req.values(s.deps.Manager.Snapshot().Generator)
	s.deps.Manager.SetTone(freq, amp)
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) toneStopHandler(c *fiber.Ctx) error {
	s.deps.Manager.StopTone()
	return c.JSON(s.deps.Manager.Snapshot())
}

func (s *Server) remoteCheckHandler(c *fiber.Ctx) error {
	connected := s.deps.Manager.CheckConnection(c.UserContext())
	return c.JSON(fiber.Map{"connected": connected})
}

// configHandler returns the server configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"stream_hz":        s.cfg.StreamHz,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
		},
		"visualizer": s.deps.Reducer.Config(),
	})
}

// statsHandler returns statistics of every attached component
func (s *Server) statsHandler(c *fiber.Ctx) error {
	stats := fiber.Map{
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"websocket_clients": s.wsHub.ClientCount(),
		"control":           s.deps.Manager.GetStats(),
		"visualizer":        s.deps.Reducer.GetStats(),
	}
	if s.deps.Mirror != nil {
		stats["remote"] = s.deps.Mirror.GetStats()
	}
	if s.deps.Generator != nil {
		stats["generator"] = s.deps.Generator.GetStats()
	}
	if s.deps.Engine != nil {
		stats["engine"] = s.deps.Engine.GetStats()
	}
	if s.deps.Telemetry != nil {
		stats["telemetry"] = s.deps.Telemetry.GetStats()
	}
	return c.JSON(stats)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	snap := s.deps.Manager.Snapshot()
	ctl := s.deps.Manager.GetStats()
	vis := s.deps.Reducer.GetStats()

	var b strings.Builder
	gauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", name, help, name, name, value)
	}
	counter := func(name, help string, value uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
	}

	gauge("go_eqlink_volume", "Current volume level (0..1)", snap.Volume)
	gauge("go_eqlink_playing", "Playback state (1=playing, 0=paused or stopped)", boolToFloat(snap.Playback == control.Playing))
	gauge("go_eqlink_equalizer_enabled", "Local equalizer enabled (1=enabled)", boolToFloat(snap.Equalizer.Enabled))
	gauge("go_eqlink_equalizer_bands", "Number of equalizer bands", float64(len(snap.Equalizer.Bands)))
	gauge("go_eqlink_tone_enabled", "Signal generator running (1=running)", boolToFloat(snap.Generator.Enabled))
	gauge("go_eqlink_tone_frequency_hz", "Signal generator frequency", snap.Generator.FrequencyHz)
	gauge("go_eqlink_remote_connected", "Last remote probe result (1=reachable)", boolToFloat(snap.RemoteConnected))
	gauge("go_eqlink_state_version", "Snapshot version", float64(snap.Version))
	counter("go_eqlink_intents_total", "User intents received", ctl.Intents)
	counter("go_eqlink_intents_ignored_total", "Intents ignored as no-ops", ctl.Ignored)
	counter("go_eqlink_failures_total", "Failed intents", ctl.Failures)
	counter("go_eqlink_mirror_enqueued_total", "Commands queued for the remote device", ctl.Mirrored)
	counter("go_eqlink_mirror_dropped_total", "Commands dropped on a full queue", ctl.MirrorDropped)
	counter("go_eqlink_frames_total", "Visualization frames published", vis.FramesPublished)

	if s.deps.Mirror != nil {
		ms := s.deps.Mirror.GetStats()
		counter("go_eqlink_remote_sent_total", "Commands delivered to the remote device", ms.Sent)
		counter("go_eqlink_remote_errors_total", "Commands that failed to deliver", ms.Failed)
	}
	if s.deps.Generator != nil {
		gs := s.deps.Generator.GetStats()
		counter("go_eqlink_tone_buffers_total", "Tone buffers written", gs.BuffersWritten)
		counter("go_eqlink_tone_write_errors_total", "Tone sink write errors", gs.WriteErrors)
	}
	if s.deps.Engine != nil {
		es := s.deps.Engine.GetStats()
		counter("go_eqlink_engine_capture_frames_total", "Capture buffers delivered", es.CaptureFrames)
		gauge("go_eqlink_engine_active_sessions", "Open playback sessions", float64(es.ActiveSessions))
	}
	if s.deps.Telemetry != nil {
		ts := s.deps.Telemetry.GetStats()
		gauge("go_eqlink_telemetry_connected", "Collector uplink connected (1=connected)", boolToFloat(ts.Connected))
		counter("go_eqlink_telemetry_sent_total", "Messages sent to the collector", ts.MessagesSent)
	}

	gauge("go_eqlink_uptime_seconds", "Server uptime in seconds", math.Floor(time.Since(s.startTime).Seconds()))
	gauge("go_eqlink_websocket_clients", "Current WebSocket client count", float64(s.wsHub.ClientCount()))

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
