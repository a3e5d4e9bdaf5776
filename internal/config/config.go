// Package config provides configuration management for go-eqlink
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Control    ControlConfig    `mapstructure:"control"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Visualizer VisualizerConfig `mapstructure:"visualizer"`
	Generator  GeneratorConfig  `mapstructure:"generator"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	StreamHz        int           `mapstructure:"stream_hz"` // max frame pushes per second on /api/stream
}

// ControlConfig configures the state manager
type ControlConfig struct {
	DefaultVolume float64       `mapstructure:"default_volume"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Media         string        `mapstructure:"media"` // loaded at startup when set
}

// RemoteConfig configures the external sound device
type RemoteConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchSpacing time.Duration `mapstructure:"batch_spacing"`
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
}

// Addr returns host:port
func (r RemoteConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// VisualizerConfig configures waveform and spectrum reduction.
// Divisor and SmoothWindow are calibration values.
type VisualizerConfig struct {
	HistorySize   int     `mapstructure:"history_size"`
	DisplayPoints int     `mapstructure:"display_points"`
	SmoothWindow  int     `mapstructure:"smooth_window"`
	BarCount      int     `mapstructure:"bar_count"`
	Divisor       float64 `mapstructure:"divisor"`
	CurveExponent float64 `mapstructure:"curve_exponent"`
}

// GeneratorConfig configures the tone generator and its output
type GeneratorConfig struct {
	SampleRate   int     `mapstructure:"sample_rate"`
	BufferSize   int     `mapstructure:"buffer_size"`
	MinFrequency float64 `mapstructure:"min_frequency"`
	MaxFrequency float64 `mapstructure:"max_frequency"`
	Output       string  `mapstructure:"output"` // speaker, wav, aplay, memory
	WAVPath      string  `mapstructure:"wav_path"`
	Player       string  `mapstructure:"player"`
}

// EngineConfig configures the software playback backend
type EngineConfig struct {
	SampleRate  int     `mapstructure:"sample_rate"`
	Output      string  `mapstructure:"output"` // speaker, null
	CaptureHz   int     `mapstructure:"capture_hz"`
	CaptureSize int     `mapstructure:"capture_size"`
	Q           float64 `mapstructure:"q"`
}

// TelemetryConfig configures the collector uplink; an empty URL disables it
type TelemetryConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	FrameInterval    time.Duration `mapstructure:"frame_interval"`
}

// HealthConfig configures periodic health probes
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	USBProbe bool          `mapstructure:"usb_probe"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Generator and engine output kinds
const (
	OutputSpeaker = "speaker"
	OutputWAV     = "wav"
	OutputAplay   = "aplay"
	OutputMemory  = "memory"
	OutputNull    = "null"
)

// MinBatchSpacing is the smallest gap the remote device accepts between
// commands of one batch
const MinBatchSpacing = 60 * time.Millisecond

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			StreamHz:        20,
		},
		Control: ControlConfig{
			DefaultVolume: 0.7,
			ProbeInterval: 10 * time.Second,
		},
		Remote: RemoteConfig{
			Host:         "192.168.100.98",
			Port:         8080,
			Timeout:      3 * time.Second,
			BatchSpacing: MinBatchSpacing,
			QueueSize:    32,
			Workers:      2,
		},
		Visualizer: VisualizerConfig{
			HistorySize:   1024,
			DisplayPoints: 512,
			SmoothWindow:  5,
			BarCount:      32,
			Divisor:       100,
			CurveExponent: 0.7,
		},
		Generator: GeneratorConfig{
			SampleRate:   44100,
			BufferSize:   2048,
			MinFrequency: 20,
			MaxFrequency: 20000,
			Output:       OutputSpeaker,
			WAVPath:      "tone.wav",
			Player:       "aplay",
		},
		Engine: EngineConfig{
			SampleRate:  44100,
			Output:      OutputSpeaker,
			CaptureHz:   20,
			CaptureSize: 1024,
			Q:           1.4,
		},
		Telemetry: TelemetryConfig{
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			FrameInterval:    200 * time.Millisecond,
		},
		Health: HealthConfig{
			Interval: 5 * time.Second,
			USBProbe: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Config file not found is okay, use defaults
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Only warn, don't fail - we have defaults
				fmt.Printf("Warning: config file not found at %s, using defaults\n", path)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("EQLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")
	v.SetDefault("server.stream_hz", d.Server.StreamHz)

	// Control defaults
	v.SetDefault("control.default_volume", d.Control.DefaultVolume)
	v.SetDefault("control.probe_interval", "10s")
	v.SetDefault("control.media", "")

	// Remote device defaults
	v.SetDefault("remote.host", d.Remote.Host)
	v.SetDefault("remote.port", d.Remote.Port)
	v.SetDefault("remote.timeout", "3s")
	v.SetDefault("remote.batch_spacing", "60ms")
	v.SetDefault("remote.queue_size", d.Remote.QueueSize)
	v.SetDefault("remote.workers", d.Remote.Workers)

	// Visualizer calibration
	v.SetDefault("visualizer.history_size", d.Visualizer.HistorySize)
	v.SetDefault("visualizer.display_points", d.Visualizer.DisplayPoints)
	v.SetDefault("visualizer.smooth_window", d.Visualizer.SmoothWindow)
	v.SetDefault("visualizer.bar_count", d.Visualizer.BarCount)
	v.SetDefault("visualizer.divisor", d.Visualizer.Divisor)
	v.SetDefault("visualizer.curve_exponent", d.Visualizer.CurveExponent)

	// Generator defaults
	v.SetDefault("generator.sample_rate", d.Generator.SampleRate)
	v.SetDefault("generator.buffer_size", d.Generator.BufferSize)
	v.SetDefault("generator.min_frequency", d.Generator.MinFrequency)
	v.SetDefault("generator.max_frequency", d.Generator.MaxFrequency)
	v.SetDefault("generator.output", d.Generator.Output)
	v.SetDefault("generator.wav_path", d.Generator.WAVPath)
	v.SetDefault("generator.player", d.Generator.Player)

	// Engine defaults
	v.SetDefault("engine.sample_rate", d.Engine.SampleRate)
	v.SetDefault("engine.output", d.Engine.Output)
	v.SetDefault("engine.capture_hz", d.Engine.CaptureHz)
	v.SetDefault("engine.capture_size", d.Engine.CaptureSize)
	v.SetDefault("engine.q", d.Engine.Q)

	// Telemetry defaults (disabled without url)
	v.SetDefault("telemetry.url", "")
	v.SetDefault("telemetry.reconnect_backoff", "1s")
	v.SetDefault("telemetry.max_backoff", "30s")
	v.SetDefault("telemetry.ping_interval", "10s")
	v.SetDefault("telemetry.frame_interval", "200ms")

	// Health defaults
	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.usb_probe", d.Health.USBProbe)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.StreamHz < 1 || c.Server.StreamHz > 60 {
		return fmt.Errorf("stream_hz must be between 1 and 60, got %d", c.Server.StreamHz)
	}

	if c.Control.DefaultVolume < 0 || c.Control.DefaultVolume > 1 {
		return fmt.Errorf("default_volume must be between 0 and 1, got %f", c.Control.DefaultVolume)
	}

	if c.Remote.Host == "" {
		return fmt.Errorf("remote host is required")
	}

	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return fmt.Errorf("invalid remote port: %d", c.Remote.Port)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %v", c.Remote.Timeout)
	}

	if c.Remote.BatchSpacing < MinBatchSpacing {
		return fmt.Errorf("remote batch_spacing must be at least %v, got %v", MinBatchSpacing, c.Remote.BatchSpacing)
	}
	if c.Remote.QueueSize < 1 || c.Remote.Workers < 1 {
		return fmt.Errorf("remote queue_size and workers must be positive")
	}

	if c.Visualizer.DisplayPoints < 1 || c.Visualizer.BarCount < 1 {
		return fmt.Errorf("visualizer display_points and bar_count must be positive")
	}

	if c.Visualizer.Divisor <= 0 {
		return fmt.Errorf("visualizer divisor must be positive, got %f", c.Visualizer.Divisor)
	}

	if c.Generator.SampleRate < 8000 || c.Generator.SampleRate > 192000 {
		return fmt.Errorf("generator sample_rate must be between 8000 and 192000, got %d", c.Generator.SampleRate)
	}

	switch c.Generator.Output {
	case OutputSpeaker, OutputAplay, OutputMemory:
	case OutputWAV:
		if c.Generator.WAVPath == "" {
			return fmt.Errorf("generator wav_path is required for wav output")
		}
	default:
		return fmt.Errorf("unknown generator output: %q", c.Generator.Output)
	}

	if c.Engine.SampleRate < 8000 || c.Engine.SampleRate > 192000 {
		return fmt.Errorf("engine sample_rate must be between 8000 and 192000, got %d", c.Engine.SampleRate)
	}

	switch c.Engine.Output {
	case OutputSpeaker, OutputNull:
	default:
		return fmt.Errorf("unknown engine output: %q", c.Engine.Output)
	}

	if c.Engine.CaptureHz < 1 || c.Engine.CaptureHz > 100 {
		return fmt.Errorf("capture_hz must be between 1 and 100, got %d", c.Engine.CaptureHz)
	}

	if c.Telemetry.URL != "" && !strings.HasPrefix(c.Telemetry.URL, "ws://") && !strings.HasPrefix(c.Telemetry.URL, "wss://") {
		return fmt.Errorf("telemetry url must be ws:// or wss://, got %q", c.Telemetry.URL)
	}

	return nil
}
