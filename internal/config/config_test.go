package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Remote.Addr() != "192.168.100.98:8080" {
		t.Errorf("expected remote addr 192.168.100.98:8080, got %s", cfg.Remote.Addr())
	}

	if cfg.Remote.BatchSpacing != 60*time.Millisecond {
		t.Errorf("expected batch_spacing 60ms, got %v", cfg.Remote.BatchSpacing)
	}

	if cfg.Visualizer.BarCount != 32 || cfg.Visualizer.DisplayPoints != 512 {
		t.Errorf("unexpected visualizer defaults %+v", cfg.Visualizer)
	}

	if cfg.Generator.SampleRate != 44100 {
		t.Errorf("expected generator sample_rate 44100, got %d", cfg.Generator.SampleRate)
	}

	if cfg.Telemetry.URL != "" {
		t.Errorf("expected telemetry disabled, got url %q", cfg.Telemetry.URL)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// Load with non-existent file should use defaults
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Remote.Timeout != 3*time.Second {
		t.Errorf("expected default remote timeout 3s, got %v", cfg.Remote.Timeout)
	}

	if cfg.Control.DefaultVolume != 0.7 {
		t.Errorf("expected default volume 0.7, got %f", cfg.Control.DefaultVolume)
	}
}

func TestLoad_WithFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
remote:
  host: 10.0.0.5
  port: 9090
  batch_spacing: 100ms
visualizer:
  divisor: 80
  smooth_window: 3
generator:
  output: wav
  wav_path: /tmp/tone.wav
telemetry:
  url: ws://collector.local:9000/ingest
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Remote.Addr() != "10.0.0.5:9090" {
		t.Errorf("expected remote addr 10.0.0.5:9090, got %s", cfg.Remote.Addr())
	}

	if cfg.Remote.BatchSpacing != 100*time.Millisecond {
		t.Errorf("expected batch_spacing 100ms, got %v", cfg.Remote.BatchSpacing)
	}

	// Unset keys keep defaults
	if cfg.Remote.Workers != 2 {
		t.Errorf("expected default workers 2, got %d", cfg.Remote.Workers)
	}

	if cfg.Visualizer.Divisor != 80 || cfg.Visualizer.SmoothWindow != 3 {
		t.Errorf("unexpected visualizer calibration %+v", cfg.Visualizer)
	}

	if cfg.Generator.Output != OutputWAV || cfg.Generator.WAVPath != "/tmp/tone.wav" {
		t.Errorf("unexpected generator output %+v", cfg.Generator)
	}

	if cfg.Telemetry.URL != "ws://collector.local:9000/ingest" {
		t.Errorf("unexpected telemetry url %q", cfg.Telemetry.URL)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EQLINK_SERVER_PORT", "7777")
	t.Setenv("EQLINK_REMOTE_HOST", "esp32.local")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.Remote.Host != "esp32.local" {
		t.Errorf("expected remote host esp32.local from env, got %s", cfg.Remote.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "stream_hz above limit",
			modify: func(c *Config) {
				c.Server.StreamHz = 120
			},
			wantErr: true,
		},
		{
			name: "default volume out of range",
			modify: func(c *Config) {
				c.Control.DefaultVolume = 1.5
			},
			wantErr: true,
		},
		{
			name: "missing remote host",
			modify: func(c *Config) {
				c.Remote.Host = ""
			},
			wantErr: true,
		},
		{
			name: "zero remote workers",
			modify: func(c *Config) {
				c.Remote.Workers = 0
			},
			wantErr: true,
		},
		{
			name: "zero batch spacing",
			modify: func(c *Config) {
				c.Remote.BatchSpacing = 0
			},
			wantErr: true,
		},
		{
			name: "negative batch spacing",
			modify: func(c *Config) {
				c.Remote.BatchSpacing = -5 * time.Nanosecond
			},
			wantErr: true,
		},
		{
			name: "batch spacing below device minimum",
			modify: func(c *Config) {
				c.Remote.BatchSpacing = 59 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "batch spacing above minimum",
			modify: func(c *Config) {
				c.Remote.BatchSpacing = 100 * time.Millisecond
			},
			wantErr: false,
		},
		{
			name: "zero divisor",
			modify: func(c *Config) {
				c.Visualizer.Divisor = 0
			},
			wantErr: true,
		},
		{
			name: "unknown generator output",
			modify: func(c *Config) {
				c.Generator.Output = "bluetooth"
			},
			wantErr: true,
		},
		{
			name: "wav output without path",
			modify: func(c *Config) {
				c.Generator.Output = OutputWAV
				c.Generator.WAVPath = ""
			},
			wantErr: true,
		},
		{
			name: "null engine output",
			modify: func(c *Config) {
				c.Engine.Output = OutputNull
			},
			wantErr: false,
		},
		{
			name: "http telemetry url",
			modify: func(c *Config) {
				c.Telemetry.URL = "http://collector.local"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}
