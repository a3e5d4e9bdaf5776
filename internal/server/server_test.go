package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-eqlink/internal/config"
	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/device"
	"github.com/teslashibe/go-eqlink/internal/engine"
	"github.com/teslashibe/go-eqlink/internal/equalizer"
	"github.com/teslashibe/go-eqlink/internal/generator"
	"github.com/teslashibe/go-eqlink/internal/health"
	"github.com/teslashibe/go-eqlink/internal/remote"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

const sampleRate = 44100

type fixture struct {
	server  *Server
	manager *control.Manager
	device  *device.Mock
	sink    *generator.MemorySink
	reducer *visualizer.Reducer
	media   string
}

// writeTone writes a mono WAV long enough to keep playing during a test
func writeTone(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	sink, err := generator.NewWAVSink(path, sampleRate)
	if err != nil {
		t.Fatalf("NewWAVSink failed: %v", err)
	}
	buf := make([]int16, sampleRate*3)
	generator.Fill(buf, generator.State{FrequencyHz: 440, Amplitude: 0.8, Enabled: true}, sampleRate, 0)
	if err := sink.Write(buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()

	cfg := config.ServerConfig{
		Port:            9000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		GracefulTimeout: 5 * time.Second,
		StreamHz:        20,
	}

	dev, err := device.NewMock("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to start mock device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	remoteCfg := remote.DefaultConfig()
	remoteCfg.Addr = dev.Addr()
	remoteCfg.Timeout = 500 * time.Millisecond
	remoteCfg.BatchSpacing = 5 * time.Millisecond
	remoteCfg.Workers = 1
	mirror := remote.NewMirror(remote.NewClient(remoteCfg, nil), remoteCfg, nil)
	t.Cleanup(func() { mirror.Close() })

	out := engine.NewNullOutput(sampleRate)
	t.Cleanup(func() { out.Close() })
	eng := engine.New(engine.DefaultConfig(), out, nil)

	sink := &generator.MemorySink{Limit: sampleRate}
	gen := generator.New(generator.DefaultConfig(), generator.MemorySinkFactory(sink), nil)

	reducer := visualizer.NewReducer(visualizer.DefaultConfig(), nil)
	t.Cleanup(reducer.Close)

	mgr := control.New(control.DefaultConfig(), eng, mirror, reducer, gen, nil)
	t.Cleanup(func() { mgr.Close() })

	checker := health.NewChecker("test")
	checker.SetComponent("engine", true, "")

	srv := New(cfg, Deps{
		Manager:   mgr,
		Reducer:   reducer,
		Health:    checker,
		Mirror:    mirror,
		Generator: gen,
		Engine:    eng,
	}, nil, "test")

	return &fixture{server: srv, manager: mgr, device: dev, sink: sink, reducer: reducer, media: writeTone(t)}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeSnapshot(t *testing.T, body []byte) control.Snapshot {
	t.Helper()
	var snap control.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("failed to parse snapshot: %v (%s)", err, body)
	}
	return snap
}

func (f *fixture) load(t *testing.T) control.Snapshot {
	t.Helper()
	status, body := f.do(t, "POST", "/api/playback/load", `{"media":"`+f.media+`"}`)
	if status != 200 {
		t.Fatalf("load status = %d, body %s", status, body)
	}
	return decodeSnapshot(t, body)
}

func TestServer_Health(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/health", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	var result health.Status
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if result.Version != "test" {
		t.Errorf("expected version 'test', got %v", result.Version)
	}
	if result.Status != "ok" {
		t.Errorf("expected status ok, got %s", result.Status)
	}
	if _, ok := result.Components["engine"]; !ok {
		t.Error("expected engine component")
	}
}

func TestServer_InitialState(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/api/state", "")
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	snap := decodeSnapshot(t, body)
	if snap.Playback != control.Stopped {
		t.Errorf("Playback = %s, want stopped", snap.Playback)
	}
	if snap.Volume != 0.7 {
		t.Errorf("Volume = %v, want 0.7", snap.Volume)
	}
	if len(snap.Equalizer.Bands) != 0 {
		t.Errorf("expected no bands before load, got %d", len(snap.Equalizer.Bands))
	}
}

func TestServer_Visualizer(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/api/visualizer", "")
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	var frame visualizer.Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("failed to parse frame: %v", err)
	}
	if !frame.Neutral || len(frame.Amplitudes) != 32 {
		t.Errorf("expected neutral frame with 32 bars, got neutral=%v bars=%d", frame.Neutral, len(frame.Amplitudes))
	}
}

func TestServer_LoadMirrorsToDevice(t *testing.T) {
	f := setupTestServer(t)

	snap := f.load(t)
	if snap.Playback != control.Playing {
		t.Errorf("Playback = %s, want playing", snap.Playback)
	}
	if len(snap.Equalizer.Bands) != 5 {
		t.Errorf("expected 5 bands, got %d", len(snap.Equalizer.Bands))
	}
	if snap.Equalizer.Preset != equalizer.Flat {
		t.Errorf("Preset = %s, want flat", snap.Equalizer.Preset)
	}

	if !f.device.WaitFor(2, 2*time.Second) {
		t.Fatalf("device received %v, want PLAY and VOL", f.device.Commands())
	}
	state := f.device.State()
	if !state.Playing || state.Volume != 70 {
		t.Errorf("device state = %+v, want playing at volume 70", state)
	}
}

func TestServer_LoadErrors(t *testing.T) {
	f := setupTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"media":`, 400},
		{"empty body", ``, 400},
		{"missing media", `{}`, 400},
		{"unsupported format", `{"media":"/tmp/song.flac"}`, 422},
		{"missing file", `{"media":"/nonexistent/song.wav"}`, 422},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, "POST", "/api/playback/load", tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%s)", status, tt.status, body)
			}
		})
	}

	if f.manager.Snapshot().Playback != control.Stopped {
		t.Error("failed loads should leave playback stopped")
	}
}

func TestServer_Toggle(t *testing.T) {
	f := setupTestServer(t)
	f.load(t)

	_, body := f.do(t, "POST", "/api/playback/toggle", "")
	if snap := decodeSnapshot(t, body); snap.Playback != control.Paused {
		t.Errorf("Playback = %s, want paused", snap.Playback)
	}

	_, body = f.do(t, "POST", "/api/playback/toggle", "")
	if snap := decodeSnapshot(t, body); snap.Playback != control.Playing {
		t.Errorf("Playback = %s, want playing", snap.Playback)
	}
}

func TestServer_Bands(t *testing.T) {
	f := setupTestServer(t)
	loaded := f.load(t)

	status, body := f.do(t, "POST", "/api/eq/bands/2", `{"gain":30}`)
	if status != 200 {
		t.Fatalf("status = %d (%s)", status, body)
	}
	snap := decodeSnapshot(t, body)
	if snap.Equalizer.Bands[2].Gain != 15 {
		t.Errorf("band 2 gain = %v, want clamped 15", snap.Equalizer.Bands[2].Gain)
	}
	if snap.Equalizer.Preset != equalizer.Custom {
		t.Errorf("Preset = %s, want custom", snap.Equalizer.Preset)
	}

	// Out of range index is a no-op
	status, body = f.do(t, "POST", "/api/eq/bands/9", `{"gain":3}`)
	if status != 200 {
		t.Errorf("out of range status = %d, want 200", status)
	}
	if got := decodeSnapshot(t, body); got.Version != snap.Version {
		t.Errorf("version changed from %d to %d on out of range band", snap.Version, got.Version)
	}

	if status, _ := f.do(t, "POST", "/api/eq/bands/abc", `{"gain":3}`); status != 400 {
		t.Errorf("non-numeric index status = %d, want 400", status)
	}
	if status, _ := f.do(t, "POST", "/api/eq/bands/1", `{"gain":`); status != 400 {
		t.Errorf("malformed body status = %d, want 400", status)
	}
	if status, _ := f.do(t, "POST", "/api/eq/bands/1", `{}`); status != 400 {
		t.Errorf("missing gain status = %d, want 400", status)
	}

	if loaded.Version >= snap.Version {
		t.Errorf("version did not advance: %d -> %d", loaded.Version, snap.Version)
	}
}

func TestServer_Presets(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/api/eq/presets", "")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	var list struct {
		Presets []equalizer.Preset `json:"presets"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("failed to parse presets: %v", err)
	}
	if len(list.Presets) == 0 {
		t.Error("expected at least one preset")
	}

	if status, _ := f.do(t, "POST", "/api/eq/preset", `{"preset":"rock"}`); status != 409 {
		t.Errorf("preset without session status = %d, want 409", status)
	}

	f.load(t)

	if status, _ := f.do(t, "POST", "/api/eq/preset", `{"preset":"polka"}`); status != 400 {
		t.Errorf("unknown preset status = %d, want 400", status)
	}

	status, body = f.do(t, "POST", "/api/eq/preset", `{"preset":"rock"}`)
	if status != 200 {
		t.Fatalf("rock status = %d (%s)", status, body)
	}
	snap := decodeSnapshot(t, body)
	want, _ := equalizer.Rock.Gains()
	for i, b := range snap.Equalizer.Bands {
		if b.Gain != want[i] {
			t.Errorf("band %d gain = %v, want %v", i, b.Gain, want[i])
		}
	}
	if snap.Equalizer.Preset != equalizer.Rock {
		t.Errorf("Preset = %s, want rock", snap.Equalizer.Preset)
	}
}

func TestServer_EqualizerEnabled(t *testing.T) {
	f := setupTestServer(t)
	f.load(t)

	status, body := f.do(t, "POST", "/api/eq/enabled", `{"enabled":false}`)
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if decodeSnapshot(t, body).Equalizer.Enabled {
		t.Error("equalizer should be disabled")
	}

	if status, _ := f.do(t, "POST", "/api/eq/enabled", `{}`); status != 400 {
		t.Errorf("missing enabled status = %d, want 400", status)
	}
}

func TestServer_Volume(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "POST", "/api/volume", `{"level":1.7}`)
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if v := decodeSnapshot(t, body).Volume; v != 1 {
		t.Errorf("Volume = %v, want clamped 1", v)
	}

	if !f.device.WaitFor(1, 2*time.Second) {
		t.Fatal("device did not receive the volume command")
	}
	if f.device.State().Volume != 100 {
		t.Errorf("device volume = %d, want 100", f.device.State().Volume)
	}

	if status, _ := f.do(t, "POST", "/api/volume", `not json`); status != 400 {
		t.Errorf("malformed volume status = %d, want 400", status)
	}
}

func TestServer_Tone(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "POST", "/api/tone/start", `{"frequency":440,"amplitude":0.25}`)
	if status != 200 {
		t.Fatalf("start status = %d (%s)", status, body)
	}
	gen := decodeSnapshot(t, body).Generator
	if !gen.Enabled || gen.FrequencyHz != 440 || gen.Amplitude != 0.25 {
		t.Errorf("generator = %+v, want enabled 440 Hz at 0.25", gen)
	}

	status, body = f.do(t, "POST", "/api/tone/update", `{"frequency":50000}`)
	if status != 200 {
		t.Fatalf("update status = %d", status)
	}
	gen = decodeSnapshot(t, body).Generator
	if gen.FrequencyHz != 20000 || gen.Amplitude != 0.25 {
		t.Errorf("generator = %+v, want clamped 20000 Hz keeping amplitude", gen)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.sink.Writes() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	status, body = f.do(t, "POST", "/api/tone/stop", "")
	if status != 200 {
		t.Fatalf("stop status = %d", status)
	}
	if decodeSnapshot(t, body).Generator.Enabled {
		t.Error("generator should be stopped")
	}
	if f.sink.Writes() == 0 {
		t.Error("expected the tone to reach the sink")
	}
}

func TestServer_RemoteCheck(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "POST", "/api/remote/check", "")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}

	var result struct {
		Connected bool `json:"connected"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if !result.Connected {
		t.Error("expected mock device to be reachable")
	}
	if !f.manager.Snapshot().RemoteConnected {
		t.Error("snapshot should record the probe")
	}
}

func TestServer_Stats(t *testing.T) {
	f := setupTestServer(t)
	f.load(t)

	status, body := f.do(t, "GET", "/api/stats", "")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}

	var stats map[string]json.RawMessage
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	for _, key := range []string{"control", "visualizer", "remote", "generator", "engine"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("expected %s in stats", key)
		}
	}
	if _, ok := stats["telemetry"]; ok {
		t.Error("telemetry stats should be absent without an uplink")
	}
}

func TestServer_Metrics(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/metrics", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	bodyStr := string(body)
	expectedMetrics := []string{
		"go_eqlink_volume 0.7",
		"go_eqlink_playing 0",
		"go_eqlink_intents_total",
		"go_eqlink_mirror_dropped_total",
		"go_eqlink_remote_sent_total",
		"go_eqlink_tone_buffers_total",
		"go_eqlink_engine_active_sessions",
		"go_eqlink_websocket_clients 0",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestServer_Config(t *testing.T) {
	f := setupTestServer(t)

	status, body := f.do(t, "GET", "/api/config", "")
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}

	var result struct {
		Server struct {
			Port     int `json:"port"`
			StreamHz int `json:"stream_hz"`
		} `json:"server"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if result.Server.Port != 9000 || result.Server.StreamHz != 20 {
		t.Errorf("unexpected server config %+v", result.Server)
	}
}

func TestServer_Stream_UpgradeRequired(t *testing.T) {
	f := setupTestServer(t)

	// Non-WebSocket request should get 426
	status, _ := f.do(t, "GET", "/api/stream", "")
	if status != 426 {
		t.Errorf("expected status 426, got %d", status)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to parse message: %v", err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestServer_Stream(t *testing.T) {
	f := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go f.server.app.Listener(ln)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.WSHub().Run(ctx)
	t.Cleanup(func() { f.server.Shutdown(context.Background()) })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Current state and frame arrive on connect
	readMessage(t, conn, "state")
	readMessage(t, conn, "frame")

	conn.WriteJSON(map[string]string{"type": "ping"})
	readMessage(t, conn, "pong")

	if f.server.WSHub().ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", f.server.WSHub().ClientCount())
	}

	f.manager.SetVolume(0.3)
	for {
		msg := readMessage(t, conn, "state")
		data, _ := json.Marshal(msg.Data)
		if decodeSnapshot(t, data).Volume == 0.3 {
			break
		}
	}
}

func TestServer_StreamDeliversNeutralFrameOnPause(t *testing.T) {
	f := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go f.server.app.Listener(ln)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.WSHub().Run(ctx)
	t.Cleanup(func() { f.server.Shutdown(context.Background()) })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readMessage(t, conn, "state")
	readMessage(t, conn, "frame")

	wave := make([]int8, 1024)
	for i := range wave {
		wave[i] = int8(i % 100)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.reducer.GetStats().SubscriberCount == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A live frame immediately followed by a pause, well inside one stream interval
	f.reducer.OnWaveform(wave)
	f.reducer.Pause()
	pausedSeq := f.reducer.Frame().Seq

	for {
		msg := readMessage(t, conn, "frame")
		data, _ := json.Marshal(msg.Data)
		var frame visualizer.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Seq == pausedSeq {
			if !frame.Neutral {
				t.Error("pause frame is not neutral")
			}
			return
		}
	}
}
