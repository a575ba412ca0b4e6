package config_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  connect_timeout: 10s
  allowed_origins:
    - ui.example.com
    - "*.internal.example"

providers:
  s2s:
    name: gemini-live
    api_key: test-key
    model: gemini-2.0-flash-live-001
  audio:
    name: miniaudio
    options:
      period_frames: 240

session:
  voice: Kore
  instructions: Answer briefly.
  frame_size: 2048
  outbound_queue: 16
  close_timeout: 500ms

resilience:
  max_failures: 5
  reset_timeout: 1m
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.ConnectTimeout != 10*time.Second {
		t.Errorf("server.connect_timeout: got %s, want 10s", cfg.Server.ConnectTimeout)
	}
	if !slices.Equal(cfg.Server.AllowedOrigins, []string{"ui.example.com", "*.internal.example"}) {
		t.Errorf("server.allowed_origins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.S2S.Name != "gemini-live" || cfg.Providers.S2S.APIKey != "test-key" {
		t.Errorf("providers.s2s: got %+v", cfg.Providers.S2S)
	}
	period, ok, err := cfg.Providers.Audio.OptionInt("period_frames")
	if err != nil || !ok || period != 240 {
		t.Errorf("providers.audio.options.period_frames: got %d ok=%v err=%v, want 240", period, ok, err)
	}
	if cfg.Session.Voice != "Kore" {
		t.Errorf("session.voice: got %q, want %q", cfg.Session.Voice, "Kore")
	}
	if cfg.Session.Instructions != "Answer briefly." {
		t.Errorf("session.instructions: got %q", cfg.Session.Instructions)
	}
	if cfg.Session.FrameSize != 2048 {
		t.Errorf("session.frame_size: got %d, want 2048", cfg.Session.FrameSize)
	}
	if cfg.Session.OutboundQueue != 16 {
		t.Errorf("session.outbound_queue: got %d, want 16", cfg.Session.OutboundQueue)
	}
	if cfg.Session.CloseTimeout != 500*time.Millisecond {
		t.Errorf("session.close_timeout: got %s, want 500ms", cfg.Session.CloseTimeout)
	}
	if cfg.Resilience.MaxFailures != 5 {
		t.Errorf("resilience.max_failures: got %d, want 5", cfg.Resilience.MaxFailures)
	}
	if cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience.reset_timeout: got %s, want 1m", cfg.Resilience.ResetTimeout)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Server.ConnectTimeout != 30*time.Second {
			t.Errorf("connect_timeout: got %s, want 30s", cfg.Server.ConnectTimeout)
		}
		if cfg.Providers.S2S.Name != "gemini-live" {
			t.Errorf("providers.s2s.name: got %q", cfg.Providers.S2S.Name)
		}
		if cfg.Providers.Audio.Name != "miniaudio" {
			t.Errorf("providers.audio.name: got %q", cfg.Providers.Audio.Name)
		}
		if cfg.Session.Voice != "Puck" {
			t.Errorf("session.voice: got %q, want Puck", cfg.Session.Voice)
		}
		if cfg.Session.FrameSize != 4096 || cfg.Session.OutboundQueue != 32 {
			t.Errorf("session sizes: got frame_size=%d outbound_queue=%d", cfg.Session.FrameSize, cfg.Session.OutboundQueue)
		}
		if cfg.Session.CloseTimeout != 2*time.Second {
			t.Errorf("session.close_timeout: got %s, want 2s", cfg.Session.CloseTimeout)
		}
		if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != 30*time.Second {
			t.Errorf("resilience: got %+v", cfg.Resilience)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  volume: 11
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "volume") {
		t.Errorf("error should mention the unknown field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/voxlive.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// ── Provider options ─────────────────────────────────────────────────────────

func TestProviderEntry_OptionInt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		options map[string]any
		want    int
		wantOK  bool
		wantErr bool
	}{
		{name: "missing", options: nil},
		{name: "int", options: map[string]any{"n": 480}, want: 480, wantOK: true},
		{name: "whole float", options: map[string]any{"n": 480.0}, want: 480, wantOK: true},
		{name: "fractional float", options: map[string]any{"n": 1.5}, wantErr: true},
		{name: "string", options: map[string]any{"n": "480"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := config.ProviderEntry{Options: tc.options}
			got, ok, err := e.OptionInt("n")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("got (%d, %v), want (%d, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateAudio(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubS2S{}
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("stub", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return want, nil
	})
	p, err := reg.CreateS2S(config.ProviderEntry{Name: "stub", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("CreateS2S did not return the factory's provider")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory entry api_key: got %q, want %q", gotEntry.APIKey, "k")
	}
}

func TestRegistry_RegisteredAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubBackend{}
	reg.RegisterAudio("stub", func(config.ProviderEntry) (audio.Backend, error) {
		return want, nil
	})
	b, err := reg.CreateAudio(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != want {
		t.Error("CreateAudio did not return the factory's backend")
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first, second := &stubS2S{}, &stubS2S{}
	reg.RegisterS2S("stub", func(config.ProviderEntry) (s2s.Provider, error) { return first, nil })
	reg.RegisterS2S("stub", func(config.ProviderEntry) (s2s.Provider, error) { return second, nil })
	p, err := reg.CreateS2S(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != second {
		t.Error("second registration should replace the first")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterAudio("broken", func(config.ProviderEntry) (audio.Backend, error) {
		return nil, wantErr
	})
	_, err := reg.CreateAudio(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations (satisfy interfaces for the compiler) ────────────────

// stubS2S implements s2s.Provider.
type stubS2S struct{ _ int }

func (s *stubS2S) Connect(_ context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
	return nil, nil
}
func (s *stubS2S) Capabilities() s2s.S2SCapabilities { return s2s.S2SCapabilities{} }

// stubBackend implements audio.Backend.
type stubBackend struct{}

func (s *stubBackend) OpenCapture(_ context.Context, _ audio.CaptureConfig) (audio.CaptureDevice, error) {
	return nil, nil
}
func (s *stubBackend) OpenOutput(_ context.Context, _ audio.OutputConfig) (audio.OutputDevice, error) {
	return nil, nil
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.level.SlogLevel(); got != tc.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tc.level, got, tc.want)
		}
	}
}
