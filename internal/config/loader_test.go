package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voxlive/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/voxlive/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tls without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_NegativeValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"connect_timeout", "server:\n  connect_timeout: -1s\n", "server.connect_timeout"},
		{"frame_size", "session:\n  frame_size: -1\n", "session.frame_size"},
		{"outbound_queue", "session:\n  outbound_queue: -4\n", "session.outbound_queue"},
		{"close_timeout", "session:\n  close_timeout: -1s\n", "session.close_timeout"},
		{"max_failures", "resilience:\n  max_failures: -2\n", "resilience.max_failures"},
		{"reset_timeout", "resilience:\n  reset_timeout: -5s\n", "resilience.reset_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error for negative %s, got nil", tc.field)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error should mention %s, got: %v", tc.field, err)
			}
		})
	}
}

func TestValidate_BadOriginPattern(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  allowed_origins: [\"ui.example.com\", \"[bad\"]\n"))
	if err == nil {
		t.Fatal("expected error for malformed origin pattern")
	}
	if !strings.Contains(err.Error(), "server.allowed_origins") || !strings.Contains(err.Error(), "[bad") {
		t.Errorf("error should name the pattern, got: %v", err)
	}
}

func TestValidate_BadAudioOption(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  audio:
    name: miniaudio
    options:
      period_frames: lots
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-integer period_frames, got nil")
	}
	if !strings.Contains(err.Error(), "period_frames") {
		t.Errorf("error should mention period_frames, got: %v", err)
	}
}

func TestValidate_UnknownProviderIsOnlyAWarning(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  s2s:
    name: someone-elses-live-api
  audio:
    name: "null"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.S2S.Name != "someone-elses-live-api" {
		t.Errorf("providers.s2s.name: got %q", cfg.Providers.S2S.Name)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  frame_size: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") || !strings.Contains(errStr, "frame_size") {
		t.Errorf("error should list every failure, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"gemini-live", "openai-realtime"} {
		if !slices.Contains(config.ValidProviderNames["s2s"], name) {
			t.Errorf(`ValidProviderNames["s2s"] should contain %q`, name)
		}
	}
	for _, name := range []string{"miniaudio", "null"} {
		if !slices.Contains(config.ValidProviderNames["audio"], name) {
			t.Errorf(`ValidProviderNames["audio"] should contain %q`, name)
		}
	}
}
