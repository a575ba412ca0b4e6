// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for the voxlive server.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voxlive server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding [slog.Level]. Unknown and empty
// levels map to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultConnectTimeout = 30 * time.Second
	DefaultS2SProvider    = "gemini-live"
	DefaultAudioBackend   = "miniaudio"
	DefaultVoice          = "Puck"
	DefaultFrameSize      = 4096
	DefaultOutboundQueue  = 32
	DefaultCloseTimeout   = 2 * time.Second
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second
)

// Config is the root configuration structure for voxlive.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the voxlive server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied on hot reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns (e.g. "ui.example.com" or
	// "*.example.com") whose pages may open the control WebSocket. Same-origin
	// pages are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ConnectTimeout bounds how long a connect request may spend opening the
	// devices and the remote session. Default: 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the speech-to-speech service and the audio device
// backend. Each field names an implementation registered in the [Registry].
type ProvidersConfig struct {
	S2S   ProviderEntry `yaml:"s2s"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "gemini-live", "miniaudio").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds implementation-specific settings that have no dedicated
	// field, such as period_frames for the miniaudio backend.
	Options map[string]any `yaml:"options"`
}

// OptionInt returns the integer option stored under key. YAML numbers decode
// as int, but float values with no fractional part are accepted as well.
func (e ProviderEntry) OptionInt(key string) (int, bool, error) {
	v, ok := e.Options[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n == float64(int(n)) {
			return int(n), true, nil
		}
	}
	return 0, false, fmt.Errorf("config: option %q: want integer, got %v", key, v)
}

// SessionConfig controls how each voice session is opened.
type SessionConfig struct {
	// Voice is the prebuilt voice the service speaks with. Default: Puck.
	Voice string `yaml:"voice"`

	// Instructions is an optional system prompt sent during setup.
	Instructions string `yaml:"instructions"`

	// FrameSize is the capture block size in samples. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// OutboundQueue bounds the number of encoded microphone frames waiting to
	// be sent. The oldest frame is dropped on overflow. Default: 32.
	OutboundQueue int `yaml:"outbound_queue"`

	// CloseTimeout bounds how long teardown waits for the remote session to
	// close. Default: 2s.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// ResilienceConfig tunes the circuit breaker in front of session opens.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed connects before further
	// attempts fail fast. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long connects fail fast before a probe is allowed.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ConnectTimeout == 0 {
		cfg.Server.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2SProvider
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = DefaultAudioBackend
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	if cfg.Session.FrameSize == 0 {
		cfg.Session.FrameSize = DefaultFrameSize
	}
	if cfg.Session.OutboundQueue == 0 {
		cfg.Session.OutboundQueue = DefaultOutboundQueue
	}
	if cfg.Session.CloseTimeout == 0 {
		cfg.Session.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
