package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"audio": {"miniaudio", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	for _, p := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins %q: %w", p, err))
		}
	}
	if cfg.Server.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.connect_timeout %s must be positive", cfg.Server.ConnectTimeout))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	if cfg.Providers.S2S.Name != "" && cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty; connecting will fail until a key is configured")
	}
	if _, _, err := cfg.Providers.Audio.OptionInt("period_frames"); err != nil {
		errs = append(errs, fmt.Errorf("providers.audio.options: %w", err))
	}

	// Session
	if cfg.Session.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("session.frame_size %d must be positive", cfg.Session.FrameSize))
	}
	if cfg.Session.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("session.outbound_queue %d must be positive", cfg.Session.OutboundQueue))
	}
	if cfg.Session.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.close_timeout %s must be positive", cfg.Session.CloseTimeout))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must be positive", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must be positive", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
