package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; changes to other
// fields are listed in RestartRequired so they can be reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field in [SessionConfig] that affects
	// the next connect changed.
	SessionChanged      bool
	VoiceChanged        bool
	InstructionsChanged bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart, e.g. "server.listen_addr" or "providers.s2s".
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session
	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
	}
	if old.Session.Instructions != new.Session.Instructions {
		d.InstructionsChanged = true
	}
	d.SessionChanged = d.VoiceChanged || d.InstructionsChanged ||
		old.Session.FrameSize != new.Session.FrameSize ||
		old.Session.OutboundQueue != new.Session.OutboundQueue ||
		old.Session.CloseTimeout != new.Session.CloseTimeout

	// Restart-only sections.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Server.ConnectTimeout != new.Server.ConnectTimeout {
		d.RestartRequired = append(d.RestartRequired, "server.connect_timeout")
	}
	if !equalEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !equalEntry(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers.audio")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalEntry compares two provider entries. Options are compared by key and
// by their printed value, which is sufficient for YAML scalars.
func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
