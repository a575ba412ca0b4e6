// Command voxlive is the main entry point for the voxlive voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/voxlive/internal/app"
	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/miniaudio"
	"github.com/MrWong99/voxlive/pkg/audio/nullaudio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxlive/pkg/provider/s2s/gemini"
	oairealtime "github.com/MrWong99/voxlive/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlive.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", config.DefaultWatchInterval, "how often to poll the config file for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlive: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlive: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxlive",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if !watcher.Reload() {
					slog.Info("config reload requested; nothing changed")
				}
			}
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		return oairealtime.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio("miniaudio", func(entry config.ProviderEntry) (audio.Backend, error) {
		var opts []miniaudio.Option
		period, ok, err := entry.OptionInt("period_frames")
		if err != nil {
			return nil, err
		}
		if ok {
			opts = append(opts, miniaudio.WithPeriod(period))
		}
		return miniaudio.New(opts...), nil
	})

	reg.RegisterAudio("null", func(config.ProviderEntry) (audio.Backend, error) {
		return nullaudio.New(), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)
	if voices := p.Capabilities().Voices; cfg.Session.Voice != "" && !slices.Contains(voices, cfg.Session.Voice) {
		slog.Warn("session.voice is not offered by the s2s provider", "voice", cfg.Session.Voice, "voices", voices)
	}

	b, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = b
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxlive: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("S2S", providerLabel(cfg.Providers.S2S.Name, cfg.Providers.S2S.Model))
	printField("Audio", providerLabel(cfg.Providers.Audio.Name, ""))
	printField("Voice", cfg.Session.Voice)
	printField("Frame size", fmt.Sprint(cfg.Session.FrameSize))
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
