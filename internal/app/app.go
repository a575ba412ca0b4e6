// Package app wires the voxlive subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session manager and
// the HTTP surface from the config and the registry-built providers, Run
// serves until the context is cancelled, and Shutdown releases the voice
// session and stops the server.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithListener, ...). Providers are always passed in by the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/internal/control"
	"github.com/MrWong99/voxlive/internal/health"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/resilience"
	"github.com/MrWong99/voxlive/internal/session"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

const (
	readHeaderTimeout     = 10 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// Providers holds the two pluggable implementations. Populated by main.go via
// the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	listener       net.Listener

	breaker *resilience.CircuitBreaker
	manager *session.Manager
	server  *http.Server

	// closers are called in order during Shutdown, after the session and
	// the server have stopped.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. The default is
// promhttp.Handler, serving the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads change the log level of the
// logger built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is opened
// until a client asks to connect.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: no s2s provider configured")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: no audio backend configured")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Breaker in front of session opens ─────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "s2s",
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Info("app: breaker state changed", "name", name, "from", from, "to", to)
		},
	})

	// ── 2. Session manager ───────────────────────────────────────────────
	a.manager = session.NewManager(session.Config{
		Provider: resilience.GuardProvider(providers.S2S, a.breaker),
		Backend:  providers.Audio,
		Session: s2s.SessionConfig{
			Voice:        cfg.Session.Voice,
			Instructions: cfg.Session.Instructions,
		},
		FrameSize:     cfg.Session.FrameSize,
		OutboundQueue: cfg.Session.OutboundQueue,
		CloseTimeout:  cfg.Session.CloseTimeout,
		Metrics:       a.metrics,
	})

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	control.New(a.manager,
		control.WithConnectTimeout(cfg.Server.ConnectTimeout),
		control.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	).Register(mux)
	health.New(
		health.SessionCheck(a.manager),
		health.BreakerCheck(a.breaker),
	).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Backends holding process-wide audio state release it last.
	if c, ok := providers.Audio.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Breaker returns the circuit breaker guarding session opens.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Handler returns the root HTTP handler, including the observe middleware.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level immediately, and the voice and instructions on the next
// connect. Other changes are logged as requiring a restart. It has the
// signature of a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged || d.InstructionsChanged {
		a.manager.SetSessionConfig(s2s.SessionConfig{
			Voice:        new.Session.Voice,
			Instructions: new.Session.Instructions,
		})
		slog.Info("app: session config updated; applies on next connect",
			"voice", new.Session.Voice,
			"instructions_changed", d.InstructionsChanged,
		)
	}
	restart := d.RestartRequired
	if d.SessionChanged && !d.VoiceChanged && !d.InstructionsChanged {
		restart = append(restart, "session")
	}
	if len(restart) > 0 {
		slog.Warn("app: configuration changes need a restart", "sections", restart)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. When ctx is
// done, Run stops the server and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("app: server shutdown incomplete", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the voice session, stops the HTTP server and runs the
// registered closers. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Release the microphone, the speaker and the remote session first.
		if err := a.manager.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
