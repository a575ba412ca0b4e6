package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlive/internal/capture"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/playback"
	"github.com/MrWong99/voxlive/internal/resilience"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Defaults applied by [NewManager] to zero-valued [Config] fields.
const (
	DefaultFrameSize    = 4096
	DefaultCloseTimeout = 2 * time.Second
)

// Config holds the dependencies and tuning of a [Manager].
type Config struct {
	// Provider opens the remote session. Wrap it with
	// [resilience.GuardProvider] to fail fast after repeated open failures.
	Provider s2s.Provider

	// Backend opens the capture and output devices.
	Backend audio.Backend

	// Session is the configuration sent when the remote session opens.
	Session s2s.SessionConfig

	// FrameSize is the capture block size in samples. Default: 4096.
	FrameSize int

	// OutboundQueue bounds the number of encoded frames waiting to be sent.
	// Default: [capture.DefaultQueueSize].
	OutboundQueue int

	// CloseTimeout bounds how long teardown waits for the remote session to
	// close. Default: 2s.
	CloseTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// TracerProvider records the session.connect span. Defaults to the
	// global provider.
	TracerProvider trace.TracerProvider
}

// Manager owns the devices and the remote session of at most one live
// connection. All exported methods are safe for concurrent use.
type Manager struct {
	provider     s2s.Provider
	backend      audio.Backend
	frameSize    int
	queueSize    int
	closeTimeout time.Duration
	metrics      *observe.Metrics
	tracer       trace.Tracer

	// Volumes are written from the capture loop and the audio thread and
	// read by Snapshot; each field has one logical writer.
	inputLevel  atomic.Uint64
	outputLevel atomic.Uint64

	mu         sync.Mutex
	state      ConnectionState
	errMsg     string
	sessionID  string
	since      time.Time
	sessCfg    s2s.SessionConfig
	gen        uint64
	cur        *conn
	released   chan struct{}      // closed when the last detached conn is torn down
	connecting chan struct{}      // closed when the in-flight Connect returns
	cancelConn context.CancelFunc // aborts the in-flight Connect
	closed     bool
}

// conn is one live connection and everything it holds.
type conn struct {
	id      string
	capture audio.CaptureDevice
	output  audio.OutputDevice
	handle  s2s.SessionHandle
	sched   *playback.Scheduler
	player  *playback.Player
	pipe    *capture.Pipeline

	runCtx     context.Context
	stop       context.CancelFunc
	started    bool
	done       chan struct{} // closed when the event loop exits
	senderDone chan struct{} // closed when the sender loop exits
	released   chan struct{} // closed when teardown completes
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		provider:     cfg.Provider,
		backend:      cfg.Backend,
		frameSize:    cfg.FrameSize,
		queueSize:    cfg.OutboundQueue,
		closeTimeout: cfg.CloseTimeout,
		metrics:      cfg.Metrics,
		tracer:       observe.TracerFrom(cfg.TracerProvider),
		sessCfg:      cfg.Session,
		since:        time.Now(),
	}
	if m.frameSize <= 0 {
		m.frameSize = DefaultFrameSize
	}
	if m.queueSize <= 0 {
		m.queueSize = capture.DefaultQueueSize
	}
	if m.closeTimeout <= 0 {
		m.closeTimeout = DefaultCloseTimeout
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetSessionConfig replaces the configuration used by the next Connect. A
// live connection keeps the configuration it was opened with.
func (m *Manager) SetSessionConfig(cfg s2s.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessCfg = cfg
}

// Snapshot returns the current state, volumes and error message.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		State:     m.state,
		Error:     m.errMsg,
		SessionID: m.sessionID,
		Since:     m.since,
	}
	m.mu.Unlock()
	s.Volume = Volume{
		Input:  math.Float64frombits(m.inputLevel.Load()),
		Output: math.Float64frombits(m.outputLevel.Load()),
	}
	return s
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setInputLevel(v float64)  { m.inputLevel.Store(math.Float64bits(v)) }
func (m *Manager) setOutputLevel(v float64) { m.outputLevel.Store(math.Float64bits(v)) }

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(s ConnectionState, msg string) {
	if m.state != s {
		slog.Info("session: state changed", "from", m.state.String(), "to", s.String(), "session_id", m.sessionID)
	}
	m.state = s
	m.errMsg = msg
	m.since = time.Now()
}

// Connect opens the capture device, the output device and the remote
// session, then starts the event loop. The state moves from Disconnected
// (or Error) to Connecting and then to Connected, or to Error with a
// human-readable message when any step fails. Nothing stays open after a
// failed Connect.
//
// A concurrent Disconnect aborts the attempt. ctx bounds the opening phase
// only; the connection outlives it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.gen++
	gen := m.gen
	id := uuid.NewString()
	m.sessionID = id
	m.setStateLocked(Connecting, "")
	sessCfg := m.sessCfg
	prev := m.released
	openCtx, cancel := context.WithCancel(ctx)
	pending := make(chan struct{})
	m.cancelConn = cancel
	m.connecting = pending
	m.mu.Unlock()

	defer func() {
		cancel()
		close(pending)
	}()

	// Devices of the previous connection must be released before reopening.
	if prev != nil {
		select {
		case <-prev:
		case <-openCtx.Done():
		}
	}

	start := time.Now()
	c, err := m.open(openCtx, id, sessCfg)
	m.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or Close ran while opening.
		m.mu.Unlock()
		if c != nil {
			m.teardown(c)
		}
		m.metrics.RecordSessionConnect(ctx, "aborted")
		if err != nil {
			return fmt.Errorf("%w: %w", errAborted, err)
		}
		return errAborted
	}
	m.cancelConn = nil
	if err != nil {
		m.setStateLocked(Error, describe(err))
		m.mu.Unlock()
		m.metrics.RecordSessionConnect(ctx, "error")
		observe.Logger(ctx).Warn("session: connect failed", "session_id", id, "err", err)
		return err
	}
	m.cur = c
	m.released = c.released
	m.startLocked(c)
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.setStateLocked(Connected, "")
	m.mu.Unlock()

	m.metrics.RecordSessionConnect(ctx, "ok")
	observe.Logger(ctx).Info("session: connected", "session_id", id, "voice", sessCfg.Voice)
	return nil
}

// open acquires every resource of a connection. On error every resource it
// acquired has been released.
func (m *Manager) open(ctx context.Context, id string, sessCfg s2s.SessionConfig) (c *conn, err error) {
	ctx, span := m.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.String("voice", sessCfg.Voice),
	))
	defer func() { observe.EndSpan(span, err) }()

	var (
		capDev audio.CaptureDevice
		outDev audio.OutputDevice
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := m.backend.OpenCapture(gctx, audio.CaptureConfig{
			SampleRate: audio.CaptureSampleRate,
			FrameSize:  m.frameSize,
		})
		if err != nil {
			return fmt.Errorf("session: open microphone: %w", err)
		}
		capDev = d
		return nil
	})
	g.Go(func() error {
		d, err := m.backend.OpenOutput(gctx, audio.OutputConfig{
			SampleRate: audio.PlaybackSampleRate,
		})
		if err != nil {
			return fmt.Errorf("session: open speaker: %w", err)
		}
		outDev = d
		return nil
	})
	err = g.Wait()

	closeDevices := func() {
		if capDev != nil {
			if cerr := capDev.Close(); cerr != nil {
				slog.Warn("session: close microphone", "session_id", id, "err", cerr)
			}
		}
		if outDev != nil {
			if cerr := outDev.Close(); cerr != nil {
				slog.Warn("session: close speaker", "session_id", id, "err", cerr)
			}
		}
	}
	if err != nil {
		closeDevices()
		return nil, err
	}

	handle, err := m.provider.Connect(ctx, sessCfg)
	if err != nil {
		closeDevices()
		return nil, fmt.Errorf("session: open voice session: %w", err)
	}

	sched := playback.NewScheduler(outDev,
		playback.WithLevelSink(m.setOutputLevel),
		playback.WithMetrics(m.metrics),
	)
	c = &conn{
		id:      id,
		capture: capDev,
		output:  outDev,
		handle:  handle,
		sched:   sched,
		player: playback.NewPlayer(sched, outDev.SampleRate(),
			playback.WithPlayerLevelSink(m.setOutputLevel),
			playback.WithPlayerMetrics(m.metrics),
		),
		pipe: capture.NewPipeline(
			capture.WithQueueSize(m.queueSize),
			capture.WithLevelSink(m.setInputLevel),
			capture.WithMetrics(m.metrics),
		),
		done:       make(chan struct{}),
		senderDone: make(chan struct{}),
		released:   make(chan struct{}),
	}
	c.pipe.Attach(handle)
	c.runCtx, c.stop = context.WithCancel(context.WithoutCancel(ctx))
	return c, nil
}

// startLocked launches the sender and the event loop of c. Must be called
// with m.mu held, together with installing c as the live connection, so
// that a remote close can never race ahead of m.cur.
func (m *Manager) startLocked(c *conn) {
	c.started = true
	go func() {
		defer close(c.senderDone)
		_ = c.pipe.Run(c.runCtx)
	}()
	go m.run(c.runCtx, c)
}

// Disconnect releases every resource held by the manager and moves it to
// Disconnected. It aborts an in-flight Connect, suppresses teardown errors,
// and is a no-op when nothing is held. It is safe to call in any state and
// from any goroutine, any number of times.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	pending := m.connecting
	c := m.detachLocked()
	if m.state != Disconnected {
		m.setStateLocked(Disconnected, "")
	}
	released := m.released
	m.mu.Unlock()

	if c != nil {
		m.teardown(c)
	}
	// Wait for an aborted Connect to release what it opened, and for a
	// teardown started by a remote close.
	for _, ch := range []chan struct{}{pending, released} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("session: disconnect: %w", ctx.Err())
		}
	}
	m.setInputLevel(0)
	m.setOutputLevel(0)
	return nil
}

// Close disconnects and rejects further Connect calls. It is meant for
// process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.closeTimeout)
	defer cancel()
	return m.Disconnect(ctx)
}

// detachLocked takes ownership of the live connection away from the manager
// and invalidates any in-flight Connect. Must be called with m.mu held.
func (m *Manager) detachLocked() *conn {
	m.gen++
	c := m.cur
	m.cur = nil
	if c != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	return c
}

// teardown releases everything c holds, in order: event loop and sender,
// remote session, capture device, playback state, output device. Errors are
// logged and swallowed. Safe to call exactly once per conn.
func (m *Manager) teardown(c *conn) {
	defer close(c.released)

	c.stop()
	if c.started {
		<-c.done
		<-c.senderDone
	}

	closed := make(chan error, 1)
	go func() { closed <- c.handle.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			slog.Warn("session: close voice session", "session_id", c.id, "err", err)
		}
	case <-time.After(m.closeTimeout):
		slog.Warn("session: close voice session timed out", "session_id", c.id, "timeout", m.closeTimeout)
	}

	if err := c.capture.Close(); err != nil {
		slog.Warn("session: close microphone", "session_id", c.id, "err", err)
	}
	audio.Drain(c.capture.Frames())
	c.pipe.Detach()

	if n := c.sched.InFlight(); n > 0 {
		slog.Debug("session: discarding playback", "session_id", c.id, "in_flight", n)
	}
	c.sched.Reset()
	if err := c.output.Close(); err != nil {
		slog.Warn("session: close speaker", "session_id", c.id, "err", err)
	}

	m.setInputLevel(0)
	m.setOutputLevel(0)
	slog.Info("session: released", "session_id", c.id)
}

// end handles a connection that finished on its own: remote close, remote
// error or device loss. It runs on the event loop goroutine after the loop
// has exited.
func (m *Manager) end(c *conn, cause error) {
	m.mu.Lock()
	if m.cur != c {
		// Disconnect already owns the teardown.
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	if cause != nil {
		m.setStateLocked(Error, describe(cause))
	} else {
		m.setStateLocked(Disconnected, "")
	}
	m.mu.Unlock()

	if cause != nil {
		slog.Warn("session: ended with error", "session_id", c.id, "err", cause)
	} else {
		slog.Info("session: closed by remote", "session_id", c.id)
	}
	m.teardown(c)
}

// describe turns a connect or session failure into a message for the user.
func describe(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Allow access and connect again."
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "The voice service is failing repeatedly. Wait a moment and connect again."
	case errors.Is(err, errCaptureStopped):
		return "The microphone stopped delivering audio."
	default:
		return err.Error()
	}
}
