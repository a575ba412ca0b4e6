// Package control exposes the session manager to a user interface over HTTP.
//
// Routes registered by [Handler.Register]:
//
//	GET  /api/state       current snapshot as JSON
//	POST /api/connect     open a session; responds once it is connected or failed
//	POST /api/disconnect  release the session
//	GET  /api/ws          WebSocket: snapshot events pushed on change,
//	                      connect/disconnect commands accepted from the client
//
// The WebSocket pushes at most one event per push interval (50ms by default),
// and only when the snapshot differs from the last one sent.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/session"
)

const (
	defaultPushInterval   = 50 * time.Millisecond
	defaultConnectTimeout = 30 * time.Second
	writeTimeout          = 5 * time.Second
)

// Controller is the part of [session.Manager] the control surface drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Snapshot() session.Snapshot
}

var _ Controller = (*session.Manager)(nil)

// Command types accepted on the WebSocket.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
)

// Event types sent on the WebSocket.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

// Command is a message from the client.
type Command struct {
	Type string `json:"type"`
}

// Event is a message to the client. Snapshot is set for [EventSnapshot],
// Error for [EventError].
type Event struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithPushInterval sets the minimum spacing between pushed snapshots.
func WithPushInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pushInterval = d
		}
	}
}

// WithConnectTimeout bounds how long a connect request may take to open the
// devices and the remote session.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.connectTimeout = d
		}
	}
}

// WithOriginPatterns lists additional host patterns allowed to open the
// WebSocket from a browser on another origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// Handler serves the control routes. It is safe for concurrent use.
type Handler struct {
	ctl            Controller
	pushInterval   time.Duration
	connectTimeout time.Duration
	originPatterns []string
}

// New creates a [Handler] driving ctl.
func New(ctl Controller, opts ...Option) *Handler {
	h := &Handler{
		ctl:            ctl,
		pushInterval:   defaultPushInterval,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.State)
	mux.HandleFunc("POST /api/connect", h.Connect)
	mux.HandleFunc("POST /api/disconnect", h.Disconnect)
	mux.HandleFunc("GET /api/ws", h.WebSocket)
}

// State writes the current snapshot.
func (h *Handler) State(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

// Connect opens a session and writes the resulting snapshot. The attempt is
// not tied to the request: a client that hangs up does not abort it.
//
// Status codes: 200 connected, 409 already connecting or connected, 503
// shutting down, 502 the attempt failed (the snapshot carries the message).
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	err := h.connect(r.Context())
	writeJSON(w, connectStatus(err), h.ctl.Snapshot())
}

// Disconnect releases the session and writes the resulting snapshot.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Disconnect(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("control: disconnect incomplete", "err", err)
	}
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.connectTimeout)
	defer cancel()
	return h.ctl.Connect(ctx)
}

func connectStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// WebSocket upgrades the request and streams snapshots until either side
// closes the connection.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("control: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx)

	go func() {
		defer cancel()
		h.readCommands(ctx, conn, log)
	}()

	if err := h.push(ctx, conn); err != nil && ctx.Err() == nil {
		log.Debug("control: websocket push stopped", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// push sends a snapshot whenever it changes, polling every pushInterval.
func (h *Handler) push(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	var last session.Snapshot
	sent := false
	for {
		snap := h.ctl.Snapshot()
		if !sent || !sameSnapshot(last, snap) {
			if err := write(ctx, conn, Event{Type: EventSnapshot, Snapshot: &snap}); err != nil {
				return err
			}
			last, sent = snap, true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readCommands handles client commands until the connection fails. Connect
// runs in the background so that the "connecting" snapshot is pushed while
// the attempt is in progress; its outcome reaches the client as a snapshot.
func (h *Handler) readCommands(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("control: websocket read failed", "err", err)
			}
			return
		}
		switch cmd.Type {
		case CommandConnect:
			go func() {
				if err := h.connect(ctx); err != nil {
					log.Debug("control: connect command failed", "err", err)
				}
			}()
		case CommandDisconnect:
			if err := h.ctl.Disconnect(ctx); err != nil {
				log.Warn("control: disconnect incomplete", "err", err)
			}
		default:
			if err := write(ctx, conn, Event{Type: EventError, Error: "unknown command " + quote(cmd.Type)}); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func sameSnapshot(a, b session.Snapshot) bool {
	return a.State == b.State &&
		a.Volume == b.Volume &&
		a.Error == b.Error &&
		a.SessionID == b.SessionID &&
		a.Since.Equal(b.Since)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response", "err", err)
	}
}
