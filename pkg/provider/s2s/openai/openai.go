// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The service works on 24 kHz PCM16 in both directions, so outbound blobs at
// any other rate are resampled before they are appended to the input buffer.
// Server-side voice activity detection drives turn taking: speech_started
// surfaces as an interruption and response.done as a completed turn.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM rate the Realtime API uses for pcm16 audio.
	SampleRate = 24000

	messageBuffer = 64
)

// outputMIME tags every inbound audio blob.
var outputMIME = fmt.Sprintf("audio/pcm;rate=%d", SampleRate)

// Voices offered by the Realtime API.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	return s2s.S2SCapabilities{
		InputSampleRate:      SampleRate,
		OutputSampleRate:     SampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               Voices,
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// the service to confirm it with session.updated. ctx bounds the handshake.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan s2s.Message, messageBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.handshake(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error
	Error *serverError `json:"error,omitempty"`
}

// serverError represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", e.Message, e.Code)
	}
	return "openai: " + e.Message
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan s2s.Message

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake configures the session and blocks until session.updated arrives.
func (s *session) handshake(ctx context.Context, cfg s2s.SessionConfig) error {
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("waiting for session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "error":
			if evt.Error != nil {
				return evt.Error
			}
			return errors.New("openai: unknown error")
		case "session.updated":
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the messages channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent reports false once the session was closed while waiting
// for the consumer.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	var m s2s.Message
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		m.Audio = []s2s.Blob{{MIMEType: outputMIME, Data: evt.Delta}}
	case "input_audio_buffer.speech_started":
		m.Interrupted = true
	case "response.done":
		m.TurnComplete = true
	case "error":
		// Error events mid-session describe a rejected client event, not a
		// dead session; the socket stays usable.
		if evt.Error != nil {
			slog.Warn("openai: server reported error", "type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
		}
		return true
	default:
		return true
	}

	select {
	case s.messages <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// toServiceRate re-encodes a blob at [SampleRate]. Blobs without a rate
// parameter are assumed to already be at the service rate.
func toServiceRate(blob s2s.Blob) (string, error) {
	rate, ok := audio.ParsePCMRate(blob.MIMEType)
	if !ok || rate == SampleRate {
		return blob.Data, nil
	}
	frame, err := audio.DecodePayload(blob.Data, rate)
	if err != nil {
		return "", err
	}
	frame.Samples = audio.ResampleMono(frame.Samples, rate, SampleRate)
	frame.SampleRate = SampleRate
	return audio.EncodeFrame(frame), nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send appends one audio chunk to the service's input buffer.
func (s *session) Send(blob s2s.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := toServiceRate(blob)
	if err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}
	if err := s.writeJSON(s.ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// Messages returns the channel on which the model's pushes arrive.
func (s *session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
