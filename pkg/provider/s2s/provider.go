// Package s2s defines the Provider interface for speech-to-speech (S2S)
// conversational backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and streams synthesised audio back over a single, stateful session.
// The central abstraction is SessionHandle: outbound audio goes through Send,
// inbound audio and turn signals arrive on the Messages channel.
//
// Audio payloads cross this boundary in their encoded text form (base64 of
// 16-bit little-endian PCM); decoding is the caller's job so that malformed
// chunks can be dropped without affecting the session.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Send after the session has been closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// Blob is one encoded media payload.
type Blob struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 encoding of the raw PCM bytes.
	Data string
}

// Message is one push from the remote service. A single message may carry
// audio, an interruption signal, or both; audio is always listed first and
// must be handled before the interruption.
type Message struct {
	// Audio holds zero or more inline audio chunks in arrival order.
	Audio []Blob

	// Interrupted reports that the service detected the user talking over
	// the model; all queued output audio should be discarded.
	Interrupted bool

	// TurnComplete reports that the model finished its current reply.
	TurnComplete bool
}

// SessionConfig is the initial configuration for a new S2S session. The
// response modality is always audio.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Puck").
	Voice string

	// Instructions is an optional system-level prompt.
	Instructions string
}

// S2SCapabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type S2SCapabilities struct {
	// InputSampleRate is the PCM rate the service expects on Send.
	InputSampleRate int

	// OutputSampleRate is the default PCM rate of inbound audio.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly. All methods must be safe for concurrent
// use. Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Send delivers one encoded audio chunk to the service. Returns
	// [ErrSessionClosed] after Close, or a transport error.
	Send(blob Blob) error

	// Messages returns the channel on which service pushes arrive. The channel
	// is closed when the session ends for any reason. After it closes, call
	// [SessionHandle.Err] to learn whether the session ended cleanly.
	// Consumers must drain this channel promptly.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil if the remote side
	// closed it normally or Close was called.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session and returns once the service has
	// acknowledged it. The supplied ctx bounds the connection attempt only.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, invalid voice, ctx cancelled). The caller owns the handle and
	// is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() S2SCapabilities
}
