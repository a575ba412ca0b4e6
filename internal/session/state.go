// Package session owns the lifecycle of one live voice conversation: the
// capture device, the output device and the remote session are opened
// together by [Manager.Connect] and released together by
// [Manager.Disconnect], a remote close or a fatal error.
//
// While connected, a single event loop per connection consumes captured
// frames and inbound session messages in arrival order and drives the
// capture pipeline, the playback scheduler and barge-in interruption.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionState is the externally visible state of the [Manager].
type ConnectionState int

const (
	// Disconnected means no devices or session are held.
	Disconnected ConnectionState = iota

	// Connecting means devices and the remote session are being opened.
	Connecting

	// Connected means audio is flowing in both directions.
	Connected

	// Error means the last connection attempt or the live session failed.
	// The manager holds no resources in this state; only an explicit
	// Connect leaves it.
	Error
)

// String returns the lower-case name of the state, as used in the JSON API.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for _, c := range []ConnectionState{Disconnected, Connecting, Connected, Error} {
		if string(b) == c.String() {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("session: unknown connection state %q", b)
}

// Volume is the pair of normalised loudness levels shown to the user.
type Volume struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Snapshot is a consistent view of the manager for the UI boundary.
type Snapshot struct {
	State     ConnectionState `json:"state"`
	Volume    Volume          `json:"volume"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Since     time.Time       `json:"since"`
}

var (
	// ErrAlreadyActive is returned by Connect while a connection is being
	// opened or is open.
	ErrAlreadyActive = errors.New("session: already connecting or connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session: manager closed")

	// errAborted is returned by Connect when Disconnect cancelled it.
	errAborted = errors.New("session: connect aborted")

	// errCaptureStopped ends a connection whose capture device went away.
	errCaptureStopped = errors.New("session: capture device stopped")
)
