// Package audio defines the audio types, codec and device interfaces used by
// voxlive.
//
// The two device abstractions are:
//
//   - [CaptureDevice] delivers fixed-size microphone frames on a channel.
//   - [OutputDevice] plays buffers at caller-chosen positions on its own
//     monotonic clock and reports when each buffer finishes.
//
// Both are obtained from a [Backend]. Implementations live in sub-packages
// (audio/malgo for real hardware, audio/nullaudio for headless runs,
// audio/mock for tests).
//
// This package lives under pkg/ because external code is expected to provide
// additional backends.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the operating system refuses
	// access to an audio device.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceClosed is returned when a device is used after Close.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// CaptureConfig configures a capture device.
type CaptureConfig struct {
	// SampleRate requested from the device in Hz.
	SampleRate int

	// FrameSize is the number of samples per delivered frame.
	FrameSize int

	// Buffer is the capacity of the frame channel. Frames are dropped when
	// the consumer falls this far behind.
	Buffer int
}

// OutputConfig configures an output device.
type OutputConfig struct {
	// SampleRate requested from the device in Hz.
	SampleRate int
}

// CaptureDevice is an open microphone stream.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Frames returns the channel on which captured frames arrive. The channel
	// is closed after Close or when the device fails.
	Frames() <-chan AudioFrame

	// Close stops capture and releases the device. Calling Close more than
	// once is a no-op.
	Close() error
}

// Source is a single buffer scheduled on an [OutputDevice].
type Source interface {
	// Stop cancels playback of the buffer. Stopping a source that already
	// finished or was already stopped is a no-op and returns nil.
	Stop() error
}

// OutputDevice is an open speaker stream with its own playback clock.
//
// Implementations must be safe for concurrent use. onEnded callbacks may be
// invoked on the device's audio thread and must not block.
type OutputDevice interface {
	// SampleRate returns the rate at which buffers are played.
	SampleRate() int

	// CurrentTime returns the device clock. It is monotonic and starts at
	// zero when the device is opened.
	CurrentTime() time.Duration

	// Schedule queues frame to start playing at the given device time. A
	// start time in the past begins immediately. onEnded, if non-nil, is
	// called once after the buffer has played to completion; it is not
	// called for stopped sources.
	Schedule(frame AudioFrame, at time.Duration, onEnded func()) (Source, error)

	// Close stops all playback and releases the device. Calling Close more
	// than once is a no-op.
	Close() error
}

// Backend opens audio devices.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenCapture acquires the microphone. Errors caused by the user or OS
	// refusing access wrap [ErrPermissionDenied].
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureDevice, error)

	// OpenOutput acquires the speaker.
	OpenOutput(ctx context.Context, cfg OutputConfig) (OutputDevice, error)
}
