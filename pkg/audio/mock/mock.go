// Package mock provides in-memory mock implementations of the
// [audio.Backend], [audio.CaptureDevice], [audio.OutputDevice] and
// [audio.Source] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	capture, _ := backend.OpenCapture(ctx, audio.CaptureConfig{})
//	backend.LastCapture().Push(frame)
//	out, _ := backend.OpenOutput(ctx, audio.OutputConfig{})
//	backend.LastOutput().SetTime(250 * time.Millisecond)
//	backend.LastOutput().Finish(0) // fire onEnded of the first scheduled buffer
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Backend       = (*Backend)(nil)
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.Source        = (*Source)(nil)
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Tests feed
// frames with [CaptureDevice.Push].
type CaptureDevice struct {
	mu     sync.Mutex
	ch     chan audio.AudioFrame
	closed bool

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureDevice returns a capture device whose frame channel holds up to
// buffer frames.
func NewCaptureDevice(buffer int) *CaptureDevice {
	return &CaptureDevice{ch: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureDevice].
func (c *CaptureDevice) Frames() <-chan audio.AudioFrame {
	return c.ch
}

// Push delivers frame to the consumer. It reports false when the device is
// closed or the buffer is full.
func (c *CaptureDevice) Push(frame audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- frame:
		return true
	default:
		return false
	}
}

// Close implements [audio.CaptureDevice]. The frame channel is closed on the
// first call; every call returns CloseError.
func (c *CaptureDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return c.CloseError
}

// CloseCalls returns how many times Close was called.
func (c *CaptureDevice) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// Closed reports whether Close has been called.
func (c *CaptureDevice) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// Source is a buffer recorded by [OutputDevice.Schedule].
type Source struct {
	dev *OutputDevice

	// Frame and At are the arguments passed to Schedule.
	Frame audio.AudioFrame
	At    time.Duration

	onEnded   func()
	stopCalls int
	finished  bool
}

// Stop implements [audio.Source]. Returns the device's StopError.
func (s *Source) Stop() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.stopCalls++
	return s.dev.StopError
}

// StopCalls returns how many times Stop was called.
func (s *Source) StopCalls() int {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.stopCalls
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually driven clock.
type OutputDevice struct {
	mu  sync.Mutex
	now time.Duration

	// Rate is returned by SampleRate. Zero means [audio.PlaybackSampleRate].
	Rate int

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// StopError is returned by every scheduled source's Stop.
	StopError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	scheduled []*Source
}

// SampleRate implements [audio.OutputDevice].
func (o *OutputDevice) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return audio.PlaybackSampleRate
	}
	return o.Rate
}

// CurrentTime implements [audio.OutputDevice].
func (o *OutputDevice) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the device clock to d.
func (o *OutputDevice) SetTime(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Schedule implements [audio.OutputDevice]. It records the call and returns a
// [*Source], or ScheduleError.
func (o *OutputDevice) Schedule(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	s := &Source{dev: o, Frame: frame, At: at, onEnded: onEnded}
	o.scheduled = append(o.scheduled, s)
	return s, nil
}

// Close implements [audio.OutputDevice].
func (o *OutputDevice) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// CloseCalls returns how many times Close was called.
func (o *OutputDevice) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Sources returns a copy of every source scheduled so far, in order.
func (o *OutputDevice) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Finish simulates source i playing to completion: its onEnded callback is
// invoked once, on the calling goroutine. Finishing a source twice is a no-op.
func (o *OutputDevice) Finish(i int) {
	o.mu.Lock()
	s := o.scheduled[i]
	fn := s.onEnded
	if s.finished {
		fn = nil
	}
	s.finished = true
	o.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend]. Every successful open
// creates a fresh mock device, retrievable with LastCapture / LastOutput.
type Backend struct {
	mu sync.Mutex

	// OpenCaptureError is returned by OpenCapture when non-nil.
	OpenCaptureError error

	// OpenOutputError is returned by OpenOutput when non-nil.
	OpenOutputError error

	// CaptureBuffer is the frame buffer size of created capture devices.
	// Zero means 16.
	CaptureBuffer int

	// CaptureCalls and OutputCalls record the configs passed to each open.
	CaptureCalls []audio.CaptureConfig
	OutputCalls  []audio.OutputConfig

	captures []*CaptureDevice
	outputs  []*OutputDevice
}

// OpenCapture implements [audio.Backend].
func (b *Backend) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CaptureCalls = append(b.CaptureCalls, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.OpenCaptureError != nil {
		return nil, b.OpenCaptureError
	}
	n := b.CaptureBuffer
	if n == 0 {
		n = 16
	}
	d := NewCaptureDevice(n)
	b.captures = append(b.captures, d)
	return d, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OutputCalls = append(b.OutputCalls, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.OpenOutputError != nil {
		return nil, b.OpenOutputError
	}
	d := &OutputDevice{Rate: cfg.SampleRate}
	b.outputs = append(b.outputs, d)
	return d, nil
}

// LastCapture returns the most recently opened capture device, or nil.
func (b *Backend) LastCapture() *CaptureDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captures) == 0 {
		return nil
	}
	return b.captures[len(b.captures)-1]
}

// LastOutput returns the most recently opened output device, or nil.
func (b *Backend) LastOutput() *OutputDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outputs) == 0 {
		return nil
	}
	return b.outputs[len(b.outputs)-1]
}
