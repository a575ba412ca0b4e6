// Package playback turns inbound audio chunks into gapless, cancellable
// playback on an [audio.OutputDevice].
//
// The [Scheduler] owns the playback timeline: the device frame at which the
// next buffer starts, and the set of buffers that are scheduled but not yet
// finished. The timeline is counted in whole device frames so that chunk
// lengths which are not a whole number of nanoseconds never accumulate drift. Arrival order is playback order. [Scheduler.Interrupt] stops every
// in-flight buffer and rewinds the timeline so the next reply starts at once.
//
// The [Player] sits in front of the scheduler and runs the decode path for a
// single encoded chunk.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
)

// InterruptReason identifies why queued playback was discarded.
type InterruptReason int

const (
	// ServerInterrupt indicates that the remote service detected the user
	// talking over the model (barge-in).
	ServerInterrupt InterruptReason = iota

	// Teardown indicates that the session is being closed.
	Teardown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case ServerInterrupt:
		return "SERVER_INTERRUPT"
	case Teardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLevelSink registers fn to receive the output volume. The scheduler
// writes 0 when the last in-flight buffer ends and on interruption. fn may be
// called from the device audio thread and must not block.
func WithLevelSink(fn func(float64)) Option {
	return func(s *Scheduler) { s.level = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler places buffers back to back on the output device clock.
//
// All exported methods are safe for concurrent use. Buffer completion
// callbacks arrive on the device audio thread; the timeline and the in-flight
// set are guarded by a single mutex so that completion, enqueue and
// interruption are serialised.
type Scheduler struct {
	out     audio.OutputDevice
	rate    int64
	level   func(float64)
	metrics *observe.Metrics

	mu       sync.Mutex
	next     int64 // device frame
	inflight map[uint64]audio.Source
	seq      uint64
}

// NewScheduler creates a scheduler for out with an empty timeline.
func NewScheduler(out audio.OutputDevice, opts ...Option) *Scheduler {
	rate := int64(out.SampleRate())
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	s := &Scheduler{
		out:      out,
		rate:     rate,
		inflight: make(map[uint64]audio.Source),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue schedules frame to start at max(next start, device now), registers
// it as in flight and advances the next start by the frame's length in device
// frames. It returns the scheduled start time.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startFrame := max(s.next, s.toFrames(s.out.CurrentTime()))
	start := s.toDuration(startFrame)

	s.seq++
	id := s.seq
	src, err := s.out.Schedule(frame, start, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.inflight[id] = src
	s.next = startFrame + s.length(frame)
	s.metrics.InFlightSources.Add(context.Background(), 1)
	return start, nil
}

// ended is the completion callback for buffer id.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	_, ok := s.inflight[id]
	delete(s.inflight, id)
	idle := len(s.inflight) == 0
	s.mu.Unlock()

	if !ok {
		// Already removed by an interruption.
		return
	}
	s.metrics.InFlightSources.Add(context.Background(), -1)
	if idle && s.level != nil {
		s.level(0)
	}
}

// Interrupt stops every in-flight buffer, empties the in-flight set and
// resets the timeline to zero so that the next buffer starts at the current
// device time. Stop failures (typically "already stopped") are ignored.
// It returns the number of buffers that were stopped.
func (s *Scheduler) Interrupt(reason InterruptReason) int {
	s.mu.Lock()
	srcs := make([]audio.Source, 0, len(s.inflight))
	for id, src := range s.inflight {
		srcs = append(srcs, src)
		delete(s.inflight, id)
	}
	s.next = 0
	s.mu.Unlock()

	for _, src := range srcs {
		if err := src.Stop(); err != nil {
			slog.Debug("playback: stop source", "reason", reason.String(), "err", err)
		}
	}
	if n := len(srcs); n > 0 {
		s.metrics.InFlightSources.Add(context.Background(), -int64(n))
	}
	if s.level != nil {
		s.level(0)
	}
	return len(srcs)
}

// Reset discards all playback state. It is Interrupt for teardown.
func (s *Scheduler) Reset() {
	s.Interrupt(Teardown)
}

// InFlight returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// NextStartTime returns the device time at which the next enqueued buffer
// would start, ignoring the current clock.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(s.next)
}

// ── Frame clock ──────────────────────────────────────────────────────────────

// length returns how many device frames frame occupies once the device has
// resampled it to its own rate.
func (s *Scheduler) length(frame audio.AudioFrame) int64 {
	n := int64(len(frame.Samples))
	if frame.SampleRate <= 0 || int64(frame.SampleRate) == s.rate {
		return n
	}
	return n * s.rate / int64(frame.SampleRate)
}

// toFrames rounds d to the nearest device frame.
func (s *Scheduler) toFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec, rem := int64(d/time.Second), int64(d%time.Second)
	return sec*s.rate + (rem*s.rate+int64(time.Second)/2)/int64(time.Second)
}

// toDuration converts a device frame index to device time, truncating to the
// nanosecond. toFrames(toDuration(n)) == n for every n.
func (s *Scheduler) toDuration(n int64) time.Duration {
	sec, rem := n/s.rate, n%s.rate
	return time.Duration(sec)*time.Second + time.Duration(rem*int64(time.Second)/s.rate)
}
