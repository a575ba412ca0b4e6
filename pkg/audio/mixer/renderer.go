package mixer

import (
	"container/heap"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*Renderer)(nil)
	_ audio.Source       = (*voice)(nil)
)

const defaultQueueCap = 16

// Renderer mixes scheduled buffers into an output stream. Its clock is the
// number of frames rendered so far: it advances only when [Renderer.Render]
// is called, typically from a device data callback.
//
// All exported methods are safe for concurrent use.
type Renderer struct {
	rate int

	mu      sync.Mutex
	frame   int64     // frames rendered so far
	pending voiceHeap // not yet started, ordered by start frame
	active  []*voice  // currently contributing to output
	seq     uint64
	closed  bool
}

// New creates a Renderer that plays buffers at sampleRate. Buffers scheduled
// at another rate are resampled.
func New(sampleRate int) *Renderer {
	r := &Renderer{
		rate:    sampleRate,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	heap.Init(&r.pending)
	return r
}

// SampleRate returns the output rate.
func (r *Renderer) SampleRate() int { return r.rate }

// CurrentTime returns the position of the playback clock.
func (r *Renderer) CurrentTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesToDuration(r.frame)
}

// Schedule queues frame to start at the given clock position. A position in
// the past is moved to the current clock. onEnded is called from
// [Renderer.Render] once the last sample has been rendered.
func (r *Renderer) Schedule(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Source, error) {
	// Resampling is pure; keep it out of the lock.
	samples := frame.Samples
	if frame.SampleRate != r.rate {
		samples = audio.ResampleMono(samples, frame.SampleRate, r.rate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("mixer: schedule: %w", audio.ErrDeviceClosed)
	}

	start := r.durationToFrames(at)
	if start < r.frame {
		start = r.frame
	}

	r.seq++
	v := &voice{
		r:       r,
		samples: samples,
		start:   start,
		onEnded: onEnded,
		seq:     r.seq,
		index:   -1,
	}
	heap.Push(&r.pending, v)
	return v, nil
}

// Render mixes every source that overlaps the next len(out) frames into out,
// advances the clock by len(out) frames, and then invokes the onEnded
// callbacks of sources that finished inside the window. Mixed samples are
// clipped to [-1, 1]. After Close, Render writes silence.
func (r *Renderer) Render(out []float32) {
	clear(out)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	windowStart := r.frame
	windowEnd := windowStart + int64(len(out))

	for r.pending.Len() > 0 && r.pending[0].start < windowEnd {
		v := heap.Pop(&r.pending).(*voice)
		v.active = true
		r.active = append(r.active, v)
	}

	var ended []func()
	kept := r.active[:0]
	for _, v := range r.active {
		offset := 0
		if v.start > windowStart {
			offset = int(v.start - windowStart)
		}
		n := min(len(out)-offset, len(v.samples)-v.pos)
		for i := range n {
			out[offset+i] += v.samples[v.pos+i]
		}
		v.pos += n
		if v.pos >= len(v.samples) {
			v.done = true
			v.active = false
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(r.active[len(kept):])
	r.active = kept
	r.frame = windowEnd
	r.mu.Unlock()

	for i := range out {
		out[i] = min(max(out[i], -1), 1)
	}
	for _, fn := range ended {
		fn()
	}
}

// Advance moves the clock forward by d without producing output, firing
// onEnded for sources that finish in the skipped window.
func (r *Renderer) Advance(d time.Duration) {
	n := r.durationToFrames(d)
	if n <= 0 {
		return
	}
	r.Render(make([]float32, n))
}

// Pending returns the number of sources that have not finished or been
// stopped.
func (r *Renderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len() + len(r.active)
}

// Close stops every source without firing onEnded. Subsequent calls to
// Schedule fail with [audio.ErrDeviceClosed]. Close is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for _, v := range r.pending {
		v.done = true
		v.index = -1
	}
	for _, v := range r.active {
		v.done = true
		v.active = false
	}
	r.pending = nil
	r.active = nil
	return nil
}

// Stop implements [audio.Source].
func (v *voice) Stop() error {
	r := v.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.done {
		return nil
	}
	v.done = true
	switch {
	case v.index >= 0:
		heap.Remove(&r.pending, v.index)
	case v.active:
		v.active = false
		if i := slices.Index(r.active, v); i >= 0 {
			r.active = slices.Delete(r.active, i, i+1)
		}
	}
	return nil
}

// durationToFrames rounds to the nearest frame so that a clock reading fed
// back into Schedule lands on the frame it came from.
// Whole seconds are split off first so the products stay in range for
// sessions lasting days.
func (r *Renderer) durationToFrames(d time.Duration) int64 {
	rate := int64(r.rate)
	sec, rem := int64(d/time.Second), int64(d%time.Second)
	return sec*rate + (rem*rate+int64(time.Second)/2)/int64(time.Second)
}

func (r *Renderer) framesToDuration(n int64) time.Duration {
	rate := int64(r.rate)
	return time.Duration(n/rate)*time.Second + time.Duration(n%rate*int64(time.Second)/rate)
}
