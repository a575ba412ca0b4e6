package playback_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlive/internal/playback"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/mixer"
	"github.com/MrWong99/voxlive/pkg/audio/mock"
)

// frame100ms returns a 100 ms frame at the playback rate.
func frame100ms() audio.AudioFrame {
	return audio.AudioFrame{
		Samples:    make([]float32, audio.PlaybackSampleRate/10),
		SampleRate: audio.PlaybackSampleRate,
	}
}

// levelRecorder collects values written to a level sink.
type levelRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (l *levelRecorder) set(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
}

func (l *levelRecorder) last() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return 0, false
	}
	return l.values[len(l.values)-1], true
}

func TestInterruptReason_String(t *testing.T) {
	t.Parallel()
	cases := map[playback.InterruptReason]string{
		playback.ServerInterrupt:     "SERVER_INTERRUPT",
		playback.Teardown:            "TEARDOWN",
		playback.InterruptReason(99): "UNKNOWN",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	s := playback.NewScheduler(out)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	for i, w := range want {
		got, err := s.Enqueue(frame100ms())
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if got != w {
			t.Errorf("chunk %d start = %v, want %v", i, got, w)
		}
	}
	if got := s.NextStartTime(); got != 300*time.Millisecond {
		t.Errorf("NextStartTime = %v, want 300ms", got)
	}
	if got := s.InFlight(); got != 3 {
		t.Errorf("InFlight = %d, want 3", got)
	}

	srcs := out.Sources()
	for i, w := range want {
		if srcs[i].At != w {
			t.Errorf("device source %d at %v, want %v", i, srcs[i].At, w)
		}
	}
}

func TestScheduler_LateChunkStartsNow(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	s := playback.NewScheduler(out)

	if _, err := s.Enqueue(frame100ms()); err != nil {
		t.Fatal(err)
	}
	// The queue ran dry: the clock is past the end of the first chunk.
	out.SetTime(time.Second)
	got, err := s.Enqueue(frame100ms())
	if err != nil {
		t.Fatal(err)
	}
	if got != time.Second {
		t.Errorf("start = %v, want 1s", got)
	}
	if next := s.NextStartTime(); next != 1100*time.Millisecond {
		t.Errorf("NextStartTime = %v, want 1.1s", next)
	}
}

func TestScheduler_CompletionRemovesFromInFlight(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	levels := &levelRecorder{}
	s := playback.NewScheduler(out, playback.WithLevelSink(levels.set))

	for range 2 {
		if _, err := s.Enqueue(frame100ms()); err != nil {
			t.Fatal(err)
		}
	}

	out.Finish(0)
	if got := s.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
	if _, ok := levels.last(); ok {
		t.Error("level written while playback still in flight")
	}

	out.Finish(1)
	if got := s.InFlight(); got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}
	if v, ok := levels.last(); !ok || v != 0 {
		t.Errorf("level = %v (written %v), want 0", v, ok)
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	levels := &levelRecorder{}
	s := playback.NewScheduler(out, playback.WithLevelSink(levels.set))

	for range 3 {
		if _, err := s.Enqueue(frame100ms()); err != nil {
			t.Fatal(err)
		}
	}
	out.Finish(0)
	out.SetTime(150 * time.Millisecond)

	if n := s.Interrupt(playback.ServerInterrupt); n != 2 {
		t.Errorf("Interrupt stopped %d sources, want 2", n)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
	if got := s.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime = %v, want 0", got)
	}
	if v, ok := levels.last(); !ok || v != 0 {
		t.Errorf("level = %v (written %v), want 0", v, ok)
	}

	srcs := out.Sources()
	if srcs[0].StopCalls() != 0 {
		t.Error("finished source was stopped")
	}
	for i := 1; i < 3; i++ {
		if srcs[i].StopCalls() != 1 {
			t.Errorf("source %d StopCalls = %d, want 1", i, srcs[i].StopCalls())
		}
	}

	// The next reply starts at the device's current time.
	got, err := s.Enqueue(frame100ms())
	if err != nil {
		t.Fatal(err)
	}
	if got != 150*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 150ms", got)
	}
}

func TestScheduler_InterruptIgnoresStopErrors(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{StopError: errors.New("already stopped")}
	s := playback.NewScheduler(out)

	for range 2 {
		if _, err := s.Enqueue(frame100ms()); err != nil {
			t.Fatal(err)
		}
	}
	if n := s.Interrupt(playback.ServerInterrupt); n != 2 {
		t.Errorf("Interrupt = %d, want 2", n)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
}

func TestScheduler_InterruptIdle(t *testing.T) {
	t.Parallel()
	s := playback.NewScheduler(&mock.OutputDevice{})
	if n := s.Interrupt(playback.ServerInterrupt); n != 0 {
		t.Errorf("Interrupt on idle scheduler = %d, want 0", n)
	}
	s.Reset()
	if got := s.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime = %v, want 0", got)
	}
}

func TestScheduler_LateCompletionAfterInterrupt(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	s := playback.NewScheduler(out)

	if _, err := s.Enqueue(frame100ms()); err != nil {
		t.Fatal(err)
	}
	s.Interrupt(playback.ServerInterrupt)
	if _, err := s.Enqueue(frame100ms()); err != nil {
		t.Fatal(err)
	}

	// The stopped source reports completion late; it must not remove the
	// buffer scheduled after the interruption.
	out.Finish(0)
	if got := s.InFlight(); got != 1 {
		t.Errorf("InFlight = %d, want 1", got)
	}
}

func TestScheduler_ScheduleError(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{ScheduleError: audio.ErrDeviceClosed}
	s := playback.NewScheduler(out)

	if _, err := s.Enqueue(frame100ms()); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Fatalf("Enqueue error = %v, want ErrDeviceClosed", err)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
	if got := s.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime = %v, want 0", got)
	}
}

func TestScheduler_GaplessOnRenderer(t *testing.T) {
	t.Parallel()
	r := mixer.New(audio.PlaybackSampleRate)
	s := playback.NewScheduler(r)

	a := audio.AudioFrame{Samples: []float32{0.1, 0.1, 0.1}, SampleRate: audio.PlaybackSampleRate}
	b := audio.AudioFrame{Samples: []float32{0.2, 0.2}, SampleRate: audio.PlaybackSampleRate}
	if _, err := s.Enqueue(a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(b); err != nil {
		t.Fatal(err)
	}

	buf := make([]float32, 6)
	r.Render(buf)
	want := []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v (buf %v)", i, buf[i], want[i], buf)
		}
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0 after both buffers rendered", got)
	}
}

// frameAt rounds d to the nearest frame at rate.
func frameAt(d time.Duration, rate int64) int64 {
	sec, rem := int64(d/time.Second), int64(d%time.Second)
	return sec*rate + (rem*rate+int64(time.Second)/2)/int64(time.Second)
}

func TestScheduler_OddChunkLengthsDoNotDrift(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{}
	s := playback.NewScheduler(out)

	// 1001 samples at 24 kHz is 41708333.3 ns, so a nanosecond timeline
	// loses a third of a nanosecond per chunk and overlaps the previous
	// chunk by one frame after 62500 chunks.
	const (
		chunk  = 1001
		chunks = 70000
		rate   = int64(audio.PlaybackSampleRate)
	)
	samples := make([]float32, chunk)
	for range chunks {
		frame := audio.AudioFrame{Samples: samples, SampleRate: audio.PlaybackSampleRate}
		if _, err := s.Enqueue(frame); err != nil {
			t.Fatal(err)
		}
	}

	srcs := out.Sources()
	if len(srcs) != chunks {
		t.Fatalf("scheduled %d sources, want %d", len(srcs), chunks)
	}
	for i, src := range srcs {
		if got, want := frameAt(src.At, rate), int64(i)*chunk; got != want {
			t.Fatalf("chunk %d starts at frame %d, want %d", i, got, want)
		}
	}
	if got, want := frameAt(s.NextStartTime(), rate), int64(chunks)*chunk; got != want {
		t.Errorf("NextStartTime at frame %d, want %d", got, want)
	}
	// Three chunks end exactly 125.125 ms in.
	if got, want := srcs[3].At, 125125*time.Microsecond; got != want {
		t.Errorf("chunk 3 At = %v, want %v", got, want)
	}
}

func TestScheduler_LongRunGaplessOnRenderer(t *testing.T) {
	if testing.Short() {
		t.Skip("renders 45 minutes of audio")
	}
	t.Parallel()
	r := mixer.New(audio.PlaybackSampleRate)
	s := playback.NewScheduler(r)

	const chunk = 1001
	samples := make([]float32, chunk)
	for i := range samples {
		samples[i] = 0.5
	}
	frame := audio.AudioFrame{Samples: samples, SampleRate: audio.PlaybackSampleRate}

	// Keep one chunk queued ahead of the render position, as a steady reply
	// stream does.
	if _, err := s.Enqueue(frame); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, chunk)
	for i := range 65000 {
		if _, err := s.Enqueue(frame); err != nil {
			t.Fatal(err)
		}
		r.Render(buf)
		for j, v := range buf {
			if v != 0.5 {
				t.Fatalf("chunk %d sample %d = %v, want 0.5 (overlap or gap)", i, j, v)
			}
		}
	}
}

func TestScheduler_ResampledLengthInDeviceFrames(t *testing.T) {
	t.Parallel()
	out := &mock.OutputDevice{Rate: 48000}
	s := playback.NewScheduler(out)

	// 3 samples at 16 kHz occupy 9 frames at 48 kHz.
	frame := audio.AudioFrame{Samples: make([]float32, 3), SampleRate: 16000}
	if _, err := s.Enqueue(frame); err != nil {
		t.Fatal(err)
	}
	if got, want := frameAt(s.NextStartTime(), 48000), int64(9); got != want {
		t.Errorf("NextStartTime at frame %d, want %d", got, want)
	}
}

func TestScheduler_ConcurrentRenderEnqueueInterrupt(t *testing.T) {
	t.Parallel()
	r := mixer.New(audio.PlaybackSampleRate)
	s := playback.NewScheduler(r)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]float32, 240)
		for {
			select {
			case <-done:
				return
			default:
				r.Render(buf)
			}
		}
	}()

	frame := audio.AudioFrame{Samples: make([]float32, 48), SampleRate: audio.PlaybackSampleRate}
	for i := range 500 {
		if _, err := s.Enqueue(frame); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if i%7 == 6 {
			s.Interrupt(playback.ServerInterrupt)
		}
		_ = s.InFlight()
		_ = s.NextStartTime()
	}
	s.Interrupt(playback.ServerInterrupt)

	close(done)
	wg.Wait()

	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
	if got := s.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime = %v, want 0", got)
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("renderer Pending = %d, want 0 (a stopped source kept playing)", got)
	}
}
