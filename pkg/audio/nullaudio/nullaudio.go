// Package nullaudio provides an [audio.Backend] without hardware: the
// microphone produces silence at real-time pace and the speaker renders into
// the void on a wall-clock ticker. It keeps the full pipeline running on
// headless machines and in CI.
package nullaudio

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Backend       = (*Backend)(nil)
	_ audio.CaptureDevice = (*captureDevice)(nil)
	_ audio.OutputDevice  = (*outputDevice)(nil)
)

const (
	defaultFrameSize = 4096
	defaultTick      = 10 * time.Millisecond
)

// Option configures a [Backend].
type Option func(*Backend)

// WithTick sets how often the output clock is advanced.
func WithTick(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.tick = d
		}
	}
}

// Backend opens silent devices.
type Backend struct {
	tick time.Duration
}

// New creates a null backend.
func New(opts ...Option) *Backend {
	b := &Backend{tick: defaultTick}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenCapture implements [audio.Backend].
func (b *Backend) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	c := &captureDevice{
		cfg:    cfg,
		frames: make(chan audio.AudioFrame, cfg.Buffer),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.PlaybackSampleRate
	}
	o := &outputDevice{
		Renderer: mixer.New(cfg.SampleRate),
		tick:     b.tick,
		done:     make(chan struct{}),
	}
	o.wg.Add(1)
	go o.run()
	return o, nil
}

type captureDevice struct {
	cfg    audio.CaptureConfig
	frames chan audio.AudioFrame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (c *captureDevice) run() {
	defer c.wg.Done()
	defer close(c.frames)

	period := time.Duration(c.cfg.FrameSize) * time.Second / time.Duration(c.cfg.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var ts time.Duration
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			frame := audio.AudioFrame{
				Samples:    make([]float32, c.cfg.FrameSize),
				SampleRate: c.cfg.SampleRate,
				Timestamp:  ts,
			}
			ts += period
			select {
			case c.frames <- frame:
			default:
			}
		}
	}
}

func (c *captureDevice) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *captureDevice) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
	return nil
}

// outputDevice advances its renderer by however many frames of wall-clock
// time have elapsed since it was opened, so the clock does not drift with
// ticker jitter.
type outputDevice struct {
	*mixer.Renderer
	tick time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (o *outputDevice) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	start := time.Now()
	var rendered int64
	var buf []float32
	for {
		select {
		case <-o.done:
			return
		case now := <-ticker.C:
			target := int64(now.Sub(start)) * int64(o.SampleRate()) / int64(time.Second)
			n := int(target - rendered)
			if n <= 0 {
				continue
			}
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			o.Render(buf[:n])
			rendered = target
		}
	}
}

func (o *outputDevice) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
		_ = o.Renderer.Close()
	})
	return nil
}
