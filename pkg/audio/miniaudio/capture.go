package miniaudio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*captureDevice)(nil)

// captureDevice slices the miniaudio input stream into fixed-size frames.
type captureDevice struct {
	dev       *malgo.Device
	rate      int
	frameSize int

	// buf and produced are only touched from the audio callback.
	buf      []float32
	produced int64

	mu      sync.Mutex
	frames  chan audio.AudioFrame
	closed  bool
	dropped atomic.Int64

	closeOnce sync.Once
}

func openCapture(ctx malgo.Context, cfg audio.CaptureConfig) (*captureDevice, error) {
	c := &captureDevice{
		rate:      cfg.SampleRate,
		frameSize: cfg.FrameSize,
		buf:       make([]float32, 0, cfg.FrameSize*2),
		frames:    make(chan audio.AudioFrame, cfg.Buffer),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.FrameSize)

	dev, err := malgo.InitDevice(ctx, devCfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		return nil, classify("init capture device", err)
	}
	c.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start capture device", err)
	}
	return c, nil
}

// onData runs on the miniaudio thread.
func (c *captureDevice) onData(_, in []byte, _ uint32) {
	for i := 0; i+4 <= len(in); i += 4 {
		c.buf = append(c.buf, math.Float32frombits(binary.LittleEndian.Uint32(in[i:])))
	}
	for len(c.buf) >= c.frameSize {
		samples := make([]float32, c.frameSize)
		copy(samples, c.buf)
		n := copy(c.buf, c.buf[c.frameSize:])
		c.buf = c.buf[:n]

		frame := audio.AudioFrame{
			Samples:    samples,
			SampleRate: c.rate,
			Timestamp:  time.Duration(c.produced) * time.Second / time.Duration(c.rate),
		}
		c.produced += int64(c.frameSize)

		c.mu.Lock()
		if !c.closed {
			select {
			case c.frames <- frame:
			default:
				// Consumer is behind; drop rather than block the audio thread.
				if c.dropped.Add(1) == 1 {
					slog.Warn("miniaudio: capture consumer lagging, dropping frames")
				}
			}
		}
		c.mu.Unlock()
	}
}

func (c *captureDevice) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *captureDevice) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if stopErr := c.dev.Stop(); stopErr != nil {
			err = classify("stop capture device", stopErr)
		}
		c.dev.Uninit()

		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()

		if n := c.dropped.Load(); n > 0 {
			slog.Debug("miniaudio: capture closed", "dropped_frames", n)
		}
	})
	return err
}
