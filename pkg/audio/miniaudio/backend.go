// Package miniaudio implements [audio.Backend] on top of miniaudio through
// the github.com/gen2brain/malgo bindings. Capture and playback both run as
// 32-bit float mono streams; playback is driven by a [mixer.Renderer] from
// the device data callback.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

const (
	defaultFrameSize     = 4096
	defaultCaptureBuffer = 16
)

// Option configures a [Backend].
type Option func(*Backend)

// WithPeriod sets the playback period in frames. Smaller periods lower
// latency at the cost of more callbacks.
func WithPeriod(frames int) Option {
	return func(b *Backend) {
		if frames > 0 {
			b.period = frames
		}
	}
}

// Backend opens miniaudio devices. The miniaudio context is created lazily on
// the first open and released by [Backend.Close].
type Backend struct {
	period int

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// New creates a miniaudio backend.
func New(opts ...Option) *Backend {
	b := &Backend{period: 480}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) context() (malgo.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
			slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
		})
		if err != nil {
			var zero malgo.Context
			return zero, fmt.Errorf("miniaudio: init context: %w", err)
		}
		b.ctx = ctx
	}
	return b.ctx.Context, nil
}

// OpenCapture implements [audio.Backend].
func (b *Backend) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultCaptureBuffer
	}
	return openCapture(mctx, cfg)
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.PlaybackSampleRate
	}
	return openOutput(mctx, cfg, b.period)
}

// Close releases the miniaudio context. Devices must be closed first.
// Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// classify maps miniaudio failures that mean "the OS said no" onto
// [audio.ErrPermissionDenied].
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("miniaudio: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("miniaudio: %s: %w", op, err)
}
