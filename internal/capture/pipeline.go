package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Sender is the outbound half of a remote session. [s2s.SessionHandle]
// satisfies it.
type Sender interface {
	Send(s2s.Blob) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) { p.queue = NewQueue(n) }
}

// WithLevelSink registers fn to receive the input volume of every processed
// frame.
func WithLevelSink(fn func(float64)) Option {
	return func(p *Pipeline) { p.level = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline turns captured frames into outbound payloads.
//
// [Pipeline.Process] is called once per captured frame by a single goroutine
// and never blocks on the network. [Pipeline.Run] is the sender loop that
// drains the queue into the attached [Sender]. Attach and Detach may be called
// from any goroutine.
type Pipeline struct {
	queue   *Queue
	conv    audio.FormatConverter
	level   func(float64)
	metrics *observe.Metrics

	mu     sync.Mutex
	sender Sender
}

// NewPipeline creates a pipeline that encodes frames at
// [audio.CaptureSampleRate].
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		conv: audio.FormatConverter{TargetRate: audio.CaptureSampleRate},
	}
	for _, o := range opts {
		o(p)
	}
	if p.queue == nil {
		p.queue = NewQueue(DefaultQueueSize)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Attach sets the sender that [Pipeline.Run] delivers to.
func (p *Pipeline) Attach(s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = s
}

// Detach removes the sender and discards queued payloads. Frames processed
// afterwards are dropped.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	p.sender = nil
	p.mu.Unlock()
	p.queue.Clear()
}

func (p *Pipeline) currentSender() Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sender
}

// Process meters frame, and when a sender is attached encodes it and queues
// it for sending. Without a sender the frame is dropped: audio captured
// before the session opens is never buffered.
func (p *Pipeline) Process(ctx context.Context, frame audio.AudioFrame) {
	if p.level != nil {
		p.level(audio.Level(frame.Samples, 1))
	}
	if p.currentSender() == nil {
		p.metrics.RecordCaptureFrame(ctx, "no_session")
		return
	}

	frame = p.conv.Convert(frame)
	blob := s2s.Blob{
		MIMEType: audio.CaptureMIMEType,
		Data:     audio.EncodeFrame(frame),
	}
	if p.queue.Push(blob) {
		p.metrics.RecordCaptureFrame(ctx, "dropped")
	}
}

// Run sends queued payloads until ctx is cancelled. Send failures are logged
// and counted; the payload is not retried. Run always returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.queue.Ready():
		}

		for {
			blob, ok := p.queue.Pop()
			if !ok {
				break
			}
			s := p.currentSender()
			if s == nil {
				continue
			}
			if err := s.Send(blob); err != nil {
				slog.Debug("capture: send failed", "err", err)
				p.metrics.RecordCaptureFrame(ctx, "send_error")
				continue
			}
			p.metrics.RecordCaptureFrame(ctx, "sent")
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Queue returns the outbound queue.
func (p *Pipeline) Queue() *Queue {
	return p.queue
}
