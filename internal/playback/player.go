package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// outputLevelStride samples every fourth value when metering playback.
const outputLevelStride = 4

// Player runs the inbound decode path: encoded text to PCM bytes to float
// samples, resampled to the device rate, metered, then handed to the
// [Scheduler].
//
// A Player is owned by a single goroutine (the session event loop) and is not
// safe for concurrent use; the scheduler behind it is.
type Player struct {
	sched   *Scheduler
	conv    audio.FormatConverter
	level   func(float64)
	metrics *observe.Metrics
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithPlayerLevelSink registers fn to receive the output volume of each
// decoded chunk.
func WithPlayerLevelSink(fn func(float64)) PlayerOption {
	return func(p *Player) { p.level = fn }
}

// WithPlayerMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithPlayerMetrics(m *observe.Metrics) PlayerOption {
	return func(p *Player) { p.metrics = m }
}

// NewPlayer creates a player that resamples chunks to deviceRate before
// scheduling them on sched.
func NewPlayer(sched *Scheduler, deviceRate int, opts ...PlayerOption) *Player {
	p := &Player{
		sched: sched,
		conv:  audio.FormatConverter{TargetRate: deviceRate},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// HandleChunk decodes blob and schedules it. The chunk's rate is read from
// its MIME type and defaults to [audio.PlaybackSampleRate].
//
// Decode failures return an error wrapping [audio.ErrMalformedPayload] or
// [audio.ErrOddLength]; the chunk is dropped and no playback state changes.
// Empty chunks are ignored. On success it returns the scheduled start time.
func (p *Player) HandleChunk(ctx context.Context, blob s2s.Blob) (time.Duration, error) {
	rate, ok := audio.ParsePCMRate(blob.MIMEType)
	if !ok {
		rate = audio.PlaybackSampleRate
	}

	frame, err := audio.DecodePayload(blob.Data, rate)
	if err != nil {
		kind := "malformed"
		if errors.Is(err, audio.ErrOddLength) {
			kind = "odd_length"
		}
		p.metrics.RecordDecodeError(ctx, kind)
		return 0, fmt.Errorf("playback: decode chunk: %w", err)
	}
	if len(frame.Samples) == 0 {
		return 0, nil
	}

	frame = p.conv.Convert(frame)
	if p.level != nil {
		p.level(audio.Level(frame.Samples, outputLevelStride))
	}

	now := p.sched.out.CurrentTime()
	at, err := p.sched.Enqueue(frame)
	if err != nil {
		p.metrics.RecordPlaybackChunk(ctx, "rejected")
		return 0, err
	}
	p.metrics.RecordPlaybackChunk(ctx, "scheduled")
	p.metrics.PlaybackLead.Record(ctx, max(at-now, 0).Seconds())
	return at, nil
}
