package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter resamples AudioFrames to a target rate. It logs a warning
// on the first rate mismatch. Create one per stream; not designed for shared
// use across goroutines.
type FormatConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert resamples frame to the target rate. If the source rate already
// matches (or either rate is unknown), the frame is returned unchanged.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.TargetRate || frame.SampleRate <= 0 || c.TargetRate <= 0 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from", rateString(frame.SampleRate),
			"to", rateString(c.TargetRate),
		)
	})

	return AudioFrame{
		Samples:    ResampleMono(frame.Samples, frame.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// ResampleMono resamples mono float samples from srcRate to dstRate using
// linear interpolation. If the rates match or either is non-positive, the
// input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// rateString returns a human-readable description such as "24000Hz mono".
func rateString(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
