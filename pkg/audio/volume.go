package audio

import "math"

// volumeGain boosts raw RMS so that normal speech lands in the upper half of
// the meter.
const volumeGain = 5

// Level estimates the loudness of samples as a value in [0, 1]: the RMS of
// every stride-th sample, multiplied by a fixed gain and clamped. A stride
// below 1 reads every sample. Silence and empty input yield 0.
func Level(samples []float32, stride int) float64 {
	if stride < 1 {
		stride = 1
	}
	var sum float64
	var n int
	for i := 0; i < len(samples); i += stride {
		v := float64(samples[i])
		sum += v * v
		n++
	}
	if n == 0 {
		return 0
	}
	level := math.Sqrt(sum/float64(n)) * volumeGain
	if math.IsNaN(level) {
		return 0
	}
	return math.Min(level, 1)
}
