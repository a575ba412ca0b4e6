package audio

import "time"

const (
	// CaptureSampleRate is the rate the remote service expects for microphone
	// audio.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate at which the remote service streams its
	// replies.
	PlaybackSampleRate = 24000

	// CaptureMIMEType tags every outbound chunk.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

// AudioFrame is a block of mono audio samples flowing through the pipeline.
// Samples are floats in [-1, 1]. Frames are treated as immutable once handed
// to another stage.
type AudioFrame struct {
	// Samples holds the mono PCM samples.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. A frame with a
// non-positive sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PCMChunk is 16-bit little-endian linear PCM, the wire representation of an
// [AudioFrame].
type PCMChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames in the chunk.
func (c PCMChunk) Frames() int {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(c.Data) / (2 * ch)
}

// Frame decodes a mono chunk into an [AudioFrame].
func (c PCMChunk) Frame() (AudioFrame, error) {
	samples, err := DecodePCM16ToFloat(c.Data)
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{Samples: samples, SampleRate: c.SampleRate}, nil
}
