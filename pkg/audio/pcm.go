package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

var (
	// ErrOddLength is returned when 16-bit PCM data has an odd byte count.
	ErrOddLength = errors.New("audio: pcm data has odd byte length")

	// ErrMalformedPayload is returned when an encoded payload cannot be
	// decoded back into bytes.
	ErrMalformedPayload = errors.New("audio: malformed payload")
)

// EncodeFloatToPCM16 converts float samples to 16-bit little-endian PCM.
// Samples are clamped to [-1, 1], scaled by 32768, rounded half away from
// zero and saturated to the int16 range, so +1.0 encodes as 32767 and -1.0 as
// -32768. NaN encodes as silence.
func EncodeFloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(math.Max(-1, math.Min(1, v)) * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// DecodePCM16ToFloat converts 16-bit little-endian PCM to float samples by
// dividing each sample by 32768. It returns [ErrOddLength] when data cannot
// hold a whole number of samples.
func DecodePCM16ToFloat(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out, nil
}

// EncodeBytesToText encodes arbitrary bytes as standard base64.
func EncodeBytesToText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTextToBytes reverses [EncodeBytesToText]. Malformed input yields an
// error wrapping [ErrMalformedPayload].
func DecodeTextToBytes(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// EncodeFrame runs the full outbound codec: float samples to PCM16 to text.
func EncodeFrame(frame AudioFrame) string {
	return EncodeBytesToText(EncodeFloatToPCM16(frame.Samples))
}

// DecodePayload runs the full inbound codec: text to PCM16 to float samples,
// tagged with sampleRate.
func DecodePayload(text string, sampleRate int) (AudioFrame, error) {
	data, err := DecodeTextToBytes(text)
	if err != nil {
		return AudioFrame{}, err
	}
	return PCMChunk{Data: data, SampleRate: sampleRate, Channels: 1}.Frame()
}

// ParsePCMRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". ok is false when the type is not audio/pcm or
// carries no usable rate.
func ParsePCMRate(mimeType string) (rate int, ok bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || mediaType != "audio/pcm" {
		return 0, false
	}
	rate, err = strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
