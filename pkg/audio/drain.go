package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer that would otherwise block on a channel
// nobody reads any more (e.g. [CaptureDevice.Frames] during teardown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
