// Package mixer provides a sample-accurate software playback timeline. It
// turns a pull-style audio callback ("fill this buffer") into an
// [audio.OutputDevice] with scheduled sources, a monotonic clock and
// end-of-buffer notifications.
package mixer

// voice is one scheduled buffer. The seq field provides FIFO ordering for
// voices that start on the same frame.
type voice struct {
	r       *Renderer
	samples []float32
	start   int64 // first output frame
	pos     int   // samples already rendered
	onEnded func()
	seq     uint64 // monotonic insertion order for tie-breaking
	index   int    // heap index while pending, -1 otherwise
	active  bool   // moved out of the pending heap and being rendered
	done    bool   // finished or stopped
}

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame (ascending), with FIFO tie-breaking on seq (ascending).
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether element i should start before element j.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	v := x.(*voice)
	v.index = len(*h)
	*h = append(*h, v)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	v.index = -1
	*h = old[:n-1]
	return v
}
