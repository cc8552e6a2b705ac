package clocksync

import "github.com/banshee-data/depthfuse/internal/capture"

// ring is a fixed-capacity FIFO of frames that overwrites the oldest entry.
type ring struct {
	buf   []*capture.Frame
	head  int
	count int
}

func newRing(n int) ring {
	return ring{buf: make([]*capture.Frame, n)}
}

func (r *ring) len() int { return r.count }

// at returns the i-th oldest frame.
func (r *ring) at(i int) *capture.Frame {
	return r.buf[(r.head+i)%len(r.buf)]
}

// push appends f and returns the oldest frame when it was overwritten.
func (r *ring) push(f *capture.Frame) *capture.Frame {
	if r.count == len(r.buf) {
		evicted := r.buf[r.head]
		r.buf[r.head] = f
		r.head = (r.head + 1) % len(r.buf)
		return evicted
	}
	r.buf[(r.head+r.count)%len(r.buf)] = f
	r.count++
	return nil
}

// drain empties the ring and returns its frames oldest first.
func (r *ring) drain() []*capture.Frame {
	out := make([]*capture.Frame, r.count)
	for i := range out {
		out[i] = r.at(i)
	}
	clear(r.buf)
	r.head, r.count = 0, 0
	return out
}
