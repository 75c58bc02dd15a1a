package mgmt

import (
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// replyRing is the bounded CMD_COMPLETE/CMD_STATUS reply buffer described in
// spec: a ring of configurable capacity (64..1024) that, once full, drops
// the oldest quarter rather than the single oldest entry. go-ringbuf's
// overlapped ring buffer gives single-oldest overwrite; the quarter-drop
// policy is layered on top here, the way the teacher's RingChannel layers
// Metrics on top of a plain buffered channel.
type replyRing struct {
	buf      mpmc.RichOverlappedRingBuffer[*Frame]
	capacity int

	mu    sync.Mutex
	count int
	wake  chan struct{}

	onDropOldestQuarter func(dropped int)
}

func newReplyRing(capacity int) *replyRing {
	return &replyRing{
		// One slot more than capacity: the underlying ring keeps one slot
		// empty, and would otherwise overwrite an entry before count says full.
		buf:      mpmc.NewOverlappedRingBuffer[*Frame](uint32(capacity + 1)),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// push appends a frame, dropping the oldest quarter of the buffer first if
// it is already full.
func (r *replyRing) push(f *Frame) {
	r.mu.Lock()
	dropped := 0
	if r.count >= r.capacity {
		dropped = r.capacity / 4
		if dropped < 1 {
			dropped = 1
		}
		for i := 0; i < dropped && r.count > 0; i++ {
			if _, err := r.buf.Dequeue(); err == nil {
				r.count--
			}
		}
	}
	if _, err := r.buf.EnqueueM(f); err == nil {
		r.count++
	}
	r.mu.Unlock()

	if dropped > 0 && r.onDropOldestQuarter != nil {
		r.onDropOldestQuarter(dropped)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// pop blocks for up to timeout for a frame to become available, matching the
// spec's blocking-pop-with-timeout suspension point.
func (r *replyRing) pop(timeout time.Duration) (*Frame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		if r.count > 0 {
			f, err := r.buf.Dequeue()
			if err == nil {
				r.count--
			}
			r.mu.Unlock()
			if err != nil {
				return nil, false
			}
			return f, true
		}
		r.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-r.wake:
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// len reports the number of currently buffered frames (test/diagnostic use).
func (r *replyRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
