package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is a bounded FIFO of audio frames. When full, Push evicts the
// oldest frame so the newest audio always gets through.
type FrameQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	cap     int
	closed  bool
	notify  chan struct{}
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

func NewFrameQueue(fixedCap int) *FrameQueue {
	if fixedCap < 1 {
		fixedCap = 1
	}
	return &FrameQueue{
		frames: make([][]byte, 0, fixedCap),
		cap:    fixedCap,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame and reports whether an older frame was dropped.
func (q *FrameQueue) Push(frame []byte) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) >= q.cap {
		q.frames[0] = nil
		q.frames = q.frames[1:]
		dropped = true
		q.dropped.Add(1)
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.pushed.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a frame is available, the queue is closed and drained, or
// ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-q.notify:
		}
	}
}

// Drain removes and returns everything queued.
func (q *FrameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = make([][]byte, 0, q.cap)
	return out
}

// Clear discards everything queued and returns how many frames were removed.
func (q *FrameQueue) Clear() int {
	return len(q.Drain())
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops accepting frames. Queued frames can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }
