package mux

import (
	"sync/atomic"
	"time"

	"iptv-mux/work/utils"
)

// Subscriber is one downstream client's attachment to a shared stream. The
// delivery queue is a bounded FIFO of byte chunks; a nil chunk is the end
// sentinel. Chunks are immutable after fan-out, so every subscriber of a
// stream shares the same backing slices.
type Subscriber struct {
	ID       string
	ClientIP string
	JoinedAt time.Time

	queue     chan []byte
	lastRead  atomic.Int64 // unix nanoseconds
	bytesSent atomic.Int64
	active    atomic.Bool
}

func newSubscriber(clientIP string, queueDepth int, now time.Time) *Subscriber {
	s := &Subscriber{
		ID:       utils.RandomHex(16),
		ClientIP: clientIP,
		JoinedAt: now,
		queue:    make(chan []byte, queueDepth),
	}
	s.lastRead.Store(now.UnixNano())
	s.active.Store(true)
	return s
}

// Active reports whether the subscriber is still attached. It flips to false
// exactly once, on unsubscribe or forced drop, and never back.
func (s *Subscriber) Active() bool {
	return s.active.Load()
}

// BytesSent returns the total bytes delivered to this subscriber.
func (s *Subscriber) BytesSent() int64 {
	return s.bytesSent.Load()
}

// LastRead returns when the subscriber last pulled a chunk.
func (s *Subscriber) LastRead() time.Time {
	return time.Unix(0, s.lastRead.Load())
}

// deactivate flips active to false. Returns true only on the first call.
func (s *Subscriber) deactivate() bool {
	return s.active.CompareAndSwap(true, false)
}

// push enqueues a chunk without blocking. A false return means the queue is
// full: the subscriber is too slow and must be dropped by the caller.
func (s *Subscriber) push(chunk []byte) bool {
	select {
	case s.queue <- chunk:
		return true
	default:
		return false
	}
}

// pushEnd delivers the end sentinel, best effort. A full queue is fine: the
// consumer will notice the stream went inactive on its next wait timeout.
func (s *Subscriber) pushEnd() {
	select {
	case s.queue <- nil:
	default:
	}
}

func (s *Subscriber) recordRead(n int, now time.Time) {
	s.lastRead.Store(now.UnixNano())
	s.bytesSent.Add(int64(n))
}
