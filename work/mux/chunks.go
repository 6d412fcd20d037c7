package mux

import (
	"iptv-mux/work/metrics"
)

// ChunkReader is one subscriber's pull-side view of a shared stream. Next
// blocks for data with a bounded wait; Close detaches from the stream.
// ChunkReader is not safe for concurrent use; each subscriber has exactly
// one serving goroutine.
type ChunkReader struct {
	registry *Registry
	stream   *SharedStream
	sub      *Subscriber
	closed   bool
}

// NewChunkReader wraps a subscription for the HTTP serving loop.
func NewChunkReader(registry *Registry, stream *SharedStream, sub *Subscriber) *ChunkReader {
	return &ChunkReader{registry: registry, stream: stream, sub: sub}
}

// Stream exposes the underlying shared stream for response headers.
func (cr *ChunkReader) Stream() *SharedStream {
	return cr.stream
}

// Subscriber exposes the underlying subscriber handle.
func (cr *ChunkReader) Subscriber() *Subscriber {
	return cr.sub
}

// Next returns the next chunk, blocking up to the configured subscriber wait.
// ok is false when the stream has ended: either the end sentinel arrived, the
// subscriber was dropped, or the wait expired on a dead stream. A wait that
// expires while the stream is still live simply blocks again; live streams
// can legitimately stall between chunks without the subscriber giving up.
func (cr *ChunkReader) Next() ([]byte, bool) {
	for {
		if cr.closed {
			return nil, false
		}

		// drain queued chunks before honoring deactivation, so data that
		// arrived ahead of the end sentinel is not discarded
		select {
		case chunk := <-cr.sub.queue:
			return cr.deliver(chunk)
		default:
		}

		if !cr.sub.Active() {
			return nil, false
		}

		timer := cr.registry.clock.Timer(cr.registry.cfg.SubscriberWaitTimeout)
		select {
		case chunk := <-cr.sub.queue:
			timer.Stop()
			return cr.deliver(chunk)
		case <-timer.C:
			if !cr.stream.IsActive() || !cr.sub.Active() {
				return nil, false
			}
		}
	}
}

func (cr *ChunkReader) deliver(chunk []byte) ([]byte, bool) {
	if chunk == nil {
		// end sentinel
		return nil, false
	}
	n := len(chunk)
	cr.sub.recordRead(n, cr.registry.clock.Now())
	metrics.BytesTransferred.WithLabelValues(cr.stream.Key, "downstream").Add(float64(n))
	return chunk, true
}

// Close detaches the subscriber from the stream. Idempotent.
func (cr *ChunkReader) Close() {
	if cr.closed {
		return
	}
	cr.closed = true
	cr.registry.Unsubscribe(cr.stream, cr.sub)
}
