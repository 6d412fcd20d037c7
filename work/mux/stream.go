package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iptv-mux/work/metrics"
)

// StreamKey builds the composite identifier naming one logical viewable
// stream: two clients requesting the same key share one upstream connection.
func StreamKey(accountID int64, streamID, format string) string {
	return fmt.Sprintf("%d:%s:%s", accountID, streamID, format)
}

// DefaultContentType returns the content type assumed for a format until the
// real upstream response headers are known.
func DefaultContentType(format string) string {
	if format == "m3u8" {
		return "application/x-mpegURL"
	}
	return "video/mp2t"
}

// SharedStream is one upstream connection fanned out to any number of
// subscribers. It consumes exactly one credential connection slot regardless
// of subscriber count. A stream that goes inactive stays inactive; a new
// request for the same key creates a brand-new SharedStream.
type SharedStream struct {
	Key          string
	AccountID    int64
	StreamID     string
	Format       string
	UpstreamURL  string // embeds provider credentials, must never be logged unmasked
	CredentialID int64  // 0 for legacy-mode credentials
	SessionToken string
	UserAgent    string
	StartedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	contentType   atomic.Value // string
	lastActivity  atomic.Int64 // unix nanoseconds
	bytesReceived atomic.Int64
	active        atomic.Bool
	failure       atomic.Pointer[StreamError]
	finalized     atomic.Bool // credential release fired

	// mu guards only the subscriber map. Fan-out on one stream never blocks
	// subscribe/unsubscribe on another.
	mu          sync.Mutex
	subscribers map[string]*Subscriber
}

func newSharedStream(key string, accountID int64, streamID, format, upstreamURL string, credentialID int64, sessionToken, userAgent string, now time.Time) *SharedStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SharedStream{
		Key:          key,
		AccountID:    accountID,
		StreamID:     streamID,
		Format:       format,
		UpstreamURL:  upstreamURL,
		CredentialID: credentialID,
		SessionToken: sessionToken,
		UserAgent:    userAgent,
		StartedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		subscribers:  make(map[string]*Subscriber),
	}
	s.contentType.Store(DefaultContentType(format))
	s.lastActivity.Store(now.UnixNano())
	s.active.Store(true)
	return s
}

// IsActive reports whether the upstream connection is open and healthy.
// False is terminal.
func (s *SharedStream) IsActive() bool {
	return s.active.Load()
}

// Err returns the classified terminal error, or nil if the stream is healthy
// or ended cleanly.
func (s *SharedStream) Err() *StreamError {
	return s.failure.Load()
}

// ContentType returns the negotiated upstream content type, or the
// format-based default until the upstream has answered.
func (s *SharedStream) ContentType() string {
	return s.contentType.Load().(string)
}

// LastActivity returns when the last upstream chunk arrived.
func (s *SharedStream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// BytesReceived returns the total bytes read from upstream.
func (s *SharedStream) BytesReceived() int64 {
	return s.bytesReceived.Load()
}

// SubscriberCount returns the current number of attached subscribers.
func (s *SharedStream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *SharedStream) setContentType(ct string) {
	s.contentType.Store(ct)
}

func (s *SharedStream) recordActivity(n int, now time.Time) {
	s.bytesReceived.Add(int64(n))
	s.lastActivity.Store(now.UnixNano())
}

// fail records the classified terminal error. Only the first call sticks.
func (s *SharedStream) fail(err *StreamError) {
	if s.failure.CompareAndSwap(nil, err) {
		metrics.StreamErrors.WithLabelValues(err.Class.String()).Inc()
	}
}

// addSubscriber attaches a subscriber if the stream is still active.
// Returns false when the stream died between lookup and attach; the caller
// must then go through the create path instead.
func (s *SharedStream) addSubscriber(sub *Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return false
	}
	s.subscribers[sub.ID] = sub
	metrics.SubscribersConnected.WithLabelValues(s.Key).Set(float64(len(s.subscribers)))
	return true
}

// removeSubscriber detaches a subscriber. Removal from the map is the only
// valid teardown signal; callers flip the active flag first.
func (s *SharedStream) removeSubscriber(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		metrics.SubscribersConnected.WithLabelValues(s.Key).Set(float64(len(s.subscribers)))
	}
}

// fanOut delivers one chunk to every attached subscriber. Subscribers whose
// queue is full are dropped on the spot: marked inactive and removed, without
// blocking delivery to anyone else. Already-inactive entries are pruned.
// Returns the number of subscribers that received the chunk.
func (s *SharedStream) fanOut(chunk []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	var dead []string

	for id, sub := range s.subscribers {
		if !sub.Active() {
			dead = append(dead, id)
			continue
		}
		if !sub.push(chunk) {
			// slow consumer, queue overflow
			sub.deactivate()
			dead = append(dead, id)
			metrics.SubscribersDropped.Inc()
			continue
		}
		delivered++
	}

	for _, id := range dead {
		delete(s.subscribers, id)
	}
	if len(dead) > 0 {
		metrics.SubscribersConnected.WithLabelValues(s.Key).Set(float64(len(s.subscribers)))
	}

	return delivered
}

// terminate marks the stream inactive, cancels the upstream request, pushes
// the end sentinel to every remaining subscriber, and clears the subscriber
// map. Idempotent; both the upstream reader and the registry's force-close
// path funnel through here.
func (s *SharedStream) terminate() {
	first := s.active.CompareAndSwap(true, false)
	s.cancel()

	s.mu.Lock()
	for id, sub := range s.subscribers {
		sub.pushEnd()
		sub.deactivate()
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	if first {
		metrics.SubscribersConnected.DeleteLabelValues(s.Key)
	}
}
