package mux

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-mux/work/buffer"
	"iptv-mux/work/client"
	"iptv-mux/work/config"
	"iptv-mux/work/logger"
	"iptv-mux/work/metrics"
	"iptv-mux/work/utils"
)

var rlog = logger.Scope("mux/registry")

// StreamParams carries everything needed to open a new shared stream. The
// credential fields are only consumed when this request actually creates the
// stream; a joiner's own slot stays unused and must be released by the caller.
type StreamParams struct {
	AccountID    int64
	StreamID     string
	Format       string
	UpstreamURL  string
	CredentialID int64
	SessionToken string
	UserAgent    string
	ClientIP     string
}

// StreamInfo is a point-in-time snapshot of one shared stream for the admin
// surface.
type StreamInfo struct {
	Key           string    `json:"key"`
	AccountID     int64     `json:"account_id"`
	StreamID      string    `json:"stream_id"`
	Format        string    `json:"format"`
	CredentialID  int64     `json:"credential_id"`
	Subscribers   int       `json:"subscribers"`
	BytesReceived int64     `json:"bytes_received"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// RegistryStats aggregates the registry for status endpoints.
type RegistryStats struct {
	ActiveStreams    int          `json:"active_streams"`
	TotalSubscribers int          `json:"total_subscribers"`
	Streams          []StreamInfo `json:"streams"`
}

// Registry owns every SharedStream. All lookups, joins, and creations go
// through its lock-free map; the map entry's Compute callback is the only
// place a stream for a given key can be created, which keeps the one-reader
// guarantee even under concurrent first requests.
type Registry struct {
	cfg     *config.Config
	clock   clock.Clock
	client  *client.HeaderSettingClient
	buffers *buffer.BufferPool

	streams *xsync.MapOf[string, *SharedStream]

	// onClosed fires exactly once per stream after teardown; the admission
	// layer hangs credential release off it. onActivity is the throttled
	// session heartbeat from the upstream reader.
	onClosed   func(*SharedStream)
	onActivity func(*SharedStream)

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRegistry wires the stream registry. The callbacks may be nil.
func NewRegistry(cfg *config.Config, clk clock.Clock, httpClient *client.HeaderSettingClient, buffers *buffer.BufferPool, onClosed, onActivity func(*SharedStream)) *Registry {
	return &Registry{
		cfg:        cfg,
		clock:      clk,
		client:     httpClient,
		buffers:    buffers,
		streams:    xsync.NewMapOf[string, *SharedStream](),
		onClosed:   onClosed,
		onActivity: onActivity,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// GetActiveStream returns the live stream for a key, or nil when there is
// none (missing or already dead).
func (r *Registry) GetActiveStream(key string) *SharedStream {
	s, ok := r.streams.Load(key)
	if !ok || !s.IsActive() {
		return nil
	}
	return s
}

// Join attaches a subscriber to an existing live stream without consuming a
// credential slot. Returns nils when the stream died between lookup and
// attach; the caller falls through to the create path.
func (r *Registry) Join(key, clientIP string) (*SharedStream, *Subscriber) {
	s, ok := r.streams.Load(key)
	if !ok {
		return nil, nil
	}
	sub := newSubscriber(clientIP, r.cfg.SubscriberQueueDepth, r.clock.Now())
	if !s.addSubscriber(sub) {
		return nil, nil
	}
	rlog.Info("Subscriber %s joined %s (%d total)", sub.ID, key, s.SubscriberCount())
	return s, sub
}

// Subscribe attaches the caller to the shared stream for params' key,
// creating the stream and its upstream reader when no live one exists.
// Returns the stream actually attached to (which may be a pre-existing one
// holding a different session token than params'), the subscriber handle, and
// whether this call created the stream.
func (r *Registry) Subscribe(params StreamParams) (*SharedStream, *Subscriber, bool) {
	key := StreamKey(params.AccountID, params.StreamID, params.Format)
	sub := newSubscriber(params.ClientIP, r.cfg.SubscriberQueueDepth, r.clock.Now())

	var created bool
	var replaced *SharedStream

	actual, _ := r.streams.Compute(key, func(old *SharedStream, loaded bool) (*SharedStream, bool) {
		if loaded {
			if old.addSubscriber(sub) {
				return old, false
			}
			// dead entry still in the map; replace it
			replaced = old
		}
		s := newSharedStream(key, params.AccountID, params.StreamID, params.Format,
			params.UpstreamURL, params.CredentialID, params.SessionToken, params.UserAgent, r.clock.Now())
		s.addSubscriber(sub)
		created = true
		return s, false
	})

	if replaced != nil {
		r.finalize(replaced)
	}

	if created {
		metrics.ActiveSharedStreams.Inc()
		rlog.Info("Created stream %s (credential: %d, url: %s)",
			key, params.CredentialID, utils.LogURL(r.cfg, params.UpstreamURL))
		go r.runUpstreamReader(actual)
	} else {
		rlog.Info("Subscriber %s joined %s (%d total)", sub.ID, key, actual.SubscriberCount())
	}

	return actual, sub, created
}

// Unsubscribe detaches a subscriber from its stream. The stream itself stays
// open; the reclamation loop closes it once it has been idle with no
// subscribers long enough. Idempotent.
func (r *Registry) Unsubscribe(s *SharedStream, sub *Subscriber) {
	if s == nil || sub == nil {
		return
	}
	sub.deactivate()
	s.removeSubscriber(sub.ID)
	rlog.Debug("Subscriber %s left %s (%d remain, %d bytes sent)",
		sub.ID, s.Key, s.SubscriberCount(), sub.BytesSent())
}

// CloseStream force-closes one stream by key, tearing down its upstream
// connection and every subscriber. Returns false when no such stream exists.
func (r *Registry) CloseStream(key string) bool {
	s, ok := r.streams.Load(key)
	if !ok {
		return false
	}
	r.closeStream(s)
	return true
}

// GetIdleStreamCount reports how many of an account's live streams currently
// have zero subscribers.
func (r *Registry) GetIdleStreamCount(accountID int64) int {
	n := 0
	r.streams.Range(func(_ string, s *SharedStream) bool {
		if s.AccountID == accountID && s.IsActive() && s.SubscriberCount() == 0 {
			n++
		}
		return true
	})
	return n
}

// AnyCredential disables the credential filter in
// ReleaseIdleStreamsForAccount. Credential ID 0 is a real value there (streams
// opened on the account's own username/password), so 0 cannot double as the
// no-filter sentinel.
const AnyCredential int64 = -1

// ReleaseIdleStreamsForAccount closes up to max zero-subscriber streams for
// an account, oldest activity first, freeing their credential slots ahead of
// the idle-timeout sweep. credentialID restricts the sweep to one credential;
// pass AnyCredential to sweep them all. Streams with subscribers are never
// touched. Returns how many were closed.
func (r *Registry) ReleaseIdleStreamsForAccount(accountID, credentialID int64, max int) int {
	if max <= 0 {
		return 0
	}

	var idle []*SharedStream
	r.streams.Range(func(_ string, s *SharedStream) bool {
		if s.AccountID != accountID || !s.IsActive() || s.SubscriberCount() > 0 {
			return true
		}
		if credentialID != AnyCredential && s.CredentialID != credentialID {
			return true
		}
		idle = append(idle, s)
		return true
	})

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivity().Before(idle[j].LastActivity())
	})

	closed := 0
	for _, s := range idle {
		if closed >= max {
			break
		}
		// re-check under no lock; a subscriber may have joined since the scan
		if s.SubscriberCount() > 0 {
			continue
		}
		rlog.Info("Releasing idle stream %s for account %d", s.Key, accountID)
		r.closeStream(s)
		closed++
	}
	return closed
}

// Stats snapshots every live stream for the admin surface.
func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{Streams: []StreamInfo{}}
	r.streams.Range(func(_ string, s *SharedStream) bool {
		if !s.IsActive() {
			return true
		}
		subs := s.SubscriberCount()
		stats.ActiveStreams++
		stats.TotalSubscribers += subs
		stats.Streams = append(stats.Streams, StreamInfo{
			Key:           s.Key,
			AccountID:     s.AccountID,
			StreamID:      s.StreamID,
			Format:        s.Format,
			CredentialID:  s.CredentialID,
			Subscribers:   subs,
			BytesReceived: s.BytesReceived(),
			StartedAt:     s.StartedAt,
			LastActivity:  s.LastActivity(),
		})
		return true
	})
	sort.Slice(stats.Streams, func(i, j int) bool {
		return stats.Streams[i].Key < stats.Streams[j].Key
	})
	return stats
}

// Start launches the periodic reclamation loop.
func (r *Registry) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	rlog.Info("Stream registry started (reclaim every %s, idle timeout %s)",
		r.cfg.ReclaimInterval, r.cfg.StreamIdleTimeout)
	go r.reclaimLoop()
}

// Stop halts reclamation and force-closes every remaining stream. Idempotent.
func (r *Registry) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	<-r.done

	closed := 0
	r.streams.Range(func(_ string, s *SharedStream) bool {
		r.closeStream(s)
		closed++
		return true
	})
	rlog.Info("Stream registry stopped, closed %d streams", closed)
}

func (r *Registry) reclaimLoop() {
	defer close(r.done)

	ticker := r.clock.Ticker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reclaimSafely()
		}
	}
}

// reclaimSafely keeps the reclamation loop alive no matter what a single
// sweep does.
func (r *Registry) reclaimSafely() {
	defer func() {
		if p := recover(); p != nil {
			rlog.Error("Reclaim sweep panicked: %v", p)
		}
	}()
	r.reclaim()
}

// reclaim closes dead streams immediately and live streams that have had no
// subscribers past the idle timeout. The idle window lets a reconnecting
// client reattach to the still-warm upstream without burning another slot.
func (r *Registry) reclaim() {
	cutoff := r.clock.Now().Add(-r.cfg.StreamIdleTimeout)

	var victims []*SharedStream
	r.streams.Range(func(_ string, s *SharedStream) bool {
		if !s.IsActive() {
			victims = append(victims, s)
			return true
		}
		if s.SubscriberCount() == 0 && s.LastActivity().Before(cutoff) {
			rlog.Info("Stream %s idle past %s with no subscribers, closing",
				s.Key, r.cfg.StreamIdleTimeout)
			victims = append(victims, s)
		}
		return true
	})

	for _, s := range victims {
		r.closeStream(s)
	}
}

// closeStream tears a stream down and removes its map entry, unless the
// entry already points at a replacement. The finalized flag makes the
// onClosed callback fire exactly once no matter how many paths converge here.
func (r *Registry) closeStream(s *SharedStream) {
	s.terminate()

	r.streams.Compute(s.Key, func(cur *SharedStream, loaded bool) (*SharedStream, bool) {
		if loaded && cur == s {
			return nil, true
		}
		return cur, !loaded
	})

	r.finalize(s)
}

// finalize fires the credential-release callback exactly once per stream.
func (r *Registry) finalize(s *SharedStream) {
	s.terminate()
	if s.finalized.CompareAndSwap(false, true) {
		metrics.ActiveSharedStreams.Dec()
		if r.onClosed != nil {
			r.onClosed(s)
		}
	}
}
