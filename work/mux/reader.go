package mux

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"iptv-mux/work/logger"
	"iptv-mux/work/metrics"
	"iptv-mux/work/utils"
)

var rdlog = logger.Scope("mux/reader")

// heartbeatInterval throttles session-activity callbacks to the admission
// layer while chunks are flowing.
const heartbeatInterval = 5 * time.Second

// runUpstreamReader is the per-stream task: Connecting -> Streaming ->
// Completed/Failed. It runs once for the stream's entire lifetime and is
// never restarted; a failed stream requires a brand-new SharedStream. On any
// termination it marks the stream inactive, delivers the end sentinel to all
// subscribers, and closes the upstream socket.
func (r *Registry) runUpstreamReader(s *SharedStream) {
	rdlog.Info("Upstream reader started for %s", s.Key)

	var readTimedOut atomic.Bool
	defer func() {
		s.terminate()
		if err := s.Err(); err != nil {
			rdlog.Error("Upstream reader ended for %s (bytes: %d, error: %v)",
				s.Key, s.BytesReceived(), err)
		} else {
			rdlog.Info("Upstream reader ended for %s (bytes: %d)",
				s.Key, s.BytesReceived())
		}
	}()

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.UpstreamURL, nil)
	if err != nil {
		s.fail(&StreamError{Class: ErrClassConnection, cause: err})
		return
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if !s.IsActive() {
			// force-closed while connecting
			return
		}
		s.fail(classifyUpstreamError(err, readTimedOut.Load()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rdlog.Error("HTTP %d from upstream for %s (%s)",
			resp.StatusCode, s.Key, utils.MaskUpstreamURL(s.UpstreamURL))
		s.fail(newHTTPError(resp.StatusCode))
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		s.setContentType(ct)
	}
	rdlog.Info("Upstream connected for %s, content_type=%s", s.Key, s.ContentType())

	// Watchdog for the between-chunk read deadline. Live streams have no
	// total duration, so only the gap between chunks is bounded.
	watchdog := r.clock.AfterFunc(r.cfg.UpstreamReadTimeout, func() {
		readTimedOut.Store(true)
		s.cancel()
	})
	defer watchdog.Stop()

	buf := r.buffers.Get()
	defer r.buffers.Put(buf)

	var lastHeartbeat time.Time

	for {
		if !s.IsActive() {
			rdlog.Info("Stream %s marked inactive, stopping reader", s.Key)
			return
		}

		n, err := resp.Body.Read(buf.B)
		if n > 0 {
			watchdog.Reset(r.cfg.UpstreamReadTimeout)

			now := r.clock.Now()
			s.recordActivity(n, now)
			metrics.BytesTransferred.WithLabelValues(s.Key, "upstream").Add(float64(n))

			// one shared allocation per chunk; subscribers treat it as read-only
			chunk := make([]byte, n)
			copy(chunk, buf.B[:n])
			s.fanOut(chunk)

			if r.onActivity != nil && now.Sub(lastHeartbeat) >= heartbeatInterval {
				lastHeartbeat = now
				r.onActivity(s)
			}
		}

		if err != nil {
			if err == io.EOF {
				rdlog.Info("Stream %s ended normally after %d bytes", s.Key, s.BytesReceived())
				return
			}
			if !s.IsActive() && !readTimedOut.Load() {
				// force-closed mid-read; the cancellation error is ours
				return
			}
			s.fail(classifyUpstreamError(err, readTimedOut.Load()))
			return
		}
	}
}
