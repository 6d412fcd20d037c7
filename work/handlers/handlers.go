package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gmux "github.com/gorilla/mux"
	"github.com/grafana/regexp"
	"go.uber.org/ratelimit"

	"iptv-mux/work/admission"
	"iptv-mux/work/client"
	"iptv-mux/work/config"
	"iptv-mux/work/logger"
	"iptv-mux/work/mux"
	"iptv-mux/work/utils"
)

var hlog = logger.Scope("handlers")

// streamIDRe bounds what we accept as a stream identifier before it is
// spliced into an upstream URL path.
var streamIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// retryPause is how long to wait after freeing an idle stream before
// re-checking credential availability, giving the release a moment to land.
const retryPause = 250 * time.Millisecond

// App glues the stream registry and the admission layer to the HTTP surface.
type App struct {
	cfg       *config.Config
	registry  *mux.Registry
	admission *admission.Manager
	client    *client.HeaderSettingClient
	clock     clock.Clock

	limMu    sync.RWMutex
	limiters map[int64]ratelimit.Limiter
}

// NewApp builds the HTTP application layer.
func NewApp(cfg *config.Config, registry *mux.Registry, adm *admission.Manager, httpClient *client.HeaderSettingClient, clk clock.Clock) *App {
	return &App{
		cfg:       cfg,
		registry:  registry,
		admission: adm,
		client:    httpClient,
		clock:     clk,
		limiters:  make(map[int64]ratelimit.Limiter),
	}
}

// Registry exposes the stream registry for the admin surface.
func (a *App) Registry() *mux.Registry {
	return a.registry
}

// Admission exposes the admission manager for the admin surface.
func (a *App) Admission() *admission.Manager {
	return a.admission
}

// Config exposes the loaded configuration for the admin surface.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Client exposes the upstream HTTP client for the admin probe endpoint.
func (a *App) Client() *client.HeaderSettingClient {
	return a.client
}

// limiterFor returns the per-account upstream connection rate limiter,
// creating it on first use.
func (a *App) limiterFor(accountID int64) ratelimit.Limiter {
	a.limMu.RLock()
	lim, ok := a.limiters[accountID]
	a.limMu.RUnlock()
	if ok {
		return lim
	}

	a.limMu.Lock()
	defer a.limMu.Unlock()
	if lim, ok = a.limiters[accountID]; ok {
		return lim
	}
	lim = ratelimit.New(a.cfg.UpstreamAttemptsPerSec)
	a.limiters[accountID] = lim
	return lim
}

// HandleStream serves GET /stream/{account}/{stream}.{format}. The fast path
// joins an already-running shared stream for the same key; otherwise a
// credential slot is acquired and a new upstream connection opened.
func (a *App) HandleStream(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := gmux.Vars(r)

		accountID, err := strconv.ParseInt(vars["account"], 10, 64)
		if err != nil || accountID <= 0 {
			http.Error(w, "invalid account id", http.StatusBadRequest)
			return
		}
		streamID := vars["stream"]
		if !streamIDRe.MatchString(streamID) {
			http.Error(w, "invalid stream id", http.StatusBadRequest)
			return
		}
		clientIP := remoteIP(r)

		key := mux.StreamKey(accountID, streamID, format)

		// join before touching the database: an existing shared stream
		// costs nothing
		if s, sub := a.registry.Join(key, clientIP); s != nil {
			a.serve(w, r, s, sub, false)
			return
		}

		acct, err := a.admission.GetAccount(accountID)
		if err != nil {
			hlog.Error("Account lookup failed for %d: %v", accountID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if acct == nil {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		if !acct.Enabled {
			http.Error(w, "account disabled", http.StatusForbidden)
			return
		}

		cred, err := a.admission.GetAvailableCredential(accountID)
		if err != nil {
			hlog.Error("Credential lookup failed for account %d: %v", accountID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if cred == nil {
			// every slot is held; try freeing a zero-subscriber stream once
			if a.registry.ReleaseIdleStreamsForAccount(accountID, mux.AnyCredential, 1) > 0 {
				a.clock.Sleep(retryPause)
				cred, err = a.admission.GetAvailableCredential(accountID)
				if err != nil {
					hlog.Error("Credential retry failed for account %d: %v", accountID, err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
			}
		}
		if cred == nil {
			hlog.Warn("No connection slots for account %d, stream %s", accountID, streamID)
			http.Error(w, "no available connection slots", http.StatusServiceUnavailable)
			return
		}

		a.limiterFor(accountID).Take()

		var token string
		if cred.IsLegacy() {
			token, err = a.admission.AcquireLegacyConnection(accountID, streamID, clientIP)
		} else {
			token, err = a.admission.AcquireConnection(cred.ID, streamID, clientIP)
		}
		if err != nil {
			switch {
			case errors.Is(err, admission.ErrNoSlotsAvailable):
				http.Error(w, "no available connection slots", http.StatusServiceUnavailable)
			case errors.Is(err, admission.ErrCredentialDisabled):
				http.Error(w, "credential disabled", http.StatusForbidden)
			case errors.Is(err, admission.ErrCredentialNotFound):
				http.Error(w, "no available connection slots", http.StatusServiceUnavailable)
			default:
				hlog.Error("Acquire failed for credential %d: %v", cred.ID, err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		userAgent := acct.UserAgent
		if userAgent == "" {
			userAgent = a.cfg.DefaultUserAgent
		}
		upstreamURL := BuildUpstreamURL(acct.Server, cred.Username, cred.Password, streamID, format)
		hlog.Info("Opening %s for client %s (%s)", key, clientIP, utils.LogURL(a.cfg, upstreamURL))

		s, sub, created := a.registry.Subscribe(mux.StreamParams{
			AccountID:    accountID,
			StreamID:     streamID,
			Format:       format,
			UpstreamURL:  upstreamURL,
			CredentialID: cred.ID,
			SessionToken: token,
			UserAgent:    userAgent,
			ClientIP:     clientIP,
		})
		if !created {
			// lost the creation race; the winner's token is charged, ours
			// would leak a slot
			a.admission.ReleaseConnection(token)
		}

		a.serve(w, r, s, sub, !created)
	}
}

// serve pumps chunks to one subscriber. Response headers wait for the first
// chunk so a failed upstream can still produce an error status.
func (a *App) serve(w http.ResponseWriter, r *http.Request, s *mux.SharedStream, sub *mux.Subscriber, joined bool) {
	cr := mux.NewChunkReader(a.registry, s, sub)
	defer cr.Close()

	// hard-cut the subscriber when the client goes away so Next never waits
	// on a dead connection
	stop := context.AfterFunc(r.Context(), func() {
		a.registry.Unsubscribe(s, sub)
	})
	defer stop()

	chunk, ok := cr.Next()
	if !ok {
		a.writeStreamFailure(w, r, s)
		return
	}

	w.Header().Set("Content-Type", s.ContentType())
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	if joined {
		w.Header().Set("X-Stream-Shared", "joined")
	} else {
		w.Header().Set("X-Stream-Shared", "created")
	}
	w.Header().Set("X-Subscriber-Id", utils.TruncateToken(sub.ID))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for {
		if _, err := w.Write(chunk); err != nil {
			hlog.Debug("Client write failed on %s: %v", s.Key, err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		chunk, ok = cr.Next()
		if !ok {
			return
		}
	}
}

// writeStreamFailure maps the stream's terminal error to a response status.
// Reaching here means no body byte was ever written, so the status line is
// still ours to set.
func (a *App) writeStreamFailure(w http.ResponseWriter, r *http.Request, s *mux.SharedStream) {
	serr := s.Err()
	if serr == nil {
		// ended cleanly before any data reached us
		http.Error(w, "upstream closed without data", http.StatusBadGateway)
		return
	}

	hlog.Warn("Stream %s failed for %s: %v", s.Key, remoteIP(r), serr)
	switch serr.Class {
	case mux.ErrClassTimeout:
		http.Error(w, serr.Error(), http.StatusGatewayTimeout)
	case mux.ErrClassHTTP:
		// provider 404 means the stream does not exist, 401/403 mean the
		// credential was refused upstream
		switch serr.Status {
		case http.StatusNotFound:
			http.Error(w, serr.Error(), http.StatusNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			http.Error(w, serr.Error(), http.StatusForbidden)
		default:
			http.Error(w, serr.Error(), http.StatusBadGateway)
		}
	default:
		http.Error(w, serr.Error(), http.StatusBadGateway)
	}
}

// BuildUpstreamURL assembles the provider stream URL in the conventional
// /live/{user}/{pass}/{id}.{format} shape.
func BuildUpstreamURL(server, username, password, streamID, format string) string {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return fmt.Sprintf("%s/live/%s/%s/%s.%s", strings.TrimRight(server, "/"), username, password, streamID, format)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
