package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"iptv-mux/work/handlers"
	"iptv-mux/work/logger"
	"iptv-mux/work/middleware"
	muxstream "iptv-mux/work/mux"
	"iptv-mux/work/playlist"
	"iptv-mux/work/utils"
)

var adminLog = logger.Scope("admin")

var startTime = time.Now()

// StatsResponse is the system-wide snapshot served at /api/stats.
type StatsResponse struct {
	ActiveStreams    int    `json:"activeStreams"`
	TotalSubscribers int    `json:"totalSubscribers"`
	Uptime           string `json:"uptime"`
	MemoryUsage      string `json:"memoryUsage"`
	Version          string `json:"version"`
}

// setupAdminRoutes wires the admin/inspection API onto the router.
func setupAdminRoutes(router *mux.Router, app *handlers.App) {
	router.HandleFunc("/api/stats", corsMiddleware(middleware.Gzip(handleGetStats(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/streams", corsMiddleware(middleware.Gzip(handleGetStreams(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/streams/close", corsMiddleware(handleCloseStream(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/accounts/{account}/status", corsMiddleware(middleware.Gzip(handleGetAccountStatus(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/accounts/{account}/sessions", corsMiddleware(middleware.Gzip(handleGetAccountSessions(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/accounts/{account}/release-idle", corsMiddleware(handleReleaseIdle(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/accounts/{account}/probe/{stream}", corsMiddleware(middleware.Gzip(handleProbePlaylist(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/connections/release", corsMiddleware(handleReleaseConnection(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/connections/cleanup", corsMiddleware(handleCleanupConnections(app))).Methods("POST", "OPTIONS")
}

// corsMiddleware opens the admin API to browser-based dashboards.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		adminLog.Error("Encode failed: %v", err)
	}
}

func accountIDVar(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["account"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id")
	}
	return id, nil
}

func handleGetStats(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := app.Registry().Stats()
		writeJSON(w, http.StatusOK, StatsResponse{
			ActiveStreams:    stats.ActiveStreams,
			TotalSubscribers: stats.TotalSubscribers,
			Uptime:           time.Since(startTime).Round(time.Second).String(),
			MemoryUsage:      utils.FormatBytes(int64(m.Alloc)),
			Version:          Version,
		})
	}
}

func handleGetStreams(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := app.Admission().GetActiveSessions(0)
		if err != nil {
			adminLog.Error("Session list failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"registry": app.Registry().Stats(),
			"sessions": sessions,
		})
	}
}

// handleReleaseConnection frees one connection slot by session token. The
// stream holding it, if any, keeps running until reclaimed; this is the
// escape hatch for slots orphaned by a crash.
func handleReleaseConnection(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionToken string `json:"sessionToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session token"})
			return
		}

		if !app.Admission().ReleaseConnection(req.SessionToken) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session for token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

// handleCloseStream force-closes one shared stream, cutting every subscriber
// and freeing its credential slot.
func handleCloseStream(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing stream key"})
			return
		}

		if !app.Registry().CloseStream(req.Key) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
			return
		}
		adminLog.Info("Force-closed stream %s", req.Key)
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "key": req.Key})
	}
}

func handleGetAccountStatus(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := accountIDVar(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		status, err := app.Admission().GetConnectionStatus(accountID)
		if err != nil {
			adminLog.Error("Status failed for account %d: %v", accountID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
			return
		}
		if status == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleGetAccountSessions(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := accountIDVar(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		sessions, err := app.Admission().GetActiveSessions(accountID)
		if err != nil {
			adminLog.Error("Session list failed for account %d: %v", accountID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accountId": accountID, "sessions": sessions})
	}
}

// handleReleaseIdle frees zero-subscriber streams for an account ahead of the
// idle sweep. Accepts optional "credential" and "max" query parameters;
// "credential=0" targets streams opened on the account's own credentials,
// omitting it sweeps all of them.
func handleReleaseIdle(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := accountIDVar(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		credentialID := muxstream.AnyCredential
		if v := r.URL.Query().Get("credential"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				credentialID = id
			}
		}
		max := 1
		if v := r.URL.Query().Get("max"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				max = n
			}
		}

		closed := app.Registry().ReleaseIdleStreamsForAccount(accountID, credentialID, max)
		writeJSON(w, http.StatusOK, map[string]interface{}{"accountId": accountID, "released": closed})
	}
}

// handleCleanupConnections sweeps stale sessions. An optional "timeout"
// query parameter (Go duration) overrides the configured stale window;
// "account" restricts the sweep to one account.
func handleCleanupConnections(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeout := app.Config().StaleSessionTimeout
		if v := r.URL.Query().Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout"})
				return
			}
			timeout = d
		}

		var accountID int64
		if v := r.URL.Query().Get("account"); v != "" {
			accountID, _ = strconv.ParseInt(v, 10, 64)
		}

		if err := app.Admission().CleanupStaleConnections(accountID, timeout); err != nil {
			adminLog.Error("Cleanup failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timeout": timeout.String()})
	}
}

// handleProbePlaylist fetches an account's HLS playlist for a stream and
// returns its structure, useful for diagnosing upstream format problems
// without opening a shared stream.
func handleProbePlaylist(app *handlers.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := accountIDVar(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		streamID := mux.Vars(r)["stream"]

		acct, err := app.Admission().GetAccount(accountID)
		if err != nil || acct == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}

		cred, err := app.Admission().GetAvailableCredential(accountID)
		if err != nil || cred == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no available credential"})
			return
		}

		probeURL := handlers.BuildUpstreamURL(acct.Server, cred.Username, cred.Password, streamID, "m3u8")
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, probeURL, nil)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "request build failed"})
			return
		}

		resp, err := app.Client().Do(req)
		if err != nil {
			adminLog.Warn("Probe fetch failed for %s: %v", utils.MaskUpstreamURL(probeURL), err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream fetch failed"})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": fmt.Sprintf("upstream returned %d", resp.StatusCode)})
			return
		}

		info, err := playlist.Inspect(resp.Body)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}
