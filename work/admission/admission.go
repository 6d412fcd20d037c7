package admission

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"iptv-mux/work/config"
	"iptv-mux/work/database"
	"iptv-mux/work/logger"
	"iptv-mux/work/metrics"
	"iptv-mux/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var alog = logger.Scope("admission")

// Sentinel errors returned by AcquireConnection. The handler layer maps these
// onto HTTP statuses.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialDisabled = errors.New("credential is disabled")
	ErrNoSlotsAvailable   = errors.New("no available connection slots")
)

// Account is one upstream provider account. Server is the provider host
// (optionally host:port); the account-level username/password pair is the
// legacy single-connection fallback used when no credential rows exist.
type Account struct {
	ID        int64
	Name      string
	Server    string
	Username  string
	Password  string
	UserAgent string
	Enabled   bool
}

// Credential is one provider-issued login with a cap on simultaneous upstream
// connections. ID 0 marks the legacy pseudo-credential synthesized from the
// account row.
type Credential struct {
	ID                int64
	AccountID         int64
	Username          string
	Password          string
	MaxConnections    int
	ActiveConnections int
	Enabled           bool
}

// IsLegacy reports whether this is the pseudo-credential backed by the
// account-level username/password.
func (c *Credential) IsLegacy() bool {
	return c.ID == 0
}

// Session is one acquired connection slot.
type Session struct {
	Token        string
	CredentialID int64
	StreamID     string
	ClientIP     string
	StartedAt    time.Time
	LastActivity time.Time
}

// Manager owns the durable count of active connections per credential. All
// slot accounting goes through SQLite so caps hold across every goroutine
// touching the same database. Legacy-mode sessions have no credential row to
// charge and are tracked in memory only.
type Manager struct {
	cfg          *config.Config
	db           *database.DB
	clock        clock.Clock
	accountCache *ristretto.Cache[int64, *Account]
	legacy       *xsync.MapOf[string, int64] // session token -> account id
}

// NewManager wires the admission layer over an open database.
func NewManager(cfg *config.Config, db *database.DB, clk clock.Clock) (*Manager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[int64, *Account]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}

	return &Manager{
		cfg:          cfg,
		db:           db,
		clock:        clk,
		accountCache: cache,
		legacy:       xsync.NewMapOf[string, int64](),
	}, nil
}

// GetAccount returns the account row, or nil if it does not exist. Rows are
// cached with a short TTL to keep the stream hot path off SQLite; a disabled
// account therefore keeps streaming for at most AccountCacheTTL after the
// flag flips.
func (m *Manager) GetAccount(accountID int64) (*Account, error) {
	if acct, ok := m.accountCache.Get(accountID); ok {
		return acct, nil
	}

	row := m.db.QueryRow(
		"SELECT id, name, server, username, password, user_agent, enabled FROM accounts WHERE id = ?",
		accountID,
	)

	acct := &Account{}
	err := row.Scan(&acct.ID, &acct.Name, &acct.Server, &acct.Username, &acct.Password, &acct.UserAgent, &acct.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}

	m.accountCache.SetWithTTL(accountID, acct, 1, m.cfg.AccountCacheTTL)
	return acct, nil
}

// GetAvailableCredential returns a credential with spare connection slots for
// the account, or nil when every credential is at its cap. Stale sessions are
// swept first so crashed clients don't pin slots. When the account has no
// credential rows but carries a legacy username/password, a one-connection
// pseudo-credential is returned instead.
func (m *Manager) GetAvailableCredential(accountID int64) (*Credential, error) {
	if err := m.CleanupStaleConnections(accountID, m.cfg.StaleSessionTimeout); err != nil {
		alog.Warn("Stale cleanup failed for account %d: %v", accountID, err)
	}

	acct, err := m.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Enabled {
		alog.Warn("Account %d not found or disabled", accountID)
		return nil, nil
	}

	creds, err := m.listCredentials(accountID, true)
	if err != nil {
		return nil, err
	}

	if len(creds) == 0 {
		if acct.Username != "" && acct.Password != "" {
			if m.countLegacySessions(accountID) >= 1 {
				alog.Warn("Legacy slot already in use for account %d", accountID)
				return nil, nil
			}
			alog.Debug("Using legacy credentials for account %d", accountID)
			return &Credential{
				AccountID:      accountID,
				Username:       acct.Username,
				Password:       acct.Password,
				MaxConnections: 1,
			}, nil
		}
		return nil, nil
	}

	available := make([]*Credential, 0, len(creds))
	for _, cred := range creds {
		count, err := m.countSessions(cred.ID)
		if err != nil {
			return nil, err
		}
		cred.ActiveConnections = count
		if count < cred.MaxConnections {
			available = append(available, cred)
		}
	}

	if len(available) == 0 {
		alog.Warn("No available credentials for account %d", accountID)
		return nil, nil
	}

	// prefer the least loaded credential
	sort.Slice(available, func(i, j int) bool {
		return available[i].ActiveConnections < available[j].ActiveConnections
	})

	selected := available[0]
	alog.Debug("Selected credential %d for account %d (%d/%d connections)",
		selected.ID, accountID, selected.ActiveConnections, selected.MaxConnections)
	return selected, nil
}

// AcquireConnection takes one connection slot on the credential and returns a
// session token. The count-check-insert runs inside a single immediate
// transaction, so concurrent acquisitions can never exceed the credential's
// max_connections cap. Legacy acquisitions (credentialID 0) have nothing to
// charge and are tracked in memory.
func (m *Manager) AcquireConnection(credentialID int64, streamID, clientIP string) (string, error) {
	if credentialID == 0 {
		return "", ErrCredentialNotFound
	}
	token := utils.RandomHex(32)

	tx, err := m.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var accountID int64
	var enabled bool
	var maxConns int
	err = tx.QueryRow(
		"SELECT account_id, enabled, max_connections FROM credentials WHERE id = ?",
		credentialID,
	).Scan(&accountID, &enabled, &maxConns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential %d: %w", credentialID, err)
	}
	if !enabled {
		return "", ErrCredentialDisabled
	}
	if maxConns <= 0 {
		maxConns = 1
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM active_streams WHERE credential_id = ?", credentialID).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count sessions: %w", err)
	}
	if count >= maxConns {
		return "", ErrNoSlotsAvailable
	}

	now := m.clock.Now().Unix()
	_, err = tx.Exec(
		"INSERT INTO active_streams (credential_id, stream_id, client_ip, session_token, started_at, last_activity) VALUES (?, ?, ?, ?, ?, ?)",
		credentialID, streamID, clientIP, token, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit session: %w", err)
	}

	metrics.CredentialSlotsInUse.WithLabelValues(strconv.FormatInt(accountID, 10)).Inc()
	alog.Info("Acquired connection for credential %d, stream %s (session: %s)",
		credentialID, streamID, utils.TruncateToken(token))
	return token, nil
}

// AcquireLegacyConnection records a session against an account's legacy
// username/password. There is no credential row to charge, so the session
// lives only in memory; GetAvailableCredential refuses a second legacy slot
// while one is held.
func (m *Manager) AcquireLegacyConnection(accountID int64, streamID, clientIP string) (string, error) {
	token := utils.RandomHex(32)
	m.legacy.Store(token, accountID)
	alog.Info("Acquired legacy connection for account %d, stream %s (session: %s)",
		accountID, streamID, utils.TruncateToken(token))
	return token, nil
}

func (m *Manager) countLegacySessions(accountID int64) int {
	n := 0
	m.legacy.Range(func(_ string, acct int64) bool {
		if acct == accountID {
			n++
		}
		return true
	})
	return n
}

// ReleaseConnection frees the slot held by a session token. Safe to call
// multiple times for the same token: only the first call finds a row to
// delete, every later call returns false without side effects.
func (m *Manager) ReleaseConnection(sessionToken string) bool {
	if sessionToken == "" {
		return false
	}

	if _, ok := m.legacy.LoadAndDelete(sessionToken); ok {
		alog.Info("Released legacy session %s", utils.TruncateToken(sessionToken))
		return true
	}

	var accountID int64
	err := m.db.QueryRow(
		`SELECT c.account_id FROM active_streams s JOIN credentials c ON c.id = s.credential_id WHERE s.session_token = ?`,
		sessionToken,
	).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		alog.Debug("No active session for token %s", utils.TruncateToken(sessionToken))
		return false
	}
	if err != nil {
		alog.Error("Lookup failed for token %s: %v", utils.TruncateToken(sessionToken), err)
		return false
	}

	res, err := m.db.Exec("DELETE FROM active_streams WHERE session_token = ?", sessionToken)
	if err != nil {
		alog.Error("Delete failed for token %s: %v", utils.TruncateToken(sessionToken), err)
		return false
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false
	}

	metrics.CredentialSlotsInUse.WithLabelValues(strconv.FormatInt(accountID, 10)).Dec()
	alog.Info("Released connection for session %s", utils.TruncateToken(sessionToken))
	return true
}

// UpdateActivity refreshes the heartbeat on a session so stale-session cleanup
// never reaps a stream that is actively moving bytes.
func (m *Manager) UpdateActivity(sessionToken string) bool {
	if sessionToken == "" {
		return false
	}
	if _, ok := m.legacy.Load(sessionToken); ok {
		return true
	}

	res, err := m.db.Exec(
		"UPDATE active_streams SET last_activity = ? WHERE session_token = ?",
		m.clock.Now().Unix(), sessionToken,
	)
	if err != nil {
		alog.Error("Update failed for token %s: %v", utils.TruncateToken(sessionToken), err)
		return false
	}
	affected, _ := res.RowsAffected()
	return affected > 0
}

// CleanupStaleConnections removes sessions whose last heartbeat is older than
// the timeout. Pass accountID 0 to sweep every account.
func (m *Manager) CleanupStaleConnections(accountID int64, timeout time.Duration) error {
	cutoff := m.clock.Now().Add(-timeout).Unix()

	query := `DELETE FROM active_streams WHERE last_activity < ?`
	args := []interface{}{cutoff}
	if accountID != 0 {
		query += ` AND credential_id IN (SELECT id FROM credentials WHERE account_id = ?)`
		args = append(args, accountID)
	}

	res, err := m.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete stale sessions: %w", err)
	}

	if removed, _ := res.RowsAffected(); removed > 0 {
		alog.Info("Cleaned up %d stale connections (account %d)", removed, accountID)
	}
	return nil
}

// ConnectionStatus summarizes slot usage for one account.
type ConnectionStatus struct {
	TotalMaxConnections    int                `json:"totalMaxConnections"`
	TotalActiveConnections int                `json:"totalActiveConnections"`
	AvailableConnections   int                `json:"availableConnections"`
	Credentials            []CredentialStatus `json:"credentials"`
	LegacyMode             bool               `json:"legacyMode"`
}

// CredentialStatus is the per-credential slice of ConnectionStatus.
type CredentialStatus struct {
	ID                int64  `json:"id"`
	Username          string `json:"username"`
	MaxConnections    int    `json:"maxConnections"`
	ActiveConnections int    `json:"activeConnections"`
	Enabled           bool   `json:"enabled"`
}

// GetConnectionStatus reports caps and usage for every credential on the
// account, flagging legacy mode when no credential rows exist.
func (m *Manager) GetConnectionStatus(accountID int64) (*ConnectionStatus, error) {
	creds, err := m.listCredentials(accountID, false)
	if err != nil {
		return nil, err
	}

	if len(creds) == 0 {
		return &ConnectionStatus{
			TotalMaxConnections: 1,
			Credentials:         []CredentialStatus{},
			LegacyMode:          true,
		}, nil
	}

	status := &ConnectionStatus{Credentials: make([]CredentialStatus, 0, len(creds))}
	for _, cred := range creds {
		count, err := m.countSessions(cred.ID)
		if err != nil {
			return nil, err
		}
		status.TotalMaxConnections += cred.MaxConnections
		status.TotalActiveConnections += count
		status.Credentials = append(status.Credentials, CredentialStatus{
			ID:                cred.ID,
			Username:          cred.Username,
			MaxConnections:    cred.MaxConnections,
			ActiveConnections: count,
			Enabled:           cred.Enabled,
		})
	}
	status.AvailableConnections = status.TotalMaxConnections - status.TotalActiveConnections
	return status, nil
}

// GetActiveSessions lists acquired sessions, optionally filtered to one
// account (0 = all).
func (m *Manager) GetActiveSessions(accountID int64) ([]Session, error) {
	query := `SELECT s.session_token, s.credential_id, s.stream_id, COALESCE(s.client_ip, ''), s.started_at, s.last_activity
		FROM active_streams s JOIN credentials c ON c.id = s.credential_id`
	args := []interface{}{}
	if accountID != 0 {
		query += " WHERE c.account_id = ?"
		args = append(args, accountID)
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started, activity int64
		if err := rows.Scan(&s.Token, &s.CredentialID, &s.StreamID, &s.ClientIP, &started, &activity); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.LastActivity = time.Unix(activity, 0).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (m *Manager) listCredentials(accountID int64, enabledOnly bool) ([]*Credential, error) {
	query := "SELECT id, account_id, username, password, max_connections, enabled FROM credentials WHERE account_id = ?"
	if enabledOnly {
		query += " AND enabled = 1"
	}

	rows, err := m.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		cred := &Credential{}
		if err := rows.Scan(&cred.ID, &cred.AccountID, &cred.Username, &cred.Password, &cred.MaxConnections, &cred.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if cred.MaxConnections <= 0 {
			cred.MaxConnections = 1
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (m *Manager) countSessions(credentialID int64) (int, error) {
	var count int
	err := m.db.QueryRow("SELECT COUNT(*) FROM active_streams WHERE credential_id = ?", credentialID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions for credential %d: %w", credentialID, err)
	}
	return count, nil
}
