package admission

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-mux/work/config"
	"iptv-mux/work/database"
)

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *database.DB) {
	t.Helper()
	if clk == nil {
		clk = clock.New()
	}
	db, err := database.Open(filepath.Join(t.TempDir(), "admission_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(config.Default(), db, clk)
	require.NoError(t, err)
	return m, db
}

func seedAccount(t *testing.T, db *database.DB, id int64, username, password string, enabled bool) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO accounts (id, name, server, username, password, user_agent, enabled) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, "test account", "provider.example:8000", username, password, "", enabled)
	require.NoError(t, err)
}

func seedCredential(t *testing.T, db *database.DB, id, accountID int64, maxConns int, enabled bool) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO credentials (id, account_id, username, password, max_connections, enabled) VALUES (?, ?, ?, ?, ?, ?)",
		id, accountID, "user", "pass", maxConns, enabled)
	require.NoError(t, err)
}

func TestGetAccount(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)

	acct, err := m.GetAccount(1)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, int64(1), acct.ID)
	assert.Equal(t, "provider.example:8000", acct.Server)
	assert.True(t, acct.Enabled)

	missing, err := m.GetAccount(99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetAvailableCredentialDisabledAccount(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", false)
	seedCredential(t, db, 10, 1, 5, true)

	cred, err := m.GetAvailableCredential(1)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestGetAvailableCredentialLeastLoaded(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 5, true)
	seedCredential(t, db, 11, 1, 5, true)

	// load credential 10 with two sessions
	_, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)
	_, err = m.AcquireConnection(10, "101", "10.0.0.1")
	require.NoError(t, err)

	cred, err := m.GetAvailableCredential(1)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, int64(11), cred.ID)
	assert.Equal(t, 0, cred.ActiveConnections)
}

func TestGetAvailableCredentialSkipsDisabled(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 5, false)

	cred, err := m.GetAvailableCredential(1)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestLegacyCredentialFallback(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "legacyuser", "legacypass", true)

	cred, err := m.GetAvailableCredential(1)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.True(t, cred.IsLegacy())
	assert.Equal(t, "legacyuser", cred.Username)
	assert.Equal(t, 1, cred.MaxConnections)

	token, err := m.AcquireLegacyConnection(1, "100", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// the single legacy slot is now taken
	cred, err = m.GetAvailableCredential(1)
	require.NoError(t, err)
	assert.Nil(t, cred)

	assert.True(t, m.UpdateActivity(token))
	assert.True(t, m.ReleaseConnection(token))
	assert.False(t, m.ReleaseConnection(token))

	// releasing frees the slot again
	cred, err = m.GetAvailableCredential(1)
	require.NoError(t, err)
	assert.NotNil(t, cred)
}

func TestAcquireRespectsCap(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 2, true)

	t1, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)
	_, err = m.AcquireConnection(10, "101", "10.0.0.2")
	require.NoError(t, err)

	_, err = m.AcquireConnection(10, "102", "10.0.0.3")
	assert.ErrorIs(t, err, ErrNoSlotsAvailable)

	// releasing one slot makes room again
	assert.True(t, m.ReleaseConnection(t1))
	_, err = m.AcquireConnection(10, "102", "10.0.0.3")
	assert.NoError(t, err)
}

func TestAcquireConcurrentNeverExceedsCap(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 3, true)

	const attempts = 12
	var wg sync.WaitGroup
	var acquired, rejected atomic.Int32

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AcquireConnection(10, "100", "10.0.0.1")
			if err == nil {
				acquired.Add(1)
			} else if err == ErrNoSlotsAvailable {
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), acquired.Load())
	assert.Equal(t, int32(attempts-3), rejected.Load())

	count, err := m.countSessions(10)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAcquireUnknownOrDisabledCredential(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 2, false)

	_, err := m.AcquireConnection(99, "100", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	_, err = m.AcquireConnection(0, "100", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	_, err = m.AcquireConnection(10, "100", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCredentialDisabled)
}

func TestReleaseIdempotent(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 2, true)

	token, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)

	assert.True(t, m.ReleaseConnection(token))
	assert.False(t, m.ReleaseConnection(token))
	assert.False(t, m.ReleaseConnection("never-issued"))
	assert.False(t, m.ReleaseConnection(""))
}

func TestStaleCleanupSparesHeartbeatedSessions(t *testing.T) {
	mock := clock.NewMock()
	m, db := newTestManager(t, mock)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 5, true)

	alive, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)
	stale, err := m.AcquireConnection(10, "101", "10.0.0.2")
	require.NoError(t, err)

	mock.Add(20 * time.Second)
	require.True(t, m.UpdateActivity(alive))

	mock.Add(15 * time.Second)
	require.NoError(t, m.CleanupStaleConnections(0, 30*time.Second))

	sessions, err := m.GetActiveSessions(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, alive, sessions[0].Token)

	assert.False(t, m.UpdateActivity(stale), "stale session should be gone")
}

func TestStaleCleanupScopedToAccount(t *testing.T) {
	mock := clock.NewMock()
	m, db := newTestManager(t, mock)
	seedAccount(t, db, 1, "", "", true)
	seedAccount(t, db, 2, "", "", true)
	seedCredential(t, db, 10, 1, 5, true)
	seedCredential(t, db, 20, 2, 5, true)

	_, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)
	_, err = m.AcquireConnection(20, "200", "10.0.0.2")
	require.NoError(t, err)

	mock.Add(time.Minute)
	require.NoError(t, m.CleanupStaleConnections(1, 30*time.Second))

	one, err := m.GetActiveSessions(1)
	require.NoError(t, err)
	assert.Empty(t, one)

	two, err := m.GetActiveSessions(2)
	require.NoError(t, err)
	assert.Len(t, two, 1)
}

func TestGetConnectionStatus(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "", "", true)
	seedCredential(t, db, 10, 1, 3, true)
	seedCredential(t, db, 11, 1, 2, false)

	_, err := m.AcquireConnection(10, "100", "10.0.0.1")
	require.NoError(t, err)

	status, err := m.GetConnectionStatus(1)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 5, status.TotalMaxConnections)
	assert.Equal(t, 1, status.TotalActiveConnections)
	assert.Equal(t, 4, status.AvailableConnections)
	assert.False(t, status.LegacyMode)
	require.Len(t, status.Credentials, 2)
}

func TestGetConnectionStatusLegacyMode(t *testing.T) {
	m, db := newTestManager(t, nil)
	seedAccount(t, db, 1, "legacyuser", "legacypass", true)

	status, err := m.GetConnectionStatus(1)
	require.NoError(t, err)
	assert.True(t, status.LegacyMode)
	assert.Equal(t, 1, status.TotalMaxConnections)
	assert.Empty(t, status.Credentials)
}
