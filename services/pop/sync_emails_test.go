package pop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/uidcache"
	"github.com/customeros/popstack/services/pop/protocol"
)

func storedUidCache(t *testing.T, h *harness) *uidcache.UidCache {
	t.Helper()
	record, err := h.caches.GetUidCache(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	cache, err := uidcache.Decode("acct-1", record.Revision, record.Data)
	require.NoError(t, err)
	return cache
}

func liveUIDs(h *harness) []string {
	var uids []string
	for _, e := range h.emails.live("acct-1") {
		uids = append(uids, e.UID)
	}
	return uids
}

// datedMessages builds one message per age, numbered from 1.
func datedMessages(hoursAgo ...int) []testMessage {
	msgs := make([]testMessage, len(hoursAgo))
	for i, hours := range hoursAgo {
		num := i + 1
		msgs[i] = testMessage{
			uid: fmt.Sprintf("uid-%d", num),
			raw: plainMessage(fmt.Sprintf("m%d", num), fmt.Sprintf("Subject %d", num), messageDate(hours), "body"),
		}
	}
	return msgs
}

func TestSyncEmails_ReconnectRequeuesRunningSync(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(3)...)
	h := newHarness(t, server, nil)
	gate := server.gate("TOP 2 0")
	s := h.startSession(t)
	ctx := context.Background()

	require.NoError(t, s.SyncFolder(ctx, false))
	require.Eventually(t, func() bool {
		return len(server.receivedMatching("TOP 2 0")) == 1
	}, waitTimeout, 10*time.Millisecond)

	// Act
	s.Reconnect()
	h.recorder.wait(t, EventDisconnected)
	close(gate)
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	assert.Equal(t, []string{"uid-1", "uid-2", "uid-3"}, liveUIDs(h))
	assert.Len(t, server.receivedMatching("USER bob"), 2)
	assert.Equal(t, enum.SyncStatusSucceeded, h.accounts.get("acct-1").SyncStatus)
}

func TestSyncEmails_FullDeviceOnlyTakesNewerMessages(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(4)...)
	h := newHarness(t, server, nil,
		localEmail("email-2", "uid-2", 3),
		localEmail("email-3", "uid-3", 2))
	h.deps.Config.MaxEmailCountOnDevice = 2
	ctx := context.Background()
	require.NoError(t, h.emails.ReplaceParts(ctx, "email-2", []*models.PopEmailPart{
		{ID: "part-1", EmailID: "email-2", StorageKey: "acct-1/email-2/part-1"},
	}))
	require.NoError(t, h.storage.Upload(ctx, "acct-1/email-2/part-1", []byte("body"), "text/plain"))
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	// uid-1 is older than the newest local email, uid-4 is not
	assert.Equal(t, []string{"TOP 4 0", "TOP 1 0"}, server.receivedMatching("TOP"))
	assert.Equal(t, []string{"uid-3", "uid-4"}, liveUIDs(h))
	assert.Zero(t, h.storage.count())

	cache := storedUidCache(t, h)
	assert.True(t, cache.Old.Contains("uid-1"))
	assert.True(t, cache.Old.Contains("uid-2"))
}

func TestSyncEmails_TrimsOldestInBatches(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(4)...)
	h := newHarness(t, server, nil)
	h.deps.Config.MaxEmailCountOnDevice = 2
	h.deps.Config.LoadEmailBatchSize = 1
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(context.Background(), false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	assert.Len(t, server.receivedMatching("TOP"), 4)
	assert.Equal(t, []string{"uid-3", "uid-4"}, liveUIDs(h))
	cache := storedUidCache(t, h)
	assert.True(t, cache.Old.Contains("uid-1"))
	assert.True(t, cache.Old.Contains("uid-2"))
	assert.False(t, cache.Old.Contains("uid-3"))
}

func TestSyncEmails_UidCacheConflictReplaysConcurrentDeletes(t *testing.T) {
	// Arrange
	old := testMessage{uid: "uid-old", raw: plainMessage("old", "Old", messageDate(24*30), "old body")}
	recent := testMessage{uid: "uid-new", raw: plainMessage("new", "New", messageDate(1), "new body")}
	server := newMailboxServer(t, "secret", old, recent)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.SyncWindowDays = 7
	})
	h.caches.onSave = func(records map[string]*models.UidCacheRecord) {
		concurrent := uidcache.New("acct-1")
		concurrent.Deleted.AddLocalDeleted("uid-9")
		data, err := concurrent.Encode()
		require.NoError(t, err)
		records["acct-1"] = &models.UidCacheRecord{ID: "uidc-acct-1", AccountID: "acct-1", Revision: 1, Data: data}
	}
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(context.Background(), false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	cache := storedUidCache(t, h)
	assert.Equal(t, int64(2), cache.Revision)
	assert.True(t, cache.Deleted.IsLocalDeleted("uid-9"))
	assert.True(t, cache.Old.Contains("uid-old"))
}

func TestSyncEmails_StlsUpgradesBeforeLogin(t *testing.T) {
	// Arrange
	serverTLS, clientTLS := selfSignedTLS(t)
	server := newMailboxServer(t, "secret", testMessages(1)...)
	server.enableStls(serverTLS)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.Encryption = enum.EncryptionTLS
	})
	h.deps.TLSConfig = clientTLS
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(context.Background(), false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	assert.Equal(t, []Event{EventConnected, EventTlsReady, EventLoginSuccess, EventUidMapReady}, h.recorder.seen()[:4])
	assert.Equal(t, []string{"STLS", "USER bob"}, server.received()[:2])
	assert.Len(t, h.emails.live("acct-1"), 1)
}

func TestSyncEmails_StlsRefused(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(1)...)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.Encryption = enum.EncryptionTLS
	})
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(context.Background(), false))
	connectErr := h.recorder.wait(t, EventConnectFailure)

	// Assert
	assert.Equal(t, mailerror.ConfigNoSsl, mailerror.CodeOf(connectErr))
	assert.Equal(t, "STLS", server.received()[0])
	assert.Empty(t, server.receivedMatching("USER", "PASS"))
	assert.Eventually(t, func() bool {
		return h.accounts.get("acct-1").ErrorCode == mailerror.ConfigNoSsl.String()
	}, waitTimeout, 10*time.Millisecond)
}

func TestSyncEmails_SyncBackWindow(t *testing.T) {
	old := 24 * 30
	tests := []struct {
		name     string
		newest   []int
		expected []string
	}{
		{
			name:     "ordered listing",
			newest:   []int{3, 1},
			expected: []string{"TOP 8 0", "TOP 7 0", "TOP 6 0", "TOP 5 0"},
		},
		{
			// message 8 is older than message 7, so twice as many old
			// messages are read before giving up
			name:     "unordered listing",
			newest:   []int{3, 5},
			expected: []string{"TOP 8 0", "TOP 7 0", "TOP 6 0", "TOP 5 0", "TOP 4 0", "TOP 3 0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ages := []int{old + 6, old + 5, old + 4, old + 3, old + 2, old + 1}
			server := newMailboxServer(t, "secret", datedMessages(append(ages, tt.newest...)...)...)
			h := newHarness(t, server, func(a *models.PopAccount) {
				a.SyncWindowDays = 7
			})
			h.deps.Config.SyncBackEmailCount = 2
			s := h.startSession(t)

			// Act
			require.NoError(t, s.SyncFolder(context.Background(), false))
			syncErr := h.recorder.wait(t, EventSyncCompleted)

			// Assert
			require.NoError(t, syncErr)
			assert.Equal(t, tt.expected, server.receivedMatching("TOP"))
			assert.ElementsMatch(t, []string{"uid-7", "uid-8"}, liveUIDs(h))
		})
	}
}

func TestSyncEmails_NetworkFailureKeepsFetchedHeaders(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(4)...)
	server.hangUpOn("TOP 2 0")
	h := newHarness(t, server, nil)
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	first := h.recorder.wait(t, EventSyncCompleted)
	afterFailure := liveUIDs(h)
	failedStatus, err := s.Status(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.accounts.get("acct-1").NextRetryAt != nil
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, s.SyncFolder(ctx, false))
	second := h.recorder.wait(t, EventSyncCompleted)
	recoveredStatus, err := s.Status(ctx)
	require.NoError(t, err)

	// Assert
	assert.True(t, protocol.IsNetworkFailure(first))
	assert.Equal(t, []string{"uid-3", "uid-4"}, afterFailure)
	assert.NotEmpty(t, failedStatus.ErrorCode)

	require.NoError(t, second)
	assert.Equal(t, []string{"uid-1", "uid-2", "uid-3", "uid-4"}, liveUIDs(h))
	assert.Empty(t, recoveredStatus.ErrorCode)
	assert.Eventually(t, func() bool {
		account := h.accounts.get("acct-1")
		return account.ErrorCode == "" && account.NextRetryAt == nil
	}, waitTimeout, 10*time.Millisecond)
}
