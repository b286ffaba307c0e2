package pop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
)

const waitTimeout = 5 * time.Second

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan eventWithErr
}

type eventWithErr struct {
	event Event
	err   error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan eventWithErr, 256)}
}

func (r *recorder) observe(event Event, err error) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.ch <- eventWithErr{event, err}:
	default:
	}
}

func (r *recorder) seen() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// wait returns the error carried by the next occurrence of event.
func (r *recorder) wait(t *testing.T, event Event) error {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.event == event {
				return e.err
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", event.String())
			return nil
		}
	}
}

type harness struct {
	accounts *fakeAccounts
	emails   *fakeEmails
	caches   *fakeUidCaches
	storage  *fakeStorage
	events   *fakeEvents
	server   *mailboxServer
	deps     *Dependencies
	recorder *recorder
	account  *models.PopAccount
}

func testConfig() *config.PopConfig {
	cfg := config.DefaultPopConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.GreetingTimeout = 2 * time.Second
	cfg.LoginTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.AutoDownloadMaxBodies = 0
	cfg.IdleLogout = 0
	return cfg
}

func testAccount(port int) *models.PopAccount {
	return &models.PopAccount{
		ID:           "acct-1",
		EmailAddress: "bob@example.com",
		Hostname:     "127.0.0.1",
		Port:         port,
		Encryption:   enum.EncryptionNone,
		Username:     "bob",
		Password:     "secret",
		Enabled:      true,
	}
}

func newHarness(t *testing.T, server *mailboxServer, configure func(a *models.PopAccount), local ...*models.PopEmail) *harness {
	t.Helper()
	account := testAccount(server.port)
	if configure != nil {
		configure(account)
	}
	h := &harness{
		accounts: newFakeAccounts(account),
		emails:   newFakeEmails(local...),
		caches:   newFakeUidCaches(),
		storage:  newFakeStorage(),
		events:   &fakeEvents{},
		server:   server,
		recorder: newRecorder(),
		account:  account,
	}
	h.deps = &Dependencies{
		Accounts:  h.accounts,
		Emails:    h.emails,
		UidCaches: h.caches,
		Storage:   h.storage,
		Events:    h.events,
		Config:    testConfig(),
		Log:       getLogger(),
	}
	return h
}

func (h *harness) startSession(t *testing.T) *Session {
	t.Helper()
	copied := *h.account
	s := NewSession(h.deps, &copied, WithObserver(h.recorder.observe))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func messageDate(hoursAgo int) string {
	return time.Now().Add(-time.Duration(hoursAgo) * time.Hour).Format(time.RFC1123Z)
}

func testMessages(n int) []testMessage {
	msgs := make([]testMessage, n)
	for i := range msgs {
		num := i + 1
		msgs[i] = testMessage{
			uid: fmt.Sprintf("uid-%d", num),
			raw: plainMessage(fmt.Sprintf("m%d", num), fmt.Sprintf("Subject %d", num), messageDate(n-i), fmt.Sprintf("Body of message %d", num)),
		}
	}
	return msgs
}

func localEmail(id, uid string, hoursAgo int) *models.PopEmail {
	return &models.PopEmail{
		ID:        id,
		AccountID: "acct-1",
		Folder:    models.InboxFolder,
		UID:       uid,
		Timestamp: time.Now().Add(-time.Duration(hoursAgo) * time.Hour).UnixMilli(),
	}
}

func TestSession_SyncStoresNewHeaders(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(3)...)
	h := newHarness(t, server, nil)
	s := h.startSession(t)

	// Act
	err := s.SyncFolder(context.Background(), false)
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, err)
	require.NoError(t, syncErr)
	assert.Equal(t, []Event{EventConnected, EventLoginSuccess, EventUidMapReady}, h.recorder.seen()[:3])

	stored := h.emails.live("acct-1")
	require.Len(t, stored, 3)
	assert.Equal(t, "Subject 1", stored[0].Subject)
	assert.Equal(t, "uid-3", stored[2].UID)
	assert.Equal(t, "jane@example.com", stored[0].FromAddress)
	assert.False(t, stored[0].Downloaded)

	assert.Equal(t, []string{"USER bob", "PASS secret", "LIST", "UIDL", "TOP 3 0", "TOP 2 0", "TOP 1 0"}, server.received()[:7])
	assert.Equal(t, enum.SyncStatusSucceeded, h.accounts.get("acct-1").SyncStatus)
	assert.Eventually(t, func() bool { return h.events.receivedCount() == 3 }, waitTimeout, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(server.receivedMatching("QUIT")) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestSession_SecondSyncSkipsKnownMessages(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(2)...)
	h := newHarness(t, server, nil, localEmail("email-1", "uid-1", 2))
	s := h.startSession(t)

	// Act
	require.NoError(t, s.SyncFolder(context.Background(), false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	assert.Equal(t, []string{"TOP 2 0"}, server.receivedMatching("TOP"))
	assert.Len(t, h.emails.live("acct-1"), 2)
}

func TestSession_FetchEmailInterjectsIntoSync(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(4)...)
	h := newHarness(t, server, nil, localEmail("email-1", "uid-1", 4))
	gate := server.gate("TOP 4 0")
	s := h.startSession(t)
	ctx := context.Background()

	require.NoError(t, s.SyncFolder(ctx, false))
	require.Eventually(t, func() bool {
		return len(server.receivedMatching("TOP 4 0")) == 1
	}, waitTimeout, 10*time.Millisecond)

	// Act
	req, err := s.FetchEmail(ctx, "email-1", "", false)
	require.NoError(t, err)
	close(gate)

	var fetchErr error
	select {
	case fetchErr = <-req.Done():
	case <-time.After(waitTimeout):
		require.FailNow(t, "fetch did not finish")
	}
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, fetchErr)
	require.NoError(t, syncErr)
	assert.Equal(t, []string{"TOP 4 0", "RETR 1", "TOP 3 0", "TOP 2 0"}, server.receivedMatching("TOP", "RETR"))

	email, _ := h.emails.GetEmail(ctx, "email-1")
	require.NotNil(t, email)
	assert.True(t, email.Downloaded)
	assert.Equal(t, "Body of message 1", email.Preview)
	parts := h.emails.partsOf("email-1")
	require.NotEmpty(t, parts)
	assert.True(t, strings.HasPrefix(parts[0].StorageKey, "acct-1/email-1/"))
	stored, _ := h.storage.Download(ctx, parts[0].StorageKey)
	assert.Contains(t, string(stored), "Body of message 1")
}

func TestSession_FetchEmailWithoutSync(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(2)...)
	h := newHarness(t, server, nil, localEmail("email-2", "uid-2", 1))
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	req, err := s.FetchEmail(ctx, "email-2", "", false)
	require.NoError(t, err)
	fetchErr := <-req.Done()

	again, err := s.FetchEmail(ctx, "email-2", "", true)
	require.NoError(t, err)
	autoErr := <-again.Done()

	missing, err := s.FetchEmail(ctx, "email-404", "", false)
	require.NoError(t, err)
	missingErr := <-missing.Done()

	// Assert
	assert.NoError(t, fetchErr)
	assert.NoError(t, autoErr)
	assert.ErrorIs(t, missingErr, er.ErrEmailNotFound)
	assert.Equal(t, []string{"RETR 2"}, server.receivedMatching("RETR"))
	email, _ := h.emails.GetEmail(ctx, "email-2")
	assert.True(t, email.Downloaded)
}

func TestSession_LoginFailure(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "other-password", testMessages(1)...)
	h := newHarness(t, server, nil)
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	loginErr := h.recorder.wait(t, EventLoginFailure)
	h.recorder.wait(t, EventDisconnected)
	retryErr := s.SyncFolder(ctx, false)
	status, statusErr := s.Status(ctx)

	// Assert
	assert.Equal(t, mailerror.BadUsernameOrPassword, mailerror.CodeOf(loginErr))
	assert.Equal(t, mailerror.BadUsernameOrPassword, mailerror.CodeOf(retryErr))
	require.NoError(t, statusErr)
	assert.Equal(t, InvalidCredentials.String(), status.State)
	assert.Eventually(t, func() bool {
		return h.accounts.get("acct-1").ErrorCode == mailerror.BadUsernameOrPassword.String()
	}, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, server.receivedMatching("LIST", "UIDL"))
}

func TestSession_ForcedSyncClearsLoginError(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(1)...)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.ErrorCode = mailerror.BadUsernameOrPassword.String()
		a.ErrorText = "invalid credentials"
	})
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	refused := s.SyncFolder(ctx, false)
	forced := s.SyncFolder(ctx, true)
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	assert.Error(t, refused)
	assert.NoError(t, forced)
	assert.NoError(t, syncErr)
	assert.Eventually(t, func() bool {
		return h.accounts.get("acct-1").ErrorCode == ""
	}, waitTimeout, 10*time.Millisecond)
}

func TestSession_DeleteFromServer(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(3)...)
	tombstone := localEmail("email-2", "uid-2", 2)
	tombstone.Tombstone = true
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.DeleteFromServer = true
	}, tombstone)
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, syncErr)
	assert.Equal(t, []string{"DELE 2"}, server.receivedMatching("DELE"))
	assert.Equal(t, []string{"TOP 3 0", "TOP 1 0"}, server.receivedMatching("TOP"))
	tombstones, _ := h.emails.ListTombstones(ctx, "acct-1", models.InboxFolder)
	assert.Empty(t, tombstones)

	record, _ := h.caches.GetUidCache(ctx, "acct-1")
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.Revision)
	assert.Eventually(t, func() bool { return server.messageCount() == 2 }, waitTimeout, 10*time.Millisecond)
}

func TestSession_LocalDeleteKeptInCache(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(2)...)
	tombstone := localEmail("email-1", "uid-1", 2)
	tombstone.Tombstone = true
	h := newHarness(t, server, nil, tombstone)
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	first := h.recorder.wait(t, EventSyncCompleted)
	require.NoError(t, s.SyncFolder(ctx, false))
	second := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, first)
	require.NoError(t, second)
	assert.Empty(t, server.receivedMatching("DELE"))
	assert.Equal(t, []string{"TOP 2 0"}, server.receivedMatching("TOP"))
	assert.Nil(t, h.emails.byUID("uid-1"))
	assert.Equal(t, 2, server.messageCount())
}

func TestSession_SyncWindowSkipsOldMessages(t *testing.T) {
	// Arrange
	old := testMessage{uid: "uid-old", raw: plainMessage("old", "Old", messageDate(24*30), "old body")}
	recent := testMessage{uid: "uid-new", raw: plainMessage("new", "New", messageDate(1), "new body")}
	server := newMailboxServer(t, "secret", old, recent)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.SyncWindowDays = 7
	})
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	require.NoError(t, s.SyncFolder(ctx, false))
	first := h.recorder.wait(t, EventSyncCompleted)
	require.NoError(t, s.SyncFolder(ctx, false))
	second := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, first)
	require.NoError(t, second)
	stored := h.emails.live("acct-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "uid-new", stored[0].UID)
	// the old message is remembered in the uid cache and not fetched again
	assert.Equal(t, []string{"TOP 2 0", "TOP 1 0"}, server.receivedMatching("TOP"))
}

func TestSession_DisabledAccountRefusesWork(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret")
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.Enabled = false
	})
	s := h.startSession(t)
	ctx := context.Background()

	// Act
	syncErr := s.SyncFolder(ctx, false)
	_, fetchErr := s.FetchEmail(ctx, "email-1", "", false)

	// Assert
	assert.ErrorIs(t, syncErr, er.ErrAccountDisabled)
	assert.ErrorIs(t, fetchErr, er.ErrAccountDisabled)
	assert.Empty(t, server.received())
}

func TestNextRetryInterval(t *testing.T) {
	cfg := config.DefaultPopConfig()
	tests := []struct {
		name    string
		current time.Duration
		want    time.Duration
	}{
		{"first retry", 0, time.Minute},
		{"at minimum", time.Minute, 90 * time.Second},
		{"grows", 2 * time.Minute, 3 * time.Minute},
		{"capped", 25 * time.Minute, 30 * time.Minute},
		{"at maximum", 30 * time.Minute, 30 * time.Minute},
		{"over maximum", time.Hour, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRetryInterval(tt.current, cfg))
		})
	}
}

func TestNextRetryInterval_GrowsUntilCapped(t *testing.T) {
	cfg := config.DefaultPopConfig()

	var got []time.Duration
	interval := time.Duration(0)
	for i := 0; i < 12; i++ {
		interval = NextRetryInterval(interval, cfg)
		got = append(got, interval)
	}

	assert.Equal(t, []time.Duration{time.Minute, 90 * time.Second, 135 * time.Second}, got[:3])
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
	assert.Equal(t, 30*time.Minute, got[len(got)-1])
}
