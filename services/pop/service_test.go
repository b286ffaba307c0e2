package pop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/models"
)

func startService(t *testing.T, h *harness) *PopService {
	t.Helper()
	svc := NewPopService(h.deps, WithObserver(h.recorder.observe))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func TestPopService_SyncAccountReleasesSlot(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(2)...)
	h := newHarness(t, server, nil)
	svc := startService(t, h)
	ctx := context.Background()

	// Act
	err := svc.SyncAccount(ctx, "acct-1", false)
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, err)
	require.NoError(t, syncErr)
	assert.Len(t, h.emails.live("acct-1"), 2)
	assert.Eventually(t, func() bool {
		status, err := svc.Status(ctx)
		return err == nil && len(status.Dispatcher.Active) == 0 && len(status.Dispatcher.Pending) == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestPopService_UnknownAccount(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret")
	h := newHarness(t, server, nil)
	svc := startService(t, h)

	// Act
	err := svc.SyncAccount(context.Background(), "acct-404", false)

	// Assert
	assert.ErrorIs(t, err, er.ErrAccountNotFound)
}

func TestPopService_DeleteAccountRemovesData(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(1)...)
	h := newHarness(t, server, nil)
	svc := startService(t, h)
	ctx := context.Background()
	require.NoError(t, svc.SyncAccount(ctx, "acct-1", false))
	require.NoError(t, h.recorder.wait(t, EventSyncCompleted))
	req, err := svc.FetchEmail(ctx, "acct-1", h.emails.live("acct-1")[0].ID, "", false)
	require.NoError(t, err)
	require.NoError(t, <-req.Done())
	require.NotZero(t, h.storage.count())

	// Act
	err = svc.DeleteAccount(ctx, "acct-1")

	// Assert
	require.NoError(t, err)
	assert.Empty(t, h.emails.live("acct-1"))
	account, _ := h.accounts.GetAccount(ctx, "acct-1")
	assert.Nil(t, account)
	record, _ := h.caches.GetUidCache(ctx, "acct-1")
	assert.Nil(t, record)
	assert.Zero(t, h.storage.count())
}

func TestPopService_DeleteEmailRemovesFromServerOnNextSync(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(2)...)
	h := newHarness(t, server, func(a *models.PopAccount) {
		a.DeleteFromServer = true
	}, localEmail("email-1", "uid-1", 2), localEmail("email-2", "uid-2", 1))
	svc := startService(t, h)
	ctx := context.Background()

	// Act
	deleteErr := svc.DeleteEmail(ctx, "acct-1", "email-1")
	againErr := svc.DeleteEmail(ctx, "acct-1", "email-1")
	otherErr := svc.DeleteEmail(ctx, "acct-2", "email-2")
	require.NoError(t, svc.SyncAccount(ctx, "acct-1", false))
	syncErr := h.recorder.wait(t, EventSyncCompleted)

	// Assert
	require.NoError(t, deleteErr)
	assert.ErrorIs(t, againErr, er.ErrEmailNotFound)
	assert.ErrorIs(t, otherErr, er.ErrEmailNotFound)
	require.NoError(t, syncErr)
	assert.Equal(t, []string{"DELE 1"}, server.receivedMatching("DELE"))
	assert.Nil(t, h.emails.byUID("uid-1"))
	assert.Len(t, h.emails.live("acct-1"), 1)
	assert.Eventually(t, func() bool { return server.messageCount() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestPopService_DisableAccount(t *testing.T) {
	// Arrange
	server := newMailboxServer(t, "secret", testMessages(1)...)
	h := newHarness(t, server, nil)
	svc := startService(t, h)
	ctx := context.Background()

	// Act
	disableErr := svc.DisableAccount(ctx, "acct-1")
	require.Eventually(t, func() bool {
		status, err := svc.AccountStatus(ctx, "acct-1")
		return err == nil && status.State == AccountDisabled.String()
	}, waitTimeout, 10*time.Millisecond)
	syncErr := svc.SyncAccount(ctx, "acct-1", false)

	// Assert
	assert.NoError(t, disableErr)
	assert.NoError(t, syncErr)
	assert.False(t, h.accounts.get("acct-1").Enabled)
	assert.Eventually(t, func() bool {
		status, err := svc.Status(ctx)
		return err == nil && len(status.Dispatcher.Active) == 0
	}, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, server.received())
}

func TestValidateAccount(t *testing.T) {
	valid := func() *models.PopAccount {
		return &models.PopAccount{
			EmailAddress: "bob@example.com",
			Hostname:     "pop.example.com",
			Port:         995,
			Encryption:   enum.EncryptionSSL,
			Username:     "bob",
		}
	}
	tests := []struct {
		name   string
		mutate func(a *models.PopAccount)
		valid  bool
	}{
		{"valid", func(a *models.PopAccount) {}, true},
		{"bad address", func(a *models.PopAccount) { a.EmailAddress = "not-an-address" }, false},
		{"no host", func(a *models.PopAccount) { a.Hostname = "" }, false},
		{"bad port", func(a *models.PopAccount) { a.Port = 0 }, false},
		{"no username", func(a *models.PopAccount) { a.Username = "" }, false},
		{"bad encryption", func(a *models.PopAccount) { a.Encryption = "starttls" }, false},
		{"negative window", func(a *models.PopAccount) { a.SyncWindowDays = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := valid()
			tt.mutate(account)
			err := ValidateAccount(account)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, er.ErrInvalidAccount)
			}
		})
	}
}
