package pop

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/utils"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.PopAccount
}

func newFakeAccounts(accounts ...*models.PopAccount) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[string]*models.PopAccount)}
	for _, a := range accounts {
		copied := *a
		f.accounts[a.ID] = &copied
	}
	return f
}

func (f *fakeAccounts) get(id string) models.PopAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.accounts[id]
}

func (f *fakeAccounts) GetAccounts(ctx context.Context) ([]*models.PopAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PopAccount
	for _, a := range f.accounts {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeAccounts) GetEnabledAccounts(ctx context.Context) ([]*models.PopAccount, error) {
	all, _ := f.GetAccounts(ctx)
	var out []*models.PopAccount
	for _, a := range all {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) GetAccountsDueForRetry(ctx context.Context, now time.Time) ([]*models.PopAccount, error) {
	all, _ := f.GetAccounts(ctx)
	var out []*models.PopAccount
	for _, a := range all {
		if a.Enabled && a.NextRetryAt != nil && !a.NextRetryAt.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (*models.PopAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccounts) CreateAccount(ctx context.Context, account *models.PopAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account.ID == "" {
		account.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	if _, ok := f.accounts[account.ID]; ok {
		return er.ErrAccountExists
	}
	copied := *account
	f.accounts[account.ID] = &copied
	return nil
}

func (f *fakeAccounts) SaveAccount(ctx context.Context, account *models.PopAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *account
	f.accounts[account.ID] = &copied
	return nil
}

func (f *fakeAccounts) update(id string, fn func(a *models.PopAccount)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return er.ErrAccountNotFound
	}
	fn(a)
	return nil
}

func (f *fakeAccounts) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return f.update(id, func(a *models.PopAccount) { a.Enabled = enabled })
}

func (f *fakeAccounts) UpdateError(ctx context.Context, id string, accountErr mailerror.AccountError) error {
	return f.update(id, func(a *models.PopAccount) {
		a.ErrorCode = accountErr.Code.String()
		a.ErrorText = accountErr.Text
		a.SyncStatus = enum.SyncStatusFailed
	})
}

func (f *fakeAccounts) UpdateRetry(ctx context.Context, id string, accountErr mailerror.AccountError, interval time.Duration, nextRetryAt time.Time) error {
	return f.update(id, func(a *models.PopAccount) {
		a.ErrorCode = accountErr.Code.String()
		a.ErrorText = accountErr.Text
		a.RetryInterval = int(interval / time.Second)
		a.NextRetryAt = &nextRetryAt
		a.SyncStatus = enum.SyncStatusRetrying
	})
}

func (f *fakeAccounts) ClearError(ctx context.Context, id string) error {
	return f.update(id, func(a *models.PopAccount) {
		a.ErrorCode = ""
		a.ErrorText = ""
		a.RetryInterval = 0
		a.NextRetryAt = nil
	})
}

func (f *fakeAccounts) UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatusUpdate) error {
	return f.update(id, func(a *models.PopAccount) {
		a.SyncStatus = status.Status
		a.LastSyncedAt = status.LastSyncedAt
	})
}

func (f *fakeAccounts) DeleteAccount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, id)
	return nil
}

type fakeEmails struct {
	mu     sync.Mutex
	emails map[string]*models.PopEmail
	parts  map[string][]models.PopEmailPart
}

func newFakeEmails(emails ...*models.PopEmail) *fakeEmails {
	f := &fakeEmails{
		emails: make(map[string]*models.PopEmail),
		parts:  make(map[string][]models.PopEmailPart),
	}
	for _, e := range emails {
		copied := *e
		f.emails[e.ID] = &copied
	}
	return f
}

// live returns copies of the non-tombstoned emails ordered by timestamp.
func (f *fakeEmails) live(accountID string) []models.PopEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PopEmail
	for _, e := range f.emails {
		if e.AccountID == accountID && !e.Tombstone {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (f *fakeEmails) byUID(uid string) *models.PopEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.emails {
		if e.UID == uid {
			copied := *e
			return &copied
		}
	}
	return nil
}

func (f *fakeEmails) index(accountID string, tombstone bool) []models.EmailIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EmailIndex
	for _, e := range f.emails {
		if e.AccountID == accountID && e.Tombstone == tombstone {
			out = append(out, models.EmailIndex{ID: e.ID, UID: e.UID, Timestamp: e.Timestamp})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (f *fakeEmails) ListIndex(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error) {
	return f.index(accountID, false), nil
}

func (f *fakeEmails) ListTombstones(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error) {
	return f.index(accountID, true), nil
}

func (f *fakeEmails) ListOldest(ctx context.Context, accountID, folder string, limit int) ([]models.EmailIndex, error) {
	all := f.index(accountID, false)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeEmails) ListNotDownloaded(ctx context.Context, accountID, folder string, limit int) ([]*models.PopEmail, error) {
	live := f.live(accountID)
	var out []*models.PopEmail
	for i := len(live) - 1; i >= 0 && len(out) < limit; i-- {
		if !live[i].Downloaded {
			e := live[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func (f *fakeEmails) CountEmails(ctx context.Context, accountID, folder string) (int64, error) {
	return int64(len(f.live(accountID))), nil
}

func (f *fakeEmails) GetEmail(ctx context.Context, id string) (*models.PopEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok {
		return nil, nil
	}
	copied := *e
	return &copied, nil
}

func (f *fakeEmails) CreateEmails(ctx context.Context, emails []*models.PopEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range emails {
		copied := *e
		f.emails[e.ID] = &copied
	}
	return nil
}

func (f *fakeEmails) UpdateSummary(ctx context.Context, id, preview string, downloaded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[id]; ok {
		e.Preview = preview
		e.Downloaded = downloaded
	}
	return nil
}

func (f *fakeEmails) ReplaceParts(ctx context.Context, emailID string, parts []*models.PopEmailPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]models.PopEmailPart, len(parts))
	for i, p := range parts {
		stored[i] = *p
	}
	f.parts[emailID] = stored
	return nil
}

func (f *fakeEmails) ClearParts(ctx context.Context, emailID string) ([]models.PopEmailPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.parts[emailID]
	delete(f.parts, emailID)
	return old, nil
}

func (f *fakeEmails) partsOf(emailID string) []models.PopEmailPart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PopEmailPart(nil), f.parts[emailID]...)
}

func (f *fakeEmails) MarkTombstone(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[id]; ok {
		e.Tombstone = true
	}
	return nil
}

func (f *fakeEmails) DeleteEmails(ctx context.Context, ids []string) ([]models.PopEmailPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parts []models.PopEmailPart
	for _, id := range ids {
		parts = append(parts, f.parts[id]...)
		delete(f.emails, id)
		delete(f.parts, id)
	}
	return parts, nil
}

func (f *fakeEmails) DeleteAccountEmails(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.emails {
		if e.AccountID == accountID {
			delete(f.emails, id)
			delete(f.parts, id)
		}
	}
	return nil
}

type fakeUidCaches struct {
	mu      sync.Mutex
	records map[string]*models.UidCacheRecord
	// onSave runs once, under the lock, before the next save is checked.
	onSave func(records map[string]*models.UidCacheRecord)
}

func newFakeUidCaches() *fakeUidCaches {
	return &fakeUidCaches{records: make(map[string]*models.UidCacheRecord)}
}

func (f *fakeUidCaches) GetUidCache(ctx context.Context, accountID string) (*models.UidCacheRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[accountID]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (f *fakeUidCaches) SaveUidCache(ctx context.Context, accountID string, revision int64, data string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook := f.onSave; hook != nil {
		f.onSave = nil
		hook(f.records)
	}
	r, ok := f.records[accountID]
	if !ok {
		r = &models.UidCacheRecord{ID: "uidc-" + accountID, AccountID: accountID}
		f.records[accountID] = r
	}
	if r.Revision != revision {
		return 0, er.ErrUidCacheRevisionConflict
	}
	r.Revision++
	r.Data = data
	return r.Revision, nil
}

func (f *fakeUidCaches) DeleteUidCache(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, accountID)
	return nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStorage) UploadStream(ctx context.Context, key string, body io.Reader, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	return f.Upload(ctx, key, buf.Bytes(), contentType)
}

func (f *fakeStorage) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) DeletePrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
		}
	}
	return nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeStorage) GetPublicURL(key string) string {
	return "memory://" + key
}

type fakeEvents struct {
	mu         sync.Mutex
	statuses   []dto.AccountStatusChanged
	activities []dto.Activity
	received   []dto.EmailReceived
}

func (f *fakeEvents) PublishAccountStatus(ctx context.Context, status dto.AccountStatusChanged) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeEvents) PublishActivity(ctx context.Context, activity dto.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeEvents) PublishEmailReceived(ctx context.Context, event dto.EmailReceived) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, event)
	return nil
}

func (f *fakeEvents) PublishDirectEvent(ctx context.Context, entityId string, entityType enum.EntityType, message interface{}, routingKey string) error {
	return nil
}

func (f *fakeEvents) Close() error {
	return nil
}

func (f *fakeEvents) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeEvents) activityNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.activities {
		out = append(out, a.Name+":"+string(a.State))
	}
	return out
}
