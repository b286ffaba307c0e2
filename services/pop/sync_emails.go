package pop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/linestream"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/scheduler"
	"github.com/customeros/popstack/internal/uidcache"
	"github.com/customeros/popstack/internal/utils"
	"github.com/customeros/popstack/services/parser"
	"github.com/customeros/popstack/services/pop/protocol"
	"github.com/customeros/popstack/services/pop/reconcile"
)

const (
	syncActivityName     = "sync"
	maxCacheSaveAttempts = 3
)

type syncState int

const (
	stateReconcileEmails syncState = iota
	stateDeleteLocalEmails
	stateGetNextMessageToDownloadHeader
	stateDownloadEmailHeader
	statePersistEmails
	stateTrimEmails
	stateDeleteServerEmails
	stateLoadLatestUidCache
	stateSaveUidCache
	stateHandleRequest
	stateComplete
)

func (s syncState) String() string {
	switch s {
	case stateReconcileEmails:
		return "ReconcileEmails"
	case stateDeleteLocalEmails:
		return "DeleteLocalEmails"
	case stateGetNextMessageToDownloadHeader:
		return "GetNextMessageToDownloadHeader"
	case stateDownloadEmailHeader:
		return "DownloadEmailHeader"
	case statePersistEmails:
		return "PersistEmails"
	case stateTrimEmails:
		return "TrimEmails"
	case stateDeleteServerEmails:
		return "DeleteServerEmails"
	case stateLoadLatestUidCache:
		return "LoadLatestUidCache"
	case stateSaveUidCache:
		return "SaveUidCache"
	case stateHandleRequest:
		return "HandleRequest"
	case stateComplete:
		return "Complete"
	}
	return fmt.Sprintf("syncState(%d)", int(s))
}

// syncEmailsCommand syncs the inbox in one pass over the current uid map.
// User requests submitted meanwhile are served between two steps: the
// current step is saved in orgState and resumed once the requests drain.
type syncEmailsCommand struct {
	baseCommand

	state         syncState
	orgState      syncState
	waiting       bool
	requests      []*Request
	activeRequest *Request

	accountID string
	opts      reconcile.Options
	uidMap    *reconcile.UidMap
	cache     *uidcache.UidCache
	baseline  *uidcache.UidCache
	result    *reconcile.Result

	next           int
	current        *reconcile.Info
	batch          []*models.PopEmail
	visited        int
	messageCount   int
	lastSyncLatest int64
	prevTimestamp  int64
	olderInRow     int
	unordered      bool
	headersDone    bool
	networkErr     error
	saveAttempts   int
	newEmails      int
}

func newSyncEmailsCommand(s *Session) *syncEmailsCommand {
	c := &syncEmailsCommand{
		state:         stateReconcileEmails,
		prevTimestamp: reconcile.NoTimestamp,
	}
	c.init(s, c, "SyncEmails", scheduler.Normal)
	c.onDone = c.finishSync
	return c
}

func (c *syncEmailsCommand) log() logger.Logger {
	return c.session.log
}

func (c *syncEmailsCommand) Run() {
	c.start()
	s := c.session
	if s.uidMap == nil {
		c.complete(er.ErrSessionClosed)
		return
	}

	s.state = SyncingEmails
	account := s.account
	c.accountID = account.ID
	c.uidMap = s.uidMap
	c.opts = reconcile.Options{
		Cutoff:           reconcile.Cutoff(s.deps.now().UnixMilli(), account.SyncWindowDays),
		DeleteOnDevice:   account.DeleteOnDevice,
		DeleteFromServer: account.DeleteFromServer,
	}
	c.log().Infof("Syncing %s, %d messages on server", models.InboxFolder, c.uidMap.Len())
	c.publishActivity(dto.ActivityStart, "")
	c.checkState()
}

// AddRequest hands a user request to the running sync.
func (c *syncEmailsCommand) AddRequest(req *Request) {
	c.requests = append(c.requests, req)
	if !c.waiting && !c.finished {
		c.session.loop.Post(c.checkState)
	}
}

// checkState runs steps until one of them waits for I/O.
func (c *syncEmailsCommand) checkState() {
	for !c.finished && !c.waiting {
		if len(c.requests) > 0 && c.state != stateHandleRequest && c.networkErr == nil {
			c.log().Debugf("Serving %d requests before %s", len(c.requests), c.state)
			c.orgState = c.state
			c.state = stateHandleRequest
		}
		if !c.step() {
			return
		}
	}
}

// step runs the current state. It reports false when it started
// asynchronous work or finished the command.
func (c *syncEmailsCommand) step() bool {
	switch c.state {
	case stateReconcileEmails:
		return c.reconcileEmails()
	case stateDeleteLocalEmails:
		return c.deleteLocalEmails()
	case stateGetNextMessageToDownloadHeader:
		return c.getNextMessageToDownloadHeader()
	case stateDownloadEmailHeader:
		return c.downloadEmailHeader()
	case statePersistEmails:
		return c.persistEmails()
	case stateTrimEmails:
		return c.trimEmails()
	case stateDeleteServerEmails:
		return c.deleteServerEmails()
	case stateLoadLatestUidCache:
		return c.loadLatestUidCache()
	case stateSaveUidCache:
		return c.saveUidCache()
	case stateHandleRequest:
		return c.handleRequest()
	case stateComplete:
		return c.completeSync()
	}
	c.fail(errors.Errorf("unknown sync state %d", c.state))
	return false
}

// await runs fn off the loop. done runs on the loop unless the command was
// cancelled meanwhile, then the state machine continues.
func (c *syncEmailsCommand) await(fn func(ctx context.Context) error, done func(err error)) bool {
	c.waiting = true
	c.session.async(c.ctx, fn, func(err error) {
		c.waiting = false
		if c.finished {
			return
		}
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			c.complete(ctxErr)
			return
		}
		done(err)
		c.checkState()
	})
	return false
}

func (c *syncEmailsCommand) fail(err error) {
	c.log().Errorf("Sync failed in %s: %v", c.state, err)
	c.complete(err)
}

func (c *syncEmailsCommand) reconcileEmails() bool {
	deps := c.session.deps
	cfg := c.session.cfg
	var local, tombstones []models.EmailIndex
	var record *models.UidCacheRecord

	return c.await(func(ctx context.Context) error {
		var err error
		if local, err = deps.Emails.ListIndex(ctx, c.accountID, models.InboxFolder); err != nil {
			return err
		}
		if tombstones, err = deps.Emails.ListTombstones(ctx, c.accountID, models.InboxFolder); err != nil {
			return err
		}
		record, err = deps.UidCaches.GetUidCache(ctx, c.accountID)
		return err
	}, func(err error) {
		if err != nil {
			c.fail(err)
			return
		}
		limit := uidcache.WithOldEmailsLimit(cfg.OldEmailsCacheLimit, cfg.OldEmailsCacheEvictionSize)
		c.cache = c.decodeRecord(record, limit)
		c.baseline = c.decodeRecord(record, limit)

		c.result = reconcile.Reconcile(c.uidMap, toLocalEmails(local), toTombstones(tombstones), c.cache, c.opts)
		c.messageCount = c.result.MessageCount
		c.lastSyncLatest = c.result.LatestTimestamp
		c.log().Infof("Reconciled: %d new, %d old, %d deleted on server, %d to delete on server",
			c.result.NewMessages(), len(c.result.OldEmailIDs), len(c.result.ServerDeletedIDs), len(c.result.LocalDeleted))
		c.state = stateDeleteLocalEmails
	})
}

func (c *syncEmailsCommand) decodeRecord(record *models.UidCacheRecord, opts ...uidcache.Option) *uidcache.UidCache {
	if record == nil {
		return uidcache.New(c.accountID, opts...)
	}
	cache, err := uidcache.Decode(c.accountID, record.Revision, record.Data, opts...)
	if err != nil {
		c.log().Warnf("Discarding unreadable uid cache: %v", err)
		cache = uidcache.New(c.accountID, opts...)
		cache.Revision = record.Revision
	}
	cache.ID = record.ID
	return cache
}

func (c *syncEmailsCommand) deleteLocalEmails() bool {
	ids := append([]string(nil), c.result.OldEmailIDs...)
	if c.opts.DeleteOnDevice {
		ids = append(ids, c.result.ServerDeletedIDs...)
	}
	if len(ids) == 0 {
		c.state = stateGetNextMessageToDownloadHeader
		return true
	}

	session := c.session
	return c.await(func(ctx context.Context) error {
		return session.deleteEmails(ctx, ids)
	}, func(err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.log().Debugf("Deleted %d local emails", len(ids))
		c.state = stateGetNextMessageToDownloadHeader
	})
}

func (c *syncEmailsCommand) getNextMessageToDownloadHeader() bool {
	for c.next < len(c.result.Queue) {
		info := c.result.Queue[c.next]
		c.next++
		if info.Status == reconcile.StatusFetchHeader {
			c.current = info
			c.state = stateDownloadEmailHeader
			return true
		}
		if c.checkDownloadState(info.Timestamp) {
			break
		}
	}
	c.headersDone = true
	c.state = statePersistEmails
	return true
}

// checkDownloadState tracks the timestamps seen walking the listing from the
// newest message number down. It reports true once enough consecutive
// messages fell before the sync window.
func (c *syncEmailsCommand) checkDownloadState(timestamp int64) bool {
	cfg := c.session.cfg
	discrepancy := cfg.AllowableTimeDiscrepancy.Milliseconds()
	if c.prevTimestamp != reconcile.NoTimestamp && timestamp > c.prevTimestamp+discrepancy {
		if !c.unordered {
			c.log().Infof("Server listing is not in chronological order")
		}
		c.unordered = true
	}
	c.prevTimestamp = timestamp

	if c.opts.Cutoff == 0 {
		return false
	}
	if timestamp < c.opts.Cutoff {
		c.olderInRow++
	} else {
		c.olderInRow = 0
	}
	limit := cfg.SyncBackEmailCount
	if c.unordered {
		limit *= 2
	}
	return c.olderInRow >= limit
}

func (c *syncEmailsCommand) downloadEmailHeader() bool {
	info := c.current
	conn := c.session.conn
	var headers *parser.Headers

	return c.await(func(ctx context.Context) error {
		raw, err := conn.TopHeaders(ctx, info.MsgNum)
		if err != nil {
			return err
		}
		headers, err = parser.ParseHeaders(raw)
		return err
	}, func(err error) {
		switch {
		case protocol.IsNetworkFailure(err):
			c.log().Warnf("Network failure downloading header %d: %v", info.MsgNum, err)
			if errors.Is(err, linestream.ErrLineTooLong) {
				// filed as old so later syncs step over it
				c.cache.Old.Add(info.UID, 0)
			}
			c.networkErr = err
			c.state = statePersistEmails
		case err != nil:
			c.log().Warnf("Skipping header of message %d (%s): %v", info.MsgNum, info.UID, err)
			c.state = stateGetNextMessageToDownloadHeader
		default:
			c.addHeader(info, headers)
		}
	})
}

func (c *syncEmailsCommand) addHeader(info *reconcile.Info, headers *parser.Headers) {
	cfg := c.session.cfg
	timestamp := headers.Timestamp(c.session.deps.now())
	stop := c.checkDownloadState(timestamp)

	switch {
	case c.opts.Cutoff > 0 && timestamp < c.opts.Cutoff:
		c.cache.Old.Add(info.UID, timestamp)
	case c.messageCount >= cfg.MaxEmailCountOnDevice && timestamp <= c.lastSyncLatest:
		// the device is full; only messages newer than the last sync get in
		c.cache.Old.Add(info.UID, timestamp)
	default:
		c.batch = append(c.batch, newPopEmail(c.accountID, info, headers, timestamp))
		c.messageCount++
	}

	c.visited++
	switch {
	case stop:
		c.headersDone = true
		c.state = statePersistEmails
	case c.visited >= cfg.SaveEmailBatchSize:
		c.state = statePersistEmails
	default:
		c.state = stateGetNextMessageToDownloadHeader
	}
}

func newPopEmail(accountID string, info *reconcile.Info, headers *parser.Headers, timestamp int64) *models.PopEmail {
	email := &models.PopEmail{
		ID:          utils.GenerateNanoIDWithPrefix("email", 24),
		AccountID:   accountID,
		Folder:      models.InboxFolder,
		UID:         info.UID,
		MessageID:   headers.MessageID,
		InReplyTo:   headers.InReplyTo,
		References:  headers.References,
		Subject:     headers.Subject,
		FromAddress: headers.FromAddress,
		FromName:    headers.FromName,
		ReplyTo:     headers.ReplyTo,
		ToAddresses: headers.To,
		CcAddresses: headers.Cc,
		Timestamp:   timestamp,
		Size:        info.Size,
		Unread:      true,
		RawHeaders:  headers.Raw,
	}
	if !headers.Date.IsZero() {
		sentAt := headers.Date
		email.SentAt = &sentAt
	}
	return email
}

func (c *syncEmailsCommand) persistEmails() bool {
	next := stateGetNextMessageToDownloadHeader
	switch {
	case c.networkErr != nil:
		next = stateSaveUidCache
	case c.headersDone:
		next = stateTrimEmails
	}
	c.visited = 0
	if len(c.batch) == 0 {
		c.state = next
		return true
	}

	batch := c.batch
	c.batch = nil
	emails := c.session.deps.Emails
	return c.await(func(ctx context.Context) error {
		return emails.CreateEmails(ctx, batch)
	}, func(err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.newEmails += len(batch)
		c.session.publishReceived(batch)
		c.state = next
	})
}

func (c *syncEmailsCommand) trimEmails() bool {
	cfg := c.session.cfg
	excess := c.messageCount - cfg.MaxEmailCountOnDevice
	if excess <= 0 {
		c.state = stateDeleteServerEmails
		return true
	}

	session := c.session
	emails := session.deps.Emails
	var trimmed []models.EmailIndex
	return c.await(func(ctx context.Context) error {
		for remaining := excess; remaining > 0; {
			oldest, err := emails.ListOldest(ctx, c.accountID, models.InboxFolder, min(cfg.LoadEmailBatchSize, remaining))
			if err != nil {
				return err
			}
			if len(oldest) == 0 {
				return nil
			}
			ids := make([]string, len(oldest))
			for i, e := range oldest {
				ids[i] = e.ID
			}
			if err := session.deleteEmails(ctx, ids); err != nil {
				return err
			}
			trimmed = append(trimmed, oldest...)
			remaining -= len(oldest)
		}
		return nil
	}, func(err error) {
		for _, e := range trimmed {
			c.cache.Old.Add(e.UID, e.Timestamp)
		}
		c.messageCount -= len(trimmed)
		if err != nil {
			c.fail(err)
			return
		}
		c.log().Infof("Trimmed %d emails over the device limit", len(trimmed))
		c.state = stateDeleteServerEmails
	})
}

func (c *syncEmailsCommand) deleteServerEmails() bool {
	if len(c.result.LocalDeleted) == 0 {
		c.state = stateLoadLatestUidCache
		return true
	}

	var toDelete []int
	var tombstoneIDs []string
	seen := make(map[string]bool)
	for _, d := range c.result.LocalDeleted {
		if d.ID != "" {
			tombstoneIDs = append(tombstoneIDs, d.ID)
		}
		if seen[d.UID] {
			continue
		}
		seen[d.UID] = true
		num := c.uidMap.MessageNumber(d.UID)
		if num == 0 {
			continue
		}
		if c.opts.DeleteFromServer {
			// kept until a later listing shows the message gone
			c.cache.Deleted.AddPendingDeleted(d.UID)
			toDelete = append(toDelete, num)
		} else {
			c.cache.Deleted.AddLocalDeleted(d.UID)
		}
	}

	conn := c.session.conn
	session := c.session
	return c.await(func(ctx context.Context) error {
		for _, num := range toDelete {
			if err := conn.Dele(ctx, num); err != nil {
				if protocol.IsNetworkFailure(err) || ctx.Err() != nil {
					return err
				}
				c.log().Warnf("DELE %d failed: %v", num, err)
			}
		}
		if len(tombstoneIDs) == 0 {
			return nil
		}
		return session.deleteEmails(ctx, tombstoneIDs)
	}, func(err error) {
		switch {
		case protocol.IsNetworkFailure(err):
			c.networkErr = err
			c.state = stateSaveUidCache
		case err != nil:
			c.fail(err)
		default:
			c.log().Debugf("Deleted %d messages on server, purged %d tombstones", len(toDelete), len(tombstoneIDs))
			c.state = stateLoadLatestUidCache
		}
	})
}

// loadLatestUidCache picks up cache changes written by someone else since
// the sync started and replays them on top of this pass.
func (c *syncEmailsCommand) loadLatestUidCache() bool {
	uidCaches := c.session.deps.UidCaches
	var record *models.UidCacheRecord

	return c.await(func(ctx context.Context) error {
		var err error
		record, err = uidCaches.GetUidCache(ctx, c.accountID)
		return err
	}, func(err error) {
		if err != nil {
			c.fail(err)
			return
		}
		if record != nil && record.Revision > c.cache.Revision {
			stored := c.decodeRecord(record)
			c.replay(stored)
			c.cache.ID = record.ID
			c.cache.Revision = record.Revision
			c.baseline = stored
		}
		c.state = stateSaveUidCache
	})
}

func (c *syncEmailsCommand) replay(stored *uidcache.UidCache) {
	for _, uid := range stored.Deleted.LocalDeleted() {
		if !c.baseline.Deleted.IsLocalDeleted(uid) {
			c.cache.Deleted.AddLocalDeleted(uid)
		}
	}
	for _, uid := range stored.Deleted.PendingDeleted() {
		if !c.baseline.Deleted.IsPendingDeleted(uid) {
			c.cache.Deleted.AddPendingDeleted(uid)
		}
	}
}

func (c *syncEmailsCommand) saveUidCache() bool {
	if !c.cache.HasChanged() {
		c.state = stateComplete
		return true
	}
	data, err := c.cache.Encode()
	if err != nil {
		c.fail(err)
		return false
	}

	uidCaches := c.session.deps.UidCaches
	revision := c.cache.Revision
	var saved int64
	return c.await(func(ctx context.Context) error {
		var err error
		saved, err = uidCaches.SaveUidCache(ctx, c.accountID, revision, data)
		return err
	}, func(err error) {
		switch {
		case errors.Is(err, er.ErrUidCacheRevisionConflict):
			c.saveAttempts++
			if c.saveAttempts >= maxCacheSaveAttempts {
				c.fail(err)
				return
			}
			c.log().Infof("Uid cache changed concurrently, reloading")
			c.state = stateLoadLatestUidCache
		case err != nil:
			c.fail(err)
		default:
			c.cache.Revision = saved
			c.cache.ClearChanged()
			c.state = stateComplete
		}
	})
}

func (c *syncEmailsCommand) handleRequest() bool {
	if len(c.requests) == 0 {
		c.log().Debugf("Requests served, resuming %s", c.orgState)
		c.state = c.orgState
		return true
	}

	req := c.requests[0]
	c.requests = c.requests[1:]
	c.activeRequest = req
	c.waiting = true
	c.session.downloadBody(c.ctx, req, func(err error) {
		c.waiting = false
		c.activeRequest = nil
		if c.finished {
			req.Finish(err)
			return
		}
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			c.requests = append([]*Request{req}, c.requests...)
			c.complete(ctxErr)
			return
		}
		req.Finish(err)
		if protocol.IsNetworkFailure(err) {
			c.networkErr = err
			c.state = statePersistEmails
		}
		c.checkState()
	})
	return false
}

func (c *syncEmailsCommand) completeSync() bool {
	if c.networkErr != nil {
		c.complete(c.networkErr)
		return false
	}

	accounts := c.session.deps.Accounts
	now := c.session.deps.now()
	return c.await(func(ctx context.Context) error {
		return accounts.UpdateSyncStatus(ctx, c.accountID, models.SyncStatusUpdate{
			Status:       enum.SyncStatusSucceeded,
			LastSyncedAt: &now,
		})
	}, func(err error) {
		if err != nil {
			c.log().Warnf("Failed to persist sync status: %v", err)
		}
		if account := c.session.account; account.AccountError().IsSet() || account.NextRetryAt != nil {
			c.session.clearError()
		}
		c.log().Infof("Sync complete: %d new emails, %d on device", c.newEmails, c.messageCount)
		c.complete(nil)
	})
}

// finishSync runs on the loop once the command is done, before the session
// decides what comes next.
func (c *syncEmailsCommand) finishSync(err error) {
	s := c.session
	if s.syncCmd == c {
		s.syncCmd = nil
	}
	if s.state == SyncingEmails {
		s.state = OkToSync
	}
	leftovers := c.requests
	c.requests = nil

	interrupted := err == nil || errors.Is(err, context.Canceled)
	switch {
	case s.reconnectRequested && interrupted:
		s.log.Infof("Sync interrupted by reconnect, queueing it again")
		s.syncCmd = newSyncEmailsCommand(s)
		s.sched.Queue(s.syncCmd, false)
		s.requeue(leftovers)
		return
	case errors.Is(err, errCommandCancelled), errors.Is(err, context.Canceled):
		for _, req := range leftovers {
			req.Finish(er.ErrSessionClosed)
		}
		c.publishActivity(dto.ActivityCancel, "")
		s.emit(EventSyncCompleted, err)
		return
	case err != nil:
		for _, req := range leftovers {
			req.Finish(err)
		}
		c.publishActivity(dto.ActivityCancel, err.Error())
		s.emit(EventSyncCompleted, err)
		if !protocol.IsNetworkFailure(err) {
			s.fail(err)
		}
		return
	}

	s.requeue(leftovers)
	c.publishActivity(dto.ActivityComplete, fmt.Sprintf("%d new emails", c.newEmails))
	s.emit(EventSyncCompleted, nil)
	s.queueAutoDownload()
}

func (c *syncEmailsCommand) publishActivity(state dto.ActivityState, details string) {
	s := c.session
	if s.deps.Events == nil {
		return
	}
	accountID := s.account.ID
	go func() {
		ctx, cancel := s.background()
		defer cancel()
		activity := dto.Activity{
			Name:      syncActivityName,
			AccountID: accountID,
			State:     state,
			Details:   details,
		}
		if err := s.deps.Events.PublishActivity(ctx, activity); err != nil {
			s.log.Warnf("Failed to publish sync activity: %v", err)
		}
		if state == dto.ActivityComplete {
			s.publishStatus(ctx, dto.AccountStatusChanged{
				AccountID:  accountID,
				SyncStatus: enum.SyncStatusSucceeded.String(),
			})
		}
	}()
}

func toLocalEmails(index []models.EmailIndex) []reconcile.LocalEmail {
	out := make([]reconcile.LocalEmail, len(index))
	for i, e := range index {
		out[i] = reconcile.LocalEmail{ID: e.ID, UID: e.UID, Timestamp: e.Timestamp}
	}
	return out
}

func toTombstones(index []models.EmailIndex) []reconcile.Tombstone {
	out := make([]reconcile.Tombstone, len(index))
	for i, e := range index {
		out[i] = reconcile.Tombstone{ID: e.ID, UID: e.UID}
	}
	return out
}
