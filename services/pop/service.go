package pop

import (
	"context"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/customeros/popstack/dto"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/eventloop"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/scheduler"
	"github.com/customeros/popstack/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

// PopService owns one session per account. Account syncs go through a
// dispatcher that bounds how many accounts talk to their servers at once;
// a slot is released when the account's session goes idle.
type PopService struct {
	deps *Dependencies
	log  logger.Logger
	opts []SessionOption

	loop     *eventloop.Loop
	dispatch *scheduler.Scheduler
	ctx      context.Context
	cancel   context.CancelFunc

	sessions map[string]*Session
	syncs    map[string]*syncAccountCommand
}

func NewPopService(deps *Dependencies, opts ...SessionOption) *PopService {
	maxActive := 1
	if deps.Config != nil {
		maxActive = deps.Config.MaxConcurrentAccounts
	}
	s := &PopService{
		deps:     deps,
		log:      deps.Log,
		opts:     opts,
		sessions: make(map[string]*Session),
		syncs:    make(map[string]*syncAccountCommand),
	}
	s.loop = eventloop.New(eventloop.WithPanicHandler(func(r any) {
		s.log.Errorf("Recovered from panic in dispatcher loop: %v", r)
	}))
	s.dispatch = scheduler.New("dispatcher", maxActive, func(fn func()) { s.loop.Post(fn) }, deps.Log)
	return s
}

// Start runs the dispatcher and opens a session for every enabled account.
// Sessions stay disconnected until something is queued on them.
func (s *PopService) Start(ctx context.Context) error {
	span, ctx := tracing.StartTracerSpan(ctx, "PopService.Start")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.loop.Run(s.ctx)

	accounts, err := s.deps.Accounts.GetEnabledAccounts(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to load accounts")
	}
	err = s.loop.Call(ctx, func() {
		for _, account := range accounts {
			s.session(account)
		}
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	s.log.Infof("POP service started with %d accounts", len(accounts))
	return nil
}

// Stop shuts every session down in parallel and stops the dispatcher.
func (s *PopService) Stop(ctx context.Context) error {
	var sessions []*Session
	if err := s.loop.Call(ctx, func() {
		s.dispatch.Pause()
		s.dispatch.CancelPending()
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessions = make(map[string]*Session)
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := sess.Shutdown(gctx); err != nil {
				return errors.Wrapf(err, "failed to shut down session %s", sess.AccountID())
			}
			return nil
		})
	}
	err := g.Wait()

	s.loop.Stop()
	s.cancel()
	s.log.Info("POP service stopped")
	return err
}

// SyncAccount queues a sync of the account's inbox behind the dispatcher.
// A sync already queued or running for the account absorbs the call.
func (s *PopService) SyncAccount(ctx context.Context, accountID string, force bool) error {
	span, ctx := tracing.StartTracerSpan(ctx, "PopService.SyncAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	sess, err := s.sessionFor(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return s.loop.Call(ctx, func() {
		if _, queued := s.syncs[accountID]; queued {
			return
		}
		cmd := newSyncAccountCommand(s, sess, force)
		s.syncs[accountID] = cmd
		s.dispatch.Queue(cmd, true)
	})
}

// FetchEmail asks the account's session for the body of one email. User
// requests bypass the dispatcher.
func (s *PopService) FetchEmail(ctx context.Context, accountID, emailID, partID string, auto bool) (*Request, error) {
	span, ctx := tracing.StartTracerSpan(ctx, "PopService.FetchEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagEntity(span, emailID)

	sess, err := s.sessionFor(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return sess.FetchEmail(ctx, emailID, partID, auto)
}

// DeleteEmail marks an email deleted on the device. The next sync removes it
// from the server and purges the row.
func (s *PopService) DeleteEmail(ctx context.Context, accountID, emailID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.DeleteEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagEntity(span, emailID)

	email, err := s.deps.Emails.GetEmail(ctx, emailID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if email == nil || email.AccountID != accountID || email.Tombstone {
		return er.ErrEmailNotFound
	}
	if err := s.deps.Emails.MarkTombstone(ctx, emailID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	s.log.Infof("Email %s of account %s marked deleted", emailID, accountID)
	return nil
}

// CreateAccount validates and stores a new account and opens its session.
func (s *PopService) CreateAccount(ctx context.Context, account *models.PopAccount) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.CreateAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	if err := ValidateAccount(account); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := s.deps.Accounts.CreateAccount(ctx, account); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	tracing.TagAccount(span, account.ID)
	if !account.Enabled {
		return nil
	}
	copied := *account
	return s.loop.Call(ctx, func() { s.session(&copied) })
}

// UpdateAccount stores the account and hands a copy to its session.
func (s *PopService) UpdateAccount(ctx context.Context, account *models.PopAccount) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.UpdateAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)

	if err := ValidateAccount(account); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := s.deps.Accounts.SaveAccount(ctx, account); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	copied := *account
	return s.loop.Call(ctx, func() {
		if sess, ok := s.sessions[account.ID]; ok {
			sess.UpdateAccount(&copied)
			return
		}
		if copied.Enabled {
			s.session(&copied)
		}
	})
}

func (s *PopService) EnableAccount(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.EnableAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := s.deps.Accounts.SetEnabled(ctx, accountID, true); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	account, err := s.deps.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if account == nil {
		return er.ErrAccountNotFound
	}
	if err := s.loop.Call(ctx, func() {
		if sess, ok := s.sessions[accountID]; ok {
			sess.UpdateAccount(account)
			return
		}
		s.session(account)
	}); err != nil {
		return err
	}
	return s.SyncAccount(ctx, accountID, true)
}

func (s *PopService) DisableAccount(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.DisableAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := s.deps.Accounts.SetEnabled(ctx, accountID, false); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return s.loop.Call(ctx, func() {
		s.releaseSync(accountID, er.ErrAccountDisabled)
		if sess, ok := s.sessions[accountID]; ok {
			sess.Disable()
		}
	})
}

// DeleteAccount stops the session for good and removes the account with
// its emails, stored parts and uid cache.
func (s *PopService) DeleteAccount(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PopService.DeleteAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var sess *Session
	if err := s.loop.Call(ctx, func() {
		s.releaseSync(accountID, er.ErrAccountDeleted)
		sess = s.sessions[accountID]
		delete(s.sessions, accountID)
	}); err != nil {
		return err
	}
	if sess != nil {
		sess.Delete()
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		err := sess.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			s.log.Warnf("Session of deleted account %s did not shut down: %v", accountID, err)
		}
	}

	if err := s.deps.Storage.DeletePrefix(ctx, accountID+"/"); err != nil {
		tracing.TraceErr(span, err)
		s.log.Warnf("Failed to delete stored parts of account %s: %v", accountID, err)
	}
	if err := s.deps.Emails.DeleteAccountEmails(ctx, accountID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := s.deps.UidCaches.DeleteUidCache(ctx, accountID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := s.deps.Accounts.DeleteAccount(ctx, accountID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	s.log.Infof("Deleted account %s", accountID)
	return nil
}

// Reconnect drops and reopens the account's connection.
func (s *PopService) Reconnect(ctx context.Context, accountID string) error {
	sess, err := s.sessionFor(ctx, accountID)
	if err != nil {
		return err
	}
	sess.Reconnect()
	return nil
}

func (s *PopService) AccountStatus(ctx context.Context, accountID string) (dto.SessionStatus, error) {
	sess, err := s.sessionFor(ctx, accountID)
	if err != nil {
		return dto.SessionStatus{}, err
	}
	return sess.Status(ctx)
}

func (s *PopService) Status(ctx context.Context) (dto.ServiceStatus, error) {
	var status dto.ServiceStatus
	var sessions []*Session
	if err := s.loop.Call(ctx, func() {
		status.Dispatcher = s.dispatch.Status()
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
	}); err != nil {
		return status, err
	}
	for _, sess := range sessions {
		st, err := sess.Status(ctx)
		if err != nil {
			return status, err
		}
		status.Sessions = append(status.Sessions, st)
	}
	return status, nil
}

// sessionFor returns the open session of the account, loading the account
// and opening a session when there is none yet.
func (s *PopService) sessionFor(ctx context.Context, accountID string) (*Session, error) {
	var sess *Session
	if err := s.loop.Call(ctx, func() { sess = s.sessions[accountID] }); err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	account, err := s.deps.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, er.ErrAccountNotFound
	}
	if err := s.loop.Call(ctx, func() { sess = s.session(account) }); err != nil {
		return nil, err
	}
	return sess, nil
}

// session returns the session of account, creating and starting it when
// missing. Runs on the dispatcher loop.
func (s *PopService) session(account *models.PopAccount) *Session {
	if sess, ok := s.sessions[account.ID]; ok {
		return sess
	}
	accountID := account.ID
	opts := append([]SessionOption{
		WithIdleHandler(func() {
			s.loop.Post(func() { s.sessionIdle(accountID) })
		}),
	}, s.opts...)
	sess := NewSession(s.deps, account, opts...)
	sess.Start(s.ctx)
	s.sessions[accountID] = sess
	return sess
}

func (s *PopService) sessionIdle(accountID string) {
	if cmd, ok := s.syncs[accountID]; ok && cmd.accepted {
		cmd.complete(nil)
	}
}

// releaseSync drops the dispatcher entry of the account, queued or active.
func (s *PopService) releaseSync(accountID string, err error) {
	cmd, ok := s.syncs[accountID]
	if !ok {
		return
	}
	if s.dispatch.Remove(cmd) {
		delete(s.syncs, accountID)
		return
	}
	cmd.complete(err)
}

// syncAccountCommand holds one dispatcher slot from the moment the session
// accepts the sync until the session goes idle.
type syncAccountCommand struct {
	service  *PopService
	session  *Session
	force    bool
	running  bool
	accepted bool
	finished bool
}

func newSyncAccountCommand(service *PopService, session *Session, force bool) *syncAccountCommand {
	return &syncAccountCommand{service: service, session: session, force: force}
}

func (c *syncAccountCommand) Run() {
	c.running = true
	sess := c.session
	service := c.service
	go func() {
		err := sess.SyncFolder(service.ctx, c.force)
		service.loop.Post(func() {
			if err != nil {
				service.log.Warnf("Sync of account %s refused: %v", sess.AccountID(), err)
				c.complete(err)
				return
			}
			c.accepted = true
		})
	}()
}

func (c *syncAccountCommand) Cancel() {
	c.complete(errCommandCancelled)
}

func (c *syncAccountCommand) Describe() string {
	return "SyncAccount(" + c.session.AccountID() + ")"
}

func (c *syncAccountCommand) Priority() scheduler.Priority {
	return scheduler.Normal
}

func (c *syncAccountCommand) complete(err error) {
	if c.finished {
		return
	}
	c.finished = true
	accountID := c.session.AccountID()
	if c.service.syncs[accountID] == c {
		delete(c.service.syncs, accountID)
	}
	if !c.running {
		c.service.dispatch.Remove(c)
		return
	}
	c.service.dispatch.CommandComplete(c)
	if err != nil && !errors.Is(err, errCommandCancelled) {
		c.service.log.Debugf("Dispatcher slot of %s released: %v", accountID, err)
	}
}

// ValidateAccount checks the fields a session needs before it can connect.
func ValidateAccount(account *models.PopAccount) error {
	if account == nil {
		return errors.Wrap(er.ErrInvalidAccount, "account is nil")
	}
	validation := mailvalidate.ValidateEmailSyntax(account.EmailAddress)
	if !validation.IsValid {
		return errors.Wrapf(er.ErrInvalidAccount, "email address %q is not valid", account.EmailAddress)
	}
	if account.Hostname == "" {
		return errors.Wrap(er.ErrInvalidAccount, "hostname is required")
	}
	if account.Port <= 0 || account.Port > 65535 {
		return errors.Wrapf(er.ErrInvalidAccount, "port %d is out of range", account.Port)
	}
	if account.Username == "" {
		return errors.Wrap(er.ErrInvalidAccount, "username is required")
	}
	if !account.Encryption.Valid() {
		return errors.Wrapf(er.ErrInvalidAccount, "unknown encryption %q", account.Encryption)
	}
	if account.SyncWindowDays < 0 {
		return errors.Wrap(er.ErrInvalidAccount, "sync window cannot be negative")
	}
	return nil
}
