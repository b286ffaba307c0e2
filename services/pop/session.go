package pop

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/eventloop"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/scheduler"
	"github.com/customeros/popstack/services/pop/protocol"
	"github.com/customeros/popstack/services/pop/reconcile"
)

type State int

const (
	NeedsConnection State = iota
	Connecting
	CheckTlsSupport
	PendingTlsSupport
	NegotiateTls
	PendingTlsNegotiation
	UsernameRequired
	PendingLogin
	PasswordRequired
	NeedUidMap
	GettingUidMap
	OkToSync
	SyncingEmails
	LogOut
	LoggingOut
	InvalidCredentials
	AccountDisabled
	AccountDeleted
	CancelPendingCommands
)

var stateNames = [...]string{
	NeedsConnection:       "NeedsConnection",
	Connecting:            "Connecting",
	CheckTlsSupport:       "CheckTlsSupport",
	PendingTlsSupport:     "PendingTlsSupport",
	NegotiateTls:          "NegotiateTls",
	PendingTlsNegotiation: "PendingTlsNegotiation",
	UsernameRequired:      "UsernameRequired",
	PendingLogin:          "PendingLogin",
	PasswordRequired:      "PasswordRequired",
	NeedUidMap:            "NeedUidMap",
	GettingUidMap:         "GettingUidMap",
	OkToSync:              "OkToSync",
	SyncingEmails:         "SyncingEmails",
	LogOut:                "LogOut",
	LoggingOut:            "LoggingOut",
	InvalidCredentials:    "InvalidCredentials",
	AccountDisabled:       "AccountDisabled",
	AccountDeleted:        "AccountDeleted",
	CancelPendingCommands: "CancelPendingCommands",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is a milestone reported to session observers.
type Event int

const (
	EventConnected Event = iota
	EventTlsReady
	EventLoginSuccess
	EventLoginFailure
	EventUidMapReady
	EventSyncCompleted
	EventConnectFailure
	EventDisconnected
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "Connected"
	case EventTlsReady:
		return "TlsReady"
	case EventLoginSuccess:
		return "LoginSuccess"
	case EventLoginFailure:
		return "LoginFailure"
	case EventUidMapReady:
		return "UidMapReady"
	case EventSyncCompleted:
		return "SyncCompleted"
	case EventConnectFailure:
		return "ConnectFailure"
	case EventDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Observer is called on the session loop for every event. err is set for
// LoginFailure, ConnectFailure and a failed SyncCompleted.
type Observer func(event Event, err error)

type SessionOption func(*Session)

func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		s.observers = append(s.observers, o)
	}
}

// WithIdleHandler registers fn to run on the session loop whenever the
// session runs out of work, either idle while logged in or disconnected.
func WithIdleHandler(fn func()) SessionOption {
	return func(s *Session) {
		s.onIdle = fn
	}
}

// Session owns the single POP3 connection of one account. Every field is
// confined to the session loop; blocking I/O runs on helper goroutines that
// post their result back.
type Session struct {
	deps  *Dependencies
	cfg   *config.PopConfig
	log   logger.Logger
	loop  *eventloop.Loop
	sched *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	account *models.PopAccount
	deleted bool
	state   State

	conn        *protocol.Conn
	uidMap      *reconcile.UidMap
	gen         uint64
	loggedIn    bool
	connHealthy bool
	setupCancel context.CancelFunc

	syncCmd            *syncEmailsCommand
	reconnectRequested bool
	idleTimer          *time.Timer
	autoListing        bool

	closing bool
	closed  chan struct{}

	observers []Observer
	onIdle    func()
}

func NewSession(deps *Dependencies, account *models.PopAccount, opts ...SessionOption) *Session {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultPopConfig()
	}
	log := deps.Log.With(zap.String("accountId", account.ID))

	s := &Session{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		account: account,
		state:   NeedsConnection,
		closed:  make(chan struct{}),
	}
	s.loop = eventloop.New(eventloop.WithPanicHandler(func(r any) {
		s.log.Errorf("Recovered from panic in session loop: %v", r)
	}))
	s.sched = scheduler.New("session-"+account.ID, 1, func(fn func()) { s.loop.Post(fn) }, log)
	s.sched.Pause()

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the session loop until ctx ends or Shutdown completes.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop.Run(s.ctx)
}

// Shutdown drains pending work, logs out if connected and stops the loop.
func (s *Session) Shutdown(ctx context.Context) error {
	defer s.cancel()
	defer s.loop.Stop()

	err := s.loop.Call(ctx, func() {
		s.closing = true
		if s.conn == nil && s.setupCancel == nil {
			s.sched.CancelPending()
			s.markClosed()
			return
		}
		s.state = CancelPendingCommands
		s.checkQueue()
	})
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) AccountID() string {
	return s.account.ID
}

// SyncFolder queues a sync of the inbox. force clears a persisted login
// error first; without it an account that failed to log in is refused.
func (s *Session) SyncFolder(ctx context.Context, force bool) error {
	var err error
	if callErr := s.loop.Call(ctx, func() { err = s.syncFolder(force) }); callErr != nil {
		return callErr
	}
	return err
}

// FetchEmail downloads the body of one email. A user request (auto false)
// runs at high priority and is served by a running sync between two steps.
func (s *Session) FetchEmail(ctx context.Context, emailID, partID string, auto bool) (*Request, error) {
	var req *Request
	var err error
	if callErr := s.loop.Call(ctx, func() { req, err = s.fetchEmail(emailID, partID, auto) }); callErr != nil {
		return nil, callErr
	}
	return req, err
}

// Reconnect drops the connection and logs in again. A running sync is
// stopped and queued again to run once the session is back.
func (s *Session) Reconnect() {
	s.loop.Post(s.reconnect)
}

// UpdateAccount swaps in a fresh copy of the account row. Changed
// credentials clear a persisted login error and force a new login.
func (s *Session) UpdateAccount(account *models.PopAccount) {
	s.loop.Post(func() {
		previous := s.account
		s.account = account
		credentialsChanged := previous.Username != account.Username ||
			previous.Password != account.Password ||
			previous.Hostname != account.Hostname ||
			previous.Port != account.Port ||
			previous.Encryption != account.Encryption
		if !credentialsChanged {
			if !account.Enabled && previous.Enabled {
				s.disable()
			}
			return
		}
		if account.HasLoginError() {
			s.clearError()
		}
		if !account.Enabled {
			s.disable()
			return
		}
		if s.conn != nil || s.setupCancel != nil {
			s.reconnect()
		}
	})
}

// Disable cancels all work and disconnects. The session refuses new work
// until an enabled account is passed to UpdateAccount.
func (s *Session) Disable() {
	s.loop.Post(func() {
		s.account.Enabled = false
		s.disable()
	})
}

// Delete cancels all work and disconnects for good.
func (s *Session) Delete() {
	s.loop.Post(func() {
		s.deleted = true
		s.enterErrorState(AccountDeleted)
	})
}

func (s *Session) Status(ctx context.Context) (dto.SessionStatus, error) {
	var status dto.SessionStatus
	err := s.loop.Call(ctx, func() {
		status = dto.SessionStatus{
			AccountID: s.account.ID,
			State:     s.displayState().String(),
			Connected: s.conn != nil,
			ErrorCode: s.account.ErrorCode,
			ErrorText: s.account.ErrorText,
			Scheduler: s.sched.Status(),
		}
		if s.syncCmd != nil && s.syncCmd.running {
			status.SyncState = s.syncCmd.state.String()
			status.SyncRequests = len(s.syncCmd.requests)
		}
	})
	return status, err
}

func (s *Session) displayState() State {
	if s.state != NeedsConnection {
		return s.state
	}
	switch {
	case s.deleted:
		return AccountDeleted
	case !s.account.Enabled:
		return AccountDisabled
	case s.account.HasLoginError():
		return InvalidCredentials
	}
	return s.state
}

func (s *Session) syncFolder(force bool) error {
	switch {
	case s.deleted:
		return er.ErrAccountDeleted
	case !s.account.Enabled:
		return er.ErrAccountDisabled
	case s.closing:
		return er.ErrSessionClosed
	}
	if force {
		if s.account.AccountError().IsSet() {
			s.clearError()
		}
	} else if s.account.HasLoginError() {
		return mailerror.New(mailerror.Code(s.account.ErrorCode), s.account.ErrorText)
	}

	if s.syncCmd != nil {
		s.log.Debugf("Sync already queued or running")
		return nil
	}
	s.syncCmd = newSyncEmailsCommand(s)
	s.queue(s.syncCmd, false)
	return nil
}

func (s *Session) fetchEmail(emailID, partID string, auto bool) (*Request, error) {
	switch {
	case s.deleted:
		return nil, er.ErrAccountDeleted
	case !s.account.Enabled:
		return nil, er.ErrAccountDisabled
	case s.closing:
		return nil, er.ErrSessionClosed
	}

	req := NewRequest(emailID, partID, auto)
	if !auto && s.syncCmd != nil && s.syncCmd.running {
		s.syncCmd.AddRequest(req)
		return req, nil
	}
	s.queue(newFetchEmailCommand(s, req), req.Priority == scheduler.High)
	return req, nil
}

func (s *Session) queue(cmd scheduler.Command, runImmediately bool) {
	s.stopIdleTimer()
	s.sched.Queue(cmd, runImmediately)
	s.checkQueue()
}

// checkQueue advances the connection setup or hands the connection to the
// scheduler once the session is ready.
func (s *Session) checkQueue() {
	switch s.state {
	case NeedsConnection:
		if s.closing {
			return
		}
		if s.deleted || !s.account.Enabled {
			s.sched.CancelPending()
			return
		}
		if s.sched.PendingCount() == 0 && !s.reconnectRequested {
			return
		}
		s.reconnectRequested = false
		s.connect()
	case CheckTlsSupport:
		s.checkTls()
	case NegotiateTls:
		s.negotiateTls()
	case UsernameRequired:
		s.sendUsername()
	case PasswordRequired:
		s.sendPassword()
	case NeedUidMap:
		s.createUidMap()
	case OkToSync:
		if s.closing {
			s.state = LogOut
			s.checkQueue()
			return
		}
		s.sched.Resume()
		if s.sched.Idle() {
			s.becameIdle()
		}
	case LogOut:
		s.logout()
	case InvalidCredentials, AccountDisabled, AccountDeleted:
		s.state = CancelPendingCommands
		s.checkQueue()
	case CancelPendingCommands:
		s.drain()
	}
}

// drain cancels queued work, waits for the active command and then leaves
// the server cleanly when the connection allows it.
func (s *Session) drain() {
	s.stopIdleTimer()
	s.sched.Pause()
	s.sched.CancelPending()
	if s.sched.ActiveCount() > 0 {
		s.sched.CancelActive()
		return
	}
	if s.setupCancel != nil || s.conn == nil || !s.loggedIn || !s.connHealthy {
		s.shutdownConnection()
		return
	}
	s.state = LogOut
	s.checkQueue()
}

func (s *Session) disable() {
	s.enterErrorState(AccountDisabled)
}

func (s *Session) enterErrorState(state State) {
	if s.conn == nil && s.setupCancel == nil && s.sched.ActiveCount() == 0 {
		s.sched.CancelPending()
		s.stopIdleTimer()
		return
	}
	s.state = state
	s.checkQueue()
}

func (s *Session) reconnect() {
	s.reconnectRequested = true
	if s.conn == nil && s.setupCancel == nil {
		s.checkQueue()
		return
	}
	s.log.Infof("Reconnecting")
	s.sched.Pause()
	if s.sched.ActiveCount() > 0 {
		s.sched.CancelActive()
		return
	}
	s.shutdownConnection()
}

// commandComplete runs when a scheduled command finishes, after which the
// session decides whether to go on, drain or reconnect.
func (s *Session) commandComplete(cmd scheduler.Command, err error, onDone func(error)) {
	s.sched.CommandComplete(cmd)
	if onDone != nil {
		onDone(err)
	}
	if err != nil && protocol.IsNetworkFailure(err) && s.connHealthy && !s.reconnectRequested {
		s.fail(err)
	}

	switch {
	case s.reconnectRequested:
		if s.sched.ActiveCount() == 0 {
			s.shutdownConnection()
		}
	case s.state == CancelPendingCommands, s.state == InvalidCredentials,
		s.state == AccountDisabled, s.state == AccountDeleted:
		s.checkQueue()
	case s.state == OkToSync && s.sched.Idle():
		s.becameIdle()
	}
}

// fail records err on the account and moves the session towards a
// disconnect. Callers run checkQueue afterwards.
func (s *Session) fail(err error) {
	code := mailerror.CodeOf(err)
	accountErr := mailerror.FromError(err)
	s.log.Warnf("Session failed in state %s: %v", s.state, err)

	if mailerror.IsNetworkError(code) || errors.Is(err, context.DeadlineExceeded) {
		s.connHealthy = false
	}
	s.account.ErrorCode = accountErr.Code.String()
	s.account.ErrorText = accountErr.Text
	if mailerror.IsRetryError(code) {
		s.scheduleRetry(accountErr)
	} else {
		s.persistError(accountErr)
	}

	if mailerror.IsLoginError(code) {
		s.state = InvalidCredentials
		s.emit(EventLoginFailure, err)
		return
	}
	if !s.loggedIn {
		s.emit(EventConnectFailure, err)
	}
	s.state = CancelPendingCommands
}

func (s *Session) shutdownConnection() {
	s.stopIdleTimer()
	s.gen++
	if s.setupCancel != nil {
		s.setupCancel()
		s.setupCancel = nil
	}

	hadConn := s.conn != nil
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debugf("Error closing connection: %v", err)
		}
		s.conn = nil
	}
	s.uidMap = nil
	s.loggedIn = false
	s.connHealthy = false
	s.state = NeedsConnection
	s.sched.Pause()

	if hadConn {
		s.log.Infof("Disconnected")
		s.emit(EventDisconnected, nil)
	}
	if s.closing {
		s.sched.CancelPending()
		s.markClosed()
		return
	}
	if s.sched.PendingCount() > 0 || s.reconnectRequested {
		s.checkQueue()
		return
	}
	s.notifyIdle()
}

func (s *Session) markClosed() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func (s *Session) becameIdle() {
	if s.autoListing {
		return
	}
	s.notifyIdle()
	if s.state != OkToSync || !s.sched.Idle() {
		return
	}
	s.stopIdleTimer()
	if s.cfg.IdleLogout <= 0 {
		s.state = LogOut
		s.checkQueue()
		return
	}
	gen := s.gen
	s.idleTimer = time.AfterFunc(s.cfg.IdleLogout, func() {
		s.loop.Post(func() {
			if s.gen != gen || s.state != OkToSync || !s.sched.Idle() {
				return
			}
			s.log.Infof("Idle for %s, logging out", s.cfg.IdleLogout)
			s.state = LogOut
			s.checkQueue()
		})
	})
}

func (s *Session) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) notifyIdle() {
	if s.onIdle != nil {
		s.onIdle()
	}
}

func (s *Session) emit(event Event, err error) {
	s.log.Debugf("Session event %s", event)
	for _, o := range s.observers {
		o(event, err)
	}
}

// async runs fn off the loop and delivers its result to done on the loop.
// done is dropped when the loop has stopped.
func (s *Session) async(ctx context.Context, fn func(ctx context.Context) error, done func(err error)) {
	go func() {
		err := fn(ctx)
		s.loop.Post(func() { done(err) })
	}()
}

// background returns a context for writes that must outlive the command
// that triggered them.
func (s *Session) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
}

func (s *Session) tlsConfig() *tls.Config {
	if s.deps.TLSConfig != nil {
		return s.deps.TLSConfig
	}
	if s.cfg.InsecureSkipVerify {
		return &tls.Config{ServerName: s.account.Hostname, InsecureSkipVerify: true}
	}
	return nil
}

func (s *Session) protocolOptions() protocol.Options {
	return protocol.Options{
		Host:            s.account.Hostname,
		Port:            s.account.Port,
		Encryption:      s.account.Encryption,
		ConnectTimeout:  s.cfg.ConnectTimeout,
		GreetingTimeout: s.cfg.GreetingTimeout,
		ReadTimeout:     s.cfg.ReadTimeout,
		MaxLineLength:   s.cfg.MaxLineLength,
		TLSConfig:       s.tlsConfig(),
	}
}

func (s *Session) requiresStls() bool {
	return s.account.Encryption == enum.EncryptionTLS
}
