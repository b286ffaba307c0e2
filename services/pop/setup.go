package pop

import (
	"context"

	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/services/pop/protocol"
	"github.com/customeros/popstack/services/pop/reconcile"
)

// runSetup runs one connection setup exchange outside the scheduler. done is
// skipped when the connection was torn down in the meantime; abandon then
// releases whatever op produced.
func (s *Session) runSetup(pending State, op func(ctx context.Context) error, done func(err error), abandon func()) {
	s.state = pending
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.setupCancel = cancel

	go func() {
		err := op(ctx)
		cancel()
		posted := s.loop.Post(func() {
			if s.gen != gen || s.state != pending {
				if abandon != nil {
					abandon()
				}
				return
			}
			s.setupCancel = nil
			done(err)
		})
		if !posted && abandon != nil {
			abandon()
		}
	}()
}

func (s *Session) setupFailed(err error) {
	s.fail(err)
	s.checkQueue()
}

func (s *Session) connect() {
	opts := s.protocolOptions()
	log := s.log
	var conn *protocol.Conn

	s.runSetup(Connecting, func(ctx context.Context) error {
		c, err := protocol.Dial(ctx, opts, log)
		if err != nil {
			return err
		}
		if _, err := c.ReadGreeting(ctx); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	}, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.conn = conn
		s.connHealthy = true
		s.emit(EventConnected, nil)

		if s.requiresStls() {
			s.state = CheckTlsSupport
		} else {
			s.state = UsernameRequired
		}
		s.checkQueue()
	}, func() {
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Session) checkTls() {
	conn := s.conn
	s.runSetup(PendingTlsSupport, conn.Stls, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.state = NegotiateTls
		s.checkQueue()
	}, nil)
}

func (s *Session) negotiateTls() {
	conn := s.conn
	s.runSetup(PendingTlsNegotiation, conn.StartTLS, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.emit(EventTlsReady, nil)
		s.state = UsernameRequired
		s.checkQueue()
	}, nil)
}

func (s *Session) sendUsername() {
	conn := s.conn
	username := s.account.Username
	timeout := s.cfg.LoginTimeout

	s.runSetup(PendingLogin, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return conn.User(ctx, username)
	}, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.state = PasswordRequired
		s.checkQueue()
	}, nil)
}

func (s *Session) sendPassword() {
	conn := s.conn
	password := s.account.Password
	timeout := s.cfg.LoginTimeout

	s.runSetup(PendingLogin, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return conn.Pass(ctx, password)
	}, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.loggedIn = true
		s.log.Infof("Logged in as %s", s.account.Username)
		if mailerror.IsLoginError(s.account.AccountError().Code) {
			s.clearError()
		}
		s.emit(EventLoginSuccess, nil)
		s.state = NeedUidMap
		s.checkQueue()
	}, nil)
}

func (s *Session) createUidMap() {
	conn := s.conn
	var uidMap *reconcile.UidMap

	s.runSetup(GettingUidMap, func(ctx context.Context) error {
		list, err := conn.List(ctx)
		if err != nil {
			return err
		}
		uidl, err := conn.Uidl(ctx)
		if err != nil {
			return err
		}
		uidMap, err = reconcile.BuildUidMap(list, uidl)
		if err != nil {
			return mailerror.Wrap(mailerror.BadResponse, err)
		}
		return nil
	}, func(err error) {
		if err != nil {
			s.setupFailed(err)
			return
		}
		s.uidMap = uidMap
		s.log.Debugf("Server holds %d messages", uidMap.Len())
		s.emit(EventUidMapReady, nil)
		s.state = OkToSync
		s.checkQueue()
	}, nil)
}

func (s *Session) logout() {
	conn := s.conn
	if conn == nil {
		s.shutdownConnection()
		return
	}
	s.runSetup(LoggingOut, conn.Quit, func(err error) {
		if err != nil {
			s.log.Debugf("QUIT failed: %v", err)
		}
		s.shutdownConnection()
	}, nil)
}
