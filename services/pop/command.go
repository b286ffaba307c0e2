package pop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/customeros/popstack/internal/scheduler"
)

var errCommandCancelled = errors.New("command cancelled before it ran")

// baseCommand carries the bookkeeping shared by the scheduled commands of a
// session. All methods run on the session loop.
type baseCommand struct {
	session  *Session
	name     string
	priority scheduler.Priority
	self     scheduler.Command

	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	finished bool
	onDone   func(err error)
}

func (c *baseCommand) init(s *Session, self scheduler.Command, name string, priority scheduler.Priority) {
	c.session = s
	c.self = self
	c.name = name
	c.priority = priority
	c.ctx, c.cancel = context.WithCancel(s.ctx)
}

func (c *baseCommand) Describe() string {
	return c.name
}

func (c *baseCommand) Priority() scheduler.Priority {
	return c.priority
}

// Cancel stops a running command through its context. A queued command is
// finished right away and never reaches the scheduler's active set.
func (c *baseCommand) Cancel() {
	if c.finished {
		return
	}
	c.cancel()
	if c.running {
		return
	}
	c.finished = true
	if c.onDone != nil {
		c.onDone(errCommandCancelled)
	}
}

func (c *baseCommand) start() context.Context {
	c.running = true
	c.session.stopIdleTimer()
	return c.ctx
}

// complete is idempotent; only the first call reports to the session.
func (c *baseCommand) complete(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.running = false
	c.cancel()
	c.session.commandComplete(c.self, err, c.onDone)
}
