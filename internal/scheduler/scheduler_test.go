package scheduler

import (
	"testing"

	"github.com/customeros/popstack/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

// fakeLoop collects posted funcs so a test can drain them explicitly.
type fakeLoop struct {
	queue []func()
}

func (l *fakeLoop) post(fn func()) {
	l.queue = append(l.queue, fn)
}

func (l *fakeLoop) drain() {
	for len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue = l.queue[1:]
		fn()
	}
}

type testCommand struct {
	label     string
	priority  Priority
	sched     *Scheduler
	ran       *[]string
	cancelled bool
	autoDone  bool
}

func (c *testCommand) Run() {
	*c.ran = append(*c.ran, c.label)
	if c.autoDone {
		c.sched.CommandComplete(c)
	}
}

func (c *testCommand) Cancel()            { c.cancelled = true }
func (c *testCommand) Describe() string   { return c.label }
func (c *testCommand) Priority() Priority { return c.priority }

func newTestScheduler(max int) (*Scheduler, *fakeLoop) {
	loop := &fakeLoop{}
	return New("test", max, loop.post, getLogger()), loop
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string
	for _, label := range []string{"n1", "n2", "n3"} {
		s.Queue(&testCommand{label: label, priority: Normal, sched: s, ran: &ran, autoDone: true}, false)
	}

	// Act
	s.RunEligible()
	loop.drain()

	// Assert
	assert.Equal(t, []string{"n1", "n2", "n3"}, ran)
	assert.True(t, s.Idle())
}

func TestScheduler_PriorityThenFIFO(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string
	queued := []struct {
		label    string
		priority Priority
	}{
		{"high-1", High},
		{"normal-1", Normal},
		{"low-1", Low},
		{"normal-2", Normal},
		{"high-2", High},
	}
	for _, q := range queued {
		s.Queue(&testCommand{label: q.label, priority: q.priority, sched: s, ran: &ran, autoDone: true}, false)
	}

	// Act
	s.RunEligible()
	loop.drain()

	// Assert
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, ran)
}

func TestScheduler_RunIsDeferred(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string

	// Act
	s.Queue(&testCommand{label: "a", priority: Normal, sched: s, ran: &ran}, true)

	// Assert
	assert.Empty(t, ran)
	loop.drain()
	assert.Equal(t, []string{"a"}, ran)
}

func TestScheduler_MaxConcurrency(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(2)
	var ran []string
	cmds := make([]*testCommand, 3)
	for i, label := range []string{"a", "b", "c"} {
		cmds[i] = &testCommand{label: label, priority: Normal, sched: s, ran: &ran}
		s.Queue(cmds[i], true)
	}

	// Act
	loop.drain()

	// Assert
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Equal(t, 2, s.ActiveCount())
	assert.Equal(t, 1, s.PendingCount())

	s.CommandComplete(cmds[0])
	loop.drain()
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestScheduler_PauseAndResume(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string
	s.Pause()

	// Act
	s.Queue(&testCommand{label: "a", priority: High, sched: s, ran: &ran, autoDone: true}, true)
	loop.drain()
	pausedRan := len(ran)
	s.Resume()
	loop.drain()

	// Assert
	assert.Equal(t, 0, pausedRan)
	assert.Equal(t, []string{"a"}, ran)
}

func TestScheduler_CancelPending(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string
	a := &testCommand{label: "a", priority: Normal, sched: s, ran: &ran}
	b := &testCommand{label: "b", priority: Normal, sched: s, ran: &ran}
	c := &testCommand{label: "c", priority: Low, sched: s, ran: &ran}
	s.Queue(a, true)
	s.Queue(b, false)
	s.Queue(c, false)
	loop.drain()

	// Act
	n := s.CancelPending()

	// Assert
	assert.Equal(t, 2, n)
	assert.False(t, a.cancelled)
	assert.True(t, b.cancelled)
	assert.True(t, c.cancelled)
	assert.Equal(t, 0, s.PendingCount())
	assert.Equal(t, 1, s.ActiveCount())
}

func TestScheduler_RemoveQueued(t *testing.T) {
	// Arrange
	s, loop := newTestScheduler(1)
	var ran []string
	a := &testCommand{label: "a", priority: Normal, sched: s, ran: &ran, autoDone: true}
	b := &testCommand{label: "b", priority: Normal, sched: s, ran: &ran, autoDone: true}
	s.Queue(a, false)
	s.Queue(b, false)

	// Act
	removed := s.Remove(a)
	s.RunEligible()
	loop.drain()

	// Assert
	require.True(t, removed)
	assert.False(t, s.Remove(a))
	assert.Equal(t, []string{"b"}, ran)
}

func TestScheduler_StatusListsPendingInOrder(t *testing.T) {
	// Arrange
	s, _ := newTestScheduler(1)
	var ran []string
	s.Queue(&testCommand{label: "low", priority: Low, sched: s, ran: &ran}, false)
	s.Queue(&testCommand{label: "high", priority: High, sched: s, ran: &ran}, false)
	s.Queue(&testCommand{label: "normal", priority: Normal, sched: s, ran: &ran}, false)

	// Act
	st := s.Status()

	// Assert
	assert.Equal(t, []string{"high", "normal", "low"}, st.Pending)
	assert.Equal(t, "high", s.Peek().Describe())
	assert.Equal(t, 3, s.PendingCount())
}
