// Package eventloop runs posted functions one at a time on a single goroutine.
package eventloop

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrStopped = errors.New("event loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	onPanic func(any)
}

type Option func(*Loop)

// WithPanicHandler is called with the recovered value when a posted func panics.
func WithPanicHandler(fn func(any)) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post appends fn to the queue. It never runs fn synchronously and reports
// false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted funcs until ctx ends or Stop is called. Funcs still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.markStopped()

	for {
		batch := l.take()
		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return
		}
	}
}

// Stop makes Run return once the funcs already taken off the queue have run.
func (l *Loop) Stop() {
	l.markStopped()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.onPanic == nil {
				panic(r)
			}
			l.onPanic(r)
		}
	}()
	fn()
}
