// Package linestream turns a byte stream into protocol lines and fixed size
// blocks, under a per-wait timeout and a maximum line length.
package linestream

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type NewlineMode int

const (
	// NewlineCRLF only accepts "\r\n" as a line terminator.
	NewlineCRLF NewlineMode = iota
	// NewlineAuto accepts "\r", "\n" and "\r\n".
	NewlineAuto
)

const (
	DefaultMaxLineLength = 1048576
	readChunkSize        = 4096
)

var (
	ErrBusy          = errors.New("line stream already has a pending wait")
	ErrTimeout       = errors.New("timed out waiting for data")
	ErrDisconnected  = errors.New("connection closed by peer")
	ErrLineTooLong   = errors.New("line too long")
	ErrNoPendingRead = errors.New("read called without a completed wait")
)

var crlf = []byte("\r\n")

type chunk struct {
	data []byte
	err  error
}

type Option func(*LineStream)

func WithNewlineMode(mode NewlineMode) Option {
	return func(s *LineStream) {
		s.mode = mode
	}
}

func WithMaxLineLength(n int) Option {
	return func(s *LineStream) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

// LineStream buffers bytes from source. Waits and reads must come from one
// goroutine at a time; SetTimeout, Status and Close are safe from any goroutine.
type LineStream struct {
	source  io.Reader
	mode    NewlineMode
	maxLine int

	demand    chan struct{}
	chunks    chan chunk
	stop      chan struct{}
	pumpOnce  sync.Once
	closeOnce sync.Once

	buf         []byte
	scanned     int
	lineEnd     int
	newlinePos  int
	readPending bool
	readErr     error

	status    error
	completed bool

	waiting      atomic.Bool
	eof          atomic.Bool
	buffered     atomic.Int64
	timeoutReset chan time.Duration
}

func New(source io.Reader, opts ...Option) *LineStream {
	s := &LineStream{
		source:       source,
		mode:         NewlineCRLF,
		maxLine:      DefaultMaxLineLength,
		demand:       make(chan struct{}, 1),
		chunks:       make(chan chunk),
		stop:         make(chan struct{}),
		lineEnd:      -1,
		timeoutReset: make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WaitForLine blocks until a complete line is buffered, the peer closes the
// stream, the line exceeds the maximum length, the timeout fires or ctx ends.
// A timeout of zero waits without a deadline.
func (s *LineStream) WaitForLine(ctx context.Context, timeout time.Duration) error {
	return s.wait(ctx, timeout, s.lineReady)
}

// WaitForData blocks until at least n bytes are buffered or the stream ends.
func (s *LineStream) WaitForData(ctx context.Context, n int, timeout time.Duration) error {
	return s.wait(ctx, timeout, func() (bool, error) {
		if len(s.buf) >= n {
			return true, nil
		}
		if s.eof.Load() && len(s.buf) > 0 {
			return true, nil
		}
		return false, nil
	})
}

// ReadLine returns the next buffered line. Valid only after a successful wait.
func (s *LineStream) ReadLine(includeNewline bool) ([]byte, error) {
	if err := s.checkError(); err != nil {
		return nil, err
	}
	if !s.MoreLinesInBuffer() {
		return nil, ErrDisconnected
	}

	end := s.newlinePos
	if includeNewline {
		end = s.lineEnd
	}
	line := make([]byte, end)
	copy(line, s.buf[:end])
	s.consume(s.lineEnd)

	return line, nil
}

// ReadData returns up to n buffered bytes.
func (s *LineStream) ReadData(n int) ([]byte, error) {
	if err := s.checkError(); err != nil {
		return nil, err
	}
	if n > len(s.buf) {
		n = len(s.buf)
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	s.consume(n)

	return data, nil
}

// MoreLinesInBuffer reports whether a complete line can be read without waiting.
func (s *LineStream) MoreLinesInBuffer() bool {
	return s.locateLine() && s.newlinePos <= s.maxLine
}

func (s *LineStream) NumBytesAvailable() int {
	return len(s.buf)
}

func (s *LineStream) Waiting() bool {
	return s.waiting.Load()
}

func (s *LineStream) IsEOF() bool {
	return s.eof.Load()
}

// SetTimeout restarts the timer of the outstanding wait with a new duration.
func (s *LineStream) SetTimeout(timeout time.Duration) {
	if !s.waiting.Load() {
		return
	}
	select {
	case <-s.timeoutReset:
	default:
	}
	select {
	case s.timeoutReset <- timeout:
	default:
	}
}

// Close stops the read pump. The underlying reader is not closed.
func (s *LineStream) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
}

type Status struct {
	Waiting  bool  `json:"waiting"`
	EOF      bool  `json:"eof"`
	Buffered int64 `json:"buffered"`
}

func (s *LineStream) Status() Status {
	return Status{
		Waiting:  s.waiting.Load(),
		EOF:      s.eof.Load(),
		Buffered: s.buffered.Load(),
	}
}

func (s *LineStream) wait(ctx context.Context, timeout time.Duration, ready func() (bool, error)) error {
	if !s.waiting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.waiting.Store(false)

	s.completed = false
	s.status = nil

	if done, err := ready(); done {
		return s.complete(err)
	}
	if s.eof.Load() {
		return s.complete(ErrDisconnected)
	}

	s.pumpOnce.Do(func() {
		go s.pump()
	})

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		s.requestRead()

		select {
		case c := <-s.chunks:
			s.readPending = false
			if len(c.data) > 0 {
				s.buf = append(s.buf, c.data...)
				s.buffered.Store(int64(len(s.buf)))
			}
			if c.err != nil {
				s.eof.Store(true)
				if c.err != io.EOF {
					s.readErr = c.err
				}
			}
			if done, err := ready(); done {
				return s.complete(err)
			}
			if s.eof.Load() {
				return s.complete(ErrDisconnected)
			}
		case d := <-s.timeoutReset:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d)
			} else if d > 0 {
				timer = time.NewTimer(d)
				timerC = timer.C
				defer timer.Stop()
			}
		case <-timerC:
			return s.complete(ErrTimeout)
		case <-ctx.Done():
			return s.complete(ctx.Err())
		case <-s.stop:
			return s.complete(ErrDisconnected)
		}
	}
}

func (s *LineStream) complete(err error) error {
	s.completed = true
	s.status = err
	return err
}

func (s *LineStream) checkError() error {
	if s.status != nil {
		return s.status
	}
	if !s.completed {
		return ErrNoPendingRead
	}
	return nil
}

// requestRead asks the pump for one more chunk. Reads only happen on demand
// so that no read is left outstanding on the socket once a wait completes.
func (s *LineStream) requestRead() {
	if s.readPending || s.eof.Load() {
		return
	}
	s.readPending = true
	s.demand <- struct{}{}
}

func (s *LineStream) pump() {
	for {
		select {
		case <-s.demand:
		case <-s.stop:
			return
		}

		buf := make([]byte, readChunkSize)
		n, err := s.source.Read(buf)

		select {
		case s.chunks <- chunk{data: buf[:n], err: err}:
		case <-s.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *LineStream) lineReady() (bool, error) {
	if s.locateLine() {
		if s.newlinePos > s.maxLine {
			return true, ErrLineTooLong
		}
		return true, nil
	}
	if len(s.buf) > s.maxLine {
		return true, ErrLineTooLong
	}
	return false, nil
}

// locateLine finds the first line terminator in the buffer and caches its
// position until the line is consumed.
func (s *LineStream) locateLine() bool {
	if s.lineEnd >= 0 {
		return true
	}

	start := s.scanned
	if start > 0 {
		// a CR at the end of the previous scan may pair with a new LF
		start--
	}

	switch s.mode {
	case NewlineCRLF:
		idx := bytes.Index(s.buf[start:], crlf)
		if idx < 0 {
			s.scanned = len(s.buf)
			return false
		}
		s.newlinePos = start + idx
		s.lineEnd = s.newlinePos + 2
	default:
		idx := bytes.IndexAny(s.buf[start:], "\r\n")
		if idx < 0 {
			s.scanned = len(s.buf)
			return false
		}
		pos := start + idx
		switch {
		case s.buf[pos] == '\n':
			s.lineEnd = pos + 1
		case pos+1 < len(s.buf) && s.buf[pos+1] == '\n':
			s.lineEnd = pos + 2
		case pos+1 < len(s.buf) || s.eof.Load():
			s.lineEnd = pos + 1
		default:
			// lone CR at the end of the buffer; the LF may still be in flight
			s.scanned = pos
			return false
		}
		s.newlinePos = pos
	}

	return true
}

func (s *LineStream) consume(n int) {
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	s.scanned = 0
	s.lineEnd = -1
	s.newlinePos = 0
	s.buffered.Store(int64(len(s.buf)))
}
