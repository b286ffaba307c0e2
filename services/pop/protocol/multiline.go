package protocol

import (
	"context"
	"sync"

	"github.com/customeros/popstack/internal/mailerror"
)

// LineHandler receives every line of a multi-line reply, dot-unstuffed.
type LineHandler func(line []byte) error

type MultiLineOption func(*MultiLine)

// IncludeCRLF hands lines to the handler with their terminator.
func IncludeCRLF() MultiLineOption {
	return func(m *MultiLine) {
		m.includeCRLF = true
	}
}

// HandleEndOfResponse also hands the terminating "." line to the handler.
func HandleEndOfResponse() MultiLineOption {
	return func(m *MultiLine) {
		m.handleEnd = true
	}
}

// MultiLine reads a reply terminated by a lone "." line. Reading can be
// paused by a slow consumer and resumed later without losing buffered lines.
type MultiLine struct {
	conn        *Conn
	includeCRLF bool
	handleEnd   bool

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (c *Conn) NewMultiLine(opts ...MultiLineOption) *MultiLine {
	m := &MultiLine{
		conn:   c,
		resume: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MultiLine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return
	}
	m.paused = true
	select {
	case <-m.resume:
	default:
	}
}

func (m *MultiLine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	select {
	case m.resume <- struct{}{}:
	default:
	}
}

func (m *MultiLine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Run sends command and feeds the reply body to handle. A "-ERR" status line
// fails with defaultCode unless the message carries a recognized code.
func (m *MultiLine) Run(ctx context.Context, command string, handle LineHandler, defaultCode mailerror.Code) (Response, error) {
	resp, err := m.conn.Exchange(ctx, command)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, m.conn.ResponseError(command, resp, defaultCode)
	}

	// a handler failure still drains the reply so the connection stays in step
	var handleErr error
	for {
		stream := m.conn.stream
		for stream.MoreLinesInBuffer() && (handleErr != nil || !m.Paused()) {
			line, err := stream.ReadLine(m.includeCRLF)
			if err != nil {
				return resp, m.conn.streamFailure(err)
			}

			end := isTerminator(line, m.includeCRLF)
			if (!end || m.handleEnd) && handleErr == nil {
				handleErr = handle(Unstuff(line))
			}
			if end {
				m.conn.log.Debugf("Found command terminator line for '%s'", describe(command))
				return resp, handleErr
			}
		}

		if m.Paused() && handleErr == nil {
			select {
			case <-m.resume:
			case <-ctx.Done():
				return resp, ctx.Err()
			}
			continue
		}

		if err := m.conn.waitLine(ctx, m.conn.opts.ReadTimeout); err != nil {
			return resp, err
		}
	}
}
