// Package protocol speaks POP3 over a single connection: it frames requests,
// reads single and multi-line replies through a LineStream and maps failures
// onto account error codes.
package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/linestream"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/utils"
)

const maxGreetingErrorLength = 100

type Options struct {
	Host            string
	Port            int
	Encryption      enum.Encryption
	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	ReadTimeout     time.Duration
	MaxLineLength   int
	// TLSConfig overrides the default config built from Host.
	TLSConfig *tls.Config
}

func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig
	}
	return &tls.Config{ServerName: o.Host, MinVersion: tls.VersionTLS12}
}

// Conn is one POP3 connection. It is used by one command at a time.
type Conn struct {
	opts   Options
	raw    net.Conn
	stream *linestream.LineStream
	log    logger.Logger

	closeOnce sync.Once
}

// Dial connects to the server, honoring proxy settings from the environment,
// and performs the TLS handshake right away for implicit SSL accounts.
func Dial(ctx context.Context, opts Options, log logger.Logger) (*Conn, error) {
	if opts.Host == "" {
		return nil, mailerror.New(mailerror.InternalAccountMisconfigured, "hostname is empty")
	}

	log.Infof("Connecting to %s via ssl=%t", opts.Address(), opts.Encryption == enum.EncryptionSSL)

	dialer := proxy.FromEnvironmentUsing(&net.Dialer{Timeout: opts.ConnectTimeout})
	var raw net.Conn
	var err error
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		raw, err = cd.DialContext(ctx, "tcp", opts.Address())
	} else {
		raw, err = dialer.Dial("tcp", opts.Address())
	}
	if err != nil {
		return nil, NetworkFailure(err, mailerror.ConnectionFailed)
	}

	if opts.Encryption == enum.EncryptionSSL {
		tlsConn, err := handshake(ctx, raw, opts)
		if err != nil {
			raw.Close()
			return nil, err
		}
		raw = tlsConn
	}

	return NewConn(raw, opts, log), nil
}

// NewConn wraps an already established connection.
func NewConn(raw net.Conn, opts Options, log logger.Logger) *Conn {
	return &Conn{
		opts:   opts,
		raw:    raw,
		stream: newStream(raw, opts),
		log:    log,
	}
}

func newStream(raw net.Conn, opts Options) *linestream.LineStream {
	return linestream.New(raw, linestream.WithMaxLineLength(opts.MaxLineLength))
}

func handshake(ctx context.Context, raw net.Conn, opts Options) (*tls.Conn, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	tlsConn := tls.Client(raw, opts.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, NetworkFailure(err, mailerror.ConnectionFailed)
	}
	return tlsConn, nil
}

// StartTLS upgrades the live connection after a successful STLS reply.
func (c *Conn) StartTLS(ctx context.Context) error {
	if n := c.stream.NumBytesAvailable(); n > 0 {
		return mailerror.Newf(mailerror.BadResponse, "%d unexpected bytes buffered before TLS negotiation", n)
	}
	c.stream.Close()

	tlsConn, err := handshake(ctx, c.raw, c.opts)
	if err != nil {
		return err
	}
	c.raw = tlsConn
	c.stream = newStream(tlsConn, c.opts)
	return nil
}

// ReadGreeting waits for the server banner.
func (c *Conn) ReadGreeting(ctx context.Context) (Response, error) {
	line, err := c.readLine(ctx, c.opts.GreetingTimeout)
	if err != nil {
		return Response{}, err
	}
	c.log.Debugf("Greeting: %s", line)

	resp := ParseResponse(line)
	if !resp.OK() {
		return resp, mailerror.Newf(mailerror.ConnectionFailed, "Error connecting to server '%s': %s",
			c.opts.Address(), utils.Truncate(line, maxGreetingErrorLength))
	}
	return resp, nil
}

// SendCommand writes one request line.
func (c *Conn) SendCommand(ctx context.Context, command string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.raw.SetWriteDeadline(deadline)
	} else if c.opts.ReadTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	if _, err := c.raw.Write([]byte(command + CRLF)); err != nil {
		return NetworkFailure(err, mailerror.ConnectionFailed)
	}
	c.log.Debugf("Sent command: '%s'", describe(command))
	return nil
}

// Exchange sends command and reads its status line. A "-ERR" reply is
// returned as a response, not as an error.
func (c *Conn) Exchange(ctx context.Context, command string) (Response, error) {
	if err := c.SendCommand(ctx, command); err != nil {
		return Response{}, err
	}
	line, err := c.readLine(ctx, c.opts.ReadTimeout)
	if err != nil {
		return Response{}, err
	}
	c.log.Debugf("Response %s", line)
	return ParseResponse(line), nil
}

// ResponseError builds the error for a "-ERR" reply. Recognized login and
// availability phrases win over defaultCode.
func (c *Conn) ResponseError(command string, resp Response, defaultCode mailerror.Code) error {
	code := AnalyzeErrorResponse(c.opts.Host, resp.Message)
	if code == mailerror.None {
		code = defaultCode
	}
	return mailerror.Newf(code, "Running command '%s' yields a server error response: '%s'", describe(command), resp.Message)
}

func (c *Conn) Host() string {
	return c.opts.Host
}

func (c *Conn) Stream() *linestream.LineStream {
	return c.stream
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.Close()
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) waitLine(ctx context.Context, timeout time.Duration) error {
	if err := c.stream.WaitForLine(ctx, timeout); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return c.streamFailure(err)
	}
	return nil
}

func (c *Conn) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	if err := c.waitLine(ctx, timeout); err != nil {
		return "", err
	}
	line, err := c.stream.ReadLine(false)
	if err != nil {
		return "", c.streamFailure(err)
	}
	return string(line), nil
}

// streamFailure classifies a read failure. An over-long line leaves the
// stream out of step with the server, so the connection is closed and every
// later command fails the same way.
func (c *Conn) streamFailure(err error) error {
	if errors.Is(err, linestream.ErrLineTooLong) {
		c.log.Warnf("Closing connection to %s: %v", c.opts.Address(), err)
		c.Close()
	}
	return NetworkFailure(err, mailerror.ConnectionFailed)
}

// describe hides credentials from logs and error texts.
func describe(command string) string {
	if len(command) >= 5 && strings.EqualFold(command[:5], "PASS ") {
		return "PASS ****"
	}
	return command
}

func formatCommand(name string, args ...int) string {
	var sb strings.Builder
	sb.WriteString(name)
	for _, a := range args {
		sb.WriteString(fmt.Sprintf(" %d", a))
	}
	return sb.String()
}
