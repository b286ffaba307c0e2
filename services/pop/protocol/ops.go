package protocol

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/customeros/popstack/internal/mailerror"
)

type ListEntry struct {
	Number int
	Size   int64
}

type UidlEntry struct {
	Number int
	UID    string
}

// Stls asks the server to switch to TLS. A refusal means the account cannot
// be served with the configured encryption.
func (c *Conn) Stls(ctx context.Context) error {
	resp, err := c.Exchange(ctx, "STLS")
	if err != nil {
		return err
	}
	if !resp.OK() {
		return mailerror.Newf(mailerror.ConfigNoSsl, "server does not support STLS: %s", resp.Message)
	}
	return nil
}

func (c *Conn) User(ctx context.Context, username string) error {
	return c.login(ctx, "USER "+username)
}

func (c *Conn) Pass(ctx context.Context, password string) error {
	return c.login(ctx, "PASS "+password)
}

func (c *Conn) login(ctx context.Context, command string) error {
	resp, err := c.Exchange(ctx, command)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return c.ResponseError(command, resp, mailerror.BadUsernameOrPassword)
	}
	return nil
}

// List returns message numbers and sizes in server order.
func (c *Conn) List(ctx context.Context) ([]ListEntry, error) {
	var entries []ListEntry
	_, err := c.NewMultiLine().Run(ctx, "LIST", func(line []byte) error {
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			return mailerror.Newf(mailerror.BadResponse, "malformed LIST line: '%s'", line)
		}
		num, err1 := strconv.Atoi(fields[0])
		size, err2 := strconv.ParseInt(fields[1], 10, 64)
		if err1 != nil || err2 != nil {
			return mailerror.Newf(mailerror.BadResponse, "malformed LIST line: '%s'", line)
		}
		entries = append(entries, ListEntry{Number: num, Size: size})
		return nil
	}, mailerror.BadResponse)
	return entries, err
}

// Uidl returns message numbers and their unique ids in server order.
func (c *Conn) Uidl(ctx context.Context) ([]UidlEntry, error) {
	var entries []UidlEntry
	_, err := c.NewMultiLine().Run(ctx, "UIDL", func(line []byte) error {
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			return mailerror.Newf(mailerror.BadResponse, "malformed UIDL line: '%s'", line)
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			return mailerror.Newf(mailerror.BadResponse, "malformed UIDL line: '%s'", line)
		}
		entries = append(entries, UidlEntry{Number: num, UID: fields[1]})
		return nil
	}, mailerror.BadResponse)
	return entries, err
}

// TopHeaders downloads the header block of one message with TOP n 0.
func (c *Conn) TopHeaders(ctx context.Context, msgNum int) ([]byte, error) {
	var buf bytes.Buffer
	_, err := c.NewMultiLine(IncludeCRLF()).Run(ctx, formatCommand("TOP", msgNum, 0), func(line []byte) error {
		buf.Write(line)
		return nil
	}, mailerror.BadResponse)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Retr streams a full message through ml.
func (c *Conn) Retr(ctx context.Context, ml *MultiLine, msgNum int, handle LineHandler) error {
	_, err := ml.Run(ctx, formatCommand("RETR", msgNum), handle, mailerror.BadResponse)
	return err
}

func (c *Conn) Dele(ctx context.Context, msgNum int) error {
	command := formatCommand("DELE", msgNum)
	resp, err := c.Exchange(ctx, command)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return c.ResponseError(command, resp, mailerror.BadResponse)
	}
	return nil
}

func (c *Conn) Quit(ctx context.Context) error {
	resp, err := c.Exchange(ctx, "QUIT")
	if err != nil {
		return err
	}
	if !resp.OK() {
		return c.ResponseError("QUIT", resp, mailerror.BadResponse)
	}
	return nil
}
