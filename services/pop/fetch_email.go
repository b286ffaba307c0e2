package pop

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/scheduler"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
	"github.com/customeros/popstack/services/parser"
	"github.com/customeros/popstack/services/pop/protocol"
)

// lineBufferSize bounds how many RETR lines wait for the parser.
const lineBufferSize = 64

// fetchEmailCommand downloads one body when no sync is running.
type fetchEmailCommand struct {
	baseCommand
	req *Request
}

func newFetchEmailCommand(s *Session, req *Request) *fetchEmailCommand {
	c := &fetchEmailCommand{req: req}
	c.init(s, c, req.String(), req.Priority)
	c.onDone = req.Finish
	return c
}

func (c *fetchEmailCommand) Run() {
	ctx := c.start()
	c.session.downloadBody(ctx, c.req, c.complete)
}

// downloadBody streams the body of req's email from the server into the
// parser and stores the parts. It starts on the loop and calls done there.
func (s *Session) downloadBody(ctx context.Context, req *Request, done func(error)) {
	accountID := s.account.ID
	var email *models.PopEmail

	s.async(ctx, func(ctx context.Context) error {
		var err error
		email, err = s.deps.Emails.GetEmail(ctx, req.EmailID)
		if err != nil {
			return err
		}
		if email == nil || email.AccountID != accountID {
			return er.ErrEmailNotFound
		}
		return nil
	}, func(err error) {
		switch {
		case errors.Is(err, er.ErrEmailNotFound) && req.Auto:
			done(nil)
			return
		case err != nil:
			done(err)
			return
		case email.Downloaded && req.Priority == scheduler.Low:
			s.log.Debugf("Email %s already downloaded", email.ID)
			done(nil)
			return
		case s.uidMap == nil || s.conn == nil:
			done(er.ErrSessionClosed)
			return
		}

		info, ok := s.uidMap.Get(email.UID)
		if !ok {
			done(er.ErrMessageNotOnServer)
			return
		}
		conn := s.conn
		s.async(ctx, func(ctx context.Context) error {
			return s.retrieveBody(ctx, conn, email, info.Number, req)
		}, done)
	})
}

func (s *Session) retrieveBody(ctx context.Context, conn *protocol.Conn, email *models.PopEmail, msgNum int, req *Request) error {
	span, ctx := tracing.StartTracerSpan(ctx, "Session.RetrieveBody")
	defer span.Finish()
	tracing.SetDefaultPopSpanTags(ctx, span, "RETR")
	tracing.TagAccount(span, email.AccountID)
	tracing.TagEntity(span, email.ID)
	if req.PartID != "" {
		span.SetTag("part-id", req.PartID)
	}

	if email.Downloaded {
		if err := s.clearParts(ctx, email.ID); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	}

	body, err := streamBody(ctx, conn, msgNum)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	parts := make([]*models.PopEmailPart, 0, len(body.Parts))
	for _, p := range body.Parts {
		part := &models.PopEmailPart{
			ID:          utils.GenerateNanoIDWithPrefix("part", 24),
			EmailID:     email.ID,
			PartType:    p.Type,
			ContentType: p.ContentType,
			Charset:     p.Charset,
			FileName:    p.FileName,
			ContentID:   p.ContentID,
			Size:        int64(len(p.Content)),
		}
		part.StorageKey = fmt.Sprintf("%s/%s/%s.%s", email.AccountID, email.ID, part.ID, utils.GetFileExtensionFromContentType(p.ContentType))
		if err := s.deps.Storage.UploadStream(ctx, part.StorageKey, bytes.NewReader(p.Content), p.ContentType); err != nil {
			tracing.TraceErr(span, err)
			return errors.Wrapf(err, "failed to store part %s", part.ID)
		}
		parts = append(parts, part)
	}
	if err := s.deps.Emails.ReplaceParts(ctx, email.ID, parts); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := s.deps.Emails.UpdateSummary(ctx, email.ID, body.Preview, true); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	s.log.Infof("Downloaded body of email %s, %d parts", email.ID, len(parts))
	return nil
}

func (s *Session) clearParts(ctx context.Context, emailID string) error {
	old, err := s.deps.Emails.ClearParts(ctx, emailID)
	if err != nil {
		return err
	}
	s.deleteStoredParts(ctx, old)
	return s.deps.Emails.UpdateSummary(ctx, emailID, "", false)
}

// deleteEmails removes emails with their parts and the stored part objects.
func (s *Session) deleteEmails(ctx context.Context, ids []string) error {
	parts, err := s.deps.Emails.DeleteEmails(ctx, ids)
	if err != nil {
		return err
	}
	s.deleteStoredParts(ctx, parts)
	return nil
}

func (s *Session) deleteStoredParts(ctx context.Context, parts []models.PopEmailPart) {
	for _, p := range parts {
		if p.StorageKey == "" {
			continue
		}
		if err := s.deps.Storage.Delete(ctx, p.StorageKey); err != nil {
			s.log.Warnf("Failed to delete stored part %s: %v", p.StorageKey, err)
		}
	}
}

// streamBody runs RETR and feeds the reply to the MIME parser through a
// bounded channel. The reader pauses the reply while the channel is full.
func streamBody(ctx context.Context, conn *protocol.Conn, msgNum int) (*parser.Body, error) {
	lines := make(chan []byte, lineBufferSize)
	ml := conn.NewMultiLine(protocol.IncludeCRLF())
	reader := &lineReader{lines: lines, ml: ml}

	type parsed struct {
		body *parser.Body
		err  error
	}
	result := make(chan parsed, 1)
	go func() {
		body, _, err := parser.ParseBody(reader)
		reader.drain()
		result <- parsed{body: body, err: err}
	}()

	retrErr := conn.Retr(ctx, ml, msgNum, func(line []byte) error {
		select {
		case lines <- append([]byte(nil), line...):
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(lines) == cap(lines) {
			ml.Pause()
			// the parser may have drained the channel before the pause
			if len(lines) < cap(lines)/2 {
				ml.Resume()
			}
		}
		return nil
	})
	close(lines)
	res := <-result

	if retrErr != nil {
		return nil, retrErr
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.body, nil
}

// lineReader exposes the queued RETR lines as an io.Reader.
type lineReader struct {
	lines <-chan []byte
	ml    *protocol.MultiLine
	cur   []byte
}

func (r *lineReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		line, ok := <-r.lines
		if !ok {
			return 0, io.EOF
		}
		r.cur = line
		r.release()
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *lineReader) release() {
	if r.ml.Paused() && len(r.lines) < cap(r.lines)/2 {
		r.ml.Resume()
	}
}

// drain consumes whatever the parser left so the reply can finish.
func (r *lineReader) drain() {
	r.cur = nil
	for range r.lines {
		r.release()
	}
}
