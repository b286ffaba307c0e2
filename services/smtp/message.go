package smtp

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/customeros/popstack/dto"
)

type header struct {
	key   string
	value string
}

// buildMessage renders req as an RFC 5322 message. Bcc recipients never
// appear in the headers.
func buildMessage(req dto.SendEmail, from mail.Address, messageID string, date time.Time) ([]byte, error) {
	headers := []header{
		{"From", from.String()},
		{"To", formatAddressList(req.To)},
	}
	if len(req.Cc) > 0 {
		headers = append(headers, header{"Cc", formatAddressList(req.Cc)})
	}
	if req.ReplyTo != "" {
		headers = append(headers, header{"Reply-To", (&mail.Address{Address: req.ReplyTo}).String()})
	}
	headers = append(headers,
		header{"Subject", mime.QEncoding.Encode("utf-8", req.Subject)},
		header{"Date", date.Format(time.RFC1123Z)},
		header{"Message-ID", messageID},
	)
	if req.InReplyTo != "" {
		headers = append(headers, header{"In-Reply-To", angleBracket(req.InReplyTo)})
	}
	if len(req.References) > 0 {
		refs := make([]string, 0, len(req.References))
		for _, ref := range req.References {
			refs = append(refs, angleBracket(ref))
		}
		headers = append(headers, header{"References", strings.Join(refs, " ")})
	}
	headers = append(headers, header{"MIME-Version", "1.0"})

	var body bytes.Buffer
	switch {
	case req.BodyText != "" && req.BodyHTML != "":
		writer := multipart.NewWriter(&body)
		headers = append(headers, header{"Content-Type", "multipart/alternative; boundary=" + writer.Boundary()})
		if err := writePart(writer, "text/plain", req.BodyText); err != nil {
			return nil, err
		}
		if err := writePart(writer, "text/html", req.BodyHTML); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
	case req.BodyHTML != "":
		headers = append(headers,
			header{"Content-Type", "text/html; charset=UTF-8"},
			header{"Content-Transfer-Encoding", "quoted-printable"})
		if err := writeQuotedPrintable(&body, req.BodyHTML); err != nil {
			return nil, err
		}
	default:
		headers = append(headers,
			header{"Content-Type", "text/plain; charset=UTF-8"},
			header{"Content-Transfer-Encoding", "quoted-printable"})
		if err := writeQuotedPrintable(&body, req.BodyText); err != nil {
			return nil, err
		}
	}

	var msg bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h.key, h.value)
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func writePart(writer *multipart.Writer, contentType, content string) error {
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	return writeQuotedPrintable(part, content)
}

func writeQuotedPrintable(w io.Writer, content string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return qp.Close()
}

func formatAddressList(addresses []string) string {
	formatted := make([]string, 0, len(addresses))
	for _, a := range addresses {
		formatted = append(formatted, (&mail.Address{Address: a}).String())
	}
	return strings.Join(formatted, ", ")
}

func angleBracket(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
