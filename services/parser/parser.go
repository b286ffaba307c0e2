// Package parser turns raw RFC 5322 headers and bodies downloaded over POP3
// into the fields stored with an email.
package parser

import (
	"bytes"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/utils"
)

const PreviewLength = 128

type Headers struct {
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	FromAddress string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	// Date is zero when the header is missing or unparseable.
	Date time.Time
	Raw  map[string]interface{}
}

// Timestamp returns the date in unix millis, falling back to received.
func (h *Headers) Timestamp(received time.Time) int64 {
	if h.Date.IsZero() {
		return received.UnixMilli()
	}
	return h.Date.UnixMilli()
}

type Part struct {
	Type        enum.EmailPartType
	ContentType string
	Charset     string
	FileName    string
	ContentID   string
	Content     []byte
}

type Body struct {
	Text    string
	HTML    string
	Preview string
	Parts   []Part
}

// ParseHeaders parses the header block returned by TOP n 0.
func ParseHeaders(raw []byte) (*Headers, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty header block")
	}
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(append([]byte{}, raw...), "\r\n"...)
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse headers")
	}
	return headersFromEnvelope(envelope), nil
}

// ParseBody reads a full message from r. It consumes r to EOF on success.
func ParseBody(r io.Reader) (*Body, *Headers, error) {
	envelope, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse message")
	}

	body := &Body{
		Text: envelope.Text,
		HTML: envelope.HTML,
	}
	body.Preview = Preview(envelope.Text, envelope.HTML)

	if envelope.Text != "" {
		body.Parts = append(body.Parts, Part{
			Type:        enum.EmailPartBody,
			ContentType: "text/plain",
			Charset:     "utf-8",
			Content:     []byte(envelope.Text),
		})
	}
	if envelope.HTML != "" {
		partType := enum.EmailPartBody
		if envelope.Text != "" {
			partType = enum.EmailPartAlternate
		}
		body.Parts = append(body.Parts, Part{
			Type:        partType,
			ContentType: "text/html",
			Charset:     "utf-8",
			Content:     []byte(envelope.HTML),
		})
	}
	for _, att := range envelope.Attachments {
		body.Parts = append(body.Parts, fromEnmimePart(enum.EmailPartAttachment, att))
	}
	for _, inline := range envelope.Inlines {
		body.Parts = append(body.Parts, fromEnmimePart(enum.EmailPartInline, inline))
	}

	return body, headersFromEnvelope(envelope), nil
}

func fromEnmimePart(partType enum.EmailPartType, p *enmime.Part) Part {
	return Part{
		Type:        partType,
		ContentType: p.ContentType,
		Charset:     p.Charset,
		FileName:    p.FileName,
		ContentID:   p.ContentID,
		Content:     p.Content,
	}
}

func headersFromEnvelope(envelope *enmime.Envelope) *Headers {
	h := &Headers{
		MessageID:  utils.NormalizeMessageID(envelope.GetHeader("Message-ID")),
		InReplyTo:  utils.NormalizeMessageID(envelope.GetHeader("In-Reply-To")),
		References: splitReferences(envelope.GetHeader("References")),
		Subject:    envelope.GetHeader("Subject"),
		Raw:        make(map[string]interface{}),
	}

	if from, err := envelope.AddressList("From"); err == nil && len(from) > 0 {
		h.FromAddress = from[0].Address
		h.FromName = from[0].Name
	} else {
		h.FromAddress = strings.TrimSpace(envelope.GetHeader("From"))
	}
	if replyTo, err := envelope.AddressList("Reply-To"); err == nil && len(replyTo) > 0 {
		h.ReplyTo = replyTo[0].Address
	}
	h.To = addresses(envelope, "To")
	h.Cc = addresses(envelope, "Cc")

	if date := envelope.GetHeader("Date"); date != "" {
		if parsed, err := mail.ParseDate(date); err == nil {
			h.Date = parsed.UTC()
		}
	}

	for _, key := range envelope.GetHeaderKeys() {
		values := envelope.GetHeaderValues(key)
		if len(values) > 0 {
			h.Raw[key] = values
		}
	}
	return h
}

func addresses(envelope *enmime.Envelope, key string) []string {
	list, err := envelope.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return utils.UniqueEmails(out)
}

func splitReferences(header string) []string {
	var refs []string
	for _, field := range strings.Fields(header) {
		if ref := utils.NormalizeMessageID(field); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Preview returns the first PreviewLength characters of readable text. HTML is
// only used when there is no plain text part.
func Preview(text, html string) string {
	if strings.TrimSpace(text) == "" && html != "" {
		plain, err := HTMLToPlainText(html)
		if err == nil {
			text = plain
		}
	}
	return utils.Truncate(strings.Join(strings.Fields(text), " "), PreviewLength)
}

func HTMLToPlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head").Each(func(i int, el *goquery.Selection) {
		el.Remove()
	})

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	return strings.TrimSpace(text), nil
}
