package gateway

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailcore/internal/models"
)

// NewMessageID generates a Message-ID header value, angle brackets included,
// on the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if addr := models.AddressOf(from); strings.Contains(addr, "@") {
		domain = addr[strings.LastIndex(addr, "@")+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

type mimeOptions struct {
	bccHeader bool
}

// MIMEOption tunes BuildMIME for a transport.
type MIMEOption func(*mimeOptions)

// WithBccHeader writes the Bcc header. Only for transports that take the
// recipient list from the headers and strip Bcc themselves, like the Gmail
// API; SMTP carries Bcc in the envelope only.
func WithBccHeader() MIMEOption {
	return func(o *mimeOptions) { o.bccHeader = true }
}

// BuildMIME renders msg as an RFC 5322 message. Bcc recipients are left out
// unless WithBccHeader is given.
func BuildMIME(msg *models.OutboundMessage, date time.Time, opts ...MIMEOption) ([]byte, error) {
	var o mimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetSubject(msg.Subject)

	from, err := mail.ParseAddress(msg.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sender %q: %w", msg.FromAddress, err)
	}
	if msg.FromName != "" {
		from.Name = msg.FromName
	}
	h.SetAddressList("From", []*mail.Address{from})

	type addressField struct {
		key   string
		addrs []string
	}
	fields := []addressField{{"To", msg.To}, {"Cc", msg.CC}}
	if o.bccHeader {
		fields = append(fields, addressField{"Bcc", msg.BCC})
	}
	for _, field := range fields {
		if len(field.addrs) == 0 {
			continue
		}
		list, err := parseAddresses(field.addrs)
		if err != nil {
			return nil, err
		}
		h.SetAddressList(field.key, list)
	}

	if msg.MessageIDHeader != "" {
		h.SetMessageID(stripBrackets(msg.MessageIDHeader))
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{stripBrackets(msg.InReplyTo)})
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, stripBrackets(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if err := writeTextPart(tw, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writeTextPart(tw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		ah.SetContentType(mimeType, nil)
		ah.SetFilename(att.Filename)
		if att.ContentID != "" {
			ah.Set("Content-Id", "<"+stripBrackets(att.ContentID)+">")
		}

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %q: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTextPart(tw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := tw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func parseAddresses(raw []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseRFC822 parses a raw message into the provider-neutral shape. The
// caller fills in the external ids, direction and flags.
func ParseRFC822(r io.Reader) (*models.ExternalMessage, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &models.ExternalMessage{
		MessageIDHeader: firstMessageID(env.GetHeader("Message-ID")),
		InReplyTo:       firstMessageID(env.GetHeader("In-Reply-To")),
		References:      ParseMessageIDs(env.GetHeader("References")),
		Subject:         env.GetHeader("Subject"),
		HTML:            env.HTML,
		Text:            env.Text,
		To:              envelopeAddresses(env, "To"),
		CC:              envelopeAddresses(env, "Cc"),
		BCC:             envelopeAddresses(env, "Bcc"),
	}
	if from := envelopeAddresses(env, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	if date, err := netmail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.SentAt = date.UTC()
	}

	for _, parts := range []struct {
		list   []*enmime.Part
		inline bool
	}{
		{env.Attachments, false},
		{env.Inlines, true},
	} {
		for _, p := range parts.list {
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Filename:  p.FileName,
				MimeType:  p.ContentType,
				SizeBytes: int64(len(p.Content)),
				IsInline:  parts.inline,
				ContentID: p.ContentID,
				Content:   p.Content,
			})
		}
	}

	return msg, nil
}

func envelopeAddresses(env *enmime.Envelope, key string) []string {
	list, err := env.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}

// ParseMessageIDs extracts every <id> token from a References-style header.
func ParseMessageIDs(header string) []string {
	var ids []string
	for {
		start := strings.Index(header, "<")
		if start < 0 {
			return ids
		}
		end := strings.Index(header[start:], ">")
		if end < 0 {
			return ids
		}
		if id := header[start : start+end+1]; len(id) > 2 {
			ids = append(ids, id)
		}
		header = header[start+end+1:]
	}
}

func firstMessageID(header string) string {
	if ids := ParseMessageIDs(header); len(ids) > 0 {
		return ids[0]
	}
	if s := strings.TrimSpace(header); s != "" {
		return "<" + stripBrackets(s) + ">"
	}
	return ""
}

func stripBrackets(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

// headerThreadID derives a stable thread key from reply headers when the
// provider has no native thread id: the root of References, then
// In-Reply-To, then the message's own id.
func headerThreadID(msg *models.ExternalMessage) string {
	switch {
	case len(msg.References) > 0:
		return msg.References[0]
	case msg.InReplyTo != "":
		return msg.InReplyTo
	default:
		return msg.MessageIDHeader
	}
}
