package models

import (
	"net/mail"
	"strings"
	"time"
)

// Direction tells whether a message was sent from or received into an account.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
	DirectionDraft    Direction = "draft"
)

// DeliveryStatus tracks an outbound message through the send pipeline.
// Inbound messages are always DeliveryReceived.
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "received"
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryBlocked  DeliveryStatus = "blocked"
	DeliveryDraft    DeliveryStatus = "draft"
)

type Thread struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	AccountID        string     `json:"account_id,omitempty"`
	ExternalThreadID string     `json:"external_thread_id,omitempty"`
	Subject          string     `json:"subject"`
	Participants     []string   `json:"participants"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	MessageCount     int        `json:"message_count"`
	IsArchived       bool       `json:"is_archived"`
	Labels           []string   `json:"labels"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Messages         []Message  `json:"messages,omitempty"`
}

type Message struct {
	ID                string         `json:"id"`
	ThreadID          string         `json:"thread_id"`
	AccountID         string         `json:"account_id,omitempty"`
	UserID            string         `json:"user_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	MessageIDHeader   string         `json:"message_id_header"`
	InReplyTo         string         `json:"in_reply_to,omitempty"`
	References        []string       `json:"references,omitempty"`
	Direction         Direction      `json:"direction"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	DeliveryError     string         `json:"delivery_error,omitempty"`
	DeliveryAttempts  int            `json:"delivery_attempts"`
	FromAddress       string         `json:"from_address"`
	ToAddresses       []string       `json:"to_addresses"`
	CCAddresses       []string       `json:"cc_addresses"`
	BCCAddresses      []string       `json:"bcc_addresses,omitempty"`
	Subject           string         `json:"subject"`
	BodyHTML          string         `json:"body_html"`
	BodyText          string         `json:"body_text"`
	IsRead            bool           `json:"is_read"`
	IsStarred         bool           `json:"is_starred"`
	SentAt            *time.Time     `json:"sent_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
}

type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
	Content   []byte `json:"-"`
}

// ExternalMessage is a provider message normalized by a gateway.
// ExternalMessageID is the idempotency key.
type ExternalMessage struct {
	ExternalMessageID string
	ExternalThreadID  string
	MessageIDHeader   string
	InReplyTo         string
	References        []string
	Direction         Direction
	From              string
	To                []string
	CC                []string
	BCC               []string
	Subject           string
	HTML              string
	Text              string
	SentAt            time.Time
	IsRead            bool
	IsStarred         bool
	Attachments       []Attachment
}

// Participants returns the sender followed by all recipients, de-duplicated.
func (m *ExternalMessage) Participants() []string {
	all := make([]string, 0, 1+len(m.To)+len(m.CC))
	all = append(all, m.From)
	all = append(all, m.To...)
	all = append(all, m.CC...)
	return MergeParticipants(nil, all)
}

// OutboundMessage is what a gateway connection puts on the wire.
type OutboundMessage struct {
	FromAddress      string
	FromName         string
	To               []string
	CC               []string
	BCC              []string
	Subject          string
	HTML             string
	Text             string
	MessageIDHeader  string
	InReplyTo        string
	References       []string
	ExternalThreadID string
	Attachments      []Attachment
}

// Recipients returns every envelope recipient.
func (m *OutboundMessage) Recipients() []string {
	rcpts := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	rcpts = append(rcpts, m.To...)
	rcpts = append(rcpts, m.CC...)
	rcpts = append(rcpts, m.BCC...)
	return rcpts
}

// AddressOf extracts the bare, lower-cased address from a header value such as
// "Jane <jane@example.com>". Unparseable input is returned trimmed and lower-cased.
func AddressOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(s)
}

// MergeParticipants appends addresses that are not yet present, keeping first-seen order.
func MergeParticipants(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, raw := range list {
			addr := AddressOf(raw)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}
