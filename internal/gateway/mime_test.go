package gateway

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/models"
)

func TestBuildAndParseMIME(t *testing.T) {
	date := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	out := &models.OutboundMessage{
		FromAddress:     "me@example.com",
		FromName:        "Me Myself",
		To:              []string{"Alice <alice@example.com>"},
		CC:              []string{"bob@example.com"},
		BCC:             []string{"hidden@example.com"},
		Subject:         "Quarterly numbers",
		HTML:            "<p>Here are the <b>numbers</b>.</p>",
		Text:            "Here are the numbers.",
		MessageIDHeader: "<reply-1@example.com>",
		InReplyTo:       "<orig@example.com>",
		References:      []string{"<root@example.com>", "<orig@example.com>"},
		Attachments: []models.Attachment{
			{Filename: "report.csv", MimeType: "text/csv", Content: []byte("a,b\n1,2\n")},
		},
	}

	raw, err := BuildMIME(out, date)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden@example.com", "Bcc must not leak into headers")

	in, err := ParseRFC822(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "<reply-1@example.com>", in.MessageIDHeader)
	assert.Equal(t, "<orig@example.com>", in.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<orig@example.com>"}, in.References)
	assert.Equal(t, "Me Myself <me@example.com>", in.From)
	assert.Equal(t, []string{"Alice <alice@example.com>"}, in.To)
	assert.Equal(t, []string{"bob@example.com"}, in.CC)
	assert.Equal(t, "Quarterly numbers", in.Subject)
	assert.Contains(t, in.HTML, "<b>numbers</b>")
	assert.Equal(t, "Here are the numbers.", strings.TrimSpace(in.Text))
	assert.True(t, date.Equal(in.SentAt))

	require.Len(t, in.Attachments, 1)
	assert.Equal(t, "report.csv", in.Attachments[0].Filename)
	assert.Equal(t, []byte("a,b\n1,2\n"), in.Attachments[0].Content)
	assert.EqualValues(t, 8, in.Attachments[0].SizeBytes)
}

func TestBuildMIMERejectsBadSender(t *testing.T) {
	_, err := BuildMIME(&models.OutboundMessage{FromAddress: "not an address", To: []string{"a@example.com"}}, time.Now())
	assert.Error(t, err)
}

func TestParseMessageIDs(t *testing.T) {
	tests := []struct {
		header string
		want   []string
	}{
		{"", nil},
		{"<a@x>", []string{"<a@x>"}},
		{"<a@x> <b@x>\r\n <c@x>", []string{"<a@x>", "<b@x>", "<c@x>"}},
		{"<a@x>,<b@x>", []string{"<a@x>", "<b@x>"}},
		{"garbage <> <ok@x>", []string{"<ok@x>"}},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMessageIDs(tt.header))
		})
	}
}

func TestHeaderThreadID(t *testing.T) {
	assert.Equal(t, "<root@x>", headerThreadID(&models.ExternalMessage{
		MessageIDHeader: "<self@x>", InReplyTo: "<parent@x>", References: []string{"<root@x>", "<parent@x>"},
	}))
	assert.Equal(t, "<parent@x>", headerThreadID(&models.ExternalMessage{MessageIDHeader: "<self@x>", InReplyTo: "<parent@x>"}))
	assert.Equal(t, "<self@x>", headerThreadID(&models.ExternalMessage{MessageIDHeader: "<self@x>"}))
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("Jane <jane@corp.example>")
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@corp.example>"))
	assert.NotEqual(t, id, NewMessageID("jane@corp.example"))
}

func TestBuildMIMEWithBccHeader(t *testing.T) {
	out := &models.OutboundMessage{
		FromAddress: "me@example.com",
		To:          []string{"alice@example.com"},
		BCC:         []string{"hidden@example.com"},
		Subject:     "Offsite",
		Text:        "See you there.",
	}

	raw, err := BuildMIME(out, time.Now(), WithBccHeader())
	require.NoError(t, err)

	in, err := ParseRFC822(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"hidden@example.com"}, in.BCC)
	assert.Equal(t, []string{"alice@example.com"}, in.To)
}
