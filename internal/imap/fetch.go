package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Inbox is the only mailbox synced.
const Inbox = "INBOX"

// SelectInbox opens INBOX read-only and returns its status (UIDVALIDITY included).
func SelectInbox(c *client.Client) (*imap.MailboxStatus, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mbox, err := c.Select(Inbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", Inbox, err)
	}
	return mbox, nil
}

// SearchUIDsAfter returns the UIDs greater than after, ascending.
// after == 0 returns every UID in the mailbox.
func SearchUIDsAfter(c *client.Client, after uint32) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	criteria := imap.NewSearchCriteria()
	if after > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(after+1, 0)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	// "N:*" always matches the newest message, even when its UID is below N.
	kept := uids[:0]
	for _, uid := range uids {
		if uid > after {
			kept = append(kept, uid)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	return kept, nil
}

// FetchRawMessages fetches flags, envelope, internal date and the complete RFC 822 body for
// the given UIDs. Messages come back ascending by UID.
func FetchRawMessages(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Uid < result[j].Uid })
	return result, nil
}
