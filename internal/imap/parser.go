package imap

import (
	"io"

	"github.com/emersion/go-imap"
)

// RawBody returns the fetched RFC 822 body of msg, or nil when none was fetched.
// FetchRawMessages requests a single body section, so the first literal is it.
func RawBody(msg *imap.Message) io.Reader {
	if msg == nil {
		return nil
	}
	for _, literal := range msg.Body {
		if literal != nil {
			return literal
		}
	}
	return nil
}

// ParseFlags reports the read and starred state of a message.
func ParseFlags(flags []string) (isRead, isStarred bool) {
	for _, flag := range flags {
		if flag == imap.SeenFlag {
			isRead = true
		}
		if flag == imap.FlaggedFlag {
			isStarred = true
		}
	}
	return isRead, isStarred
}
