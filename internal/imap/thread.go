package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// SupportsThread reports whether the server can run THREAD=REFERENCES.
func SupportsThread(c *client.Client) bool {
	if c == nil {
		return false
	}
	ok, err := c.Support("THREAD=REFERENCES")
	return err == nil && ok
}

// RunThreadCommand runs the THREAD command and returns the thread structure.
// Uses the REFERENCES algorithm to build thread relationships.
func RunThreadCommand(c *client.Client) ([]*sortthread.Thread, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	threadClient := sortthread.NewThreadClient(c)
	searchCriteria := imap.NewSearchCriteria()

	threads, err := threadClient.UidThread(sortthread.References, searchCriteria)
	if err != nil {
		return nil, fmt.Errorf("THREAD command returned error: %w", err)
	}

	return threads, nil
}

// ThreadRoots maps every UID in threads to the UID of its top-level message.
func ThreadRoots(threads []*sortthread.Thread) map[uint32]uint32 {
	roots := make(map[uint32]uint32)

	var walk func(*sortthread.Thread, uint32)
	walk = func(thread *sortthread.Thread, rootUID uint32) {
		if thread == nil {
			return
		}
		roots[thread.Id] = rootUID
		for _, child := range thread.Children {
			walk(child, rootUID)
		}
	}

	for _, thread := range threads {
		if thread == nil {
			continue
		}
		walk(thread, thread.Id)
	}
	return roots
}
