package scheduler

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/haasonsaas/nova/pkg/models"
)

// IMAPMailbox adapts an imapclient connection to the Mailbox interface.
// INBOX is always selected read-only, so fetching an envelope never
// sets \Seen or any other flag.
type IMAPMailbox struct {
	client *imapclient.Client
}

var _ Mailbox = (*IMAPMailbox)(nil)

// DialIMAP opens a TLS connection and authenticates. addr is
// host:port (typically :993).
func DialIMAP(addr, username, password string) (*IMAPMailbox, error) {
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	if err := c.Login(username, password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return &IMAPMailbox{client: c}, nil
}

func (m *IMAPMailbox) SelectInbox(ctx context.Context) (uint32, error) {
	data, err := m.client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("imap select INBOX: %w", err)
	}
	return data.UIDValidity, nil
}

func (m *IMAPMailbox) UnseenUIDs(ctx context.Context) ([]uint32, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search unseen: %w", err)
	}
	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

func (m *IMAPMailbox) FetchHeaders(ctx context.Context, uids []uint32) ([]models.EmailHeader, error) {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	msgs, err := m.client.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch envelopes: %w", err)
	}
	headers := make([]models.EmailHeader, 0, len(msgs))
	for _, msg := range msgs {
		h := models.EmailHeader{UID: uint32(msg.UID)}
		if env := msg.Envelope; env != nil {
			h.Subject = env.Subject
			h.Date = env.Date
			if len(env.From) > 0 {
				h.From = env.From[0].Addr()
			}
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// Close logs out and drops the connection.
func (m *IMAPMailbox) Close() error {
	_ = m.client.Logout().Wait()
	return m.client.Close()
}
