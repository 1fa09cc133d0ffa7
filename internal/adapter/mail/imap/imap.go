// Package imap implements the domain.Mailbox port on an IMAP inbox.
//
// Each operation opens a short-lived session: dial, login, select, act,
// logout. Attachment bytes fetched during ListUnread are held in memory
// until the message is marked processed, so Download never re-fetches.
package imap

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Config carries the mailbox credentials and connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Folder   string
}

// Client implements domain.Mailbox over emersion/go-imap.
type Client struct {
	cfg Config

	mu          sync.Mutex
	attachments map[string]map[string][]byte
	uids        map[string]uint32
}

// New validates the config and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: imap host, username and password are required", domain.ErrConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		cfg.UseTLS = true
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &Client{
		cfg:         cfg,
		attachments: map[string]map[string][]byte{},
		uids:        map[string]uint32{},
	}, nil
}

func (c *Client) connect() (*client.Client, error) {
	addr := c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)
	var (
		cl  *client.Client
		err error
	)
	if c.cfg.UseTLS {
		cl, err = client.DialTLS(addr, nil)
	} else {
		cl, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("op=imap.dial: %w", err)
	}
	if err := cl.Login(c.cfg.Username, c.cfg.Password); err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("op=imap.login: %w", err)
	}
	if _, err := cl.Select(c.cfg.Folder, false); err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("op=imap.select: %w", err)
	}
	return cl, nil
}

// ListUnread fetches every unseen message with its attachments.
func (c *Client) ListUnread(ctx domain.Context) ([]domain.MailMessage, error) {
	_ = ctx
	cl, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cl.Logout() }()

	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.SeenFlag}
	seqNums, err := cl.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("op=imap.search: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(seqNums...)
	section := &goimap.BodySectionName{}

	messages := make(chan *goimap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqSet,
			[]goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchUid, section.FetchItem()},
			messages)
	}()

	var out []domain.MailMessage
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}
		mm, atts, err := c.parseMessage(msg, section)
		if err != nil {
			slog.Warn("skipping unparseable message",
				slog.Uint64("seq", uint64(msg.SeqNum)),
				slog.Any("error", err))
			continue
		}
		c.mu.Lock()
		c.attachments[mm.MessageID] = atts
		c.uids[mm.MessageID] = msg.Uid
		c.mu.Unlock()
		out = append(out, mm)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("op=imap.fetch: %w", err)
	}
	return out, nil
}

func (c *Client) parseMessage(msg *goimap.Message, section *goimap.BodySectionName) (domain.MailMessage, map[string][]byte, error) {
	mm := domain.MailMessage{
		MessageID: msg.Envelope.MessageId,
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		mm.From = msg.Envelope.From[0].Address()
		mm.FromName = msg.Envelope.From[0].PersonalName
	}

	r := msg.GetBody(section)
	if r == nil {
		return mm, nil, fmt.Errorf("no body section")
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return mm, nil, fmt.Errorf("create mail reader: %w", err)
	}

	atts := map[string][]byte{}
	n := 0
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mm, nil, fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := h.Filename()
		if filename == "" {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return mm, nil, fmt.Errorf("read attachment %s: %w", filename, err)
		}
		n++
		id := strconv.Itoa(n)
		contentType, _, _ := h.ContentType()
		atts[id] = data
		mm.Attachments = append(mm.Attachments, domain.MailAttachment{
			ID:       id,
			Filename: filename,
			MIME:     strings.ToLower(contentType),
		})
	}
	return mm, atts, nil
}

// Download returns attachment bytes fetched by the last ListUnread.
func (c *Client) Download(ctx domain.Context, messageID, attachmentID string) ([]byte, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	byMsg, ok := c.attachments[messageID]
	if !ok {
		return nil, fmt.Errorf("op=imap.download message=%s: %w", messageID, domain.ErrNotFound)
	}
	data, ok := byMsg[attachmentID]
	if !ok {
		return nil, fmt.Errorf("op=imap.download attachment=%s: %w", attachmentID, domain.ErrNotFound)
	}
	return data, nil
}

// MarkProcessed flags the message seen and drops its cached attachments.
func (c *Client) MarkProcessed(ctx domain.Context, messageID string) error {
	_ = ctx
	c.mu.Lock()
	uid, ok := c.uids[messageID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=imap.mark message=%s: %w", messageID, domain.ErrNotFound)
	}

	cl, err := c.connect()
	if err != nil {
		return err
	}
	defer func() { _ = cl.Logout() }()

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)
	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := cl.UidStore(seqSet, item, []interface{}{goimap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("op=imap.mark_seen: %w", err)
	}

	c.mu.Lock()
	delete(c.attachments, messageID)
	delete(c.uids, messageID)
	c.mu.Unlock()
	return nil
}

var _ domain.Mailbox = (*Client)(nil)
