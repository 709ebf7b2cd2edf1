package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ccjk-org/ccjk/internal/logger"
)

// imapsPort selects implicit TLS; every other port speaks plain TCP and is
// expected to be a local or tunneled endpoint.
const imapsPort = 993

// IMAPConfig holds the inbox endpoint and credentials.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Timeout bounds each poll's IMAP conversation. The orchestrator passes
	// 2x the check interval.
	Timeout time.Duration
}

// IMAPClient is the production Fetcher. It caches one authenticated
// connection across polls and reconnects after any error.
type IMAPClient struct {
	cfg IMAPConfig

	mu     sync.Mutex
	conn   net.Conn
	client *imapclient.Client
}

var _ Fetcher = (*IMAPClient)(nil)

// NewIMAPClient creates an IMAPClient. No connection is made until the first
// poll.
func NewIMAPClient(cfg IMAPConfig) *IMAPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &IMAPClient{cfg: cfg}
}

// connect returns the cached session or dials, authenticates, and selects
// INBOX. Callers hold c.mu.
func (c *IMAPClient) connect(ctx context.Context) (*imapclient.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if c.cfg.Port == imapsPort {
		conn = tls.Client(conn, &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12})
	}
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))

	client := imapclient.New(conn, nil)
	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	logger.Debug(ctx, "IMAP session established", "host", c.cfg.Host)
	c.conn = conn
	c.client = client
	return client, nil
}

// reset drops the cached session so the next call reconnects.
func (c *IMAPClient) reset() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
		c.conn = nil
	}
}

// FetchUnseen implements Fetcher: SEARCH UNSEEN, then FETCH the full message
// for every hit.
func (c *IMAPClient) FetchUnseen(ctx context.Context) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("failed to search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{}
	fetched, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages := make([]*Message, 0, len(fetched))
	for _, buf := range fetched {
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			logger.Warn(ctx, "Fetched message without body section", "uid", uint32(buf.UID))
			continue
		}
		msg, err := ParseRaw(raw)
		if err != nil {
			// A message we cannot parse is consumed so the poll loop never
			// re-reads it forever.
			logger.Warn(ctx, "Failed to parse message, flagging seen",
				"uid", uint32(buf.UID), "err", err)
			if err := c.markSeenLocked(buf.UID); err != nil {
				logger.Error(ctx, "Failed to flag unparsable message", "err", err)
			}
			continue
		}
		msg.UID = uint32(buf.UID)
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkSeen implements Fetcher.
func (c *IMAPClient) MarkSeen(_ context.Context, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markSeenLocked(imap.UID(uid))
}

func (c *IMAPClient) markSeenLocked(uid imap.UID) error {
	if c.client == nil {
		return fmt.Errorf("imap session is not connected")
	}
	flags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := c.client.Store(imap.UIDSetNum(uid), flags, nil).Close(); err != nil {
		c.reset()
		return fmt.Errorf("failed to flag message %d seen: %w", uint32(uid), err)
	}
	return nil
}

// Close implements Fetcher.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	c.reset()
	return err
}
