package sock

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client issues HTTP requests against a daemon's admin socket.
type Client struct {
	http *http.Client
}

// NewClient creates a Client for the given socket path.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", addr)
				},
			},
		},
	}
}

// Request performs one HTTP round-trip over the socket. The host in the URL
// is a placeholder; routing happens on the path.
func (c *Client) Request(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("admin request %s %s failed: status %d", method, path, resp.StatusCode)
	}
	return body, nil
}
