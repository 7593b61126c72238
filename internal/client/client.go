package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

const closeTimeout = 5 * time.Second

// Client is a session with a dslot cluster over its HTTP API. Requests go to
// one node at a time and move on to the next host when a node is down or
// has no leader.
type Client struct {
	hosts []string
	http  *http.Client

	mu      sync.Mutex
	current int

	sessionID uint64
	timeout   time.Duration

	lastAlive atomic.Int64

	// ctx is cancelled when the session ends; it bounds keepalives and
	// watch polls.
	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	expireOnce sync.Once
	closed     atomic.Bool
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Dial opens a session on the first reachable node of servers, a comma
// separated list of host:port addresses of the nodes' HTTP API.
func Dial(ctx context.Context, servers string, timeout time.Duration) (*Client, error) {
	var hosts []string
	for _, host := range strings.Split(servers, ",") {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no servers in %q", servers)
	}

	c := &Client{
		hosts:   hosts,
		http:    &http.Client{},
		timeout: timeout,
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var resp struct {
		SessionID uint64 `json:"session_id"`
	}
	req := map[string]any{"timeout_ms": timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, req, &resp); err != nil {
		c.cancel()
		return nil, err
	}

	c.sessionID = resp.SessionID
	c.lastAlive.Store(time.Now().UnixNano())

	go c.keepAlive()

	log.Debug().Msgf("Opened session %d on %v", c.sessionID, hosts)
	return c, nil
}

// SessionID is the id of the session the client holds.
func (c *Client) SessionID() uint64 {
	return c.sessionID
}

func (c *Client) host() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hosts[c.current], c.current
}

func (c *Client) failover(from int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == from {
		c.current = (c.current + 1) % len(c.hosts)
		log.Debug().Msgf("Switching to %s", c.hosts[c.current])
	}
}

// retryable reports whether a request failed before any node handled it,
// so sending it to another node cannot apply it twice.
func retryable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, domain.ErrNotLeader) || errors.Is(err, domain.ErrLeaderUnknown)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}

	// A call without a deadline of its own is bounded by the session
	// timeout, so a node that stops answering cannot hold it forever.
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var err error
	for range c.hosts {
		host, idx := c.host()

		err = c.send(ctx, host, method, path, query, body, out)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}

		log.Debug().Msgf("Request %s %s to %s failed: %v", method, path, host, err)
		c.failover(idx)
	}
	return err
}

func (c *Client) send(ctx context.Context, host, method, path string, query url.Values, body []byte, out any) error {
	u := url.URL{Scheme: "http", Host: host, Path: path, RawQuery: query.Encode()}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		p := problem{}
		if err := json.Unmarshal(data, &p); err != nil || p.Detail == "" {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return domain.ErrorFromCode(p.Detail, p.Title)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.timeout/3)
		err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/sessions/%d/keepalive", c.sessionID), nil, nil, nil)
		cancel()

		switch {
		case err == nil:
			c.lastAlive.Store(time.Now().UnixNano())
		case errors.Is(err, domain.ErrSessionExpired):
			log.Warn().Msgf("Session %d expired", c.sessionID)
			c.expire()
			return
		default:
			log.Warn().Msgf("Keepalive for session %d failed: %v", c.sessionID, err)

			// The cluster expires the session on its own once the timeout
			// passed without a keepalive.
			if time.Since(time.Unix(0, c.lastAlive.Load())) > c.timeout {
				c.expire()
				return
			}
		}
	}
}

func (c *Client) expire() {
	c.expireOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

func (c *Client) check() error {
	if c.closed.Load() {
		return domain.ErrConnectionClosed
	}
	select {
	case <-c.done:
		return domain.ErrSessionExpired
	default:
		return nil
	}
}

// Done is closed when the session expires or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session, which deletes its ephemeral nodes. Closing twice is
// a no-op.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	select {
	case <-c.done:
		return nil
	default:
	}
	defer c.expire()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/sessions/%d", c.sessionID), nil, nil, nil)
	if errors.Is(err, domain.ErrSessionExpired) {
		return nil
	}
	return err
}
