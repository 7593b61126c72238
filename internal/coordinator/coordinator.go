package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultRetryLimit = rate.Limit(50)
	defaultRetryBurst = 5
)

// Coordinator hands out leases of distributed slot pools and observes
// parties. All pools and parties of a Coordinator share one connection,
// created on first use.
type Coordinator struct {
	dial       DialFunc
	identifier string

	retryLimit rate.Limit
	retryBurst int

	group singleflight.Group

	mu         sync.Mutex
	conn       Conn
	connString string
	pools      map[string]*Semaphore
}

// New returns a Coordinator that opens its connection with dial.
func New(dial DialFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		dial:       dial,
		identifier: defaultIdentifier(),
		retryLimit: defaultRetryLimit,
		retryBurst: defaultRetryBurst,
		pools:      make(map[string]*Semaphore),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func alive(conn Conn) bool {
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}

// current returns the live connection for connString. A connection whose
// session ended is dropped together with its pools.
func (c *Coordinator) current(connString string) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, nil
	}
	if c.connString != connString {
		return nil, fmt.Errorf("%w: %q, not %q", domain.ErrConnectionMismatch, c.connString, connString)
	}
	if !alive(c.conn) {
		log.Warn().Msgf("Session to %s is gone, reconnecting", c.connString)
		c.conn.Close()
		c.conn = nil
		c.pools = make(map[string]*Semaphore)
		return nil, nil
	}
	return c.conn, nil
}

// Connect returns the shared connection, opening it on first use. Concurrent
// callers wait for the same dial. A Coordinator stays bound to the first
// connection string until Disconnect.
func (c *Coordinator) Connect(ctx context.Context, connString string) (Conn, error) {
	if connString == "" {
		return nil, fmt.Errorf("empty connection string")
	}

	conn, err := c.current(connString)
	if err != nil || conn != nil {
		return conn, err
	}

	v, err, _ := c.group.Do(connString, func() (any, error) {
		if conn, err := c.current(connString); err != nil || conn != nil {
			return conn, err
		}

		conn, err := c.dial(ctx, connString)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %q, not %q", domain.ErrConnectionMismatch, c.connString, connString)
		}

		log.Info().Msgf("Connected to %s", connString)
		c.conn = conn
		c.connString = connString
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// Disconnect closes the shared connection. Ephemeral leases and party
// memberships held through it go away with the session. Calling it without
// a connection is a no-op.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connString = ""
	c.pools = make(map[string]*Semaphore)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	log.Info().Msg("Disconnecting")
	return conn.Close()
}

func validatePool(path string, maxConcurrency int) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: the root cannot be a pool", domain.ErrInvalidPath)
	}
	if maxConcurrency < 1 {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidMaxConcurrency, maxConcurrency)
	}
	return nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || strings.ContainsAny(identifier, "/\x00") {
		return fmt.Errorf("%w: %q", domain.ErrInvalidIdentifier, identifier)
	}
	return nil
}

func (c *Coordinator) identifierOr(identifier string) string {
	if identifier == "" {
		return c.identifier
	}
	return identifier
}

// pool returns the Semaphore registered for path, creating it on first use.
// Later calls get the registered pool whatever options they pass.
func (c *Coordinator) pool(ctx context.Context, conn Conn, path, identifier string, maxLeases int, ephemeral bool) *Semaphore {
	c.mu.Lock()
	s, ok := c.pools[path]
	if !ok {
		limiter := rate.NewLimiter(c.retryLimit, c.retryBurst)
		s = newSemaphore(conn, path, identifier, maxLeases, ephemeral, limiter)
		c.pools[path] = s
	}
	c.mu.Unlock()

	s.reattach(ctx)
	return s
}

func (c *Coordinator) forget(path string, s *Semaphore) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pools[path] == s {
		delete(c.pools, path)
	}
}

func (c *Coordinator) lookup(path string) *Semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pools[path]
}

// Acquire takes a lease of the pool at path, waiting for a free slot. It
// returns (false, nil) when opts.Timeout passes first, ctx.Err() when ctx is
// done, and domain.ErrSessionExpired when the session is lost.
func (c *Coordinator) Acquire(ctx context.Context, path, connString string, opts AcquireOptions) (bool, error) {
	if err := validatePool(path, opts.MaxConcurrency); err != nil {
		return false, err
	}
	identifier := c.identifierOr(opts.Identifier)
	if err := validateIdentifier(identifier); err != nil {
		return false, err
	}

	conn, err := c.Connect(ctx, connString)
	if err != nil {
		return false, err
	}

	s := c.pool(ctx, conn, path, identifier, opts.MaxConcurrency, opts.Ephemeral)
	return s.Acquire(ctx, opts.Timeout, opts.Force)
}

// LockHolders returns the identifiers of all current leases of the pool at
// path without taking one.
//
// Unless opts.Ephemeral is set, the pool is registered for persistent leases
// and a lease carrying this process's identifier is adopted as its own. A
// later Acquire then returns true without creating a lease, and Release
// deletes that lease even if another process sharing the identifier made
// it. See WithIdentifier.
func (c *Coordinator) LockHolders(ctx context.Context, path, connString string, opts HolderOptions) ([]string, error) {
	if err := validatePool(path, opts.MaxConcurrency); err != nil {
		return nil, err
	}

	conn, err := c.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	s := c.pool(ctx, conn, path, c.identifierOr(opts.Identifier), opts.MaxConcurrency, opts.Ephemeral)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return s.Holders(ctx)
}

// Release deletes the lease this process holds in the pool at path and
// forgets the pool. A pool this process never used is looked up through
// opts.ConnString. Releasing nothing is logged and returns false.
func (c *Coordinator) Release(ctx context.Context, path string, opts ReleaseOptions) (bool, error) {
	if err := validatePool(path, opts.MaxConcurrency); err != nil {
		return false, err
	}

	s := c.lookup(path)
	if s == nil && opts.ConnString != "" {
		conn, err := c.Connect(ctx, opts.ConnString)
		if err != nil {
			return false, err
		}
		s = c.pool(ctx, conn, path, c.identifierOr(opts.Identifier), opts.MaxConcurrency, opts.Ephemeral)
	}
	if s == nil {
		log.Error().Msgf("Release of %s without a lease", path)
		metrics.ReleaseTotal.WithLabelValues("not_held").Inc()
		return false, nil
	}
	defer c.forget(path, s)

	released, err := s.Release(ctx)
	if err != nil {
		metrics.ReleaseTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if !released {
		log.Error().Msgf("Release of %s without a lease", path)
		metrics.ReleaseTotal.WithLabelValues("not_held").Inc()
		return false, nil
	}

	metrics.ReleaseTotal.WithLabelValues("released").Inc()
	return true, nil
}
