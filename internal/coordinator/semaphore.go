package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type attemptOutcome int

const (
	attemptAcquired attemptOutcome = iota
	attemptRetry
	attemptWait
	attemptFailed
)

func (o attemptOutcome) String() string {
	switch o {
	case attemptAcquired:
		return "acquired"
	case attemptRetry:
		return "retry"
	case attemptWait:
		return "wait"
	case attemptFailed:
		return "failed"
	}
	return "unknown"
}

// attemptResult is the outcome of one read-compare-create cycle. Watch is
// set for attemptWait, err for attemptRetry and attemptFailed.
type attemptResult struct {
	outcome attemptOutcome
	watch   <-chan domain.Event
	err     error
}

// Semaphore is a pool of at most maxLeases leases under path. The pool node
// stores maxLeases as its data, and every lease is a child whose data is
// the identifier of its holder.
type Semaphore struct {
	conn       Conn
	path       string
	identifier string
	maxLeases  int
	ephemeral  bool
	limiter    *rate.Limiter

	// acquireMu serializes acquisitions of this process, so the pool holds
	// at most one lease per Semaphore.
	acquireMu sync.Mutex

	mu    sync.Mutex
	lease string

	reattachOnce sync.Once
}

func newSemaphore(conn Conn, path, identifier string, maxLeases int, ephemeral bool, limiter *rate.Limiter) *Semaphore {
	return &Semaphore{
		conn:       conn,
		path:       path,
		identifier: identifier,
		maxLeases:  maxLeases,
		ephemeral:  ephemeral,
		limiter:    limiter,
	}
}

// Lease returns the path of the held lease, or "" when none is held.
func (s *Semaphore) Lease() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lease
}

func (s *Semaphore) setLease(lease string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lease = lease
}

func (s *Semaphore) maxData() []byte {
	return []byte(strconv.Itoa(s.maxLeases))
}

// ensurePath creates path and its missing parents as persistent nodes. The
// last node gets data.
func ensurePath(ctx context.Context, conn Conn, path string, data []byte) error {
	parent := domain.ParentPath(path)
	if parent != "/" {
		if _, err := conn.Create(ctx, parent, nil, 0); err != nil {
			switch {
			case errors.Is(err, domain.ErrNodeExists):
			case errors.Is(err, domain.ErrNoNode):
				if err := ensurePath(ctx, conn, parent, nil); err != nil {
					return err
				}
			default:
				return err
			}
		}
	}

	_, err := conn.Create(ctx, path, data, 0)
	if err != nil && !errors.Is(err, domain.ErrNodeExists) {
		return err
	}
	return nil
}

// checkMax compares the max lease count stored in the pool node with the
// one this process declared.
func (s *Semaphore) checkMax(data []byte) error {
	stored, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("%w: pool %s stores %q", domain.ErrMaxLeasesMismatch, s.path, data)
	}
	if stored != s.maxLeases {
		return fmt.Errorf("%w: pool %s allows %d leases, not %d", domain.ErrMaxLeasesMismatch, s.path, stored, s.maxLeases)
	}
	return nil
}

// ReattachIfPresent looks for a lease of this identifier left behind by an
// earlier process, and takes it over. It is meant for persistent leases,
// which outlive the session that created them.
func (s *Semaphore) ReattachIfPresent(ctx context.Context) (bool, error) {
	children, err := s.conn.Children(ctx, s.path)
	if errors.Is(err, domain.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, child := range children {
		lease := domain.JoinPath(s.path, child)

		data, _, err := s.conn.Get(ctx, lease)
		if errors.Is(err, domain.ErrNoNode) {
			continue
		}
		if err != nil {
			return false, err
		}

		if string(data) == s.identifier {
			log.Info().Msgf("Reattached to lease %s of %s", lease, s.identifier)
			s.setLease(lease)
			return true, nil
		}
	}

	return false, nil
}

func (s *Semaphore) reattach(ctx context.Context) {
	if s.ephemeral {
		return
	}
	s.reattachOnce.Do(func() {
		if _, err := s.ReattachIfPresent(ctx); err != nil {
			log.Warn().Msgf("Failed to look for an existing lease under %s: %v", s.path, err)
		}
	})
}

// permanent lists the errors no later attempt can recover from.
var permanent = []error{
	domain.ErrSessionExpired,
	domain.ErrInvalidPath,
	domain.ErrNoChildrenForEphemerals,
	domain.ErrNotEmpty,
	domain.ErrInvalidCommand,
	domain.ErrInvalidSessionTimeout,
	domain.ErrMaxLeasesMismatch,
}

// classify turns an error of a pool operation into an attempt outcome. Only
// a dead session and errors in permanent are final. Anything else, a
// dropped connection or a lost race included, is retried while the session
// lives.
func (s *Semaphore) classify(err error) attemptResult {
	if !alive(s.conn) {
		if errors.Is(err, domain.ErrSessionExpired) {
			return attemptResult{outcome: attemptFailed, err: err}
		}
		return attemptResult{outcome: attemptFailed, err: fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)}
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return attemptResult{outcome: attemptFailed, err: err}
		}
	}
	return attemptResult{outcome: attemptRetry, err: err}
}

// attempt runs one cycle: read the pool version, list the leases with a
// watch, and create a lease guarded by the version read. A lease created
// this way proves that the pool did not change since it was counted.
func (s *Semaphore) attempt(ctx context.Context, force bool) attemptResult {
	data, stat, err := s.conn.Get(ctx, s.path)
	if errors.Is(err, domain.ErrNoNode) {
		if err := ensurePath(ctx, s.conn, s.path, s.maxData()); err != nil {
			return s.classify(err)
		}
		return attemptResult{outcome: attemptRetry, err: err}
	}
	if err != nil {
		return s.classify(err)
	}

	if !force {
		if err := s.checkMax(data); err != nil {
			return attemptResult{outcome: attemptFailed, err: err}
		}

		children, watch, err := s.conn.ChildrenW(ctx, s.path)
		if err != nil {
			return s.classify(err)
		}
		if len(children) >= s.maxLeases {
			return attemptResult{outcome: attemptWait, watch: watch}
		}
	}

	var flags domain.CreateFlag
	if s.ephemeral {
		flags = domain.FlagEphemeral
	}

	guard := domain.Guard{Path: s.path, Data: data, Version: stat.Version}
	name := domain.JoinPath(s.path, uuidHex())

	lease, err := s.conn.CreateGuarded(ctx, guard, name, []byte(s.identifier), flags)
	if err != nil {
		return s.classify(err)
	}

	s.setLease(lease)
	return attemptResult{outcome: attemptAcquired}
}

// Acquire takes a lease from the pool. It returns (false, nil) when timeout
// passes without a free slot, and ctx.Err() when ctx is done first.
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration, force bool) (bool, error) {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	if lease := s.Lease(); lease != "" {
		log.Debug().Msgf("Lease %s is already held", lease)
		return true, nil
	}

	start := time.Now()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// stopped reports how a wait ended that did not end in an acquisition.
	stopped := func() (bool, error) {
		if err := ctx.Err(); err != nil {
			metrics.AcquireTotal.WithLabelValues("cancelled").Inc()
			return false, err
		}
		metrics.AcquireTotal.WithLabelValues("timeout").Inc()
		log.Debug().Msgf("Timed out after %s waiting for a lease under %s", timeout, s.path)
		return false, nil
	}

	for {
		res := s.attempt(waitCtx, force)
		if res.outcome != attemptAcquired && waitCtx.Err() != nil {
			return stopped()
		}

		switch res.outcome {
		case attemptAcquired:
			metrics.AcquireTotal.WithLabelValues("acquired").Inc()
			metrics.AcquireDuration.Observe(time.Since(start).Seconds())
			if force {
				metrics.ForcedAcquireTotal.Inc()
				log.Warn().Msgf("Forced lease %s on %s, the pool may be over its limit of %d", s.Lease(), s.path, s.maxLeases)
			}
			return true, nil

		case attemptFailed:
			metrics.AcquireTotal.WithLabelValues("failed").Inc()
			return false, res.err

		case attemptRetry:
			metrics.AcquireRetries.Inc()
			log.Debug().Msgf("Retrying acquisition of %s: %v", s.path, res.err)

			if err := s.backoff(waitCtx); err != nil {
				if errors.Is(err, domain.ErrSessionExpired) {
					metrics.AcquireTotal.WithLabelValues("failed").Inc()
					return false, err
				}
				return stopped()
			}

		case attemptWait:
			select {
			case <-res.watch:
			case <-s.conn.Done():
				metrics.AcquireTotal.WithLabelValues("failed").Inc()
				return false, domain.ErrSessionExpired
			case <-waitCtx.Done():
				return stopped()
			}
		}
	}
}

// backoff waits for the retry limiter. A delay that would run past the
// deadline of ctx is cut to half the time left, so a slow limiter still
// leaves room for one more attempt before the deadline.
func (s *Semaphore) backoff(ctx context.Context) error {
	r := s.limiter.Reserve()
	delay := r.Delay()

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); delay > left {
			r.Cancel()
			delay = left / 2
		}
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.conn.Done():
		return domain.ErrSessionExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Holders returns the identifiers of all current leases.
func (s *Semaphore) Holders(ctx context.Context) ([]string, error) {
	children, err := s.conn.Children(ctx, s.path)
	if errors.Is(err, domain.ErrNoNode) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	holders := make([]string, 0, len(children))
	for _, child := range children {
		data, _, err := s.conn.Get(ctx, domain.JoinPath(s.path, child))
		if errors.Is(err, domain.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		holders = append(holders, string(data))
	}

	return holders, nil
}

// Release deletes the held lease. It returns false when no lease is held or
// the lease was already gone.
func (s *Semaphore) Release(ctx context.Context) (bool, error) {
	s.mu.Lock()
	lease := s.lease
	s.lease = ""
	s.mu.Unlock()

	if lease == "" {
		return false, nil
	}

	err := s.conn.Delete(ctx, lease, domain.AnyVersion)
	if errors.Is(err, domain.ErrNoNode) {
		log.Warn().Msgf("Lease %s was already gone", lease)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log.Debug().Msgf("Released lease %s", lease)
	return true, nil
}

func uuidHex() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
