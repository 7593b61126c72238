package coordinator

import (
	"os"
	"time"

	"golang.org/x/time/rate"
)

// AcquireOptions configure a lease acquisition.
type AcquireOptions struct {
	// Identifier is stored in the lease node. Defaults to the coordinator's
	// identifier.
	Identifier string

	// MaxConcurrency is the number of leases the pool hands out.
	MaxConcurrency int

	// Timeout bounds the wait for a free slot. Zero waits until the lease
	// is acquired, the context is cancelled or the session is lost.
	Timeout time.Duration

	// Ephemeral leases are removed when the session ends.
	Ephemeral bool

	// Force creates the lease even when the pool is full or was declared
	// with a different MaxConcurrency. Forced leases count against the pool
	// like any other lease, so the pool can end up over its limit.
	Force bool
}

func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		MaxConcurrency: 1,
		Ephemeral:      true,
	}
}

type HolderOptions struct {
	Identifier     string
	MaxConcurrency int
	Timeout        time.Duration
	Ephemeral      bool
}

func DefaultHolderOptions() HolderOptions {
	return HolderOptions{
		MaxConcurrency: 1,
	}
}

type ReleaseOptions struct {
	// ConnString lets release find a lease this process never acquired.
	ConnString     string
	Identifier     string
	MaxConcurrency int
	Ephemeral      bool
}

func DefaultReleaseOptions() ReleaseOptions {
	return ReleaseOptions{
		MaxConcurrency: 1,
	}
}

type PartyOptions struct {
	// Identifier names this process in a blocking party.
	Identifier string

	// MinNodes is the quorum a blocking party waits for.
	MinNodes int

	// Blocking enters a double barrier instead of only reading the
	// current members.
	Blocking bool
}

func DefaultPartyOptions() PartyOptions {
	return PartyOptions{
		MinNodes: 1,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdentifier sets the identifier used when an operation does not name
// one. The default is the host name.
//
// Persistent leases are matched to their holder by identifier alone, so
// processes sharing an identifier take over each other's persistent leases
// and cannot be told apart by LockHolders. Give every process that may
// hold a persistent lease a unique identifier.
func WithIdentifier(identifier string) Option {
	return func(c *Coordinator) {
		c.identifier = identifier
	}
}

// WithRetryLimit paces the attempts of an acquisition that keeps losing
// races with other acquirers or hitting transient errors. The burst is at
// least 1.
func WithRetryLimit(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		c.retryLimit = limit
		c.retryBurst = max(burst, 1)
	}
}

func defaultIdentifier() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
