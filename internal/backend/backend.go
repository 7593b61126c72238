package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kgantsov/dslot/internal/client"
	"github.com/kgantsov/dslot/internal/coordinator"
	"github.com/kgantsov/dslot/internal/zookeeper"
)

const (
	SchemeZooKeeper = "zk"
	SchemeDSlot     = "coordd"

	DefaultSessionTimeout = 10 * time.Second
)

// Target is a parsed connection string.
type Target struct {
	Scheme  string
	Servers string
}

// Parse splits a connection string into its backend and server list. A bare
// host list selects ZooKeeper.
func Parse(connString string) (Target, error) {
	scheme, servers, found := strings.Cut(connString, "://")
	if !found {
		scheme, servers = SchemeZooKeeper, connString
	}

	servers = strings.TrimSpace(servers)
	if servers == "" {
		return Target{}, fmt.Errorf("no servers in connection string %q", connString)
	}

	switch scheme {
	case SchemeZooKeeper, SchemeDSlot:
		return Target{Scheme: scheme, Servers: servers}, nil
	}
	return Target{}, fmt.Errorf("unknown backend %q in connection string %q", scheme, connString)
}

// Dialer returns a coordinator.DialFunc that picks the backend from the
// connection string.
func Dialer(sessionTimeout time.Duration) coordinator.DialFunc {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}

	return func(ctx context.Context, connString string) (coordinator.Conn, error) {
		target, err := Parse(connString)
		if err != nil {
			return nil, err
		}

		if target.Scheme == SchemeDSlot {
			c, err := client.Dial(ctx, target.Servers, sessionTimeout)
			if err != nil {
				return nil, err
			}
			return c, nil
		}

		c, err := zookeeper.Dial(ctx, target.Servers, sessionTimeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
