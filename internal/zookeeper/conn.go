package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samuel/go-zookeeper/zk"
)

// Conn is a ZooKeeper session.
type Conn struct {
	conn *zk.Conn
	acl  []zk.ACL

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	log.Debug().Msgf("zookeeper: "+format, args...)
}

func parseServers(servers string) []string {
	var hosts []string
	for _, host := range strings.Split(servers, ",") {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Dial connects to the ZooKeeper ensemble in servers, a comma separated
// host:port list, and waits until a session is established.
func Dial(ctx context.Context, servers string, timeout time.Duration) (*Conn, error) {
	hosts := parseServers(servers)
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no servers in %q", servers)
	}

	conn, events, err := zk.Connect(hosts, timeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn: conn,
		acl:  zk.WorldACL(zk.PermAll),
		done: make(chan struct{}),
	}

	if err := waitForSession(ctx, events); err != nil {
		conn.Close()
		return nil, err
	}

	go c.watchSession(events)

	log.Info().Msgf("Connected to zookeeper %v with session %d", hosts, conn.SessionID())
	return c, nil
}

func waitForSession(ctx context.Context, events <-chan zk.Event) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for zookeeper session: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return domain.ErrConnectionClosed
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateExpired:
				return domain.ErrSessionExpired
			case zk.StateAuthFailed:
				return fmt.Errorf("zookeeper authentication failed")
			}
		}
	}
}

// watchSession drains the session events; the client panics if nobody
// reads them.
func (c *Conn) watchSession(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}

		log.Debug().Msgf("Zookeeper session state: %s", ev.State)

		if ev.State == zk.StateExpired {
			log.Warn().Msgf("Zookeeper session %d expired", c.conn.SessionID())
			c.markDone()
		}
	}
	c.markDone()
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) Create(ctx context.Context, path string, data []byte, flags domain.CreateFlag) (string, error) {
	p, err := c.conn.Create(path, data, int32(flags), c.acl)
	return p, mapError(err)
}

// CreateGuarded runs the guard update and the create as one multi
// transaction.
func (c *Conn) CreateGuarded(
	ctx context.Context, guard domain.Guard, path string, data []byte, flags domain.CreateFlag,
) (string, error) {
	res, err := c.conn.Multi(
		&zk.SetDataRequest{Path: guard.Path, Data: guard.Data, Version: guard.Version},
		&zk.CreateRequest{Path: path, Data: data, Acl: c.acl, Flags: int32(flags)},
	)
	if err := multiError(res, err); err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", fmt.Errorf("unexpected multi response of %d ops", len(res))
	}
	return res[1].String, nil
}

func (c *Conn) Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error) {
	stat, err := c.conn.Set(path, data, version)
	if err != nil {
		return nil, mapError(err)
	}
	return toStat(stat), nil
}

func (c *Conn) Delete(ctx context.Context, path string, version int32) error {
	return mapError(c.conn.Delete(path, version))
}

func (c *Conn) Get(ctx context.Context, path string) ([]byte, *domain.Stat, error) {
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return data, toStat(stat), nil
}

func (c *Conn) ExistsW(ctx context.Context, path string) (bool, <-chan domain.Event, error) {
	exists, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, mapError(err)
	}
	return exists, forwardEvent(ch), nil
}

func (c *Conn) Children(ctx context.Context, path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	return children, mapError(err)
}

func (c *Conn) ChildrenW(ctx context.Context, path string) ([]string, <-chan domain.Event, error) {
	children, _, ch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return children, forwardEvent(ch), nil
}

// Done is closed when the session expires or the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the session. The ensemble removes its ephemeral nodes.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.conn.Close)
	c.markDone()
	return nil
}

func forwardEvent(ch <-chan zk.Event) <-chan domain.Event {
	out := make(chan domain.Event, 1)
	go func() {
		ev, ok := <-ch
		if !ok {
			return
		}
		out <- toEvent(ev)
	}()
	return out
}

func toEvent(ev zk.Event) domain.Event {
	var t domain.EventType

	switch ev.Type {
	case zk.EventNodeCreated:
		t = domain.EventNodeCreated
	case zk.EventNodeDeleted:
		t = domain.EventNodeDeleted
	case zk.EventNodeDataChanged:
		t = domain.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		t = domain.EventNodeChildrenChanged
	case zk.EventNotWatching:
		t = domain.EventSessionExpired
	}

	return domain.Event{Type: t, Path: ev.Path}
}

func toStat(s *zk.Stat) *domain.Stat {
	if s == nil {
		return nil
	}
	return &domain.Stat{
		Version:        s.Version,
		CVersion:       s.Cversion,
		EphemeralOwner: uint64(s.EphemeralOwner),
		NumChildren:    s.NumChildren,
		Ctime:          s.Ctime,
		Mtime:          s.Mtime,
	}
}

var zkErrors = map[error]error{
	zk.ErrNoNode:                  domain.ErrNoNode,
	zk.ErrNodeExists:              domain.ErrNodeExists,
	zk.ErrNotEmpty:                domain.ErrNotEmpty,
	zk.ErrBadVersion:              domain.ErrBadVersion,
	zk.ErrNoChildrenForEphemerals: domain.ErrNoChildrenForEphemerals,
	zk.ErrBadArguments:            domain.ErrInvalidPath,
	zk.ErrSessionExpired:          domain.ErrSessionExpired,
	zk.ErrClosing:                 domain.ErrConnectionClosed,
	zk.ErrConnectionClosed:        domain.ErrConnectionClosed,
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	for zkErr, domainErr := range zkErrors {
		if errors.Is(err, zkErr) {
			return fmt.Errorf("%w: %v", domainErr, err)
		}
	}
	return err
}

// multiError picks the error of the op that failed a multi transaction.
// The ops that did not run report a generic error, so known errors win.
func multiError(res []zk.MultiResponse, err error) error {
	var first error
	for _, r := range res {
		if r.Error == nil {
			continue
		}
		mapped := mapError(r.Error)
		if mapped != r.Error {
			return mapped
		}
		if first == nil {
			first = r.Error
		}
	}
	if first != nil {
		return first
	}
	return mapError(err)
}
