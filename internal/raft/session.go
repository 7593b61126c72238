package raft

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

const closeSessionTimeout = 5 * time.Second

// Session is a client session opened directly on a node. It keeps itself
// alive in the background until it is closed or abandoned.
type Session struct {
	node    *Node
	id      uint64
	timeout time.Duration

	done       chan struct{}
	expireOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once

	closed atomic.Bool
}

// OpenSession creates a session on the cluster and starts sending
// keepalives for it.
func (n *Node) OpenSession(ctx context.Context, timeout time.Duration) (*Session, error) {
	id, err := n.CreateSession(ctx, timeout)
	if err != nil {
		return nil, err
	}

	s := &Session{
		node:    n,
		id:      id,
		timeout: timeout,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}

	n.localMu.Lock()
	n.local[id] = s
	n.localMu.Unlock()

	go s.keepAlive()

	log.Debug().Msgf("Opened session %d with timeout %s", id, timeout)
	return s, nil
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) keepAlive() {
	interval := s.timeout / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.node.KeepAlive(ctx, s.id)
		cancel()

		if errors.Is(err, domain.ErrSessionExpired) {
			s.expire()
			return
		}
		if err != nil {
			log.Warn().Msgf("Keepalive for session %d failed: %v", s.id, err)
		}
	}
}

func (s *Session) stopKeepAlive() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) expire() {
	s.expireOnce.Do(func() { close(s.done) })
}

// Abandon stops the keepalives without closing the session, as if the
// client had crashed. The cluster expires the session after its timeout.
func (s *Session) Abandon() {
	s.stopKeepAlive()
}

func (s *Session) check() error {
	if s.closed.Load() {
		return domain.ErrConnectionClosed
	}
	select {
	case <-s.done:
		return domain.ErrSessionExpired
	default:
		return nil
	}
}

func (s *Session) Create(ctx context.Context, path string, data []byte, flags domain.CreateFlag) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.node.Create(ctx, s.id, path, data, flags)
}

func (s *Session) CreateGuarded(
	ctx context.Context, guard domain.Guard, path string, data []byte, flags domain.CreateFlag,
) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.node.CreateGuarded(ctx, s.id, guard, path, data, flags)
}

func (s *Session) Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.node.Set(ctx, path, data, version)
}

func (s *Session) Delete(ctx context.Context, path string, version int32) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.node.Delete(ctx, path, version)
}

func (s *Session) Get(ctx context.Context, path string) ([]byte, *domain.Stat, error) {
	if err := s.check(); err != nil {
		return nil, nil, err
	}

	node, err := s.node.Get(path)
	if err != nil {
		return nil, nil, err
	}
	return node.Data, &node.Stat, nil
}

func (s *Session) ExistsW(ctx context.Context, path string) (bool, <-chan domain.Event, error) {
	if err := s.check(); err != nil {
		return false, nil, err
	}

	ch, cancel := s.node.Watch(domain.WatchExists, path)

	_, err := s.node.Get(path)
	if errors.Is(err, domain.ErrNoNode) {
		return false, ch, nil
	}
	if err != nil {
		cancel()
		return false, nil, err
	}
	return true, ch, nil
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.node.Children(path)
}

func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan domain.Event, error) {
	if err := s.check(); err != nil {
		return nil, nil, err
	}

	ch, cancel := s.node.Watch(domain.WatchChildren, path)

	children, err := s.node.Children(path)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return children, ch, nil
}

// Done is closed when the session expires or is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the session on the cluster, which deletes its ephemeral
// nodes. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.stopKeepAlive()
	defer s.expire()
	defer s.node.forgetLocalSession(s.id)

	select {
	case <-s.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeSessionTimeout)
	defer cancel()

	err := s.node.CloseSession(ctx, s.id)
	if errors.Is(err, domain.ErrSessionExpired) {
		return nil
	}
	return err
}
