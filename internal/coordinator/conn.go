package coordinator

import (
	"context"

	"github.com/kgantsov/dslot/internal/domain"
)

// Conn is a session with a hierarchical coordination service. Ephemeral
// nodes created through a Conn are removed when its session ends.
//
// Watch channels are one-shot: they receive a single event and are never
// closed, so callers select on them together with Done.
type Conn interface {
	Create(ctx context.Context, path string, data []byte, flags domain.CreateFlag) (string, error)

	// CreateGuarded replaces the guard node's data if its version still
	// equals guard.Version and creates path, as one atomic operation.
	CreateGuarded(ctx context.Context, guard domain.Guard, path string, data []byte, flags domain.CreateFlag) (string, error)

	Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error)
	Delete(ctx context.Context, path string, version int32) error
	Get(ctx context.Context, path string) ([]byte, *domain.Stat, error)
	ExistsW(ctx context.Context, path string) (bool, <-chan domain.Event, error)
	Children(ctx context.Context, path string) ([]string, error)
	ChildrenW(ctx context.Context, path string) ([]string, <-chan domain.Event, error)

	// Done is closed once the session is gone.
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens a Conn for a connection string.
type DialFunc func(ctx context.Context, connString string) (Conn, error)
