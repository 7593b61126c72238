package storage

import (
	"io"

	"github.com/kgantsov/dslot/internal/domain"
)

type Storage interface {
	// CreateNode creates a node and returns its final path, which differs from
	// path for sequential nodes.
	CreateNode(path string, data []byte, flags domain.CreateFlag, owner uint64, now int64) (string, error)

	// CreateGuarded creates a node only if the guard node is still at the
	// expected version, bumping the guard's version in the same transaction.
	CreateGuarded(guard domain.Guard, path string, data []byte, flags domain.CreateFlag, owner uint64, now int64) (string, error)

	SetData(path string, data []byte, version int32, now int64) (*domain.Stat, error)
	DeleteNode(path string, version int32) error
	GetNode(path string) (*domain.Node, error)
	Children(path string) ([]string, error)

	CreateSession(session domain.Session) error
	// DeleteSession removes the session and every ephemeral node it owns.
	DeleteSession(id uint64) ([]string, error)
	Sessions() ([]domain.Session, error)

	Snapshot() Snapshot
	// Reset drops every node and session.
	Reset() error
	Restore(r io.Reader, other func(item *SnapshotItem) error) error
	Close() error
}

// Snapshot is a point-in-time view of the tree.
type Snapshot interface {
	Persist(w io.Writer) error
	Release()
}
