package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxSnapshotLine = 16 << 20

var (
	dbTree    = []byte("tree:")
	dbNode    = []byte("tree:n:")
	dbChild   = []byte("tree:c:")
	dbEph     = []byte("tree:e:")
	dbSession = []byte("tree:s:")
)

func nodeKey(p string) []byte { return addPrefix(dbNode, []byte(p)) }

func childPrefix(parent string) []byte {
	return addPrefix(dbChild, []byte(parent+"\x00"))
}

func childKey(parent, name string) []byte {
	return addPrefix(childPrefix(parent), []byte(name))
}

func ephPrefix(session uint64) []byte {
	return addPrefix(dbEph, uint64ToBytes(session))
}

func ephKey(session uint64, p string) []byte {
	return addPrefix(ephPrefix(session), []byte(p))
}

func sessionKey(id uint64) []byte {
	return addPrefix(dbSession, uint64ToBytes(id))
}

type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage wraps db and makes sure the root node exists. The tree
// lives under its own key prefix so db can be shared with the raft log store.
func NewBadgerStorage(db *badger.DB) (*BadgerStorage, error) {
	s := &BadgerStorage{
		db: db,
	}

	if err := s.ensureRoot(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *BadgerStorage) ensureRoot() error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := getNode(txn, "/")
		if errors.Is(err, domain.ErrNoNode) {
			return putNode(txn, &domain.Node{Path: "/"})
		}
		return err
	})
}

// Reset drops the whole tree and leaves an empty root behind.
func (s *BadgerStorage) Reset() error {
	if err := s.db.DropPrefix(dbTree); err != nil {
		return err
	}
	return s.ensureRoot()
}

func (s *BadgerStorage) CreateNode(
	path string, data []byte, flags domain.CreateFlag, owner uint64, now int64,
) (string, error) {
	var created string

	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		created, err = createNode(txn, path, data, flags, owner, now)
		return err
	})

	return created, err
}

func (s *BadgerStorage) CreateGuarded(
	guard domain.Guard, path string, data []byte, flags domain.CreateFlag, owner uint64, now int64,
) (string, error) {
	var created string

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := setData(txn, guard.Path, guard.Data, guard.Version, now); err != nil {
			return err
		}

		var err error
		created, err = createNode(txn, path, data, flags, owner, now)
		return err
	})

	return created, err
}

func (s *BadgerStorage) SetData(path string, data []byte, version int32, now int64) (*domain.Stat, error) {
	var stat *domain.Stat

	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		stat, err = setData(txn, path, data, version, now)
		return err
	})

	return stat, err
}

func (s *BadgerStorage) DeleteNode(path string, version int32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deleteNode(txn, path, version)
	})
}

func (s *BadgerStorage) GetNode(path string) (*domain.Node, error) {
	var node *domain.Node

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNode(txn, path)
		return err
	})

	return node, err
}

func (s *BadgerStorage) Children(path string) ([]string, error) {
	children := []string{}

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getNode(txn, path); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := childPrefix(path)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			children = append(children, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return children, nil
}

func (s *BadgerStorage) CreateSession(session domain.Session) error {
	value, err := json.Marshal(session)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.ID), value)
	})
}

func (s *BadgerStorage) DeleteSession(id uint64) ([]string, error) {
	var deleted []string

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrSessionExpired
			}
			return err
		}

		var paths []string

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		prefix := ephPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			paths = append(paths, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()

		for _, p := range paths {
			err := deleteNode(txn, p, domain.AnyVersion)
			if err != nil && !errors.Is(err, domain.ErrNoNode) {
				return fmt.Errorf("delete ephemeral node %s: %w", p, err)
			}
			deleted = append(deleted, p)
		}

		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return nil, err
	}

	return deleted, nil
}

func (s *BadgerStorage) Sessions() ([]domain.Session, error) {
	sessions := []domain.Session{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(dbSession); it.ValidForPrefix(dbSession); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var session domain.Session
			if err := json.Unmarshal(val, &session); err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})

	return sessions, err
}

// Snapshot opens a read transaction; everything Persist writes is the state
// at the moment Snapshot was called.
func (s *BadgerStorage) Snapshot() Snapshot {
	return &badgerSnapshot{txn: s.db.NewTransaction(false)}
}

// Restore replaces the whole tree with the content of r. Items of kinds the
// storage does not own are handed to other.
func (s *BadgerStorage) Restore(r io.Reader, other func(item *SnapshotItem) error) error {
	if err := s.db.DropPrefix(dbTree); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)

	linesTotal := 0
	linesRestored := 0
	for scanner.Scan() {
		linesTotal++

		var item SnapshotItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			log.Warn().Msgf("Failed to unmarshal snapshot item: %v %s", err, scanner.Text())
			continue
		}

		var err error
		switch item.Kind {
		case SnapshotKindNode:
			err = restoreNode(wb, item.Node)
		case SnapshotKindSession:
			err = restoreSession(wb, item.Session)
		default:
			if other != nil {
				err = other(&item)
			}
		}
		if err != nil {
			return err
		}
		linesRestored++
	}
	if err := scanner.Err(); err != nil {
		log.Info().Msgf(
			"Error while reading snapshot: %v. Restored %d out of %d lines",
			err,
			linesRestored,
			linesTotal,
		)
		return err
	}

	if err := wb.Flush(); err != nil {
		return err
	}

	log.Info().Msgf("Restored %d out of %d lines", linesRestored, linesTotal)
	return nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

type badgerSnapshot struct {
	txn *badger.Txn
}

func (s *badgerSnapshot) Persist(w io.Writer) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100

	it := s.txn.NewIterator(opts)
	defer it.Close()

	cnt := 0

	for it.Seek(dbSession); it.ValidForPrefix(dbSession); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}

		var session domain.Session
		if err := json.Unmarshal(val, &session); err != nil {
			return err
		}

		if err := WriteSnapshotItem(w, &SnapshotItem{Kind: SnapshotKindSession, Session: &session}); err != nil {
			return err
		}
		cnt++
	}

	// Node keys sort parents before their children.
	for it.Seek(dbNode); it.ValidForPrefix(dbNode); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}

		var node domain.Node
		if err := json.Unmarshal(val, &node); err != nil {
			return err
		}

		if err := WriteSnapshotItem(w, &SnapshotItem{Kind: SnapshotKindNode, Node: &node}); err != nil {
			return err
		}
		cnt++
	}

	log.Debug().Msgf("Total snapshot items written: %d", cnt)
	return nil
}

func (s *badgerSnapshot) Release() {
	s.txn.Discard()
}

func getNode(txn *badger.Txn, p string) (*domain.Node, error) {
	item, err := txn.Get(nodeKey(p))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrNoNode
		}
		return nil, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	var node domain.Node
	if err := json.Unmarshal(val, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func putNode(txn *badger.Txn, node *domain.Node) error {
	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return txn.Set(nodeKey(node.Path), val)
}

func createNode(
	txn *badger.Txn, p string, data []byte, flags domain.CreateFlag, owner uint64, now int64,
) (string, error) {
	if err := domain.ValidatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", domain.ErrNodeExists
	}

	parentPath := domain.ParentPath(p)
	parent, err := getNode(txn, parentPath)
	if err != nil {
		return "", err
	}
	if parent.Stat.EphemeralOwner != 0 {
		return "", domain.ErrNoChildrenForEphemerals
	}

	if flags.Sequence() {
		p = domain.SequenceName(p, parent.Stat.CVersion)
	}

	if _, err := getNode(txn, p); err == nil {
		return "", domain.ErrNodeExists
	} else if !errors.Is(err, domain.ErrNoNode) {
		return "", err
	}

	node := &domain.Node{
		Path: p,
		Data: data,
		Stat: domain.Stat{Ctime: now, Mtime: now},
	}

	if flags.Ephemeral() {
		if owner == 0 {
			return "", domain.ErrSessionExpired
		}
		if _, err := txn.Get(sessionKey(owner)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return "", domain.ErrSessionExpired
			}
			return "", err
		}
		node.Stat.EphemeralOwner = owner

		if err := txn.Set(ephKey(owner, p), nil); err != nil {
			return "", err
		}
	}

	if err := putNode(txn, node); err != nil {
		return "", err
	}
	if err := txn.Set(childKey(parentPath, domain.BaseName(p)), nil); err != nil {
		return "", err
	}

	parent.Stat.CVersion++
	parent.Stat.NumChildren++
	if err := putNode(txn, parent); err != nil {
		return "", err
	}

	return p, nil
}

func setData(txn *badger.Txn, p string, data []byte, version int32, now int64) (*domain.Stat, error) {
	node, err := getNode(txn, p)
	if err != nil {
		return nil, err
	}
	if version != domain.AnyVersion && version != node.Stat.Version {
		return nil, domain.ErrBadVersion
	}

	node.Data = data
	node.Stat.Version++
	node.Stat.Mtime = now

	if err := putNode(txn, node); err != nil {
		return nil, err
	}
	return &node.Stat, nil
}

func deleteNode(txn *badger.Txn, p string, version int32) error {
	if p == "/" {
		return fmt.Errorf("%w: the root node can not be deleted", domain.ErrInvalidPath)
	}

	node, err := getNode(txn, p)
	if err != nil {
		return err
	}
	if version != domain.AnyVersion && version != node.Stat.Version {
		return domain.ErrBadVersion
	}
	if node.Stat.NumChildren > 0 {
		return domain.ErrNotEmpty
	}

	parentPath := domain.ParentPath(p)
	parent, err := getNode(txn, parentPath)
	if err != nil {
		return err
	}

	if err := txn.Delete(nodeKey(p)); err != nil {
		return err
	}
	if err := txn.Delete(childKey(parentPath, domain.BaseName(p))); err != nil {
		return err
	}
	if node.Stat.EphemeralOwner != 0 {
		if err := txn.Delete(ephKey(node.Stat.EphemeralOwner, p)); err != nil {
			return err
		}
	}

	parent.Stat.CVersion++
	parent.Stat.NumChildren--
	return putNode(txn, parent)
}

func restoreNode(wb *badger.WriteBatch, node *domain.Node) error {
	if node == nil || !strings.HasPrefix(node.Path, "/") {
		return fmt.Errorf("%w: snapshot node without a path", domain.ErrInvalidPath)
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if err := wb.Set(nodeKey(node.Path), val); err != nil {
		return err
	}

	if node.Path != "/" {
		if err := wb.Set(childKey(domain.ParentPath(node.Path), domain.BaseName(node.Path)), nil); err != nil {
			return err
		}
	}
	if node.Stat.EphemeralOwner != 0 {
		return wb.Set(ephKey(node.Stat.EphemeralOwner, node.Path), nil)
	}
	return nil
}

func restoreSession(wb *badger.WriteBatch, session *domain.Session) error {
	if session == nil {
		return nil
	}

	val, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return wb.Set(sessionKey(session.ID), val)
}
