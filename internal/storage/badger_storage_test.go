package storage

import (
	"bytes"
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BadgerStorage {
	tmpDir, err := os.MkdirTemp("", "store")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	opts := badger.DefaultOptions(tmpDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal().Msg(err.Error())
	}

	store, err := NewBadgerStorage(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestBadgerStorage_CreateGetDelete(t *testing.T) {
	store := newTestStorage(t)

	root, err := store.GetNode("/")
	require.NoError(t, err)
	assert.Equal(t, "/", root.Path)

	p, err := store.CreateNode("/lock", []byte("2"), 0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "/lock", p)

	_, err = store.CreateNode("/lock", nil, 0, 0, 100)
	assert.ErrorIs(t, err, domain.ErrNodeExists)

	_, err = store.CreateNode("/missing/child", nil, 0, 0, 100)
	assert.ErrorIs(t, err, domain.ErrNoNode)

	_, err = store.CreateNode("lock", nil, 0, 0, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	node, err := store.GetNode("/lock")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), node.Data)
	assert.Equal(t, int64(100), node.Stat.Ctime)

	_, err = store.CreateNode("/lock/a", []byte("host-a"), 0, 0, 101)
	require.NoError(t, err)

	err = store.DeleteNode("/lock", domain.AnyVersion)
	assert.ErrorIs(t, err, domain.ErrNotEmpty)

	children, err := store.Children("/lock")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, children)

	require.NoError(t, store.DeleteNode("/lock/a", domain.AnyVersion))
	require.NoError(t, store.DeleteNode("/lock", domain.AnyVersion))

	_, err = store.GetNode("/lock")
	assert.ErrorIs(t, err, domain.ErrNoNode)

	err = store.DeleteNode("/", domain.AnyVersion)
	assert.ErrorIs(t, err, domain.ErrInvalidPath)
}

func TestBadgerStorage_ChildVersions(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.CreateNode("/pool", nil, 0, 0, 1)
	require.NoError(t, err)

	_, err = store.CreateNode("/pool/a", nil, 0, 0, 1)
	require.NoError(t, err)
	_, err = store.CreateNode("/pool/b", nil, 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, store.DeleteNode("/pool/a", domain.AnyVersion))

	node, err := store.GetNode("/pool")
	require.NoError(t, err)
	assert.Equal(t, int32(3), node.Stat.CVersion)
	assert.Equal(t, int32(1), node.Stat.NumChildren)
	assert.Equal(t, int32(0), node.Stat.Version)
}

func TestBadgerStorage_Sequential(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.CreateNode("/q", nil, 0, 0, 1)
	require.NoError(t, err)

	p1, err := store.CreateNode("/q/item-", nil, domain.FlagSequence, 0, 1)
	require.NoError(t, err)
	p2, err := store.CreateNode("/q/item-", nil, domain.FlagSequence, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, "/q/item-0000000000", p1)
	assert.Equal(t, "/q/item-0000000001", p2)

	children, err := store.Children("/q")
	require.NoError(t, err)
	assert.Equal(t, []string{"item-0000000000", "item-0000000001"}, children)
}

func TestBadgerStorage_SetDataVersions(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.CreateNode("/cfg", []byte("1"), 0, 0, 1)
	require.NoError(t, err)

	stat, err := store.SetData("/cfg", []byte("2"), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stat.Version)
	assert.Equal(t, int64(2), stat.Mtime)

	_, err = store.SetData("/cfg", []byte("3"), 0, 3)
	assert.ErrorIs(t, err, domain.ErrBadVersion)

	_, err = store.SetData("/cfg", []byte("3"), domain.AnyVersion, 3)
	require.NoError(t, err)

	err = store.DeleteNode("/cfg", 0)
	assert.ErrorIs(t, err, domain.ErrBadVersion)
	require.NoError(t, store.DeleteNode("/cfg", 2))
}

func TestBadgerStorage_CreateGuarded(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.CreateNode("/pool", []byte("1"), 0, 0, 1)
	require.NoError(t, err)

	guard := domain.Guard{Path: "/pool", Data: []byte("1"), Version: 0}

	p, err := store.CreateGuarded(guard, "/pool/a", []byte("a"), 0, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "/pool/a", p)

	// the guard version moved, the second create must not happen
	_, err = store.CreateGuarded(guard, "/pool/b", []byte("b"), 0, 0, 3)
	assert.ErrorIs(t, err, domain.ErrBadVersion)

	_, err = store.GetNode("/pool/b")
	assert.ErrorIs(t, err, domain.ErrNoNode)

	// a failing create rolls the guard back
	guard.Version = 1
	_, err = store.CreateGuarded(guard, "/pool/a", nil, 0, 0, 4)
	assert.ErrorIs(t, err, domain.ErrNodeExists)

	node, err := store.GetNode("/pool")
	require.NoError(t, err)
	assert.Equal(t, int32(1), node.Stat.Version)
}

func TestBadgerStorage_EphemeralSessions(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.CreateNode("/lock", nil, 0, 0, 1)
	require.NoError(t, err)

	_, err = store.CreateNode("/lock/a", nil, domain.FlagEphemeral, 42, 1)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	require.NoError(t, store.CreateSession(domain.Session{ID: 42, TimeoutMs: 1000}))

	_, err = store.CreateNode("/lock/a", nil, domain.FlagEphemeral, 42, 1)
	require.NoError(t, err)
	_, err = store.CreateNode("/lock/b", nil, domain.FlagEphemeral, 42, 1)
	require.NoError(t, err)
	_, err = store.CreateNode("/lock/c", nil, 0, 42, 1)
	require.NoError(t, err)

	_, err = store.CreateNode("/lock/a/child", nil, 0, 0, 1)
	assert.ErrorIs(t, err, domain.ErrNoChildrenForEphemerals)

	node, err := store.GetNode("/lock/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), node.Stat.EphemeralOwner)

	sessions, err := store.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []domain.Session{{ID: 42, TimeoutMs: 1000}}, sessions)

	deleted, err := store.DeleteSession(42)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/lock/a", "/lock/b"}, deleted)

	children, err := store.Children("/lock")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, children)

	_, err = store.DeleteSession(42)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestBadgerStorage_SnapshotRestore(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateSession(domain.Session{ID: 7, TimeoutMs: 500}))
	_, err := store.CreateNode("/lock", []byte("2"), 0, 0, 1)
	require.NoError(t, err)
	_, err = store.CreateNode("/lock/a", []byte("host-a"), domain.FlagEphemeral, 7, 1)
	require.NoError(t, err)

	snapshot := store.Snapshot()

	// changes after the snapshot was taken are not part of it
	_, err = store.CreateNode("/lock/b", []byte("host-b"), 0, 0, 2)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, WriteSnapshotItem(buf, &SnapshotItem{
		Kind:   SnapshotKindLeader,
		Leader: &domain.LeaderInfo{NodeID: "node-1", GrpcAddr: "localhost:13000"},
	}))
	require.NoError(t, snapshot.Persist(buf))
	snapshot.Release()

	restored := newTestStorage(t)

	var leader *domain.LeaderInfo
	err = restored.Restore(buf, func(item *SnapshotItem) error {
		leader = item.Leader
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, leader)
	assert.Equal(t, "node-1", leader.NodeID)

	children, err := restored.Children("/lock")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, children)

	node, err := restored.GetNode("/lock/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("host-a"), node.Data)
	assert.Equal(t, uint64(7), node.Stat.EphemeralOwner)

	deleted, err := restored.DeleteSession(7)
	require.NoError(t, err)
	assert.Equal(t, []string{"/lock/a"}, deleted)
}

func TestBadgerStorage_Reset(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateSession(domain.Session{ID: 1, TimeoutMs: 100}))
	_, err := store.CreateNode("/a", nil, 0, 0, 1)
	require.NoError(t, err)

	require.NoError(t, store.Reset())

	children, err := store.Children("/")
	require.NoError(t, err)
	assert.Empty(t, children)

	sessions, err := store.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
