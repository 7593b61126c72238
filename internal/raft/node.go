package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dgraph-io/badger/v4"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/grpc"
	"github.com/kgantsov/dslot/internal/metrics"
	"github.com/rs/zerolog/log"

	"github.com/hashicorp/raft"
	"github.com/kgantsov/dslot/internal/storage"
	badgerdb "github.com/kgantsov/raft-badgerstore"
)

const (
	retainSnapshotCount = 2
	raftTimeout         = 10 * time.Second
	defaultSessionTick  = 200 * time.Millisecond
	appliedPollInterval = 5 * time.Millisecond
)

// Node is a replicated coordination tree, where all changes are made via
// Raft consensus.
type Node struct {
	RaftDir  string
	RaftBind string
	GrpcAddr string

	// InMemory keeps the raft log, stable store and snapshots in memory. With
	// an empty RaftBind the node also uses an in-memory transport.
	InMemory bool

	// SessionTick is how often the leader looks for expired sessions.
	SessionTick time.Duration

	// ClusterTag, when set, is a two byte tag every raft connection has to
	// start with.
	ClusterTag string

	serverID raft.ServerID

	mu      sync.Mutex
	storage storage.Storage

	db *badger.DB

	leaderChangeFn func(bool)

	leaderConfig *LeaderConfig

	valueLogGCInterval time.Duration

	raft      *raft.Raft // The consensus mechanism
	transport raft.Transport

	proxy *grpc.Proxy

	idMu        sync.Mutex
	idGenerator *snowflake.Node

	sessions *sessionTracker
	watches  *watchHub

	localMu sync.Mutex
	local   map[uint64]*Session

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode returns a new Node.
func NewNode(db *badger.DB) *Node {
	return &Node{
		leaderChangeFn:     func(bool) {},
		valueLogGCInterval: 5 * time.Minute,
		SessionTick:        defaultSessionTick,
		mu:                 sync.Mutex{},
		db:                 db,
		proxy:              grpc.NewProxy(),
		sessions:           newSessionTracker(),
		watches:            newWatchHub(),
		local:              make(map[uint64]*Session),
		shutdownCh:         make(chan struct{}),
	}
}

func (n *Node) SetLeaderChangeFunc(leaderChangeFn func(bool)) {
	n.leaderChangeFn = leaderChangeFn
}

// Open opens the node. If enableSingle is set, and there are no existing peers,
// then this node becomes the first node, and therefore leader, of the cluster.
// localID should be the server identifier for this node.
func (n *Node) Open(enableSingle bool, localID string) error {
	// Setup Raft configuration.
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(localID)
	n.serverID = config.LocalID

	if n.SessionTick <= 0 {
		n.SessionTick = defaultSessionTick
	}

	// The tree is rebuilt from the latest snapshot and the log.
	badgerStorage, err := storage.NewBadgerStorage(n.db)
	if err != nil {
		return fmt.Errorf("new storage: %s", err)
	}
	if err := badgerStorage.Reset(); err != nil {
		return fmt.Errorf("reset storage: %s", err)
	}
	n.storage = badgerStorage

	var (
		transport   raft.Transport
		snapshots   raft.SnapshotStore
		logStore    raft.LogStore
		stableStore raft.StableStore
	)

	if n.InMemory && n.RaftBind == "" {
		_, inmemTransport := raft.NewInmemTransport("")
		transport = inmemTransport

		config.HeartbeatTimeout = 50 * time.Millisecond
		config.ElectionTimeout = 50 * time.Millisecond
		config.LeaderLeaseTimeout = 50 * time.Millisecond
		config.CommitTimeout = 5 * time.Millisecond
	} else {
		// Setup Raft communication.
		t, err := n.newNetworkTransport()
		if err != nil {
			log.Error().Msgf("Error creating TCP transport: %s", err)
			return err
		}
		transport = t
	}
	n.transport = transport

	n.leaderConfig = NewLeaderConfig(
		localID,
		string(transport.LocalAddr()),
		n.GrpcAddr,
	)

	if n.InMemory {
		inmemStore := raft.NewInmemStore()
		logStore = inmemStore
		stableStore = inmemStore
		snapshots = raft.NewInmemSnapshotStore()
	} else {
		// Create the snapshot store. This allows the Raft to truncate the log.
		fileSnapshots, err := raft.NewFileSnapshotStore(n.RaftDir, retainSnapshotCount, os.Stderr)
		if err != nil {
			log.Error().Msgf("Error creating file snapshot store: %s", err)
			return fmt.Errorf("file snapshot store: %s", err)
		}
		snapshots = fileSnapshots

		// Create the log store and stable store.
		badgerDB, err := badgerdb.New(n.db, badgerdb.Options{})
		if err != nil {
			return fmt.Errorf("new store: %s", err)
		}
		logStore = badgerDB
		stableStore = badgerDB
	}

	// Instantiate the Raft systems.
	ra, err := raft.NewRaft(config, (*FSM)(n), logStore, stableStore, snapshots, transport)
	if err != nil {
		log.Error().Msgf("Error creating new Raft: %s", err)
		return fmt.Errorf("new raft: %s", err)
	}
	n.raft = ra

	if enableSingle {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		ra.BootstrapCluster(configuration)
	}

	idGenerator, err := snowflake.NewNode(1)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create snowflake node")
	}

	n.idGenerator = idGenerator

	go n.ListenToLeaderChanges()
	go n.runSessionExpiry()

	return nil
}

func (n *Node) newNetworkTransport() (raft.Transport, error) {
	if n.ClusterTag != "" {
		listener, err := net.Listen("tcp", n.RaftBind)
		if err != nil {
			return nil, err
		}
		layer, err := NewTaggedStreamLayer(listener, n.ClusterTag)
		if err != nil {
			listener.Close()
			return nil, err
		}
		return raft.NewNetworkTransport(layer, 3, 10*time.Second, os.Stderr), nil
	}

	addr, err := net.ResolveTCPAddr("tcp", n.RaftBind)
	if err != nil {
		log.Error().Msgf("Error resolving TCP address: %s", err)
		return nil, err
	}
	return raft.NewTCPTransport(n.RaftBind, addr, 3, 10*time.Second, os.Stderr)
}

func (n *Node) ListenToLeaderChanges() {
	for {
		var isLeader bool
		select {
		case <-n.shutdownCh:
			return
		case isLeader = <-n.raft.LeaderCh():
		}

		if isLeader {
			log.Info().Msgf("Node %s has become a leader", n.serverID)

			if err := n.InitIDGenerator(); err != nil {
				log.Warn().Err(err).Msg("keeping the previous snowflake node")
			}
			n.sessions.refresh(time.Now())

			if err := n.NotifyLeaderConfiguration(); err != nil {
				log.Warn().Msgf("Failed to replicate the leader configuration: %v", err)
			}
		} else {
			log.Info().Msgf("Node %s lost leadership", n.serverID)
			metrics.SessionsActive.Set(0)
		}
		n.leaderChangeFn(isLeader)
	}
}

// InitIDGenerator derives the snowflake node number from this node's
// position in the raft configuration, so that leaders never mint the same
// session id.
func (n *Node) InitIDGenerator() error {
	configFuture := n.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		log.Info().Msgf("failed to get raft configuration: %v", err)
		return err
	}

	servers := configFuture.Configuration().Servers
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].ID < servers[j].ID
	})

	index := -1
	for i, srv := range servers {
		if srv.ID == n.serverID {
			index = i
			break
		}
	}

	log.Info().Msgf("Server configuration: %v Node index: %d", servers, index)

	// Create a new snowflake Node with a Node number
	idGenerator, err := snowflake.NewNode(int64(index + 1))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create snowflake node")
		return err
	}

	n.idMu.Lock()
	n.idGenerator = idGenerator
	n.idMu.Unlock()

	return nil
}

func (n *Node) GenerateID() uint64 {
	n.idMu.Lock()
	defer n.idMu.Unlock()

	return uint64(n.idGenerator.Generate().Int64())
}

// NotifyLeaderConfiguration notifies followers that a new leader has been
// elected and sends its addresses.
func (n *Node) NotifyLeaderConfiguration() error {
	self := n.leaderConfig.Self()

	_, err := n.applyLocal(&Command{Type: CommandLeaderChange, Leader: &self})
	return err
}

func (n *Node) runSessionExpiry() {
	ticker := time.NewTicker(n.SessionTick)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
		}

		if !n.IsLeader() {
			continue
		}

		metrics.SessionsActive.Set(float64(n.sessions.len()))

		for _, id := range n.sessions.expired(time.Now()) {
			log.Info().Msgf("Session %d expired", id)

			_, err := n.applyLocal(&Command{Type: CommandCloseSession, SessionID: id})
			if errors.Is(err, domain.ErrSessionExpired) {
				n.sessions.remove(id)
				continue
			}
			if err != nil {
				log.Warn().Msgf("Failed to expire session %d: %v", id, err)
				continue
			}
			metrics.SessionsExpired.Inc()
		}
	}
}

// apply replicates cmd. Followers forward it to the leader and wait until
// the write is applied locally, so a caller reads its own writes.
func (n *Node) apply(ctx context.Context, cmd *Command) (*domain.WriteResult, error) {
	if n.IsLeader() {
		return n.applyLocal(cmd)
	}

	metrics.ForwardedWrites.WithLabelValues(cmd.Type.String()).Inc()

	result, err := n.proxy.Apply(ctx, n.leaderConfig.GetLeaderGrpcAddress(), cmd.Marshal())
	if result != nil && result.Index > 0 {
		if werr := n.waitForApplied(ctx, result.Index); werr != nil && err == nil {
			err = werr
		}
	}
	return result, err
}

func (n *Node) applyLocal(cmd *Command) (*domain.WriteResult, error) {
	if cmd.Now == 0 {
		cmd.Now = time.Now().UnixMilli()
	}
	if cmd.Type == CommandCreateSession && cmd.SessionID == 0 {
		cmd.SessionID = n.GenerateID()
	}

	f := n.raft.Apply(cmd.Marshal(), raftTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", domain.ErrNotLeader, err)
		}
		return nil, err
	}

	r := f.Response().(*FSMResponse)
	return &r.Result, r.Error
}

// ApplyForwarded applies a command a follower forwarded to this node.
func (n *Node) ApplyForwarded(ctx context.Context, command []byte) (*domain.WriteResult, error) {
	if !n.IsLeader() {
		return nil, domain.ErrNotLeader
	}

	cmd, err := UnmarshalCommand(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
	}
	if cmd.Type == CommandLeaderChange {
		return nil, fmt.Errorf("%w: %s can not be forwarded", domain.ErrInvalidCommand, cmd.Type)
	}

	return n.applyLocal(cmd)
}

func (n *Node) waitForApplied(ctx context.Context, index uint64) error {
	ctx, cancel := context.WithTimeout(ctx, raftTimeout)
	defer cancel()

	ticker := time.NewTicker(appliedPollInterval)
	defer ticker.Stop()

	for n.raft.AppliedIndex() < index {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// CreateSession opens a session that lives as long as keepalives arrive
// within timeout.
func (n *Node) CreateSession(ctx context.Context, timeout time.Duration) (uint64, error) {
	if timeout < time.Millisecond {
		return 0, domain.ErrInvalidSessionTimeout
	}

	result, err := n.apply(ctx, &Command{Type: CommandCreateSession, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return 0, err
	}
	return result.SessionID, nil
}

// KeepAlive extends the deadline of a session.
func (n *Node) KeepAlive(ctx context.Context, sessionID uint64) error {
	if !n.IsLeader() {
		return n.proxy.KeepAlive(ctx, n.leaderConfig.GetLeaderGrpcAddress(), sessionID)
	}

	if !n.sessions.touch(sessionID, time.Now()) {
		return domain.ErrSessionExpired
	}
	return nil
}

// CloseSession closes a session and deletes its ephemeral nodes.
func (n *Node) CloseSession(ctx context.Context, sessionID uint64) error {
	_, err := n.apply(ctx, &Command{Type: CommandCloseSession, SessionID: sessionID})
	return err
}

func (n *Node) Create(
	ctx context.Context, sessionID uint64, path string, data []byte, flags domain.CreateFlag,
) (string, error) {
	if err := domain.ValidatePath(path); err != nil {
		return "", err
	}

	result, err := n.apply(ctx, &Command{
		Type:      CommandCreate,
		SessionID: sessionID,
		Path:      path,
		Data:      data,
		Flags:     flags,
	})
	if err != nil {
		return "", err
	}
	return result.Path, nil
}

func (n *Node) CreateGuarded(
	ctx context.Context, sessionID uint64, guard domain.Guard, path string, data []byte, flags domain.CreateFlag,
) (string, error) {
	if err := domain.ValidatePath(path); err != nil {
		return "", err
	}
	if err := domain.ValidatePath(guard.Path); err != nil {
		return "", err
	}

	result, err := n.apply(ctx, &Command{
		Type:      CommandCreateGuarded,
		SessionID: sessionID,
		Path:      path,
		Data:      data,
		Flags:     flags,
		Guard:     &guard,
	})
	if err != nil {
		return "", err
	}
	return result.Path, nil
}

func (n *Node) Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}

	result, err := n.apply(ctx, &Command{
		Type:    CommandSetData,
		Path:    path,
		Data:    data,
		Version: version,
	})
	if err != nil {
		return nil, err
	}
	return result.Stat, nil
}

func (n *Node) Delete(ctx context.Context, path string, version int32) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}

	_, err := n.apply(ctx, &Command{
		Type:    CommandDelete,
		Path:    path,
		Version: version,
	})
	return err
}

// Get reads a node from the local replica.
func (n *Node) Get(path string) (*domain.Node, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	return n.storage.GetNode(path)
}

// Children lists the children of a node from the local replica.
func (n *Node) Children(path string) ([]string, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	return n.storage.Children(path)
}

// Watch registers a one-shot watch on path. Register the watch before
// reading the state it guards, so no change slips in between.
func (n *Node) Watch(kind domain.WatchKind, path string) (<-chan domain.Event, func()) {
	return n.watches.add(kind, path)
}

// Join joins a node, identified by nodeID and located at addr, to this store.
// The node must be ready to respond to Raft communications at that address.
func (n *Node) Join(nodeID, raftAddr string) error {
	log.Info().Msgf("received join request for remote node %s at %s", nodeID, raftAddr)

	configFuture := n.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		log.Error().Msgf("failed to get raft configuration: %v", err)
		return err
	}

	for _, srv := range configFuture.Configuration().Servers {
		// If a node already exists with either the joining node's ID or address,
		// that node may need to be removed from the config first.
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			// However if *both* the ID and the address are the same, then nothing -- not even
			// a join operation -- is needed.
			if srv.Address == raft.ServerAddress(raftAddr) && srv.ID == raft.ServerID(nodeID) {
				log.Info().Msgf("node %s at %s already member of cluster, ignoring join request", nodeID, raftAddr)
				return nil
			}

			future := n.raft.RemoveServer(srv.ID, 0, 0)
			if err := future.Error(); err != nil {
				return fmt.Errorf("error removing existing node %s at %s: %s", nodeID, raftAddr, err)
			}
		}
	}

	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	if f.Error() != nil {
		return f.Error()
	}

	log.Info().Msgf("node %s at %s joined successfully", nodeID, raftAddr)
	return nil
}

func (n *Node) NodeID() string {
	return string(n.serverID)
}

func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the replicated addresses of the current leader.
func (n *Node) Leader() domain.LeaderInfo {
	return n.leaderConfig.Get()
}

// RaftAddr is the address other nodes use to reach this node's raft
// transport.
func (n *Node) RaftAddr() string {
	return string(n.transport.LocalAddr())
}

// WaitForLeader blocks until the cluster has a leader whose addresses have
// been replicated to this node.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		addr, _ := n.raft.LeaderWithID()
		if addr != "" && n.leaderConfig.Get().NodeID != "" {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrLeaderUnknown, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *Node) RunValueLogGC() {
	ticker := time.NewTicker(n.valueLogGCInterval)
	defer ticker.Stop()

	log.Debug().Msgf("Started running value GC")

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
		}

		log.Debug().Msg("Running value GC")
	again:
		err := n.db.RunValueLogGC(0.7)
		if err == nil {
			goto again
		}
	}
}

// Shutdown stops raft and expires every session opened through this node.
func (n *Node) Shutdown() error {
	var err error

	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)

		n.localMu.Lock()
		for id, s := range n.local {
			s.expire()
			delete(n.local, id)
		}
		n.localMu.Unlock()

		if n.raft != nil {
			err = n.raft.Shutdown().Error()
		}
		if closer, ok := n.transport.(raft.WithClose); ok {
			closer.Close()
		}
		n.proxy.Close()
	})

	return err
}

func (n *Node) expireLocalSession(id uint64) {
	n.localMu.Lock()
	s, ok := n.local[id]
	delete(n.local, id)
	n.localMu.Unlock()

	if ok {
		log.Info().Msgf("Local session %d expired", id)
		s.expire()
	}
}

func (n *Node) forgetLocalSession(id uint64) {
	n.localMu.Lock()
	defer n.localMu.Unlock()

	delete(n.local, id)
}
