package domain

// CreateFlag controls the lifetime and naming of a created node. The values
// match the ZooKeeper wire flags.
type CreateFlag int32

const (
	FlagEphemeral CreateFlag = 1 << iota
	FlagSequence
)

func (f CreateFlag) Ephemeral() bool { return f&FlagEphemeral != 0 }
func (f CreateFlag) Sequence() bool  { return f&FlagSequence != 0 }

// AnyVersion disables the version check of a set or delete.
const AnyVersion int32 = -1

// Stat is the metadata the coordination service keeps for every node.
type Stat struct {
	Version        int32  `json:"version"`
	CVersion       int32  `json:"cversion"`
	EphemeralOwner uint64 `json:"ephemeral_owner,omitempty"`
	NumChildren    int32  `json:"num_children"`
	Ctime          int64  `json:"ctime"`
	Mtime          int64  `json:"mtime"`
}

// Node is a single entry of the coordination tree.
type Node struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
	Stat Stat   `json:"stat"`
}

// Guard makes a create conditional on another node: the guard node's data is
// replaced with Data only if its version is still Version, and the create
// happens in the same atomic step.
type Guard struct {
	Path    string
	Data    []byte
	Version int32
}

// Session is a client session. Ephemeral nodes live as long as the session
// that created them.
type Session struct {
	ID        uint64 `json:"id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// LeaderInfo is replicated whenever leadership changes so that followers
// know where to forward writes.
type LeaderInfo struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	GrpcAddr string `json:"grpc_addr"`
}

// WriteResult is what a replicated write reports back to its caller. Index
// is the raft log index the write was committed at.
type WriteResult struct {
	Path      string   `json:"path,omitempty"`
	Stat      *Stat    `json:"stat,omitempty"`
	SessionID uint64   `json:"session_id,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
	Index     uint64   `json:"index"`
}
