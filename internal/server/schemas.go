package server

import (
	"github.com/kgantsov/dslot/internal/domain"
)

type JoinInput struct {
	Body struct {
		ID   string `json:"id" example:"dslot-node-0" doc:"ID of a node"`
		Addr string `json:"addr" example:"localhost:12001" doc:"IP address and a port of a service"`
	}
}

type JoinOutput struct {
	Body struct {
		ID   string `json:"id" example:"dslot-node-0" doc:"ID of a node"`
		Addr string `json:"addr" example:"localhost:12001" doc:"IP address and a port of a service"`
	}
}

type StatusInput struct{}

type StatusOutput struct {
	Body struct {
		NodeID     string `json:"node_id" doc:"ID of this node"`
		Leader     bool   `json:"leader" doc:"Whether this node is the leader"`
		LeaderID   string `json:"leader_id" doc:"ID of the current leader"`
		LeaderRaft string `json:"leader_raft_addr" doc:"Raft address of the current leader"`
		LeaderGrpc string `json:"leader_grpc_addr" doc:"gRPC address of the current leader"`
	}
}

type CreateSessionInput struct {
	Body struct {
		TimeoutMs int64 `json:"timeout_ms" minimum:"1" example:"10000" doc:"Session timeout in milliseconds"`
	}
}

type CreateSessionOutput struct {
	Body struct {
		SessionID uint64 `json:"session_id" doc:"ID of the new session"`
		TimeoutMs int64  `json:"timeout_ms" doc:"Session timeout in milliseconds"`
	}
}

type SessionInput struct {
	ID uint64 `path:"id" doc:"ID of a session"`
}

type SessionOutput struct {
	Body struct {
		Status string `json:"status" example:"ALIVE" doc:"Status of the session"`
	}
}

type GuardBody struct {
	Path    string `json:"path" example:"/slots/db" doc:"Path of the guard node"`
	Data    []byte `json:"data,omitempty" doc:"Data written to the guard node"`
	Version int32  `json:"version" doc:"Version the guard node must still have"`
}

type CreateNodeInput struct {
	Body struct {
		Path      string     `json:"path" maxLength:"1024" example:"/slots/db/lease" doc:"Path of the node"`
		Data      []byte     `json:"data,omitempty" doc:"Data of the node"`
		Ephemeral bool       `json:"ephemeral,omitempty" doc:"Delete the node when the session ends"`
		Sequence  bool       `json:"sequence,omitempty" doc:"Append a sequence number to the name"`
		SessionID uint64     `json:"session_id,omitempty" doc:"Session owning an ephemeral node"`
		Guard     *GuardBody `json:"guard,omitempty" doc:"Only create the node if the guard node is unchanged"`
	}
}

type CreateNodeOutput struct {
	Body struct {
		Path string `json:"path" doc:"Final path of the created node"`
	}
}

type NodeInput struct {
	Path string `query:"path" required:"true" maxLength:"1024" example:"/slots/db" doc:"Path of the node"`
}

type NodeOutput struct {
	Body struct {
		Path string      `json:"path" doc:"Path of the node"`
		Data []byte      `json:"data,omitempty" doc:"Data of the node"`
		Stat domain.Stat `json:"stat" doc:"Metadata of the node"`
	}
}

type SetNodeInput struct {
	Body struct {
		Path    string `json:"path" maxLength:"1024" example:"/slots/db" doc:"Path of the node"`
		Data    []byte `json:"data,omitempty" doc:"New data of the node"`
		Version int32  `json:"version" example:"-1" doc:"Expected version, -1 for any"`
	}
}

type SetNodeOutput struct {
	Body struct {
		Stat domain.Stat `json:"stat" doc:"Metadata of the node after the update"`
	}
}

type DeleteNodeInput struct {
	Path    string `query:"path" required:"true" maxLength:"1024" example:"/slots/db/lease" doc:"Path of the node"`
	Version int64  `query:"version" default:"-1" doc:"Expected version, -1 for any"`
}

type DeleteNodeOutput struct {
	Body struct {
		Status string `json:"status" example:"DELETED" doc:"Status of the delete operation"`
	}
}

type ChildrenOutput struct {
	Body struct {
		Children []string    `json:"children" doc:"Names of the children"`
		Stat     domain.Stat `json:"stat" doc:"Metadata of the parent node"`
	}
}

type WatchInput struct {
	Path      string `query:"path" required:"true" maxLength:"1024" doc:"Path of the watched node"`
	Kind      string `query:"kind" enum:"exists,children" default:"exists" doc:"What to watch"`
	Exists    bool   `query:"exists" doc:"Whether the node existed when the client last read it"`
	Version   int64  `query:"version" doc:"Data version the client last read"`
	CVersion  int64  `query:"cversion" doc:"Children version the client last read"`
	TimeoutMs int64  `query:"timeout_ms" default:"30000" minimum:"1" maximum:"60000" doc:"How long to wait for a change"`
}

type WatchOutput struct {
	Body struct {
		Event string `json:"event" example:"children_changed" doc:"Type of the change, none on timeout"`
		Path  string `json:"path" doc:"Path of the changed node"`
	}
}
