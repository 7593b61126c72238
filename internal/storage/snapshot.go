package storage

import (
	"encoding/json"
	"io"

	"github.com/kgantsov/dslot/internal/domain"
)

const (
	SnapshotKindNode    = "node"
	SnapshotKindSession = "session"
	SnapshotKindLeader  = "leader"
)

// SnapshotItem is a single line of a snapshot stream.
type SnapshotItem struct {
	Kind    string             `json:"kind"`
	Node    *domain.Node       `json:"node,omitempty"`
	Session *domain.Session    `json:"session,omitempty"`
	Leader  *domain.LeaderInfo `json:"leader,omitempty"`
}

// WriteSnapshotItem writes item as one JSON line.
func WriteSnapshotItem(w io.Writer, item *SnapshotItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
