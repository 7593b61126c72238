package raft

import (
	"fmt"

	"github.com/hashicorp/raft"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/storage"
	"github.com/rs/zerolog/log"
)

type FSMSnapshot struct {
	snapshot storage.Snapshot
	leader   domain.LeaderInfo
}

func (f *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	leaderItem := &storage.SnapshotItem{
		Kind:   storage.SnapshotKindLeader,
		Leader: &f.leader,
	}
	log.Info().Msgf("Writing leader snapshot item %#v", f.leader)

	if err := storage.WriteSnapshotItem(sink, leaderItem); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write leader snapshot item: %v", err)
	}

	if err := f.snapshot.Persist(sink); err != nil {
		log.Debug().Msg("Error copying tree to sink")
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (f *FSMSnapshot) Release() {
	f.snapshot.Release()
}
