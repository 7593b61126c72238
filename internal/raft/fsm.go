package raft

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/metrics"
	"github.com/kgantsov/dslot/internal/storage"
	"github.com/rs/zerolog/log"
)

type FSM Node

type FSMResponse struct {
	Result domain.WriteResult
	Error  error
}

// Apply applies a Raft log entry to the coordination tree and fires the
// watches the change triggers.
func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := UnmarshalCommand(l.Data)
	if err != nil {
		panic(fmt.Sprintf("failed to unmarshal command: %s", err.Error()))
	}

	log.Debug().Msgf("Apply log %d: %s %s", l.Index, cmd.Type, cmd.Path)

	f.mu.Lock()
	resp, events := f.apply(cmd)
	f.mu.Unlock()

	resp.Result.Index = l.Index
	metrics.CommandsApplied.WithLabelValues(cmd.Type.String(), domain.ErrorCode(resp.Error)).Inc()

	if len(events) > 0 {
		f.watches.fire(events)
	}
	if cmd.Type == CommandCloseSession && resp.Error == nil {
		(*Node)(f).expireLocalSession(cmd.SessionID)
	}

	return resp
}

func (f *FSM) apply(cmd *Command) (*FSMResponse, []domain.Event) {
	switch cmd.Type {
	case CommandCreateSession:
		return f.applyCreateSession(cmd)
	case CommandCloseSession:
		return f.applyCloseSession(cmd)
	case CommandCreate:
		return f.applyCreate(cmd)
	case CommandCreateGuarded:
		return f.applyCreateGuarded(cmd)
	case CommandSetData:
		return f.applySetData(cmd)
	case CommandDelete:
		return f.applyDelete(cmd)
	case CommandLeaderChange:
		return f.applyLeaderChange(cmd)
	default:
		panic(fmt.Sprintf("unrecognized command type: %d", cmd.Type))
	}
}

// Snapshot returns a point-in-time snapshot of the coordination tree.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &FSMSnapshot{
		snapshot: f.storage.Snapshot(),
		leader:   f.leaderConfig.Get(),
	}, nil
}

// Restore replaces the coordination tree with a previous state.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	f.mu.Lock()
	defer f.mu.Unlock()

	log.Debug().Msg("Restoring snapshot")

	err := f.storage.Restore(rc, func(item *storage.SnapshotItem) error {
		if item.Kind == storage.SnapshotKindLeader && item.Leader != nil {
			f.leaderConfig.Set(*item.Leader)
			return nil
		}
		log.Warn().Msgf("Skipping snapshot item of unknown kind %q", item.Kind)
		return nil
	})
	if err != nil {
		return err
	}

	sessions, err := f.storage.Sessions()
	if err != nil {
		return err
	}
	f.sessions.reset(sessions, time.Now())

	return nil
}

func (f *FSM) applyCreateSession(cmd *Command) (*FSMResponse, []domain.Event) {
	err := f.storage.CreateSession(domain.Session{ID: cmd.SessionID, TimeoutMs: cmd.TimeoutMs})
	if err != nil {
		return &FSMResponse{Error: fmt.Errorf("failed to create session %d: %w", cmd.SessionID, err)}, nil
	}

	f.sessions.add(cmd.SessionID, time.Duration(cmd.TimeoutMs)*time.Millisecond, time.Now())

	return &FSMResponse{Result: domain.WriteResult{SessionID: cmd.SessionID}}, nil
}

func (f *FSM) applyCloseSession(cmd *Command) (*FSMResponse, []domain.Event) {
	deleted, err := f.storage.DeleteSession(cmd.SessionID)
	f.sessions.remove(cmd.SessionID)
	if err != nil {
		return &FSMResponse{Error: err}, nil
	}

	var events []domain.Event
	for _, p := range deleted {
		events = append(events, deletedEvents(p)...)
	}

	return &FSMResponse{Result: domain.WriteResult{SessionID: cmd.SessionID, Deleted: deleted}}, events
}

func (f *FSM) applyCreate(cmd *Command) (*FSMResponse, []domain.Event) {
	p, err := f.storage.CreateNode(cmd.Path, cmd.Data, cmd.Flags, cmd.SessionID, cmd.Now)
	if err != nil {
		return &FSMResponse{Error: err}, nil
	}

	return &FSMResponse{Result: domain.WriteResult{Path: p}}, createdEvents(p)
}

func (f *FSM) applyCreateGuarded(cmd *Command) (*FSMResponse, []domain.Event) {
	if cmd.Guard == nil {
		return &FSMResponse{Error: errors.New("guarded create without a guard")}, nil
	}

	p, err := f.storage.CreateGuarded(*cmd.Guard, cmd.Path, cmd.Data, cmd.Flags, cmd.SessionID, cmd.Now)
	if err != nil {
		return &FSMResponse{Error: err}, nil
	}

	events := []domain.Event{{Type: domain.EventNodeDataChanged, Path: cmd.Guard.Path}}
	events = append(events, createdEvents(p)...)

	return &FSMResponse{Result: domain.WriteResult{Path: p}}, events
}

func (f *FSM) applySetData(cmd *Command) (*FSMResponse, []domain.Event) {
	stat, err := f.storage.SetData(cmd.Path, cmd.Data, cmd.Version, cmd.Now)
	if err != nil {
		return &FSMResponse{Error: err}, nil
	}

	return &FSMResponse{Result: domain.WriteResult{Path: cmd.Path, Stat: stat}},
		[]domain.Event{{Type: domain.EventNodeDataChanged, Path: cmd.Path}}
}

func (f *FSM) applyDelete(cmd *Command) (*FSMResponse, []domain.Event) {
	if err := f.storage.DeleteNode(cmd.Path, cmd.Version); err != nil {
		return &FSMResponse{Error: err}, nil
	}

	return &FSMResponse{Result: domain.WriteResult{Path: cmd.Path}}, deletedEvents(cmd.Path)
}

func (f *FSM) applyLeaderChange(cmd *Command) (*FSMResponse, []domain.Event) {
	if cmd.Leader != nil {
		f.leaderConfig.Set(*cmd.Leader)
		log.Info().Msgf("Leader changed to %s (grpc %s)", cmd.Leader.NodeID, cmd.Leader.GrpcAddr)
	}
	return &FSMResponse{}, nil
}
