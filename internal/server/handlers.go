package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

type (
	Handler struct {
		node Node
	}
)

// httpError maps domain errors to problem responses. The detail carries the
// domain error code so that clients can get the sentinel back.
func httpError(err error) error {
	code := domain.ErrorCode(err)

	switch {
	case errors.Is(err, domain.ErrNoNode):
		return huma.Error404NotFound(code, err)
	case errors.Is(err, domain.ErrNodeExists),
		errors.Is(err, domain.ErrNotEmpty),
		errors.Is(err, domain.ErrBadVersion):
		return huma.Error409Conflict(code, err)
	case errors.Is(err, domain.ErrSessionExpired):
		return huma.Error410Gone(code, err)
	case errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrNoChildrenForEphemerals),
		errors.Is(err, domain.ErrInvalidSessionTimeout),
		errors.Is(err, domain.ErrInvalidCommand):
		return huma.Error400BadRequest(code, err)
	case errors.Is(err, domain.ErrNotLeader),
		errors.Is(err, domain.ErrLeaderUnknown):
		return huma.Error503ServiceUnavailable(code, err)
	}

	log.Error().Msgf("Request failed: %v", err)
	return huma.Error500InternalServerError(code, err)
}

func (h *Handler) Join(ctx context.Context, input *JoinInput) (*JoinOutput, error) {
	if err := h.node.Join(input.Body.ID, input.Body.Addr); err != nil {
		return &JoinOutput{}, err
	}

	res := &JoinOutput{}
	res.Body.ID = input.Body.ID
	res.Body.Addr = input.Body.Addr

	return res, nil
}

func (h *Handler) Status(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
	leader := h.node.Leader()

	res := &StatusOutput{}
	res.Body.NodeID = h.node.NodeID()
	res.Body.Leader = h.node.IsLeader()
	res.Body.LeaderID = leader.NodeID
	res.Body.LeaderRaft = leader.RaftAddr
	res.Body.LeaderGrpc = leader.GrpcAddr

	return res, nil
}

func (h *Handler) CreateSession(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
	timeout := time.Duration(input.Body.TimeoutMs) * time.Millisecond

	id, err := h.node.CreateSession(ctx, timeout)
	if err != nil {
		return nil, httpError(err)
	}

	res := &CreateSessionOutput{}
	res.Body.SessionID = id
	res.Body.TimeoutMs = input.Body.TimeoutMs

	return res, nil
}

func (h *Handler) KeepAlive(ctx context.Context, input *SessionInput) (*SessionOutput, error) {
	if err := h.node.KeepAlive(ctx, input.ID); err != nil {
		return nil, httpError(err)
	}

	res := &SessionOutput{}
	res.Body.Status = "ALIVE"
	return res, nil
}

func (h *Handler) CloseSession(ctx context.Context, input *SessionInput) (*SessionOutput, error) {
	if err := h.node.CloseSession(ctx, input.ID); err != nil {
		return nil, httpError(err)
	}

	res := &SessionOutput{}
	res.Body.Status = "CLOSED"
	return res, nil
}

func (h *Handler) CreateNode(ctx context.Context, input *CreateNodeInput) (*CreateNodeOutput, error) {
	var flags domain.CreateFlag
	if input.Body.Ephemeral {
		flags |= domain.FlagEphemeral
	}
	if input.Body.Sequence {
		flags |= domain.FlagSequence
	}

	var (
		p   string
		err error
	)
	if g := input.Body.Guard; g != nil {
		guard := domain.Guard{Path: g.Path, Data: g.Data, Version: g.Version}
		p, err = h.node.CreateGuarded(ctx, input.Body.SessionID, guard, input.Body.Path, input.Body.Data, flags)
	} else {
		p, err = h.node.Create(ctx, input.Body.SessionID, input.Body.Path, input.Body.Data, flags)
	}
	if err != nil {
		return nil, httpError(err)
	}

	res := &CreateNodeOutput{}
	res.Body.Path = p
	return res, nil
}

func (h *Handler) GetNode(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	node, err := h.node.Get(input.Path)
	if err != nil {
		return nil, httpError(err)
	}

	res := &NodeOutput{}
	res.Body.Path = node.Path
	res.Body.Data = node.Data
	res.Body.Stat = node.Stat
	return res, nil
}

func (h *Handler) SetNode(ctx context.Context, input *SetNodeInput) (*SetNodeOutput, error) {
	stat, err := h.node.Set(ctx, input.Body.Path, input.Body.Data, input.Body.Version)
	if err != nil {
		return nil, httpError(err)
	}

	res := &SetNodeOutput{}
	res.Body.Stat = *stat
	return res, nil
}

func (h *Handler) DeleteNode(ctx context.Context, input *DeleteNodeInput) (*DeleteNodeOutput, error) {
	if err := h.node.Delete(ctx, input.Path, int32(input.Version)); err != nil {
		return nil, httpError(err)
	}

	res := &DeleteNodeOutput{}
	res.Body.Status = "DELETED"
	return res, nil
}

func (h *Handler) Children(ctx context.Context, input *NodeInput) (*ChildrenOutput, error) {
	// The stat is read first, so a change between the two reads shows up as
	// a stale cversion and wakes the next watch right away.
	node, err := h.node.Get(input.Path)
	if err != nil {
		return nil, httpError(err)
	}
	children, err := h.node.Children(input.Path)
	if err != nil {
		return nil, httpError(err)
	}

	res := &ChildrenOutput{}
	res.Body.Children = children
	res.Body.Stat = node.Stat
	return res, nil
}

// Watch is a long poll. It returns as soon as the node differs from what the
// client last read, or when the watch fires, or with event "none" after the
// timeout.
func (h *Handler) Watch(ctx context.Context, input *WatchInput) (*WatchOutput, error) {
	kind, err := domain.ParseWatchKind(input.Kind)
	if err != nil {
		return nil, huma.Error400BadRequest(domain.ErrorCode(domain.ErrInvalidCommand), err)
	}
	if err := domain.ValidatePath(input.Path); err != nil {
		return nil, httpError(err)
	}

	ch, cancel := h.node.Watch(kind, input.Path)
	defer cancel()

	res := &WatchOutput{}
	res.Body.Path = input.Path

	ev, err := h.changedSince(kind, input)
	if err != nil {
		return nil, httpError(err)
	}
	if ev != domain.EventNone {
		res.Body.Event = ev.String()
		return res, nil
	}

	timer := time.NewTimer(time.Duration(input.TimeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case event := <-ch:
		res.Body.Event = event.Type.String()
		res.Body.Path = event.Path
	case <-timer.C:
		res.Body.Event = domain.EventNone.String()
	case <-ctx.Done():
		return nil, huma.NewError(http.StatusRequestTimeout, "watch cancelled", ctx.Err())
	}

	return res, nil
}

func (h *Handler) changedSince(kind domain.WatchKind, input *WatchInput) (domain.EventType, error) {
	node, err := h.node.Get(input.Path)
	if errors.Is(err, domain.ErrNoNode) {
		if kind == domain.WatchChildren || input.Exists {
			return domain.EventNodeDeleted, nil
		}
		return domain.EventNone, nil
	}
	if err != nil {
		return domain.EventNone, err
	}

	switch kind {
	case domain.WatchExists:
		if !input.Exists {
			return domain.EventNodeCreated, nil
		}
		if int64(node.Stat.Version) != input.Version {
			return domain.EventNodeDataChanged, nil
		}
	case domain.WatchChildren:
		if int64(node.Stat.CVersion) != input.CVersion {
			return domain.EventNodeChildrenChanged, nil
		}
	}
	return domain.EventNone, nil
}
