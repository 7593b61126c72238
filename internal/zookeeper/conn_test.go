package zookeeper

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServers(t *testing.T) {
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, parseServers("zk1:2181, zk2:2181,"))
	assert.Empty(t, parseServers(" , "))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err      error
		expected error
	}{
		{zk.ErrNoNode, domain.ErrNoNode},
		{zk.ErrNodeExists, domain.ErrNodeExists},
		{zk.ErrNotEmpty, domain.ErrNotEmpty},
		{zk.ErrBadVersion, domain.ErrBadVersion},
		{zk.ErrNoChildrenForEphemerals, domain.ErrNoChildrenForEphemerals},
		{zk.ErrSessionExpired, domain.ErrSessionExpired},
		{zk.ErrClosing, domain.ErrConnectionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := mapError(tt.err)
			assert.ErrorIs(t, err, tt.expected)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, mapError(nil))

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}

func TestMultiError(t *testing.T) {
	err := multiError([]zk.MultiResponse{
		{Error: zk.ErrBadVersion},
		{Error: zk.ErrAPIError},
	}, nil)
	assert.ErrorIs(t, err, domain.ErrBadVersion)

	err = multiError([]zk.MultiResponse{
		{Error: zk.ErrAPIError},
		{Error: zk.ErrNodeExists},
	}, nil)
	assert.ErrorIs(t, err, domain.ErrNodeExists)

	err = multiError([]zk.MultiResponse{{}, {String: "/pool/lease"}}, nil)
	assert.NoError(t, err)

	err = multiError(nil, zk.ErrConnectionClosed)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestToEvent(t *testing.T) {
	assert.Equal(
		t,
		domain.Event{Type: domain.EventNodeChildrenChanged, Path: "/pool"},
		toEvent(zk.Event{Type: zk.EventNodeChildrenChanged, Path: "/pool"}),
	)
	assert.Equal(t, domain.EventNodeCreated, toEvent(zk.Event{Type: zk.EventNodeCreated}).Type)
	assert.Equal(t, domain.EventNodeDeleted, toEvent(zk.Event{Type: zk.EventNodeDeleted}).Type)
	assert.Equal(t, domain.EventNodeDataChanged, toEvent(zk.Event{Type: zk.EventNodeDataChanged}).Type)
	assert.Equal(t, domain.EventSessionExpired, toEvent(zk.Event{Type: zk.EventNotWatching}).Type)
}

func TestForwardEvent(t *testing.T) {
	ch := make(chan zk.Event, 1)
	ch <- zk.Event{Type: zk.EventNodeDeleted, Path: "/pool/lease"}
	close(ch)

	select {
	case ev := <-forwardEvent(ch):
		assert.Equal(t, domain.Event{Type: domain.EventNodeDeleted, Path: "/pool/lease"}, ev)
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}
}

func TestToStat(t *testing.T) {
	assert.Nil(t, toStat(nil))

	stat := toStat(&zk.Stat{Version: 3, Cversion: 7, EphemeralOwner: 42, NumChildren: 2, Ctime: 10, Mtime: 20})
	assert.Equal(t, &domain.Stat{
		Version:        3,
		CVersion:       7,
		EphemeralOwner: 42,
		NumChildren:    2,
		Ctime:          10,
		Mtime:          20,
	}, stat)
}

func TestDial_NoSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, addr, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = Dial(context.Background(), "", time.Second)
	assert.Error(t, err)
}
