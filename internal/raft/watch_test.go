package raft

import (
	"testing"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestWatchHub_FiresOnce(t *testing.T) {
	hub := newWatchHub()

	children, _ := hub.add(domain.WatchChildren, "/pool")
	exists, _ := hub.add(domain.WatchExists, "/pool/a")
	other, _ := hub.add(domain.WatchExists, "/pool/b")

	hub.fire(createdEvents("/pool/a"))

	assert.Equal(t, domain.Event{Type: domain.EventNodeChildrenChanged, Path: "/pool"}, <-children)
	assert.Equal(t, domain.Event{Type: domain.EventNodeCreated, Path: "/pool/a"}, <-exists)
	assert.Len(t, other, 0)
	assert.Equal(t, 1, hub.len())

	// one-shot: a second change is not delivered
	hub.fire(deletedEvents("/pool/a"))
	select {
	case ev := <-children:
		t.Fatalf("unexpected second event %v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestWatchHub_DeleteFiresChildrenWatchOfTheNode(t *testing.T) {
	hub := newWatchHub()

	ch, _ := hub.add(domain.WatchChildren, "/pool")
	hub.fire(deletedEvents("/pool"))

	assert.Equal(t, domain.Event{Type: domain.EventNodeDeleted, Path: "/pool"}, <-ch)
}

func TestWatchHub_Cancel(t *testing.T) {
	hub := newWatchHub()

	_, cancel := hub.add(domain.WatchExists, "/a")
	ch, _ := hub.add(domain.WatchExists, "/a")
	cancel()
	assert.Equal(t, 1, hub.len())

	hub.fire([]domain.Event{{Type: domain.EventNodeDataChanged, Path: "/a"}})
	assert.Equal(t, domain.EventNodeDataChanged, (<-ch).Type)
	assert.Equal(t, 0, hub.len())

	// cancelling a fired watch is harmless
	cancel()
}
