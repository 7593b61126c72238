package raft

import (
	"sync"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/metrics"
)

type watchKey struct {
	kind domain.WatchKind
	path string
}

// watchHub keeps one-shot watches. Every watch channel receives at most one
// event and is forgotten once it fired.
type watchHub struct {
	mu      sync.Mutex
	watches map[watchKey]map[chan domain.Event]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{
		watches: make(map[watchKey]map[chan domain.Event]struct{}),
	}
}

// add registers a watch. The returned cancel func forgets the watch if it
// has not fired yet.
func (h *watchHub) add(kind domain.WatchKind, path string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 1)
	key := watchKey{kind: kind, path: path}

	h.mu.Lock()
	set, ok := h.watches[key]
	if !ok {
		set = make(map[chan domain.Event]struct{})
		h.watches[key] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if set, ok := h.watches[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.watches, key)
			}
		}
	}

	return ch, cancel
}

func (h *watchHub) fire(events []domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case domain.EventNodeCreated, domain.EventNodeDataChanged:
			h.trigger(watchKey{kind: domain.WatchExists, path: ev.Path}, ev)
		case domain.EventNodeDeleted:
			h.trigger(watchKey{kind: domain.WatchExists, path: ev.Path}, ev)
			h.trigger(watchKey{kind: domain.WatchChildren, path: ev.Path}, ev)
		case domain.EventNodeChildrenChanged:
			h.trigger(watchKey{kind: domain.WatchChildren, path: ev.Path}, ev)
		}
	}
}

func (h *watchHub) trigger(key watchKey, ev domain.Event) {
	set, ok := h.watches[key]
	if !ok {
		return
	}
	delete(h.watches, key)
	metrics.WatchesFired.Add(float64(len(set)))

	for ch := range set {
		ch <- ev
	}
}

func (h *watchHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, set := range h.watches {
		n += len(set)
	}
	return n
}

func createdEvents(p string) []domain.Event {
	return []domain.Event{
		{Type: domain.EventNodeCreated, Path: p},
		{Type: domain.EventNodeChildrenChanged, Path: domain.ParentPath(p)},
	}
}

func deletedEvents(p string) []domain.Event {
	return []domain.Event{
		{Type: domain.EventNodeDeleted, Path: p},
		{Type: domain.EventNodeChildrenChanged, Path: domain.ParentPath(p)},
	}
}
