package domain

import "fmt"

type EventType int

const (
	EventNone EventType = iota
	EventNodeCreated
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	EventSessionExpired
)

var eventNames = map[EventType]string{
	EventNone:                "none",
	EventNodeCreated:         "created",
	EventNodeDeleted:         "deleted",
	EventNodeDataChanged:     "data_changed",
	EventNodeChildrenChanged: "children_changed",
	EventSessionExpired:      "session_expired",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType returns EventNone for unknown names.
func ParseEventType(s string) EventType {
	for t, name := range eventNames {
		if name == s {
			return t
		}
	}
	return EventNone
}

// Event is delivered once to a watcher when the watched node changes.
type Event struct {
	Type EventType
	Path string
}

// WatchKind selects which changes of a node a watch fires on. Exists
// watches fire on create, delete and data changes of the node itself;
// children watches fire when the set of children changes or the node is
// deleted.
type WatchKind int

const (
	WatchExists WatchKind = iota + 1
	WatchChildren
)

func (k WatchKind) String() string {
	switch k {
	case WatchExists:
		return "exists"
	case WatchChildren:
		return "children"
	}
	return "unknown"
}

func ParseWatchKind(s string) (WatchKind, error) {
	switch s {
	case "exists":
		return WatchExists, nil
	case "children":
		return WatchChildren, nil
	}
	return 0, fmt.Errorf("unknown watch kind %q", s)
}
