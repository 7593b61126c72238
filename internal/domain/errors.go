package domain

import "errors"

var (
	ErrFailedToJoinNode = errors.New("failed to join node")

	ErrNoNode                  = errors.New("node does not exist")
	ErrNodeExists              = errors.New("node already exists")
	ErrNotEmpty                = errors.New("node has children")
	ErrBadVersion              = errors.New("version conflict")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes may not have children")
	ErrInvalidPath             = errors.New("invalid path")

	ErrSessionExpired        = errors.New("session expired")
	ErrInvalidSessionTimeout = errors.New("invalid session timeout")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrNotLeader             = errors.New("node is not the leader")
	ErrLeaderUnknown         = errors.New("leader address is unknown")
	ErrInvalidCommand        = errors.New("invalid command")

	ErrInvalidMaxConcurrency = errors.New("max concurrency must be at least 1")
	ErrInvalidMinNodes       = errors.New("min nodes must be at least 1")
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrMaxLeasesMismatch     = errors.New("pool exists with a different max concurrency")
	ErrConnectionMismatch    = errors.New("coordinator is connected to a different connection string")
)

var errorCodes = map[error]string{
	ErrNoNode:                  "no_node",
	ErrNodeExists:              "node_exists",
	ErrNotEmpty:                "not_empty",
	ErrBadVersion:              "bad_version",
	ErrNoChildrenForEphemerals: "no_children_for_ephemerals",
	ErrInvalidPath:             "invalid_path",
	ErrSessionExpired:          "session_expired",
	ErrInvalidSessionTimeout:   "invalid_session_timeout",
	ErrConnectionClosed:        "connection_closed",
	ErrNotLeader:               "not_leader",
	ErrLeaderUnknown:           "leader_unknown",
	ErrInvalidCommand:          "invalid_command",
}

// ErrorCode returns the wire code of a domain error. Errors that are not
// domain errors get the code "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for e, code := range errorCodes {
		if errors.Is(err, e) {
			return code
		}
	}
	return "internal"
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes are turned into
// a plain error carrying msg.
func ErrorFromCode(code, msg string) error {
	if code == "" {
		return nil
	}
	for e, c := range errorCodes {
		if c == code {
			return e
		}
	}
	if msg == "" {
		msg = code
	}
	return errors.New(msg)
}
