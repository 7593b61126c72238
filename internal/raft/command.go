package raft

import (
	"fmt"

	"github.com/kgantsov/dslot/internal/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

type CommandType uint64

const (
	CommandCreateSession CommandType = iota + 1
	CommandCloseSession
	CommandCreate
	CommandCreateGuarded
	CommandSetData
	CommandDelete
	CommandLeaderChange
)

func (t CommandType) String() string {
	switch t {
	case CommandCreateSession:
		return "create_session"
	case CommandCloseSession:
		return "close_session"
	case CommandCreate:
		return "create"
	case CommandCreateGuarded:
		return "create_guarded"
	case CommandSetData:
		return "set_data"
	case CommandDelete:
		return "delete"
	case CommandLeaderChange:
		return "leader_change"
	}
	return fmt.Sprintf("command(%d)", uint64(t))
}

// Command is a single entry of the raft log.
type Command struct {
	Type      CommandType
	SessionID uint64
	TimeoutMs int64
	Path      string
	Data      []byte
	Flags     domain.CreateFlag
	Version   int32
	Now       int64
	Guard     *domain.Guard
	Leader    *domain.LeaderInfo
}

const (
	fieldType protowire.Number = iota + 1
	fieldSessionID
	fieldTimeoutMs
	fieldPath
	fieldData
	fieldFlags
	fieldVersion
	fieldNow
	fieldGuardPath
	fieldGuardData
	fieldGuardVersion
	fieldLeaderNodeID
	fieldLeaderRaftAddr
	fieldLeaderGrpcAddr
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Marshal encodes c in the protobuf wire format.
func (c *Command) Marshal() []byte {
	var b []byte

	b = appendVarint(b, fieldType, uint64(c.Type))
	b = appendVarint(b, fieldSessionID, c.SessionID)
	b = appendVarint(b, fieldTimeoutMs, protowire.EncodeZigZag(c.TimeoutMs))
	b = appendString(b, fieldPath, c.Path)
	b = appendBytes(b, fieldData, c.Data)
	b = appendVarint(b, fieldFlags, uint64(c.Flags))
	b = appendVarint(b, fieldVersion, protowire.EncodeZigZag(int64(c.Version)))
	b = appendVarint(b, fieldNow, protowire.EncodeZigZag(c.Now))

	if c.Guard != nil {
		b = appendString(b, fieldGuardPath, c.Guard.Path)
		b = appendBytes(b, fieldGuardData, c.Guard.Data)
		b = appendVarint(b, fieldGuardVersion, protowire.EncodeZigZag(int64(c.Guard.Version)))
	}
	if c.Leader != nil {
		b = appendString(b, fieldLeaderNodeID, c.Leader.NodeID)
		b = appendString(b, fieldLeaderRaftAddr, c.Leader.RaftAddr)
		b = appendString(b, fieldLeaderGrpcAddr, c.Leader.GrpcAddr)
	}

	return b
}

// UnmarshalCommand decodes a command produced by Command.Marshal. Unknown
// fields are skipped.
func UnmarshalCommand(b []byte) (*Command, error) {
	c := &Command{}
	guard := &domain.Guard{}
	leader := &domain.LeaderInfo{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode command tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]

			switch num {
			case fieldType:
				c.Type = CommandType(v)
			case fieldSessionID:
				c.SessionID = v
			case fieldTimeoutMs:
				c.TimeoutMs = protowire.DecodeZigZag(v)
			case fieldFlags:
				c.Flags = domain.CreateFlag(v)
			case fieldVersion:
				c.Version = int32(protowire.DecodeZigZag(v))
			case fieldNow:
				c.Now = protowire.DecodeZigZag(v)
			case fieldGuardVersion:
				guard.Version = int32(protowire.DecodeZigZag(v))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]

			switch num {
			case fieldPath:
				c.Path = string(v)
			case fieldData:
				c.Data = append([]byte(nil), v...)
			case fieldGuardPath:
				guard.Path = string(v)
			case fieldGuardData:
				guard.Data = append([]byte(nil), v...)
			case fieldLeaderNodeID:
				leader.NodeID = string(v)
			case fieldLeaderRaftAddr:
				leader.RaftAddr = string(v)
			case fieldLeaderGrpcAddr:
				leader.GrpcAddr = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch c.Type {
	case CommandCreateGuarded:
		c.Guard = guard
	case CommandLeaderChange:
		c.Leader = leader
	}

	return c, nil
}
