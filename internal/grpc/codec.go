package grpc

import (
	"fmt"

	"github.com/kgantsov/dslot/internal/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

const codecName = "proto"

// protoCodec encodes the forwarding messages in the protobuf wire format.
// Both ends force it, so no generated types are needed.
type protoCodec struct{}

const (
	fieldApplyCommand protowire.Number = 1

	fieldApplyResult    protowire.Number = 1
	fieldApplyErrorCode protowire.Number = 2
	fieldApplyError     protowire.Number = 3

	fieldKeepAliveSessionID protowire.Number = 1

	fieldKeepAliveErrorCode protowire.Number = 1
	fieldKeepAliveError     protowire.Number = 2
)

const (
	fieldResultPath protowire.Number = iota + 1
	fieldResultStat
	fieldResultSessionID
	fieldResultDeleted
	fieldResultIndex
)

const (
	fieldStatVersion protowire.Number = iota + 1
	fieldStatCVersion
	fieldStatEphemeralOwner
	fieldStatNumChildren
	fieldStatCtime
	fieldStatMtime
)

func (protoCodec) Marshal(v any) ([]byte, error) {
	var b []byte

	switch m := v.(type) {
	case *ApplyReq:
		b = appendBytes(b, fieldApplyCommand, m.Command)
	case *ApplyResp:
		if m.Result != nil {
			b = protowire.AppendTag(b, fieldApplyResult, protowire.BytesType)
			b = protowire.AppendBytes(b, marshalResult(m.Result))
		}
		b = appendString(b, fieldApplyErrorCode, m.ErrorCode)
		b = appendString(b, fieldApplyError, m.Error)
	case *KeepAliveReq:
		b = appendVarint(b, fieldKeepAliveSessionID, m.SessionID)
	case *KeepAliveResp:
		b = appendString(b, fieldKeepAliveErrorCode, m.ErrorCode)
		b = appendString(b, fieldKeepAliveError, m.Error)
	default:
		return nil, fmt.Errorf("proto codec: unsupported message %T", v)
	}

	return b, nil
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *ApplyReq:
		*m = ApplyReq{}
		return walk(data, func(num protowire.Number, _ uint64, raw []byte) error {
			if num == fieldApplyCommand {
				m.Command = append([]byte(nil), raw...)
			}
			return nil
		})
	case *ApplyResp:
		*m = ApplyResp{}
		return walk(data, func(num protowire.Number, _ uint64, raw []byte) error {
			switch num {
			case fieldApplyResult:
				result, err := unmarshalResult(raw)
				if err != nil {
					return err
				}
				m.Result = result
			case fieldApplyErrorCode:
				m.ErrorCode = string(raw)
			case fieldApplyError:
				m.Error = string(raw)
			}
			return nil
		})
	case *KeepAliveReq:
		*m = KeepAliveReq{}
		return walk(data, func(num protowire.Number, v uint64, _ []byte) error {
			if num == fieldKeepAliveSessionID {
				m.SessionID = v
			}
			return nil
		})
	case *KeepAliveResp:
		*m = KeepAliveResp{}
		return walk(data, func(num protowire.Number, _ uint64, raw []byte) error {
			switch num {
			case fieldKeepAliveErrorCode:
				m.ErrorCode = string(raw)
			case fieldKeepAliveError:
				m.Error = string(raw)
			}
			return nil
		})
	}

	return fmt.Errorf("proto codec: unsupported message %T", v)
}

func (protoCodec) Name() string {
	return codecName
}

func marshalResult(r *domain.WriteResult) []byte {
	var b []byte

	b = appendString(b, fieldResultPath, r.Path)
	if r.Stat != nil {
		// An empty stat still has to mark its presence.
		b = protowire.AppendTag(b, fieldResultStat, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalStat(r.Stat))
	}
	b = appendVarint(b, fieldResultSessionID, r.SessionID)
	for _, path := range r.Deleted {
		b = protowire.AppendTag(b, fieldResultDeleted, protowire.BytesType)
		b = protowire.AppendString(b, path)
	}
	b = appendVarint(b, fieldResultIndex, r.Index)

	return b
}

func unmarshalResult(b []byte) (*domain.WriteResult, error) {
	r := &domain.WriteResult{}

	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldResultPath:
			r.Path = string(raw)
		case fieldResultStat:
			stat, err := unmarshalStat(raw)
			if err != nil {
				return err
			}
			r.Stat = stat
		case fieldResultSessionID:
			r.SessionID = v
		case fieldResultDeleted:
			r.Deleted = append(r.Deleted, string(raw))
		case fieldResultIndex:
			r.Index = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

func marshalStat(s *domain.Stat) []byte {
	var b []byte

	b = appendVarint(b, fieldStatVersion, protowire.EncodeZigZag(int64(s.Version)))
	b = appendVarint(b, fieldStatCVersion, protowire.EncodeZigZag(int64(s.CVersion)))
	b = appendVarint(b, fieldStatEphemeralOwner, s.EphemeralOwner)
	b = appendVarint(b, fieldStatNumChildren, protowire.EncodeZigZag(int64(s.NumChildren)))
	b = appendVarint(b, fieldStatCtime, protowire.EncodeZigZag(s.Ctime))
	b = appendVarint(b, fieldStatMtime, protowire.EncodeZigZag(s.Mtime))

	return b
}

func unmarshalStat(b []byte) (*domain.Stat, error) {
	s := &domain.Stat{}

	err := walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case fieldStatVersion:
			s.Version = int32(protowire.DecodeZigZag(v))
		case fieldStatCVersion:
			s.CVersion = int32(protowire.DecodeZigZag(v))
		case fieldStatEphemeralOwner:
			s.EphemeralOwner = v
		case fieldStatNumChildren:
			s.NumChildren = int32(protowire.DecodeZigZag(v))
		case fieldStatCtime:
			s.Ctime = protowire.DecodeZigZag(v)
		case fieldStatMtime:
			s.Mtime = protowire.DecodeZigZag(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// walk calls fn for every varint and length-delimited field of b. Fields of
// other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]

			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]

			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return nil
}

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
