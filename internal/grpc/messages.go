package grpc

import "github.com/kgantsov/dslot/internal/domain"

type ApplyReq struct {
	// Command is an encoded raft command.
	Command []byte
}

type ApplyResp struct {
	Result    *domain.WriteResult
	ErrorCode string
	Error     string
}

type KeepAliveReq struct {
	SessionID uint64
}

type KeepAliveResp struct {
	ErrorCode string
	Error     string
}

func errorFields(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return domain.ErrorCode(err), err.Error()
}
