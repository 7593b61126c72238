package grpc

import (
	"context"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

const (
	serviceName     = "dslot.Forwarder"
	applyMethod     = "/" + serviceName + "/Apply"
	keepAliveMethod = "/" + serviceName + "/KeepAlive"
)

// Node is the part of a raft node the leader side of forwarding needs.
type Node interface {
	ApplyForwarded(ctx context.Context, command []byte) (*domain.WriteResult, error)
	KeepAlive(ctx context.Context, sessionID uint64) error
}

type forwarderService interface {
	Apply(ctx context.Context, req *ApplyReq) (*ApplyResp, error)
	KeepAlive(ctx context.Context, req *KeepAliveReq) (*KeepAliveResp, error)
}

type ForwarderServer struct {
	node Node
}

func NewForwarderServer(node Node) *ForwarderServer {
	return &ForwarderServer{
		node: node,
	}
}

func NewGRPCServer(node Node) *grpc.Server {
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(protoCodec{}))
	grpcServer.RegisterService(&forwarderServiceDesc, NewForwarderServer(node))
	return grpcServer
}

func (s *ForwarderServer) Apply(ctx context.Context, req *ApplyReq) (*ApplyResp, error) {
	if len(req.Command) == 0 {
		code, msg := errorFields(domain.ErrInvalidCommand)
		return &ApplyResp{ErrorCode: code, Error: msg}, nil
	}

	result, err := s.node.ApplyForwarded(ctx, req.Command)
	if err != nil {
		log.Debug().Msgf("Forwarded apply failed: %v", err)
		code, msg := errorFields(err)
		return &ApplyResp{Result: result, ErrorCode: code, Error: msg}, nil
	}

	return &ApplyResp{Result: result}, nil
}

func (s *ForwarderServer) KeepAlive(ctx context.Context, req *KeepAliveReq) (*KeepAliveResp, error) {
	if err := s.node.KeepAlive(ctx, req.SessionID); err != nil {
		code, msg := errorFields(err)
		return &KeepAliveResp{ErrorCode: code, Error: msg}, nil
	}
	return &KeepAliveResp{}, nil
}

var forwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*forwarderService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Apply",
			Handler:    applyHandler,
		},
		{
			MethodName: "KeepAlive",
			Handler:    keepAliveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forwarder",
}

func applyHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(ApplyReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderService).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: applyMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(forwarderService).Apply(ctx, req.(*ApplyReq))
	}
	return interceptor(ctx, in, info, handler)
}

func keepAliveHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(KeepAliveReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderService).KeepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: keepAliveMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(forwarderService).KeepAlive(ctx, req.(*KeepAliveReq))
	}
	return interceptor(ctx, in, info, handler)
}
