package grpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kgantsov/dslot/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Proxy forwards writes and keepalives from a follower to the leader.
type Proxy struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	leader string
}

func NewProxy() *Proxy {
	return &Proxy{}
}

func (p *Proxy) client(leader string) (*grpc.ClientConn, error) {
	if leader == "" {
		return nil, domain.ErrLeaderUnknown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.leader == leader {
		return p.conn, nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}

	conn, err := grpc.NewClient(
		leader,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(protoCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the leader %s: %w", leader, err)
	}

	p.conn = conn
	p.leader = leader

	return conn, nil
}

// Apply sends an encoded raft command to the leader at host.
func (p *Proxy) Apply(ctx context.Context, host string, command []byte) (*domain.WriteResult, error) {
	log.Debug().Msgf("PROXY Apply to the leader node: %s", host)

	conn, err := p.client(host)
	if err != nil {
		return nil, err
	}

	resp := &ApplyResp{}
	if err := conn.Invoke(ctx, applyMethod, &ApplyReq{Command: command}, resp); err != nil {
		log.Error().Msgf("Failed to forward a command: %v", err)
		return nil, err
	}

	if resp.ErrorCode != "" {
		return resp.Result, domain.ErrorFromCode(resp.ErrorCode, resp.Error)
	}
	return resp.Result, nil
}

func (p *Proxy) KeepAlive(ctx context.Context, host string, sessionID uint64) error {
	conn, err := p.client(host)
	if err != nil {
		return err
	}

	resp := &KeepAliveResp{}
	if err := conn.Invoke(ctx, keepAliveMethod, &KeepAliveReq{SessionID: sessionID}, resp); err != nil {
		log.Error().Msgf("Failed to forward a keepalive for session %d: %v", sessionID, err)
		return err
	}

	return domain.ErrorFromCode(resp.ErrorCode, resp.Error)
}

func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.leader = ""
	return err
}
