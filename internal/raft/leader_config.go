package raft

import (
	"sync"

	"github.com/kgantsov/dslot/internal/domain"
)

// LeaderConfig holds the addresses of the current leader as replicated
// through the log.
type LeaderConfig struct {
	mu sync.RWMutex

	// this node
	self domain.LeaderInfo

	leader domain.LeaderInfo
}

func NewLeaderConfig(id, raftAddr, grpcAddr string) *LeaderConfig {
	return &LeaderConfig{
		self: domain.LeaderInfo{NodeID: id, RaftAddr: raftAddr, GrpcAddr: grpcAddr},
	}
}

func (c *LeaderConfig) Self() domain.LeaderInfo {
	return c.self
}

func (c *LeaderConfig) Set(info domain.LeaderInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leader = info
}

func (c *LeaderConfig) Get() domain.LeaderInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.leader
}

func (c *LeaderConfig) GetLeaderGrpcAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.leader.GrpcAddr
}
