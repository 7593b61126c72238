package raft

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog/log"
)

const (
	clusterTagLen    = 2
	handshakeTimeout = 5 * time.Second
)

// TaggedStreamLayer is a raft stream layer that prefixes every connection
// with a cluster tag. Connections carrying a different tag are dropped, so
// nodes of two clusters sharing hosts never talk to each other.
type TaggedStreamLayer struct {
	listener net.Listener
	tag      string
}

func NewTaggedStreamLayer(listener net.Listener, tag string) (*TaggedStreamLayer, error) {
	if len(tag) != clusterTagLen {
		return nil, fmt.Errorf("cluster tag %q must be %d bytes long", tag, clusterTagLen)
	}

	return &TaggedStreamLayer{
		listener: listener,
		tag:      tag,
	}, nil
}

func (m *TaggedStreamLayer) Accept() (net.Conn, error) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return nil, err
		}

		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		tagBuf := make([]byte, clusterTagLen)
		if _, err := io.ReadFull(conn, tagBuf); err != nil {
			conn.Close()
			continue
		}
		conn.SetReadDeadline(time.Time{})

		if string(tagBuf) == m.tag {
			return conn, nil
		}

		log.Warn().Msgf("Dropping raft connection from %s with cluster tag %q", conn.RemoteAddr(), tagBuf)
		conn.Close()
	}
}

func (m *TaggedStreamLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", string(address), timeout)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write([]byte(m.tag)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *TaggedStreamLayer) Addr() net.Addr {
	return m.listener.Addr()
}

func (m *TaggedStreamLayer) Close() error {
	return m.listener.Close()
}
