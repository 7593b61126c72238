package raft

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamLayer(t *testing.T, tag string) *TaggedStreamLayer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	layer, err := NewTaggedStreamLayer(listener, tag)
	require.NoError(t, err)
	t.Cleanup(func() { layer.Close() })

	return layer
}

func TestTaggedStreamLayer(t *testing.T) {
	server := newTestStreamLayer(t, "c1")
	sameCluster := newTestStreamLayer(t, "c1")
	otherCluster := newTestStreamLayer(t, "c2")

	addr := raft.ServerAddress(server.Addr().String())

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := server.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	foreign, err := otherCluster.Dial(addr, time.Second)
	require.NoError(t, err)
	defer foreign.Close()

	// the foreign connection is dropped by the server
	foreign.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = foreign.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	conn, err := sameCluster.Dial(addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case serverConn := <-accepted:
		defer serverConn.Close()

		buf := make([]byte, 4)
		_, err := io.ReadFull(serverConn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	case <-time.After(5 * time.Second):
		t.Fatal("connection with the right tag was not accepted")
	}
}

func TestTaggedStreamLayer_InvalidTag(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	_, err = NewTaggedStreamLayer(listener, "toolong")
	assert.Error(t, err)
}
