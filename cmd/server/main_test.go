package main

import (
	"bytes"
	"context"
	"flag"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun(t *testing.T) {
	httpPort := strconv.Itoa(freePort(t))
	raftAddr := "127.0.0.1:" + strconv.Itoa(freePort(t))
	grpcAddr := "127.0.0.1:" + strconv.Itoa(freePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		fs := flag.NewFlagSet("server", flag.ContinueOnError)
		done <- run(ctx, fs, []string{
			"-id=node1",
			"-inmemory",
			"-haddr=" + httpPort,
			"-raddr=" + raftAddr,
			"-gaddr=" + grpcAddr,
			"-log-level=warn",
		})
	}()

	url := "http://127.0.0.1:" + httpPort + "/api/v1/sessions"

	require.Eventually(t, func() bool {
		resp, err := http.Post(url, "application/json", bytes.NewBufferString(`{"timeout_ms": 5000}`))
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 15*time.Second, 100*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	err := run(context.Background(), fs, []string{"-log-level=warn"})
	assert.Error(t, err)
}
