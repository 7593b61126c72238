package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dslot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

func TestLoadServer_Defaults(t *testing.T) {
	cfg, err := LoadServer(newFlagSet(), []string{"/tmp/raft"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/raft", cfg.DataDir)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultRaftAddr, cfg.RaftAddr)
	assert.Equal(t, DefaultGrpcAddr, cfg.GrpcAddr)
	assert.Equal(t, DefaultRaftAddr, cfg.NodeID)
	assert.Equal(t, DefaultNamespace, cfg.Namespace)
	assert.Equal(t, DefaultSessionTick, cfg.SessionTick)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadServer_File(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
data_dir: /var/lib/dslot
http_addr: "11001"
raft_addr: localhost:12001
join_addr: localhost:11000
session_tick: 1s
log_level: debug
`)

	cfg, err := LoadServer(newFlagSet(), []string{"-config", path, "-haddr", "11005"})
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "/var/lib/dslot", cfg.DataDir)
	assert.Equal(t, "11005", cfg.HTTPAddr)
	assert.Equal(t, "localhost:12001", cfg.RaftAddr)
	assert.Equal(t, DefaultGrpcAddr, cfg.GrpcAddr)
	assert.Equal(t, "localhost:11000", cfg.JoinAddr)
	assert.Equal(t, time.Second, cfg.SessionTick)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestLoadServer_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no data dir", []string{}},
		{"bad tick", []string{"-session-tick", "0s", "/tmp/raft"}},
		{"bad tag", []string{"-cluster-tag", "abc", "/tmp/raft"}},
		{"bad level", []string{"-log-level", "loud", "/tmp/raft"}},
		{"unknown flag", []string{"-nope", "/tmp/raft"}},
		{"missing file", []string{"-config", "/does/not/exist.yaml", "/tmp/raft"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServer(newFlagSet(), tt.args)
			assert.Error(t, err)
		})
	}
}

func TestLoadServer_InMemory(t *testing.T) {
	cfg, err := LoadServer(newFlagSet(), []string{"-inmemory", "-id", "node-0"})
	require.NoError(t, err)

	assert.True(t, cfg.InMemory)
	assert.Equal(t, "node-0", cfg.NodeID)
	assert.Empty(t, cfg.DataDir)
}

func TestLoadCLI(t *testing.T) {
	path := writeConfig(t, `
conn_string: zk://zk1:2181
session_timeout: 30s
identifier: from-file
`)

	fs := newFlagSet()
	cfg, err := LoadCLI(fs, []string{"-config", path, "-identifier", "web-1", "acquire", "/lock/a"})
	require.NoError(t, err)

	assert.Equal(t, "zk://zk1:2181", cfg.ConnString)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "web-1", cfg.Identifier)
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
	assert.Equal(t, []string{"acquire", "/lock/a"}, fs.Args())
}

func TestLoadCLI_NoConnString(t *testing.T) {
	_, err := LoadCLI(newFlagSet(), []string{"holders", "/lock/a"})
	assert.Error(t, err)
}
