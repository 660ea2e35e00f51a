package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
local: grpc://10.0.0.1:5000
members:
  - grpc://10.0.0.1:5000
  - grpc://10.0.0.2:5000
  - grpc://10.0.0.3:5000
listeners:
  - grpc://10.0.0.9:5000
electionTimeout: 400ms
heartbeatInterval: 150ms
log:
  name: orders
  directory: /var/lib/statelog
  segmentSize: 1048576
  snapshotThreshold: 8388608
`

func TestParse(t *testing.T) {
	cluster, logCfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "grpc://10.0.0.1:5000", cluster.LocalMember)
	assert.Len(t, cluster.Members, 3)
	assert.Equal(t, []string{"grpc://10.0.0.9:5000"}, cluster.Listeners)
	assert.Equal(t, 400*time.Millisecond, cluster.ElectionTimeout)
	assert.Equal(t, 150*time.Millisecond, cluster.HeartbeatInterval)

	assert.Equal(t, "orders", logCfg.Name)
	assert.Equal(t, "/var/lib/statelog", logCfg.Directory)
	assert.Equal(t, int64(1048576), logCfg.SegmentSize)
	assert.Equal(t, int64(8388608), logCfg.SnapshotThreshold)
	// Untouched fields keep defaults.
	assert.Equal(t, 1, logCfg.Retention)
	assert.Equal(t, 1<<20, logCfg.SyncChunkSize)
}

func TestParseDefaults(t *testing.T) {
	cluster, logCfg, err := Parse([]byte("local: grpc://10.0.0.1:5000\nmembers: [grpc://10.0.0.1:5000]\n"))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cluster.ElectionTimeout)
	assert.Equal(t, 250*time.Millisecond, cluster.HeartbeatInterval)
	assert.Equal(t, "statelog", logCfg.Name)
}

func TestParseRejectsBadTimings(t *testing.T) {
	_, _, err := Parse([]byte(`
local: grpc://10.0.0.1:5000
members: [grpc://10.0.0.1:5000]
electionTimeout: 100ms
heartbeatInterval: 200ms
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat interval")
}

func TestParseRejectsMissingLocal(t *testing.T) {
	_, _, err := Parse([]byte("members: [grpc://10.0.0.1:5000]\n"))
	require.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, _, err := Parse([]byte("local: x://a\nelectionTimeout: soon\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cluster, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "grpc://10.0.0.1:5000", cluster.LocalMember)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
