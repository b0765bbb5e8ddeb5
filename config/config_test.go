package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "disabled", cfg.Cluster.Communication)
	require.Equal(t, uint64(1<<20), cfg.Cluster.MessageMaxSize.Bytes())
	require.NoError(t, cfg.Validate())
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanos6.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[cluster]
communication = "tcp"
message_max_size = "4KiB"
peers = ["127.0.0.1:7000", "127.0.0.1:7001"]
node_index = 1
eager_weak_fetch = true

[scheduler]
policy = "numa"

[memory]
distrib_size = "32MiB"
`), 0o644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "tcp", cfg.Cluster.Communication)
	require.Equal(t, uint64(4096), cfg.Cluster.MessageMaxSize.Bytes())
	require.Equal(t, 1, cfg.Cluster.NodeIndex)
	require.True(t, cfg.Cluster.EagerWeakFetch)
	require.Equal(t, "numa", cfg.Scheduler.Policy)
	require.Equal(t, uint64(32<<20), cfg.Memory.DistribSize.Bytes())
	require.NoError(t, cfg.Validate())

	// Untouched keys keep their defaults.
	require.True(t, cfg.Cluster.UseNamespace)
}

func TestMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, "disabled", cfg.Cluster.Communication)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NANOS6_CLUSTER_COMMUNICATION", "tcp")
	t.Setenv("NANOS6_CLUSTER_PEERS", "127.0.0.1:7000,127.0.0.1:7001")
	t.Setenv("NANOS6_CLUSTER_MESSAGE_MAX_SIZE", "64KiB")
	t.Setenv("NANOS6_SCHEDULER_POLICY", "priority")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "tcp", cfg.Cluster.Communication)
	require.Len(t, cfg.Cluster.Peers, 2)
	require.Equal(t, uint64(64<<10), cfg.Cluster.MessageMaxSize.Bytes())
	require.Equal(t, "priority", cfg.Scheduler.Policy)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Cluster.Communication = "tcp"
	require.Error(t, cfg.Validate(), "cluster mode needs peers")

	cfg.Cluster.Peers = []string{"127.0.0.1:7000"}
	cfg.Cluster.NodeIndex = 3
	require.Error(t, cfg.Validate())

	cfg.Cluster.NodeIndex = 0
	require.NoError(t, cfg.Validate())

	cfg.Cluster.MessageMaxSize = 0
	require.Error(t, cfg.Validate())
}
