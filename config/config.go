// Package config loads the runtime configuration: defaults, an
// optional TOML file, then NANOS6_-prefixed environment overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/xerrors"
)

// ByteSize accepts human-readable sizes ("64KiB", "1M") in TOML and
// environment values.
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return xerrors.Errorf("parsing byte size %q: %w", string(text), err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) Bytes() uint64 {
	return uint64(b)
}

// Cluster mirrors the cluster.* config keys.
type Cluster struct {
	// Communication selects the messenger backend; "disabled" forces
	// single-node mode.
	Communication string `toml:"communication" envconfig:"COMMUNICATION"`

	// ServicesInTask runs the polling loops as internal tasks instead
	// of dedicated threads.
	ServicesInTask           bool `toml:"services_in_task" envconfig:"SERVICES_IN_TASK"`
	NumMessageHandlerWorkers int  `toml:"num_message_handler_workers" envconfig:"NUM_MESSAGE_HANDLER_WORKERS"`

	UseNamespace         bool `toml:"use_namespace" envconfig:"USE_NAMESPACE"`
	DisableRemote        bool `toml:"disable_remote" envconfig:"DISABLE_REMOTE"`
	DisableRemoteConnect bool `toml:"disable_remote_connect" envconfig:"DISABLE_REMOTE_CONNECT"`

	DisableAutowait bool `toml:"disable_autowait" envconfig:"DISABLE_AUTOWAIT"`

	// MessageMaxSize is the transfer fragmentation threshold.
	MessageMaxSize ByteSize `toml:"message_max_size" envconfig:"MESSAGE_MAX_SIZE"`

	EagerWeakFetch        bool `toml:"eager_weak_fetch" envconfig:"EAGER_WEAK_FETCH"`
	EagerSend             bool `toml:"eager_send" envconfig:"EAGER_SEND"`
	MergeReleaseAndFinish bool `toml:"merge_release_and_finish" envconfig:"MERGE_RELEASE_AND_FINISH"`

	// Peers lists one transport address per node index; NodeIndex
	// identifies this node within it.
	Peers       []string `toml:"peers" envconfig:"PEERS"`
	NodeIndex   int      `toml:"node_index" envconfig:"NODE_INDEX"`
	MasterIndex int      `toml:"master_index" envconfig:"MASTER_INDEX"`
}

// Scheduler mirrors the scheduler.* config keys.
type Scheduler struct {
	// Policy selects the ready-queue backend: fifo, priority, numa.
	Policy string `toml:"policy" envconfig:"POLICY"`
}

// Memory sizes the reserved cluster address space.
type Memory struct {
	DistribSize ByteSize `toml:"distrib_size" envconfig:"DISTRIB_SIZE"`
	LocalSize   ByteSize `toml:"local_size" envconfig:"LOCAL_SIZE"`

	// WriteIDCacheSize bounds the node-local write-id cache.
	WriteIDCacheSize int `toml:"write_id_cache_size" envconfig:"WRITE_ID_CACHE_SIZE"`
}

// Hybrid configures the file-based interface to an external resource
// manager. An empty directory disables it.
type Hybrid struct {
	Directory    string `toml:"directory" envconfig:"DIRECTORY"`
	ExternalRank int    `toml:"external_rank" envconfig:"EXTERNAL_RANK"`
	ApprankNum   int    `toml:"apprank_num" envconfig:"APPRANK_NUM"`
}

// Logging is per-subsystem log levels.
type Logging struct {
	SubsystemLevels map[string]string `toml:"subsystem_levels" envconfig:"SUBSYSTEM_LEVELS"`
}

type Config struct {
	Cluster   Cluster   `toml:"cluster"`
	Scheduler Scheduler `toml:"scheduler"`
	Memory    Memory    `toml:"memory"`
	Hybrid    Hybrid    `toml:"hybrid"`
	Logging   Logging   `toml:"logging"`
}

// Default is the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Cluster: Cluster{
			Communication:            "disabled",
			NumMessageHandlerWorkers: 1,
			UseNamespace:             true,
			MessageMaxSize:           ByteSize(1 << 20),
		},
		Scheduler: Scheduler{
			Policy: "fifo",
		},
		Memory: Memory{
			DistribSize:      ByteSize(256 << 20),
			LocalSize:        ByteSize(64 << 20),
			WriteIDCacheSize: 8192,
		},
	}
}

// FromFile layers a TOML file over the defaults. A missing path is
// not an error; a malformed file is.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, xerrors.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(buf, cfg); err != nil {
		return nil, xerrors.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv layers NANOS6_-prefixed environment variables over cfg,
// e.g. NANOS6_CLUSTER_COMMUNICATION=tcp.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process("NANOS6_CLUSTER", &cfg.Cluster); err != nil {
		return xerrors.Errorf("cluster env overrides: %w", err)
	}
	if err := envconfig.Process("NANOS6_SCHEDULER", &cfg.Scheduler); err != nil {
		return xerrors.Errorf("scheduler env overrides: %w", err)
	}
	if err := envconfig.Process("NANOS6_MEMORY", &cfg.Memory); err != nil {
		return xerrors.Errorf("memory env overrides: %w", err)
	}
	if err := envconfig.Process("NANOS6_HYBRID", &cfg.Hybrid); err != nil {
		return xerrors.Errorf("hybrid env overrides: %w", err)
	}
	return nil
}

// Load is the usual path: defaults, optional file, env.
func Load(path string) (*Config, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Cluster.Communication != "disabled" {
		if len(c.Cluster.Peers) == 0 {
			return xerrors.New("cluster.communication is enabled but cluster.peers is empty")
		}
		if c.Cluster.NodeIndex < 0 || c.Cluster.NodeIndex >= len(c.Cluster.Peers) {
			return xerrors.Errorf("cluster.node_index %d out of range for %d peers",
				c.Cluster.NodeIndex, len(c.Cluster.Peers))
		}
	}
	if c.Cluster.MessageMaxSize == 0 {
		return xerrors.New("cluster.message_max_size must be positive")
	}
	if c.Memory.DistribSize == 0 {
		return xerrors.New("memory.distrib_size must be positive")
	}
	return nil
}
