package config

import "time"

// Config is the root configuration of a registry node.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"http-server"`
	Registry    RegistryConfig    `yaml:"registry"`
	Replication ReplicationConfig `yaml:"replication"`
	Cluster     ClusterConfig     `yaml:"cluster"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// RegistryConfig identifies this registry instance and how it participates
// in the cluster.
type RegistryConfig struct {
	// Name is the local identifier under which the engine is registered.
	Name string `yaml:"name"`
	// MapKey is the replication identifier under which the whole statement
	// registry is stored as one replicated map instance.
	MapKey string `yaml:"map_key"`
	// Role restricts participation to nodes carrying this cluster role.
	// Empty means all nodes participate.
	Role string `yaml:"role"`
	// MailboxSize bounds the engine's inbound message queue.
	MailboxSize int `yaml:"mailbox_size"`
}

// ReplicationConfig controls the replicated-map backend.
type ReplicationConfig struct {
	// Backend selects the replicated store: "memory" or "raft".
	Backend string `yaml:"backend"`
	// WriteTimeout bounds every replication request; on expiry the request
	// is reported as failed to the caller.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Raft         RaftConfig    `yaml:"raft"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	SnapshotEvery             uint64           `yaml:"snapshot_every"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig covers ZooKeeper-backed membership.
type ClusterConfig struct {
	ZKServers []string `yaml:"zk_servers"`
	RootPath  string   `yaml:"root_path"`
	NodeAddr  string   `yaml:"node_addr"`
	// Roles carried by this node, matched against RegistryConfig.Role.
	Roles []string `yaml:"roles"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Registry: RegistryConfig{
			Name:        "statements",
			MapKey:      "statement-registry",
			MailboxSize: 256,
		},
		Replication: ReplicationConfig{
			Backend:      "memory",
			WriteTimeout: 60 * time.Second,
			Raft: RaftConfig{
				ID:                        1,
				ElectionTick:              10,
				HeartbeatTick:             2,
				MaxSizePerMsg:             1024 * 1024,
				MaxCommittedSizePerReady:  4 * 1024 * 1024,
				MaxUncommittedEntriesSize: 8 * 1024 * 1024,
				MaxInflightMsgs:           256,
				CheckQuorum:               true,
				SnapshotEvery:             1000,
			},
		},
		Cluster: ClusterConfig{
			RootPath: "/queryreg",
		},
	}
}
