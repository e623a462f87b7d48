package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	httpapi "queryreg/internal/http"
	"queryreg/pkg/cluster"
	"queryreg/pkg/config"
	"queryreg/pkg/metrics"
	"queryreg/pkg/raftmap"
	"queryreg/pkg/registry"
	"queryreg/pkg/replmap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)
	applyEnvOverrides(&cfg)

	// --- ZooKeeper membership (optional) ---
	var membership *cluster.Membership
	if len(cfg.Cluster.ZKServers) > 0 {
		membership, err = cluster.NewMembership(cfg.Cluster.ZKServers, cfg.Cluster.RootPath, cfg.Cluster.NodeAddr, cfg.Cluster.Roles)
		if err != nil {
			slog.Error("failed to connect to ZooKeeper", "servers", cfg.Cluster.ZKServers, "error", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			slog.Error("failed to register node in ZooKeeper", "error", err)
			os.Exit(1)
		}
		membership.RunWatch(ctx, func(members []string) {
			slog.Info("cluster membership changed", "members", members)
		})
	}

	// A node whose roles do not match the registry role serves reads of
	// nothing and accepts no writes: it runs the no-op registry.
	participates := true
	if membership != nil && cfg.Registry.Role != "" {
		participates = membership.Participates(cfg.Registry.Role)
	}

	var reg registry.Registry = registry.Noop{}
	var engine *registry.Engine
	var raftNode *raftmap.Node
	counters := metrics.NewCounters()

	if participates {
		var store replmap.Store
		switch cfg.Replication.Backend {
		case "raft":
			raftNode, err = raftmap.NewNode(&cfg.Replication.Raft, cfg.Registry.MapKey)
			if err != nil {
				slog.Error("failed to init raft node", "error", err)
				os.Exit(1)
			}
			store = raftNode
		default:
			store = replmap.NewMemory(cfg.Registry.MapKey)
		}

		engine, err = registry.NewEngine(registry.Config{
			Name:         cfg.Registry.Name,
			MapKey:       cfg.Registry.MapKey,
			WriteTimeout: cfg.Replication.WriteTimeout,
			MailboxSize:  cfg.Registry.MailboxSize,
			Store:        store,
			Collector:    counters,
		})
		if err != nil {
			slog.Error("failed to init registry engine", "error", err)
			os.Exit(1)
		}
		engine.Start(ctx)
		defer engine.Stop()
		reg = engine
	} else {
		slog.Warn("node does not carry the registry role, running no-op registry",
			"role", cfg.Registry.Role, "roles", cfg.Cluster.Roles)
	}

	// --- HTTP server ---
	port := strconv.Itoa(cfg.Server.Port)
	var server *httpapi.Server
	if raftNode != nil {
		server = httpapi.NewServer(reg, raftNode, counters, port)
	} else {
		server = httpapi.NewServer(reg, nil, counters, port)
	}
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}
	slog.Info("statement registry is running",
		"port", cfg.Server.Port,
		"backend", cfg.Replication.Backend,
		"registry", cfg.Registry.Name)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("statement registry stopped")
}

// applyEnvOverrides lets deployment wiring override the node address and
// ZooKeeper servers without editing the config file.
func applyEnvOverrides(cfg *config.Config) {
	if addr := os.Getenv("QUERYREG_NODE_ADDR"); addr != "" {
		cfg.Cluster.NodeAddr = addr
	}
	if servers := os.Getenv("ZK_SERVERS"); servers != "" {
		cfg.Cluster.ZKServers = strings.Split(servers, ",")
	}
}
