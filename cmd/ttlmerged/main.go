package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dray-io/ttlmerge/internal/config"
	"github.com/dray-io/ttlmerge/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("ttlmerged version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "replica":
		runReplica(os.Args[2:])
	case "admin":
		os.Exit(runAdmin(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		fmt.Printf("ttlmerged version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: ttlmerged <command> [options]

Commands:
  replica     Run a replica: TTL merges, replication and cleanup
  admin       Drive a running replica over its admin API
  version     Print version information

Run 'ttlmerged <command> --help' for more information on a command.`)
}

func runReplica(args []string) {
	fs := flag.NewFlagSet("replica", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	replicaID := fs.String("replica-id", "", "Override replica ID (default: generated UUID)")
	adminAddr := fs.String("admin-addr", "", "Override admin API address (e.g. :9092)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g. :9091)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g. :9090)")
	oxiaEndpoint := fs.String("oxia", "", `Override Oxia endpoint; "memory" keeps metadata in process`)
	fs.Usage = func() {
		fmt.Println(`Usage: ttlmerged replica [options]

Run one replica of the tables listed in replica.tables.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *replicaID != "" {
		cfg.Replica.ID = *replicaID
	}
	if *adminAddr != "" {
		cfg.Observability.AdminAddr = *adminAddr
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *oxiaEndpoint != "" {
		cfg.Metadata.OxiaEndpoint = *oxiaEndpoint
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := NewNode(NodeOptions{Config: cfg, Logger: logger, Version: version, GitCommit: gitCommit})
	if err := node.Start(ctx); err != nil {
		logger.Errorf("failed to start replica", map[string]any{"error": err.Error()})
		_ = node.Shutdown(context.Background())
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
