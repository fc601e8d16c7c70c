package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/ttlmerge/internal/config"
	"github.com/dray-io/ttlmerge/internal/engine"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/oxia"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/objectstore"
	"github.com/dray-io/ttlmerge/internal/objectstore/s3"
	"github.com/dray-io/ttlmerge/internal/server"
	"github.com/dray-io/ttlmerge/internal/table"
)

// MemoryEndpoint selects the in-process metadata store instead of Oxia.
const MemoryEndpoint = "memory"

// NodeOptions configures a replica node.
type NodeOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string

	// Registry receives every collector. Defaults to the global registry.
	Registry *prometheus.Registry
}

// Node is one running replica process: the engine plus its HTTP surfaces.
type Node struct {
	opts   NodeOptions
	logger *logging.Logger

	meta    metadata.MetadataStore
	objects objectstore.Store
	replica *engine.Replica

	healthServer  *server.HealthServer
	metricsServer *metrics.Server
	adminServer   *server.AdminServer

	mu      sync.Mutex
	started bool
	closers []func() error
}

// NewNode creates a node without starting it.
func NewNode(opts NodeOptions) *Node {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Node{opts: opts, logger: opts.Logger}
}

// Start connects the stores, attaches the configured tables and starts the
// background loops and the HTTP servers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	n.started = true
	cfg := n.opts.Config

	var (
		reg        prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
		useDefault                       = n.opts.Registry == nil
	)
	if !useDefault {
		reg, gatherer = n.opts.Registry, n.opts.Registry
	}

	meta, err := n.openMetadata(ctx)
	if err != nil {
		return err
	}
	n.meta = metadata.NewInstrumentedStore(meta, metrics.NewCoordinationMetricsWithRegistry(reg))

	objects, err := n.openObjects(ctx)
	if err != nil {
		return err
	}
	n.objects = objectstore.NewInstrumentedStore(objects, metrics.NewObjectStoreMetricsWithRegistry(reg))

	n.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, n.logger)
	n.healthServer.RegisterReadinessCheck(server.NewMetadataChecker(n.meta))
	n.healthServer.RegisterReadinessCheck(server.NewObjectStoreChecker(n.objects))

	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	ecfg.Logger = n.logger
	ecfg.Monitor = n.healthServer
	ecfg.Metrics = &engine.Metrics{
		Merge:       metrics.NewMergeMetricsWithRegistry(reg),
		Replication: metrics.NewReplicationMetricsWithRegistry(reg),
		Cleanup:     metrics.NewCleanupMetricsWithRegistry(reg),
	}
	n.replica, err = engine.New(n.meta, n.objects, ecfg)
	if err != nil {
		return err
	}
	n.closers = append(n.closers, n.replica.Close)
	n.healthServer.RegisterReadinessCheck(server.NewFuncChecker("replica", n.replica.Ready))

	for _, name := range cfg.Replica.Tables {
		err := n.replica.AttachTable(ctx, name)
		if errors.Is(err, table.ErrTableNotFound) {
			n.logger.Warnf("configured table does not exist yet", map[string]any{"table": name})
			continue
		}
		if err != nil {
			return fmt.Errorf("attach %q: %w", name, err)
		}
	}

	if err := n.healthServer.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	n.closers = append(n.closers, n.healthServer.Close)

	n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, gatherer)
	if err := n.metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	n.closers = append(n.closers, n.metricsServer.Close)

	n.adminServer = server.NewAdminServer(n.replica, server.AdminConfig{
		Addr:   cfg.Observability.AdminAddr,
		Logger: n.logger,
	})
	if err := n.adminServer.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	if err := n.replica.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	n.logger.Infof("replica node started", map[string]any{
		"replica":     n.replica.ID(),
		"tables":      n.replica.Tables(),
		"healthAddr":  n.healthServer.Addr(),
		"metricsAddr": n.metricsServer.Addr(),
		"adminAddr":   n.adminServer.Addr(),
		"version":     n.opts.Version,
	})
	return nil
}

func (n *Node) openMetadata(ctx context.Context) (metadata.MetadataStore, error) {
	mc := n.opts.Config.Metadata
	if mc.OxiaEndpoint == MemoryEndpoint {
		n.logger.Warn("using the in-memory metadata store; state is lost on exit")
		return metadata.NewMockStore(), nil
	}
	store, err := oxia.New(ctx, oxia.Config{
		ServiceAddress: mc.OxiaEndpoint,
		Namespace:      mc.Namespace,
		RequestTimeout: config.Duration(mc.RequestTimeoutMs),
		SessionTimeout: config.Duration(mc.SessionTimeoutMs),
	})
	if err != nil {
		return nil, fmt.Errorf("connect oxia: %w", err)
	}
	n.closers = append(n.closers, store.Close)
	return store, nil
}

func (n *Node) openObjects(ctx context.Context) (objectstore.Store, error) {
	oc := n.opts.Config.ObjectStore
	if oc.Bucket == "" {
		n.logger.Warn("no bucket configured, keeping parts in memory")
		return objectstore.NewMockStore(), nil
	}
	store, err := s3.New(ctx, s3.Config{
		Bucket:          oc.Bucket,
		Region:          oc.Region,
		Endpoint:        oc.Endpoint,
		AccessKeyID:     oc.AccessKey,
		SecretAccessKey: oc.SecretKey,
		UsePathStyle:    oc.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	n.closers = append(n.closers, store.Close)
	return store, nil
}

// Replica returns the engine once started.
func (n *Node) Replica() *engine.Replica { return n.replica }

// AdminAddr returns the bound admin address once started.
func (n *Node) AdminAddr() string { return n.adminServer.Addr() }

// HealthAddr returns the bound health address once started.
func (n *Node) HealthAddr() string { return n.healthServer.Addr() }

// Shutdown fails the probes, drains the admin API and closes everything in
// reverse start order.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.healthServer != nil {
		n.healthServer.SetShuttingDown()
	}
	if n.adminServer != nil {
		if err := n.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	n.logger.Info("replica node stopped")
	return errors.Join(errs...)
}
