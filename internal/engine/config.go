package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/ttlmerge/internal/config"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
)

// Config configures a Replica. Zero values take the defaults of
// config.Default, except MergeWithTTLTimeout: zero re-checks TTL
// eligibility on every select tick, as merge_with_ttl_timeout=0 does.
type Config struct {
	Replica string
	Zone    string

	Codec         part.Codec
	PartCacheSize int
	ExprCacheSize int

	PoolSize              int
	MaxTTLMergesInPool    int
	MaxTTLEntriesInQueue  int
	MergeWithTTLTimeout   time.Duration
	SelectInterval        time.Duration
	MaxPartsToMerge       int
	ForceOptimizeAttempts int
	ForceOptimizeWait     time.Duration

	PollInterval       time.Duration
	RetryInitial       time.Duration
	RetryMax           time.Duration
	StallAfterAttempts int
	FetchRatePerSec    float64
	FetchBurst         int
	LeaseRenew         time.Duration

	CleanupEnabled   bool
	CleanupInterval  time.Duration
	OldPartsLifetime time.Duration
	LogKeepEntries   int

	Metrics *Metrics
	Monitor LoopMonitor
	Logger  *logging.Logger
	Now     func() time.Time
}

// LoopMonitor tracks the liveness of the background loops.
type LoopMonitor interface {
	RegisterLoop(name string)
	Heartbeat(name string)
	UnregisterLoop(name string)
}

type nopMonitor struct{}

func (nopMonitor) RegisterLoop(string)   {}
func (nopMonitor) Heartbeat(string)      {}
func (nopMonitor) UnregisterLoop(string) {}

// Metrics groups the collectors a Replica records to. Any field may be nil.
type Metrics struct {
	Merge       *metrics.MergeMetrics
	Replication *metrics.ReplicationMetrics
	Cleanup     *metrics.CleanupMetrics
}

// ConfigFrom maps a node configuration onto a Replica configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	codec, err := part.ParseCodec(cfg.ObjectStore.Codec)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Replica:               cfg.Replica.ID,
		Zone:                  cfg.Replica.ZoneID,
		Codec:                 codec,
		PartCacheSize:         cfg.ObjectStore.PartCacheSize,
		PoolSize:              cfg.Merge.PoolSize,
		MaxTTLMergesInPool:    cfg.Merge.MaxTTLMergesInPool,
		MaxTTLEntriesInQueue:  cfg.Merge.MaxTTLEntriesInQueue,
		MergeWithTTLTimeout:   config.Duration(cfg.Merge.MergeWithTTLTimeoutMs),
		SelectInterval:        config.Duration(cfg.Merge.SelectIntervalMs),
		MaxPartsToMerge:       cfg.Merge.MaxPartsToMerge,
		ForceOptimizeAttempts: cfg.Merge.ForceOptimizeAttempts,
		ForceOptimizeWait:     config.Duration(cfg.Merge.ForceOptimizeWaitMs),
		PollInterval:          config.Duration(cfg.Replication.PollIntervalMs),
		RetryInitial:          config.Duration(cfg.Replication.RetryInitialMs),
		RetryMax:              config.Duration(cfg.Replication.RetryMaxMs),
		StallAfterAttempts:    cfg.Replication.StallAfterAttempts,
		FetchRatePerSec:       cfg.Replication.FetchRatePerSec,
		FetchBurst:            cfg.Replication.FetchBurst,
		LeaseRenew:            config.Duration(cfg.Replication.LeaseRenewMs),
		CleanupEnabled:        cfg.Cleanup.Enabled,
		CleanupInterval:       config.Duration(cfg.Cleanup.IntervalMs),
		OldPartsLifetime:      config.Duration(cfg.Cleanup.OldPartsLifetimeMs),
		LogKeepEntries:        cfg.Cleanup.LogKeepEntries,
	}, nil
}

func (c *Config) applyDefaults() {
	d := config.Default()
	if c.Replica == "" {
		c.Replica = uuid.NewString()
	}
	if c.PartCacheSize <= 0 {
		c.PartCacheSize = d.ObjectStore.PartCacheSize
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.Merge.PoolSize
	}
	if c.MaxTTLMergesInPool <= 0 {
		c.MaxTTLMergesInPool = min(d.Merge.MaxTTLMergesInPool, c.PoolSize)
	}
	if c.MaxTTLEntriesInQueue <= 0 {
		c.MaxTTLEntriesInQueue = d.Merge.MaxTTLEntriesInQueue
	}
	if c.MergeWithTTLTimeout < 0 {
		c.MergeWithTTLTimeout = 0
	}
	if c.SelectInterval <= 0 {
		c.SelectInterval = config.Duration(d.Merge.SelectIntervalMs)
	}
	if c.ForceOptimizeAttempts <= 0 {
		c.ForceOptimizeAttempts = d.Merge.ForceOptimizeAttempts
	}
	if c.ForceOptimizeWait <= 0 {
		c.ForceOptimizeWait = config.Duration(d.Merge.ForceOptimizeWaitMs)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = config.Duration(d.Replication.PollIntervalMs)
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = config.Duration(d.Replication.RetryInitialMs)
	}
	if c.RetryMax <= 0 {
		c.RetryMax = config.Duration(d.Replication.RetryMaxMs)
	}
	if c.StallAfterAttempts <= 0 {
		c.StallAfterAttempts = d.Replication.StallAfterAttempts
	}
	if c.LeaseRenew <= 0 {
		c.LeaseRenew = config.Duration(d.Replication.LeaseRenewMs)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = config.Duration(d.Cleanup.IntervalMs)
	}
	if c.OldPartsLifetime <= 0 {
		c.OldPartsLifetime = config.Duration(d.Cleanup.OldPartsLifetimeMs)
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Monitor == nil {
		c.Monitor = nopMonitor{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
