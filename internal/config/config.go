// Package config provides configuration loading and validation for ttlmerged.
// Supports YAML files with environment variable overrides.
package config

import "time"

// Config holds all configuration for a replica node.
type Config struct {
	Replica       ReplicaConfig       `yaml:"replica"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Merge         MergeConfig         `yaml:"merge"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ReplicaConfig struct {
	// ID identifies this replica in the replication log. Generated when empty.
	ID     string   `yaml:"id" env:"TTLMERGE_REPLICA_ID"`
	ZoneID string   `yaml:"zoneId" env:"TTLMERGE_ZONE_ID"`
	Tables []string `yaml:"tables" env:"TTLMERGE_TABLES"`
}

type MetadataConfig struct {
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"TTLMERGE_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"TTLMERGE_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"TTLMERGE_OXIA_REQUEST_TIMEOUT_MS"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"TTLMERGE_OXIA_SESSION_TIMEOUT_MS"`
}

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" env:"TTLMERGE_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"TTLMERGE_S3_BUCKET"`
	Region    string `yaml:"region" env:"TTLMERGE_S3_REGION"`
	AccessKey string `yaml:"accessKey" env:"TTLMERGE_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"TTLMERGE_S3_SECRET_KEY"`
	PathStyle bool   `yaml:"pathStyle" env:"TTLMERGE_S3_PATH_STYLE"`
	// Codec compresses stored part archives: zstd, snappy, lz4 or none.
	Codec string `yaml:"codec" env:"TTLMERGE_PART_CODEC"`
	// PartCacheSize is the number of decoded parts kept in memory.
	PartCacheSize int `yaml:"partCacheSize" env:"TTLMERGE_PART_CACHE_SIZE"`
}

// MergeConfig mirrors the merge-related table settings.
type MergeConfig struct {
	PoolSize int `yaml:"poolSize" env:"TTLMERGE_POOL_SIZE"`
	// MaxTTLMergesInPool bounds concurrently executing TTL merges on this node
	// (max_number_of_merges_with_ttl_in_pool).
	MaxTTLMergesInPool int `yaml:"maxTtlMergesInPool" env:"TTLMERGE_MAX_TTL_MERGES_IN_POOL"`
	// MaxTTLEntriesInQueue bounds pending TTL merge entries in the local queue
	// (max_replicated_merges_with_ttl_in_queue).
	MaxTTLEntriesInQueue int `yaml:"maxTtlEntriesInQueue" env:"TTLMERGE_MAX_TTL_ENTRIES_IN_QUEUE"`
	// MergeWithTTLTimeoutMs is the minimum delay between TTL selection
	// attempts for a table (merge_with_ttl_timeout). Zero re-checks on every
	// select tick.
	MergeWithTTLTimeoutMs int64 `yaml:"mergeWithTtlTimeoutMs" env:"TTLMERGE_MERGE_WITH_TTL_TIMEOUT_MS"`
	SelectIntervalMs      int64 `yaml:"selectIntervalMs" env:"TTLMERGE_SELECT_INTERVAL_MS"`
	MaxPartsToMerge       int   `yaml:"maxPartsToMerge" env:"TTLMERGE_MAX_PARTS_TO_MERGE"`
	ForceOptimizeAttempts int   `yaml:"forceOptimizeAttempts" env:"TTLMERGE_FORCE_OPTIMIZE_ATTEMPTS"`
	ForceOptimizeWaitMs   int64 `yaml:"forceOptimizeWaitMs" env:"TTLMERGE_FORCE_OPTIMIZE_WAIT_MS"`
}

type ReplicationConfig struct {
	PollIntervalMs     int64   `yaml:"pollIntervalMs" env:"TTLMERGE_POLL_INTERVAL_MS"`
	RetryInitialMs     int64   `yaml:"retryInitialMs" env:"TTLMERGE_RETRY_INITIAL_MS"`
	RetryMaxMs         int64   `yaml:"retryMaxMs" env:"TTLMERGE_RETRY_MAX_MS"`
	StallAfterAttempts int     `yaml:"stallAfterAttempts" env:"TTLMERGE_STALL_AFTER_ATTEMPTS"`
	FetchRatePerSec    float64 `yaml:"fetchRatePerSec" env:"TTLMERGE_FETCH_RATE"`
	FetchBurst         int     `yaml:"fetchBurst" env:"TTLMERGE_FETCH_BURST"`
	LeaseRenewMs       int64   `yaml:"leaseRenewMs" env:"TTLMERGE_LEASE_RENEW_MS"`
}

type CleanupConfig struct {
	Enabled    bool  `yaml:"enabled" env:"TTLMERGE_CLEANUP_ENABLED"`
	IntervalMs int64 `yaml:"intervalMs" env:"TTLMERGE_CLEANUP_INTERVAL_MS"`
	// OldPartsLifetimeMs is the retention after a part becomes inactive
	// (old_parts_lifetime).
	OldPartsLifetimeMs int64 `yaml:"oldPartsLifetimeMs" env:"TTLMERGE_OLD_PARTS_LIFETIME_MS"`
	// LogKeepEntries is how many acknowledged log entries survive trimming.
	LogKeepEntries int `yaml:"logKeepEntries" env:"TTLMERGE_LOG_KEEP_ENTRIES"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"TTLMERGE_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"TTLMERGE_HEALTH_ADDR"`
	AdminAddr   string `yaml:"adminAddr" env:"TTLMERGE_ADMIN_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"TTLMERGE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"TTLMERGE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Metadata: MetadataConfig{
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "ttlmerge",
			RequestTimeoutMs: 30000,
			SessionTimeoutMs: 15000,
		},
		ObjectStore: ObjectStoreConfig{
			Region:        "us-east-1",
			Codec:         "zstd",
			PartCacheSize: 256,
		},
		Merge: MergeConfig{
			PoolSize:              16,
			MaxTTLMergesInPool:    2,
			MaxTTLEntriesInQueue:  1,
			MergeWithTTLTimeoutMs: 4 * 60 * 60 * 1000, // 4 hours
			SelectIntervalMs:      5000,
			MaxPartsToMerge:       100,
			ForceOptimizeAttempts: 10,
			ForceOptimizeWaitMs:   500,
		},
		Replication: ReplicationConfig{
			PollIntervalMs:     500,
			RetryInitialMs:     100,
			RetryMaxMs:         30000,
			StallAfterAttempts: 20,
			FetchRatePerSec:    50,
			FetchBurst:         10,
			LeaseRenewMs:       5000,
		},
		Cleanup: CleanupConfig{
			Enabled:            true,
			IntervalMs:         30000,
			OldPartsLifetimeMs: 480000, // 8 minutes
			LogKeepEntries:     100,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			AdminAddr:   ":9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Duration converts a millisecond setting to a time.Duration.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
