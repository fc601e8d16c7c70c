package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Metadata.OxiaEndpoint != "localhost:6648" {
		t.Errorf("expected default oxia endpoint localhost:6648, got %s", cfg.Metadata.OxiaEndpoint)
	}
	if cfg.Merge.MaxTTLMergesInPool != 2 {
		t.Errorf("expected 2 TTL merges in pool, got %d", cfg.Merge.MaxTTLMergesInPool)
	}
	if cfg.Merge.MaxTTLEntriesInQueue != 1 {
		t.Errorf("expected 1 TTL entry in queue, got %d", cfg.Merge.MaxTTLEntriesInQueue)
	}
	if cfg.ObjectStore.Codec != "zstd" {
		t.Errorf("expected zstd codec, got %s", cfg.ObjectStore.Codec)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ttlmerged.yaml")
	data := `
replica:
  id: replica-a
  tables: [events, metrics]
merge:
  mergeWithTtlTimeoutMs: 0
objectStore:
  codec: lz4
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}
	if cfg.Replica.ID != "replica-a" {
		t.Errorf("replica id = %q", cfg.Replica.ID)
	}
	if len(cfg.Replica.Tables) != 2 {
		t.Errorf("tables = %v", cfg.Replica.Tables)
	}
	if cfg.Merge.MergeWithTTLTimeoutMs != 0 {
		t.Errorf("merge timeout = %d, want 0", cfg.Merge.MergeWithTTLTimeoutMs)
	}
	if cfg.Merge.PoolSize != 16 {
		t.Errorf("untouched default lost: pool size = %d", cfg.Merge.PoolSize)
	}
	if cfg.ObjectStore.Codec != "lz4" {
		t.Errorf("codec = %q", cfg.ObjectStore.Codec)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TTLMERGE_REPLICA_ID":             "r2",
		"TTLMERGE_TABLES":                 "a, b ,c",
		"TTLMERGE_MAX_TTL_MERGES_IN_POOL": "4",
		"TTLMERGE_CLEANUP_ENABLED":        "false",
		"TTLMERGE_FETCH_RATE":             "2.5",
	}
	cfg := Default()
	err := ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Replica.ID != "r2" {
		t.Errorf("id = %q", cfg.Replica.ID)
	}
	if strings.Join(cfg.Replica.Tables, "|") != "a|b|c" {
		t.Errorf("tables = %v", cfg.Replica.Tables)
	}
	if cfg.Merge.MaxTTLMergesInPool != 4 {
		t.Errorf("pool = %d", cfg.Merge.MaxTTLMergesInPool)
	}
	if cfg.Cleanup.Enabled {
		t.Error("cleanup should be disabled")
	}
	if cfg.Replication.FetchRatePerSec != 2.5 {
		t.Errorf("fetch rate = %v", cfg.Replication.FetchRatePerSec)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, func(k string) (string, bool) {
		if k == "TTLMERGE_POOL_SIZE" {
			return "lots", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ObjectStore.Codec = "gzip"
	cfg.Merge.MaxTTLMergesInPool = 100
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "codec") || !strings.Contains(err.Error(), "poolSize") {
		t.Errorf("unexpected error: %v", err)
	}
}
