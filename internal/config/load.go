package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TTLMERGE_CONFIG"

// Load reads configuration from the file named by TTLMERGE_CONFIG, if any,
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFromPath(os.Getenv(EnvConfigPath))
}

// LoadFromPath reads configuration from path. An empty path yields defaults.
// Environment variables override file values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with `env` using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return applyEnv(reflect.ValueOf(cfg).Elem(), lookup)
}

func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if sf.Type.Kind() == reflect.Struct {
			if err := applyEnv(field, lookup); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

// Validate checks the configuration for values the replica cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Metadata.Namespace == "" {
		errs = append(errs, errors.New("metadata.namespace is required"))
	}
	switch c.ObjectStore.Codec {
	case "zstd", "snappy", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("objectStore.codec %q is not one of zstd, snappy, lz4, none", c.ObjectStore.Codec))
	}
	if c.Merge.PoolSize <= 0 {
		errs = append(errs, errors.New("merge.poolSize must be positive"))
	}
	if c.Merge.MaxTTLMergesInPool <= 0 {
		errs = append(errs, errors.New("merge.maxTtlMergesInPool must be positive"))
	}
	if c.Merge.MaxTTLMergesInPool > c.Merge.PoolSize {
		errs = append(errs, errors.New("merge.maxTtlMergesInPool cannot exceed merge.poolSize"))
	}
	if c.Merge.MaxTTLEntriesInQueue <= 0 {
		errs = append(errs, errors.New("merge.maxTtlEntriesInQueue must be positive"))
	}
	if c.Merge.MergeWithTTLTimeoutMs < 0 {
		errs = append(errs, errors.New("merge.mergeWithTtlTimeoutMs cannot be negative"))
	}
	if c.Merge.MaxPartsToMerge < 1 {
		errs = append(errs, errors.New("merge.maxPartsToMerge must be at least 1"))
	}
	if c.Replication.StallAfterAttempts <= 0 {
		errs = append(errs, errors.New("replication.stallAfterAttempts must be positive"))
	}
	if c.Cleanup.OldPartsLifetimeMs < 0 {
		errs = append(errs, errors.New("cleanup.oldPartsLifetimeMs cannot be negative"))
	}
	return errors.Join(errs...)
}
