// Package config loads engine settings from YAML, validates them against an
// embedded CUE schema and applies BUDGETHIST_* environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/logging"
)

//go:embed schema.cue
var schemaSource string

// Environment variables consulted by Load.
const (
	EnvDatabase      = "BUDGETHIST_DB"
	EnvLogLevel      = "BUDGETHIST_LOG_LEVEL"
	EnvRedisAddr     = "BUDGETHIST_REDIS_ADDR"
	EnvKDFIterations = "BUDGETHIST_KDF_ITERATIONS"
)

// Config holds every tunable of the engine and CLI.
type Config struct {
	Database string `yaml:"database"`

	KDF struct {
		Iterations int `yaml:"iterations"`
	} `yaml:"kdf"`

	Chain struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"chain"`

	Tamper struct {
		AnomalyWindow time.Duration `yaml:"anomaly_window"`
	} `yaml:"tamper"`

	Snapshot struct {
		// Interval is the number of commits between automatic snapshots.
		// Zero disables them.
		Interval int `yaml:"interval"`
	} `yaml:"snapshot"`

	Cache CacheConfig `yaml:"cache"`

	Log logging.Config `yaml:"log"`

	Metrics struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// CacheConfig selects the integrity status cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // none, memory or redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Database = "budget-history.db"
	c.KDF.Iterations = cipher.DefaultIterations
	c.Chain.MaxRetries = 5
	c.Tamper.AnomalyWindow = 2 * time.Second
	c.Snapshot.Interval = 100
	c.Cache = CacheConfig{Backend: "memory", TTL: 10 * time.Minute, KeyPrefix: "budgethist:"}
	c.Log = logging.DefaultConfig()
	c.Metrics.Namespace = "budgethist"
	return c
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides from getenv and validates the result. A nil getenv means
// os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Environment
// variables are not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = v
	}
	if v := getenv(EnvKDFIterations); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvKDFIterations, err)
		}
		c.KDF.Iterations = n
	}
	return nil
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(c.view()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// view is the shape the schema constrains, with durations in nanoseconds.
func (c Config) view() map[string]any {
	return map[string]any{
		"database": c.Database,
		"kdf":      map[string]any{"iterations": c.KDF.Iterations},
		"chain":    map[string]any{"max_retries": c.Chain.MaxRetries},
		"tamper":   map[string]any{"anomaly_window": int64(c.Tamper.AnomalyWindow)},
		"snapshot": map[string]any{"interval": c.Snapshot.Interval},
		"cache": map[string]any{
			"backend":    c.Cache.Backend,
			"redis_addr": c.Cache.RedisAddr,
			"ttl":        int64(c.Cache.TTL),
			"key_prefix": c.Cache.KeyPrefix,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"metrics": map[string]any{"namespace": c.Metrics.Namespace},
	}
}

// KDFParams returns the key derivation parameters.
func (c Config) KDFParams() cipher.Params {
	return cipher.Params{Iterations: c.KDF.Iterations}
}
