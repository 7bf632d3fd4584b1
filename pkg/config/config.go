package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "GBM_"

// Config is the full server configuration. Layering order is Default(),
// then the YAML file, then GBM_* environment variables.
type Config struct {
	Listen        string `yaml:"listen" env:"LISTEN,overwrite"`
	AllowedOrigin string `yaml:"allowedOrigin" env:"ALLOWED_ORIGIN,overwrite"`
	DataDir       string `yaml:"dataDir" env:"DATA_DIR,overwrite"`

	Log       Log       `yaml:"log" env:",prefix=LOG_"`
	Limits    Limits    `yaml:"limits" env:",prefix=LIMITS_"`
	Upstream  Upstream  `yaml:"upstream" env:",prefix=UPSTREAM_"`
	Sessions  Sessions  `yaml:"sessions" env:",prefix=SESSIONS_"`
	Bus       Bus       `yaml:"bus" env:",prefix=BUS_"`
	Jobs      Jobs      `yaml:"jobs" env:",prefix=JOBS_"`
	Bulk      Bulk      `yaml:"bulk" env:",prefix=BULK_"`
	Migration Migration `yaml:"migration" env:",prefix=MIGRATION_"`

	// ShutdownGrace bounds the drain of running jobs and open sockets.
	ShutdownGrace time.Duration `yaml:"shutdownGrace" env:"SHUTDOWN_GRACE,overwrite"`
}

// Log configures the zerolog wrapper.
type Log struct {
	Level string `yaml:"level" env:"LEVEL,overwrite"`
	JSON  bool   `yaml:"json" env:"JSON,overwrite"`
}

// Limits bound request bodies at the gateway.
type Limits struct {
	MaxBodyBytes      int64 `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES,overwrite"`
	MaxMultipartBytes int64 `yaml:"maxMultipartBytes" env:"MAX_MULTIPART_BYTES,overwrite"`
}

// Upstream tunes the shared GitLab client: the per-host token bucket and
// the retry/backoff loop every call goes through. BaseURL, when set, is
// the instance logins target if the request names none.
type Upstream struct {
	BaseURL        string        `yaml:"baseURL" env:"BASE_URL,overwrite"`
	BucketCapacity float64       `yaml:"bucketCapacity" env:"BUCKET_CAPACITY,overwrite"`
	RefillPerSec   float64       `yaml:"refillPerSec" env:"REFILL_PER_SEC,overwrite"`
	MaxRetries     int           `yaml:"maxRetries" env:"MAX_RETRIES,overwrite"`
	BackoffInitial time.Duration `yaml:"backoffInitial" env:"BACKOFF_INITIAL,overwrite"`
	BackoffCap     time.Duration `yaml:"backoffCap" env:"BACKOFF_CAP,overwrite"`
	CallTimeout    time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT,overwrite"`
	ArchiveTimeout time.Duration `yaml:"archiveTimeout" env:"ARCHIVE_TIMEOUT,overwrite"`
}

// Sessions tunes session lifetime and the per-session request budget.
type Sessions struct {
	IdleTTL       time.Duration `yaml:"idleTTL" env:"IDLE_TTL,overwrite"`
	SweepInterval time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL,overwrite"`
	RateLimit     int           `yaml:"rateLimit" env:"RATE_LIMIT,overwrite"`
	RateWindow    time.Duration `yaml:"rateWindow" env:"RATE_WINDOW,overwrite"`
}

// Bus tunes the progress bus rings and subscriber queues.
type Bus struct {
	RingSize        int           `yaml:"ringSize" env:"RING_SIZE,overwrite"`
	SubscriberQueue int           `yaml:"subscriberQueue" env:"SUBSCRIBER_QUEUE,overwrite"`
	TopicGrace      time.Duration `yaml:"topicGrace" env:"TOPIC_GRACE,overwrite"`
}

// Jobs tunes registry retention.
type Jobs struct {
	RetainFor  time.Duration `yaml:"retainFor" env:"RETAIN_FOR,overwrite"`
	ResultRing int           `yaml:"resultRing" env:"RESULT_RING,overwrite"`
}

// Bulk tunes the bulk operation engine.
type Bulk struct {
	Workers  int           `yaml:"workers" env:"WORKERS,overwrite"`
	APIDelay time.Duration `yaml:"apiDelay" env:"API_DELAY,overwrite"`
	Deadline time.Duration `yaml:"deadline" env:"DEADLINE,overwrite"`
}

// Migration tunes the SVN migration worker pool.
type Migration struct {
	Workers           int           `yaml:"workers" env:"WORKERS,overwrite"`
	Deadline          time.Duration `yaml:"deadline" env:"DEADLINE,overwrite"`
	TempRoot          string        `yaml:"tempRoot" env:"TEMP_ROOT,overwrite"`
	MaxWorkspaceBytes int64         `yaml:"maxWorkspaceBytes" env:"MAX_WORKSPACE_BYTES,overwrite"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		AllowedOrigin: "",
		DataDir:       "/var/lib/gbm",
		Log: Log{
			Level: "info",
			JSON:  true,
		},
		Limits: Limits{
			MaxBodyBytes:      1 << 20,  // 1 MiB
			MaxMultipartBytes: 32 << 20, // 32 MiB
		},
		Upstream: Upstream{
			BucketCapacity: 10,
			RefillPerSec:   5,
			MaxRetries:     3,
			BackoffInitial: 200 * time.Millisecond,
			BackoffCap:     5 * time.Second,
			CallTimeout:    30 * time.Second,
			ArchiveTimeout: 10 * time.Minute,
		},
		Sessions: Sessions{
			IdleTTL:       30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			RateLimit:     100,
			RateWindow:    15 * time.Minute,
		},
		Bus: Bus{
			RingSize:        128,
			SubscriberQueue: 64,
			TopicGrace:      5 * time.Minute,
		},
		Jobs: Jobs{
			RetainFor:  time.Hour,
			ResultRing: 256,
		},
		Bulk: Bulk{
			Workers:  5,
			APIDelay: 200 * time.Millisecond,
			Deadline: 30 * time.Minute,
		},
		Migration: Migration{
			Workers:  2,
			Deadline: 2 * time.Hour,
			TempRoot: "",
		},
		ShutdownGrace: 20 * time.Second,
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment overrides apply.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	lookuper := envconfig.PrefixLookuper(EnvPrefix, envconfig.OsLookuper())
	if err := envconfig.ProcessWith(ctx, cfg, lookuper); err != nil {
		return nil, fmt.Errorf("process environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.BucketCapacity <= 0 {
		return fmt.Errorf("upstream.bucketCapacity must be positive, got %v", c.Upstream.BucketCapacity)
	}
	if c.Upstream.RefillPerSec <= 0 {
		return fmt.Errorf("upstream.refillPerSec must be positive, got %v", c.Upstream.RefillPerSec)
	}
	if c.Bulk.Workers < 1 {
		return fmt.Errorf("bulk.workers must be at least 1, got %d", c.Bulk.Workers)
	}
	if c.Migration.Workers < 1 {
		return fmt.Errorf("migration.workers must be at least 1, got %d", c.Migration.Workers)
	}
	if c.Bus.RingSize < 1 {
		return fmt.Errorf("bus.ringSize must be at least 1, got %d", c.Bus.RingSize)
	}
	if c.Bus.SubscriberQueue < 1 {
		return fmt.Errorf("bus.subscriberQueue must be at least 1, got %d", c.Bus.SubscriberQueue)
	}
	if c.Limits.MaxBodyBytes < 1024 {
		return fmt.Errorf("limits.maxBodyBytes too small, got %d", c.Limits.MaxBodyBytes)
	}
	return nil
}

// WorkspaceRoot resolves where migration workspaces are created.
func (c *Config) WorkspaceRoot() string {
	if c.Migration.TempRoot != "" {
		return c.Migration.TempRoot
	}
	return os.TempDir()
}
