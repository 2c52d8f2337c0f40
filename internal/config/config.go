package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmardale/coursehub-backend/internal/platform/envutil"
)

// Duration is a time.Duration that unmarshals from yaml strings like
// "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is resolved once at startup. Every component receives the slice of
// it that it needs at construction; nothing reads the environment afterwards.
type Config struct {
	LogMode     string        `yaml:"log_mode"`
	DatabaseURL string        `yaml:"database_url"`
	Redis       RedisConfig   `yaml:"redis"`
	Server      ServerConfig  `yaml:"server"`
	Queue       QueueConfig   `yaml:"queue"`
	RateLimits  RateLimits    `yaml:"rate_limits"`
	Cache       CacheConfig   `yaml:"cache"`
	Storage     StorageConfig `yaml:"storage"`
	Mailer      MailerConfig  `yaml:"mailer"`
	Batch       BatchConfig   `yaml:"batch"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type QueueConfig struct {
	// Order lists queue names from highest to lowest priority.
	Order              []string `yaml:"order"`
	WorkerConcurrency  int      `yaml:"worker_concurrency"`
	PollInterval       Duration `yaml:"poll_interval"`
	VisibilityTimeout  Duration `yaml:"visibility_timeout"`
	DefaultMaxAttempts int      `yaml:"default_max_attempts"`
	RetentionWindow    Duration `yaml:"retention_window"`
	// Backoff maps a job class to its fixed retry schedule. The "default"
	// entry applies to classes without their own schedule.
	Backoff map[string][]Duration `yaml:"backoff"`
}

type RateLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

type RateLimits map[string]RateLimit

type CacheConfig struct {
	DefaultTTL   Duration `yaml:"default_ttl"`
	GuardTimeout Duration `yaml:"guard_timeout"`
}

type StorageConfig struct {
	PublicBucket       string   `yaml:"public_bucket"`
	PrivateBucket      string   `yaml:"private_bucket"`
	MultipartThreshold int64    `yaml:"multipart_threshold"`
	SignedURLTTL       Duration `yaml:"signed_url_ttl"`
}

type MailerConfig struct {
	BaseURL    string   `yaml:"base_url"`
	APIKey     string   `yaml:"-"`
	FromEmail  string   `yaml:"from_email"`
	FromName   string   `yaml:"from_name"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

type BatchConfig struct {
	DefaultChunkSize int `yaml:"default_chunk_size"`
	// FailureSampleLimit bounds how many per-unit failures a chunk records.
	FailureSampleLimit int `yaml:"failure_sample_limit"`
}

// Load reads the yaml file at path (optional), applies env overrides for
// deployment-specific values and secrets, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogMode = envutil.Str("LOG_MODE", c.LogMode)
	c.DatabaseURL = envutil.Str("DATABASE_URL", c.DatabaseURL)
	c.Redis.Addr = envutil.Str("REDIS_ADDR", c.Redis.Addr)
	c.Server.Addr = envutil.Str("HTTP_ADDR", c.Server.Addr)
	c.Storage.PublicBucket = envutil.Str("PUBLIC_BUCKET_NAME", c.Storage.PublicBucket)
	c.Storage.PrivateBucket = envutil.Str("PRIVATE_BUCKET_NAME", c.Storage.PrivateBucket)
	c.Mailer.APIKey = envutil.Str("MAIL_API_KEY", c.Mailer.APIKey)
	c.Mailer.BaseURL = envutil.Str("MAIL_BASE_URL", c.Mailer.BaseURL)
	c.Queue.WorkerConcurrency = envutil.Int("WORKER_CONCURRENCY", c.Queue.WorkerConcurrency)
}

func (c *Config) applyDefaults() {
	if c.LogMode == "" {
		c.LogMode = "development"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Queue.Order) == 0 {
		c.Queue.Order = []string{"critical", "emails", "default", "low"}
	}
	if c.Queue.WorkerConcurrency <= 0 {
		c.Queue.WorkerConcurrency = 4
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = Duration(time.Second)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = Duration(10 * time.Minute)
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		c.Queue.DefaultMaxAttempts = 4
	}
	if c.Queue.RetentionWindow <= 0 {
		c.Queue.RetentionWindow = Duration(7 * 24 * time.Hour)
	}
	if c.Queue.Backoff == nil {
		c.Queue.Backoff = map[string][]Duration{}
	}
	if _, ok := c.Queue.Backoff["default"]; !ok {
		c.Queue.Backoff["default"] = []Duration{Duration(time.Minute), Duration(5 * time.Minute), Duration(15 * time.Minute)}
	}
	if c.RateLimits == nil {
		c.RateLimits = RateLimits{}
	}
	if _, ok := c.RateLimits["mailer"]; !ok {
		c.RateLimits["mailer"] = RateLimit{Limit: 60, Window: Duration(time.Minute)}
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = Duration(10 * time.Minute)
	}
	if c.Cache.GuardTimeout <= 0 {
		c.Cache.GuardTimeout = Duration(5 * time.Second)
	}
	if c.Storage.MultipartThreshold <= 0 {
		c.Storage.MultipartThreshold = 20 << 20
	}
	if c.Storage.SignedURLTTL <= 0 {
		c.Storage.SignedURLTTL = Duration(15 * time.Minute)
	}
	if c.Mailer.Timeout <= 0 {
		c.Mailer.Timeout = Duration(30 * time.Second)
	}
	if c.Mailer.MaxRetries <= 0 {
		c.Mailer.MaxRetries = 4
	}
	if c.Batch.DefaultChunkSize <= 0 {
		c.Batch.DefaultChunkSize = 100
	}
	if c.Batch.FailureSampleLimit <= 0 {
		c.Batch.FailureSampleLimit = 20
	}
}

// BackoffFor returns the fixed retry schedule for a job class.
func (c *Config) BackoffFor(jobClass string) []time.Duration {
	s, ok := c.Queue.Backoff[jobClass]
	if !ok || len(s) == 0 {
		s = c.Queue.Backoff["default"]
	}
	out := make([]time.Duration, len(s))
	for i, d := range s {
		out[i] = d.Std()
	}
	return out
}
