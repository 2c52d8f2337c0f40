package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("server addr = %q", cfg.Server.Addr)
	}
	if got := cfg.Queue.Order; len(got) != 4 || got[0] != "critical" || got[3] != "low" {
		t.Fatalf("queue order = %v", got)
	}
	if cfg.Queue.DefaultMaxAttempts != 4 {
		t.Fatalf("default max attempts = %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.VisibilityTimeout.Std() != 10*time.Minute {
		t.Fatalf("visibility timeout = %s", cfg.Queue.VisibilityTimeout)
	}
	if lim := cfg.RateLimits["mailer"]; lim.Limit != 60 || lim.Window.Std() != time.Minute {
		t.Fatalf("mailer rate limit = %+v", lim)
	}
	if cfg.Cache.DefaultTTL.Std() != 10*time.Minute {
		t.Fatalf("cache ttl = %s", cfg.Cache.DefaultTTL)
	}
	if cfg.Batch.DefaultChunkSize != 100 || cfg.Batch.FailureSampleLimit != 20 {
		t.Fatalf("batch defaults = %+v", cfg.Batch)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("log_mode: prod\nserver:\n  addr: \":9000\"\nqueue:\n  worker_concurrency: 2\n  poll_interval: 250ms\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("MAIL_API_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogMode != "prod" {
		t.Fatalf("log mode = %q", cfg.LogMode)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("server addr = %q", cfg.Server.Addr)
	}
	// Environment wins over the file.
	if cfg.Queue.WorkerConcurrency != 8 {
		t.Fatalf("worker concurrency = %d", cfg.Queue.WorkerConcurrency)
	}
	if cfg.Mailer.APIKey != "secret" {
		t.Fatalf("api key not taken from env")
	}
	if cfg.Queue.PollInterval.Std() != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.Queue.PollInterval.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestDurationFormatsLikeStdlib(t *testing.T) {
	if got := Duration(90 * time.Second).String(); got != "1m30s" {
		t.Fatalf("Duration.String() = %q", got)
	}
}

func TestBackoffForFallsBackToDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Queue.Backoff["pipeline_stage"] = []Duration{Duration(30 * time.Second)}

	if got := cfg.BackoffFor("pipeline_stage"); len(got) != 1 || got[0] != 30*time.Second {
		t.Fatalf("class schedule = %v", got)
	}
	def := cfg.BackoffFor("send_email")
	if len(def) != 3 || def[0] != time.Minute || def[2] != 15*time.Minute {
		t.Fatalf("default schedule = %v", def)
	}
}
