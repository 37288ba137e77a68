package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  host: 127.0.0.1\n"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.Worker.MaxConcurrency != 4 || cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Worker.TranscodeTimeout() != 30*time.Minute {
		t.Fatalf("transcode timeout = %s", cfg.Worker.TranscodeTimeout())
	}
	if cfg.Kafka.Topic != "transcode-status" {
		t.Fatalf("kafka topic = %q", cfg.Kafka.Topic)
	}
	if cfg.Worker.Lease() != 2*time.Minute {
		t.Fatalf("lease = %s, want 2m", cfg.Worker.Lease())
	}
}

func TestLeaseFallsBackWhenUnset(t *testing.T) {
	if got := (WorkerConfig{}).Lease(); got != 2*time.Minute {
		t.Fatalf("zero-value lease = %s, want 2m", got)
	}
	if got := (WorkerConfig{LeaseMs: 1500}).Lease(); got != 1500*time.Millisecond {
		t.Fatalf("lease = %s, want 1.5s", got)
	}
}

func TestParseOverrides(t *testing.T) {
	raw := `
database:
  driver: postgres
  dsn: postgres://localhost/vidpipe
worker:
  maxConcurrency: 8
  pollIntervalMs: 250
  maxAttempts: 5
objectStore:
  provider: gcs
  bucket: vidstream-processed-videos
kafka:
  brokers: ["localhost:9092"]
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Worker.MaxConcurrency != 8 || cfg.Worker.MaxAttempts != 5 {
		t.Fatalf("worker overrides not applied: %+v", cfg.Worker)
	}
	if cfg.Worker.PollInterval() != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.Worker.PollInterval())
	}
	if cfg.ObjectStore.Root != "" {
		t.Fatalf("gcs provider should not default a local root, got %q", cfg.ObjectStore.Root)
	}
	if len(cfg.Kafka.Brokers) != 1 {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestParseRejectsMissingDSN(t *testing.T) {
	if _, err := Parse([]byte("database:\n  driver: mongo\n")); err == nil {
		t.Fatal("expected error for mongo without dsn")
	}
	if _, err := Parse([]byte("database:\n  driver: sqlite\n")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Parse([]byte("objectStore:\n  provider: s3\n")); err == nil {
		t.Fatal("expected error for unknown object store provider")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := Load(path)
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
}

func TestSampleConfigParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "config.yaml"))
	if err != nil {
		t.Fatalf("read sample config: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("unexpected sample config: %+v", cfg)
	}
	if cfg.Worker.TranscodeTimeout() != 30*time.Minute {
		t.Fatalf("transcode timeout = %s, want 30m", cfg.Worker.TranscodeTimeout())
	}
}
