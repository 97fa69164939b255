package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOMESENSE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Resolver.Interval != 10*time.Minute || cfg.Resolver.MaxAgeMinutes != 21 || cfg.Resolver.LookbackSeconds != 900 {
		t.Fatalf("unexpected resolver defaults: %+v", cfg.Resolver)
	}
	if cfg.Ingest.Kafka.Topic != "sensor-events" || cfg.Notify.Kafka.Topic != "resolved-events" {
		t.Fatalf("unexpected topic defaults: %s / %s", cfg.Ingest.Kafka.Topic, cfg.Notify.Kafka.Topic)
	}
	if cfg.Postgres.DSN != "" || cfg.Cache.Enabled {
		t.Fatalf("external dependencies must be opt-in")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	data := []byte(`
server:
  address: ":6000"
resolver:
  interval: 30s
  maxAgeMinutes: 15
ingest:
  kafka:
    enabled: true
    brokers: ["kafka:9092"]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOMESENSE_LOG_LEVEL", "debug")
	t.Setenv("HOMESENSE_POSTGRES_DSN", "postgres://localhost/homesense")
	t.Setenv("HOMESENSE_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":6000" || cfg.Resolver.Interval != 30*time.Second || cfg.Resolver.MaxAgeMinutes != 15 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Resolver.LookbackSeconds != 900 {
		t.Fatalf("unset values should keep defaults, got %d", cfg.Resolver.LookbackSeconds)
	}
	if cfg.Logging.Level != "debug" || cfg.Postgres.DSN == "" {
		t.Fatalf("env overrides not applied: %+v", cfg.Logging)
	}
	if len(cfg.Ingest.Kafka.Brokers) != 2 || cfg.Ingest.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Ingest.Kafka.Brokers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingest.MQTT.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("mqtt ingest without broker should fail")
	}

	cfg = defaultConfig()
	cfg.Resolver.MaxAgeMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero staleness window should fail")
	}

	cfg = defaultConfig()
	cfg.Cache.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("enabled cache without address should fail")
	}
}
