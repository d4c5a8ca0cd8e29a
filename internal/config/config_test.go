package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected default address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "quillvault.db" {
		t.Fatalf("unexpected default database path: %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" || cfg.LogEncoding != "json" {
		t.Fatalf("unexpected logging defaults: %s/%s", cfg.LogLevel, cfg.LogEncoding)
	}
	if cfg.BackupFetchLimit != 100 {
		t.Fatalf("unexpected default fetch limit: %d", cfg.BackupFetchLimit)
	}
	if cfg.AggregateMaxBatch != 1000 || cfg.AggregateWorkers != 4 {
		t.Fatalf("unexpected aggregation defaults: %d/%d", cfg.AggregateMaxBatch, cfg.AggregateWorkers)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error without signing secret")
	}
}

func TestLoadRejectsExcessiveFetchLimit(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("sync.fetch_limit", 10000)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for fetch limit beyond ceiling")
	}
}

func TestLoadRejectsNonPositiveBatch(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("aggregate.max_batch", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for non-positive batch ceiling")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("http.address", "127.0.0.1:9000")
	configViper.Set("sync.fetch_limit", 250)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %s", cfg.HTTPAddress)
	}
	if cfg.BackupFetchLimit != 250 {
		t.Fatalf("unexpected fetch limit: %d", cfg.BackupFetchLimit)
	}
}
