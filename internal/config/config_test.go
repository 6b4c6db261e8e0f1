package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileParsesDBPath(t *testing.T) {
	cfg := &Config{}
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	content := "Port=9999\nToken=test-token\nDBPath=/tmp/custom/octopoid.db\nMaxLeaseDurationSeconds=1800\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.DBPath != "/tmp/custom/octopoid.db" {
		t.Fatalf("DBPath = %q, want /tmp/custom/octopoid.db", cfg.DBPath)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.MaxLeaseDurationSeconds != 1800 {
		t.Fatalf("MaxLeaseDurationSeconds = %d, want 1800", cfg.MaxLeaseDurationSeconds)
	}
}

func TestLoadFromFileRejectsInvalidInt(t *testing.T) {
	cfg := &Config{}
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	content := "Port=not-a-number\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err == nil {
		t.Fatal("loadFromFile() error = nil, want error for invalid Port")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		DefaultLeaseDurationSeconds:     300,
		MaxLeaseDurationSeconds:         3600,
		StaleOrchestratorTimeoutSeconds: 120,
		ReconcilerIntervalSeconds:       60,
	}

	if cfg.DefaultLeaseDuration() != 300*time.Second {
		t.Fatalf("DefaultLeaseDuration() = %v, want 300s", cfg.DefaultLeaseDuration())
	}
	if cfg.MaxLeaseDuration() != time.Hour {
		t.Fatalf("MaxLeaseDuration() = %v, want 1h", cfg.MaxLeaseDuration())
	}
	if cfg.StaleOrchestratorTimeout() != 120*time.Second {
		t.Fatalf("StaleOrchestratorTimeout() = %v, want 120s", cfg.StaleOrchestratorTimeout())
	}
	if cfg.ReconcilerInterval() != 60*time.Second {
		t.Fatalf("ReconcilerInterval() = %v, want 60s", cfg.ReconcilerInterval())
	}
}
