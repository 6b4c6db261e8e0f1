// Package config loads process-level configuration: bearer token, bind
// address, store location, registry directories, and the lifecycle
// constants (lease durations, heartbeat/stale timeouts, burnout
// thresholds) that internal/engine and internal/reconciler are built
// around. Precedence is file, then flags, matching the teacher's layering.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       int
	Token      string
	ConfigPath string
	PrintToken bool
	DBPath     string
	RolesDir   string
	FlowsDir   string

	DefaultLeaseDurationSeconds     int
	MaxLeaseDurationSeconds         int
	HeartbeatIntervalSeconds        int
	StaleOrchestratorTimeoutSeconds int
	ReconcilerIntervalSeconds       int
	DefaultPageSize                 int
	MaxPageSize                     int
	BurnoutTurnThreshold            int
	MaxTurnLimit                    int
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := &Config{
		Port:                            8765,
		ConfigPath:                      filepath.Join(homeDir, ".config", "octopoid", "config"),
		DBPath:                          filepath.Join(homeDir, ".config", "octopoid", "octopoid.db"),
		RolesDir:                        filepath.Join(homeDir, ".config", "octopoid", "roles"),
		FlowsDir:                        filepath.Join(homeDir, ".config", "octopoid", "flows"),
		DefaultLeaseDurationSeconds:     300,
		MaxLeaseDurationSeconds:         3600,
		HeartbeatIntervalSeconds:        30,
		StaleOrchestratorTimeoutSeconds: 120,
		ReconcilerIntervalSeconds:       60,
		DefaultPageSize:                 50,
		MaxPageSize:                     500,
		BurnoutTurnThreshold:            80,
		MaxTurnLimit:                    100,
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token guarding the API (auto-generated if empty)")
	flag.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to SQLite database")
	flag.StringVar(&cfg.RolesDir, "roles-dir", cfg.RolesDir, "directory for role YAML configs")
	flag.StringVar(&cfg.FlowsDir, "flows-dir", cfg.FlowsDir, "directory for flow YAML configs")
	flag.IntVar(&cfg.DefaultLeaseDurationSeconds, "default-lease-seconds", cfg.DefaultLeaseDurationSeconds, "default claim lease duration in seconds")
	flag.IntVar(&cfg.MaxLeaseDurationSeconds, "max-lease-seconds", cfg.MaxLeaseDurationSeconds, "maximum claim lease duration in seconds")
	flag.IntVar(&cfg.HeartbeatIntervalSeconds, "heartbeat-interval-seconds", cfg.HeartbeatIntervalSeconds, "orchestrator heartbeat interval hint in seconds")
	flag.IntVar(&cfg.StaleOrchestratorTimeoutSeconds, "stale-orchestrator-timeout-seconds", cfg.StaleOrchestratorTimeoutSeconds, "seconds without a heartbeat before an orchestrator is marked offline")
	flag.IntVar(&cfg.ReconcilerIntervalSeconds, "reconciler-interval-seconds", cfg.ReconcilerIntervalSeconds, "lease reconciler sweep cadence in seconds")
	flag.IntVar(&cfg.DefaultPageSize, "default-page-size", cfg.DefaultPageSize, "default page size for task listings")
	flag.IntVar(&cfg.MaxPageSize, "max-page-size", cfg.MaxPageSize, "maximum page size for task listings")
	flag.IntVar(&cfg.BurnoutTurnThreshold, "burnout-turn-threshold", cfg.BurnoutTurnThreshold, "turns used with zero commits before a submit is routed to needs_continuation")
	flag.IntVar(&cfg.MaxTurnLimit, "max-turn-limit", cfg.MaxTurnLimit, "turns used past which a submit is always routed to needs_continuation")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.Parse()

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) DefaultLeaseDuration() time.Duration {
	return time.Duration(c.DefaultLeaseDurationSeconds) * time.Second
}

func (c *Config) MaxLeaseDuration() time.Duration {
	return time.Duration(c.MaxLeaseDurationSeconds) * time.Second
}

func (c *Config) StaleOrchestratorTimeout() time.Duration {
	return time.Duration(c.StaleOrchestratorTimeoutSeconds) * time.Second
}

func (c *Config) ReconcilerInterval() time.Duration {
	return time.Duration(c.ReconcilerIntervalSeconds) * time.Second
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "Token":
			c.Token = value
		case "Port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid Port value %q: %w", value, err)
			}
			c.Port = port
		case "DBPath":
			c.DBPath = value
		case "RolesDir":
			c.RolesDir = value
		case "FlowsDir":
			c.FlowsDir = value
		case "DefaultLeaseDurationSeconds":
			if c.DefaultLeaseDurationSeconds, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid DefaultLeaseDurationSeconds value %q: %w", value, err)
			}
		case "MaxLeaseDurationSeconds":
			if c.MaxLeaseDurationSeconds, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid MaxLeaseDurationSeconds value %q: %w", value, err)
			}
		case "HeartbeatIntervalSeconds":
			if c.HeartbeatIntervalSeconds, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid HeartbeatIntervalSeconds value %q: %w", value, err)
			}
		case "StaleOrchestratorTimeoutSeconds":
			if c.StaleOrchestratorTimeoutSeconds, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid StaleOrchestratorTimeoutSeconds value %q: %w", value, err)
			}
		case "ReconcilerIntervalSeconds":
			if c.ReconcilerIntervalSeconds, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid ReconcilerIntervalSeconds value %q: %w", value, err)
			}
		case "DefaultPageSize":
			if c.DefaultPageSize, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid DefaultPageSize value %q: %w", value, err)
			}
		case "MaxPageSize":
			if c.MaxPageSize, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid MaxPageSize value %q: %w", value, err)
			}
		case "BurnoutTurnThreshold":
			if c.BurnoutTurnThreshold, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid BurnoutTurnThreshold value %q: %w", value, err)
			}
		case "MaxTurnLimit":
			if c.MaxTurnLimit, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid MaxTurnLimit value %q: %w", value, err)
			}
		}
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data := fmt.Sprintf(
		"Port=%d\nToken=%s\nDBPath=%s\nRolesDir=%s\nFlowsDir=%s\nDefaultLeaseDurationSeconds=%d\nMaxLeaseDurationSeconds=%d\nHeartbeatIntervalSeconds=%d\nStaleOrchestratorTimeoutSeconds=%d\nReconcilerIntervalSeconds=%d\nDefaultPageSize=%d\nMaxPageSize=%d\nBurnoutTurnThreshold=%d\nMaxTurnLimit=%d\n",
		c.Port, c.Token, c.DBPath, c.RolesDir, c.FlowsDir,
		c.DefaultLeaseDurationSeconds, c.MaxLeaseDurationSeconds, c.HeartbeatIntervalSeconds,
		c.StaleOrchestratorTimeoutSeconds, c.ReconcilerIntervalSeconds,
		c.DefaultPageSize, c.MaxPageSize, c.BurnoutTurnThreshold, c.MaxTurnLimit,
	)
	return os.WriteFile(c.ConfigPath, []byte(data), 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
