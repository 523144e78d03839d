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
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:7430" {
		t.Errorf("Expected default listen address, got %s", cfg.Server.Listen)
	}
	if cfg.Delivery.Mode != "inproc" {
		t.Errorf("Expected inproc delivery, got %s", cfg.Delivery.Mode)
	}
	if cfg.Dispatch.HandoffTimeout != 30*time.Second {
		t.Errorf("Expected 30s handoff timeout, got %s", cfg.Dispatch.HandoffTimeout)
	}
	if cfg.Dispatch.BackoffJitter != 0.2 {
		t.Errorf("Expected 0.2 backoff jitter, got %f", cfg.Dispatch.BackoffJitter)
	}
	if cfg.Agents.HeartbeatThreshold != 90*time.Second {
		t.Errorf("Expected 90s heartbeat threshold, got %s", cfg.Agents.HeartbeatThreshold)
	}
	if !cfg.Workflow.WatchDir {
		t.Error("Expected template watching on by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  listen: "0.0.0.0:9000"
delivery:
  mode: redis
  redis_addr: "redis.internal:6379"
dispatch:
  scan_interval: 250ms
  backoff_base: 5s
workflow:
  template_dir: /etc/foreman/templates
  watch_dir: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Expected configured listen address, got %s", cfg.Server.Listen)
	}
	if cfg.Delivery.Mode != "redis" || cfg.Delivery.RedisAddr != "redis.internal:6379" {
		t.Errorf("Expected redis delivery config, got %+v", cfg.Delivery)
	}
	if cfg.Dispatch.ScanInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms scan interval, got %s", cfg.Dispatch.ScanInterval)
	}
	if cfg.Dispatch.BackoffBase != 5*time.Second {
		t.Errorf("Expected 5s backoff base, got %s", cfg.Dispatch.BackoffBase)
	}
	if cfg.Workflow.WatchDir {
		t.Error("Expected template watching disabled")
	}

	// Unset keys keep their defaults.
	if cfg.Dispatch.ExecTimeout != 10*time.Minute {
		t.Errorf("Expected default exec timeout, got %s", cfg.Dispatch.ExecTimeout)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FOREMAN_SERVER_LISTEN", "127.0.0.1:8888")
	t.Setenv("FOREMAN_DELIVERY_MODE", "redis")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8888" {
		t.Errorf("Expected env override for listen, got %s", cfg.Server.Listen)
	}
	if cfg.Delivery.Mode != "redis" {
		t.Errorf("Expected env override for delivery mode, got %s", cfg.Delivery.Mode)
	}
}
