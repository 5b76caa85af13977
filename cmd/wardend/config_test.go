package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wardend.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
machine_id = "machine.ci"
host_id = "host.ci"
app_root = "/var/lib/umbra"
worker_binary = "/usr/local/bin/shade"
worker_args = ["--quiet"]
admin_listen_addr = "127.0.0.1:7810"
heartbeat_interval = "10s"
handshake_timeout = "30s"
stop_grace = "3s"
log_level = "debug"

[env]
UMBRA_MODE = "ci"
`)

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MachineID != "machine.ci" {
		t.Fatalf("machine_id=%q", cfg.MachineID)
	}
	if cfg.HostID != "host.ci" {
		t.Fatalf("host_id=%q", cfg.HostID)
	}
	if cfg.WorkerBinary != "/usr/local/bin/shade" {
		t.Fatalf("worker_binary=%q", cfg.WorkerBinary)
	}
	if len(cfg.WorkerArgs) != 1 || cfg.WorkerArgs[0] != "--quiet" {
		t.Fatalf("worker_args=%+v", cfg.WorkerArgs)
	}
	if cfg.AdminListenAddr != "127.0.0.1:7810" {
		t.Fatalf("admin_listen_addr=%q", cfg.AdminListenAddr)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat_interval=%v", cfg.HeartbeatInterval)
	}
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake_timeout=%v", cfg.HandshakeTimeout)
	}
	if cfg.StopGrace != 3*time.Second {
		t.Fatalf("stop_grace=%v", cfg.StopGrace)
	}
	if cfg.EnvOverlay["UMBRA_MODE"] != "ci" {
		t.Fatalf("env=%+v", cfg.EnvOverlay)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level=%q", cfg.LogLevel)
	}
}

func TestLoadServiceConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `worker_binary = "shade"`)

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MachineID != "machine.local" {
		t.Fatalf("machine_id=%q", cfg.MachineID)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("heartbeat_interval=%v", cfg.HeartbeatInterval)
	}
	if cfg.HandshakeTimeout != 0 {
		t.Fatalf("handshake_timeout=%v, want 0 (wait forever)", cfg.HandshakeTimeout)
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `heartbeat_interval = "soon"`)
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
