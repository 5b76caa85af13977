package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/umbradev/umbra/internal/warden"
)

type fileConfig struct {
	MachineID         string            `toml:"machine_id"`
	HostID            string            `toml:"host_id"`
	AppRoot           string            `toml:"app_root"`
	CacheDir          string            `toml:"cache_dir"`
	BackupStatePath   string            `toml:"backup_state_path"`
	WorkerBinary      string            `toml:"worker_binary"`
	WorkerArgs        []string          `toml:"worker_args"`
	TransportAddr     string            `toml:"transport_addr"`
	Env               map[string]string `toml:"env"`
	AdminListenAddr   string            `toml:"admin_listen_addr"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
	HandshakeTimeout  string            `toml:"handshake_timeout"`
	StopGrace         string            `toml:"stop_grace"`
	LogLevel          string            `toml:"log_level"`
}

func loadServiceConfig(path string) (warden.ServiceConfig, error) {
	cfg := warden.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return warden.ServiceConfig{}, fmt.Errorf("load wardend config: %w", err)
	}

	if meta.IsDefined("machine_id") {
		if id := strings.TrimSpace(raw.MachineID); id != "" {
			cfg.MachineID = id
		}
	}
	if meta.IsDefined("host_id") {
		cfg.HostID = strings.TrimSpace(raw.HostID)
	}
	if meta.IsDefined("app_root") {
		cfg.AppRoot = strings.TrimSpace(raw.AppRoot)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("backup_state_path") {
		cfg.BackupStatePath = strings.TrimSpace(raw.BackupStatePath)
	}
	if meta.IsDefined("worker_binary") {
		cfg.WorkerBinary = strings.TrimSpace(raw.WorkerBinary)
	}
	if meta.IsDefined("worker_args") {
		cfg.WorkerArgs = raw.WorkerArgs
	}
	if meta.IsDefined("transport_addr") {
		cfg.TransportAddr = strings.TrimSpace(raw.TransportAddr)
	}
	if meta.IsDefined("env") {
		cfg.EnvOverlay = raw.Env
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return warden.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return warden.ServiceConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("stop_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StopGrace))
		if err != nil {
			return warden.ServiceConfig{}, fmt.Errorf("parse stop_grace: %w", err)
		}
		cfg.StopGrace = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}
