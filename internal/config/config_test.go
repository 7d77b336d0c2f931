package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lprof/lprof/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validCollectYAML = `
events:
  - CYCLES@PERF_COUNT_HW_CPU_CYCLES-period=4000000
  - INSTRUCTIONS
experiment_path: "/tmp/exp_001"
engine: ptrace
workers: 4
log_level: debug
`

func TestLoadCollectConfig_Valid(t *testing.T) {
	path := writeTemp(t, validCollectYAML)
	cfg, err := config.LoadCollectConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(cfg.Events))
	}
	if cfg.ExperimentPath != "/tmp/exp_001" {
		t.Errorf("ExperimentPath = %q", cfg.ExperimentPath)
	}
	if cfg.Engine != "ptrace" {
		t.Errorf("Engine = %q, want ptrace", cfg.Engine)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
}

func TestLoadCollectConfig_Defaults(t *testing.T) {
	yaml := `
events:
  - CYCLES
experiment_path: "/tmp/exp"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadCollectConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine != "inherit" {
		t.Errorf("default Engine = %q, want inherit", cfg.Engine)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Period != "default" {
		t.Errorf("default Period = %q, want default", cfg.Period)
	}
	if cfg.UserGuided == nil || *cfg.UserGuided != -1 {
		t.Errorf("default UserGuided = %v, want -1 (immediate)", cfg.UserGuided)
	}
	if cfg.BacktraceMode != "call" {
		t.Errorf("default BacktraceMode = %q, want call", cfg.BacktraceMode)
	}
	if cfg.MaxBufMB != 256 || cfg.FilesBufMB != 256 || cfg.MaxFilesMB != 2048 {
		t.Errorf("buffer defaults = %d/%d/%d, want 256/256/2048", cfg.MaxBufMB, cfg.FilesBufMB, cfg.MaxFilesMB)
	}
}

func TestLoadCollectConfig_ExplicitInteractiveUserGuided(t *testing.T) {
	yaml := `
events:
  - CYCLES
experiment_path: "/tmp/exp"
user_guided: 0
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadCollectConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UserGuided == nil || *cfg.UserGuided != 0 {
		t.Errorf("UserGuided = %v, want explicit 0 (interactive)", cfg.UserGuided)
	}
}

func TestLoadCollectConfig_MissingEvents(t *testing.T) {
	yaml := `
experiment_path: "/tmp/exp"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadCollectConfig(path)
	if err == nil {
		t.Fatal("expected error for missing events, got nil")
	}
	if !strings.Contains(err.Error(), "events") {
		t.Errorf("error %q does not mention events", err.Error())
	}
}

func TestLoadCollectConfig_MissingExperimentPath(t *testing.T) {
	yaml := `
events:
  - CYCLES
`
	path := writeTemp(t, yaml)
	_, err := config.LoadCollectConfig(path)
	if err == nil {
		t.Fatal("expected error for missing experiment_path, got nil")
	}
	if !strings.Contains(err.Error(), "experiment_path") {
		t.Errorf("error %q does not mention experiment_path", err.Error())
	}
}

func TestLoadCollectConfig_InvalidEngine(t *testing.T) {
	yaml := `
events:
  - CYCLES
experiment_path: "/tmp/exp"
engine: bogus
`
	path := writeTemp(t, yaml)
	_, err := config.LoadCollectConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid engine, got nil")
	}
	if !strings.Contains(err.Error(), "engine") {
		t.Errorf("error %q does not mention engine", err.Error())
	}
}

func TestLoadCollectConfig_FleetRequiresTLS(t *testing.T) {
	yaml := `
events:
  - CYCLES
experiment_path: "/tmp/exp"
fleet:
  addr: "dashboard.example.com:4443"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadCollectConfig(path)
	if err == nil {
		t.Fatal("expected error for fleet.addr without TLS material, got nil")
	}
	if !strings.Contains(err.Error(), "fleet.tls") {
		t.Errorf("error %q does not mention fleet.tls", err.Error())
	}
}

func TestLoadCollectConfig_FleetDefaults(t *testing.T) {
	yaml := `
events:
  - CYCLES
experiment_path: "/tmp/exp"
fleet:
  addr: "dashboard.example.com:4443"
  tls:
    cert_path: "/etc/lprof/node.crt"
    key_path: "/etc/lprof/node.key"
    ca_path: "/etc/lprof/ca.crt"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadCollectConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Fleet.SpoolPath != "/tmp/exp/.fleet-spool.db" {
		t.Errorf("Fleet.SpoolPath = %q", cfg.Fleet.SpoolPath)
	}
	if cfg.Fleet.InitialBackoff != "1s" || cfg.Fleet.MaxBackoff != "30s" {
		t.Errorf("Fleet backoff defaults = %q/%q", cfg.Fleet.InitialBackoff, cfg.Fleet.MaxBackoff)
	}
}

func TestLoadCollectConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadCollectConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadCollectConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadCollectConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

const validDashboardYAML = `
grpc_addr: "0.0.0.0:4443"
rest_addr: "0.0.0.0:8080"
tls:
  cert_path: "/etc/lprofd/server.crt"
  key_path: "/etc/lprofd/server.key"
  ca_path: "/etc/lprofd/ca.crt"
jwt_public_key_path: "/etc/lprofd/jwt.pub"
postgres_dsn: "postgres://localhost/lprof"
log_level: debug
`

func TestLoadDashboardConfig_Valid(t *testing.T) {
	path := writeTemp(t, validDashboardYAML)
	cfg, err := config.LoadDashboardConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GRPCAddr != "0.0.0.0:4443" {
		t.Errorf("GRPCAddr = %q", cfg.GRPCAddr)
	}
	if cfg.AuditLogPath != "audit.log" {
		t.Errorf("default AuditLogPath = %q, want audit.log", cfg.AuditLogPath)
	}
}

func TestLoadDashboardConfig_MissingPostgresDSN(t *testing.T) {
	yaml := `
grpc_addr: "0.0.0.0:4443"
rest_addr: "0.0.0.0:8080"
tls:
  cert_path: "/etc/lprofd/server.crt"
  key_path: "/etc/lprofd/server.key"
  ca_path: "/etc/lprofd/ca.crt"
jwt_public_key_path: "/etc/lprofd/jwt.pub"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadDashboardConfig(path)
	if err == nil {
		t.Fatal("expected error for missing postgres_dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error %q does not mention postgres_dsn", err.Error())
	}
}
