// Package config provides YAML configuration loading and validation for
// lprof's collecting and reporting binaries.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CollectConfig is the top-level configuration for a sampling session
// (cmd/lprof-collect).
type CollectConfig struct {
	// Events is the event list, one NAME[@TYPE][-flag=value,...] expression
	// per entry. Required, at least one entry.
	Events []string `yaml:"events"`

	// Engine selects the tracee supervisor flavour: "inherit", "ptrace",
	// "ptrace-async", or "timers". Defaults to "inherit" when omitted.
	Engine string `yaml:"engine"`

	// ExperimentPath is the directory the session writes its experiment
	// tree into. Required.
	ExperimentPath string `yaml:"experiment_path"`

	// Period is either a preset name ("xsmall", "small", "medium",
	// "default", "big") or a custom "NAME@PERIOD,..." list. Defaults to
	// "default".
	Period string `yaml:"period"`

	// UserGuided selects when counters start: -1 starts them immediately,
	// 0 toggles them on each pause/resume signal, a positive value delays
	// the start by that many seconds. A nil pointer (key omitted) means -1;
	// the pointer distinguishes an explicit 0 from omission.
	UserGuided *int `yaml:"user_guided"`

	// BacktraceMode selects what call-stack data the kernel attaches to
	// each sample: "off", "call", "stack", or "branch". Defaults to "call".
	BacktraceMode string `yaml:"backtrace_mode"`

	// CPUList restricts the target (and, for the inherit engine, the
	// per-CPU counter groups) to these logical CPUs. Empty means all.
	CPUList []int `yaml:"cpu_list"`

	// MPITarget names the real binary when the command line is a launcher
	// (an MPI driver) masking it; maps snapshots then follow every pid of
	// that binary.
	MPITarget string `yaml:"mpi_target"`

	// FinalizeSignal is the signal number that makes the ptrace supervisor
	// SIGTERM the whole process group. Defaults to SIGUSR2 (12).
	FinalizeSignal int `yaml:"finalize_signal"`

	// Workers is the number of ring-buffer drainer worker goroutines.
	// Defaults to the number of CPUs when zero or omitted.
	Workers int `yaml:"workers"`

	// MaxBufMB bounds each store worker's in-memory arena before it spills
	// to temp files. Defaults to 256.
	MaxBufMB int `yaml:"max_buf_mb"`

	// FilesBufMB is the size of the file-mode arena a worker switches to
	// after the first spill. Defaults to MaxBufMB.
	FilesBufMB int `yaml:"files_buf_mb"`

	// MaxFilesMB caps the total size of all workers' temp files; beyond
	// it the session raises an emergency stop. Defaults to 2048.
	MaxFilesMB int `yaml:"max_files_mb"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Fleet configures optional reporting to a dashboard. An empty Addr
	// disables the fleet client entirely.
	Fleet FleetConfig `yaml:"fleet"`
}

// FleetConfig configures the optional node-to-dashboard reporting client
// (internal/fleet). Addr empty disables the client.
type FleetConfig struct {
	// Addr is the dashboard's gRPC endpoint (e.g. "dashboard.example.com:4443").
	// Empty disables fleet reporting.
	Addr string `yaml:"addr"`

	// TLS holds mTLS material for the fleet client. Required whenever Addr
	// is set.
	TLS TLSConfig `yaml:"tls"`

	// SpoolPath is the path to the local WAL-mode SQLite spool database.
	// Defaults to "<experiment_path>/.fleet-spool.db" when omitted.
	SpoolPath string `yaml:"spool_path"`

	// InitialBackoff and MaxBackoff bound the reconnect backoff policy.
	// Defaults: 1s / 30s.
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// DashboardConfig is the top-level configuration for the fleet dashboard
// server (cmd/lprofd).
type DashboardConfig struct {
	// GRPCAddr is the listen address for the node-facing gRPC service.
	GRPCAddr string `yaml:"grpc_addr"`

	// RESTAddr is the listen address for the operator-facing REST query API.
	RESTAddr string `yaml:"rest_addr"`

	// TLS holds mTLS material for the gRPC listener. Required.
	TLS TLSConfig `yaml:"tls"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used to
	// validate bearer tokens on the REST API. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// PostgresDSN is the connection string for the event/audit store.
	// Required.
	PostgresDSN string `yaml:"postgres_dsn"`

	// AuditLogPath is the path to the hash-chained append-only audit log.
	// Defaults to "audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEngines = map[string]bool{
	"inherit":      true,
	"ptrace":       true,
	"ptrace-async": true,
	"timers":       true,
}

var validBacktraceModes = map[string]bool{
	"off":    true,
	"call":   true,
	"stack":  true,
	"branch": true,
}

// LoadCollectConfig reads, defaults, and validates a collect-session
// configuration file.
func LoadCollectConfig(path string) (*CollectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg CollectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyCollectDefaults(&cfg)

	if err := validateCollect(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyCollectDefaults(cfg *CollectConfig) {
	if cfg.Engine == "" {
		cfg.Engine = "inherit"
	}
	if cfg.Period == "" {
		cfg.Period = "default"
	}
	if cfg.UserGuided == nil {
		immediate := -1
		cfg.UserGuided = &immediate
	}
	if cfg.BacktraceMode == "" {
		cfg.BacktraceMode = "call"
	}
	if cfg.FinalizeSignal == 0 {
		cfg.FinalizeSignal = 12 // SIGUSR2
	}
	if cfg.MaxBufMB == 0 {
		cfg.MaxBufMB = 256
	}
	if cfg.FilesBufMB == 0 {
		cfg.FilesBufMB = cfg.MaxBufMB
	}
	if cfg.MaxFilesMB == 0 {
		cfg.MaxFilesMB = 2048
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Fleet.Addr != "" {
		if cfg.Fleet.SpoolPath == "" {
			cfg.Fleet.SpoolPath = cfg.ExperimentPath + "/.fleet-spool.db"
		}
		if cfg.Fleet.InitialBackoff == "" {
			cfg.Fleet.InitialBackoff = "1s"
		}
		if cfg.Fleet.MaxBackoff == "" {
			cfg.Fleet.MaxBackoff = "30s"
		}
	}
}

func validateCollect(cfg *CollectConfig) error {
	var errs []error

	if len(cfg.Events) == 0 {
		errs = append(errs, errors.New("events: at least one event is required"))
	}
	if cfg.ExperimentPath == "" {
		errs = append(errs, errors.New("experiment_path is required"))
	}
	if !validEngines[cfg.Engine] {
		errs = append(errs, fmt.Errorf("engine %q must be one of: inherit, ptrace, ptrace-async, timers", cfg.Engine))
	}
	if !validBacktraceModes[cfg.BacktraceMode] {
		errs = append(errs, fmt.Errorf("backtrace_mode %q must be one of: off, call, stack, branch", cfg.BacktraceMode))
	}
	for _, cpu := range cfg.CPUList {
		if cpu < 0 {
			errs = append(errs, fmt.Errorf("cpu_list entry %d is negative", cpu))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Fleet.Addr != "" {
		if cfg.Fleet.TLS.CertPath == "" {
			errs = append(errs, errors.New("fleet.tls.cert_path is required when fleet.addr is set"))
		}
		if cfg.Fleet.TLS.KeyPath == "" {
			errs = append(errs, errors.New("fleet.tls.key_path is required when fleet.addr is set"))
		}
		if cfg.Fleet.TLS.CAPath == "" {
			errs = append(errs, errors.New("fleet.tls.ca_path is required when fleet.addr is set"))
		}
	}

	return errors.Join(errs...)
}

// LoadDashboardConfig reads, defaults, and validates a dashboard server
// configuration file.
func LoadDashboardConfig(path string) (*DashboardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg DashboardConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDashboardDefaults(&cfg)

	if err := validateDashboard(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDashboardDefaults(cfg *DashboardConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "audit.log"
	}
}

func validateDashboard(cfg *DashboardConfig) error {
	var errs []error

	if cfg.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc_addr is required"))
	}
	if cfg.RESTAddr == "" {
		errs = append(errs, errors.New("rest_addr is required"))
	}
	if cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "" || cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.cert_path, tls.key_path, and tls.ca_path are all required"))
	}
	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if cfg.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
