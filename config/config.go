package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Database     DatabaseConfig             `yaml:"database"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	Remote       RemoteConfig               `yaml:"remote"`
	Quarters     map[string]QuarterConfig   `yaml:"quarters"`
	HostGroups   map[string]HostGroupPolicy `yaml:"host_groups"`
	Push         PushConfig                 `yaml:"push"`
	WorkerPool   WorkerPoolConfig           `yaml:"worker_pool"`
	APITokens    []APIToken                 `yaml:"api_tokens"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// OrchestratorConfig holds the sweep loop configuration.
type OrchestratorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	PrecheckLeadHrs int           `yaml:"precheck_lead_hours"`
	GlobalMaxActive int           `yaml:"global_max_active"` // 0 means no global ceiling
	DefaultTimezone string        `yaml:"default_timezone"`
}

// RemoteConfig holds the remote execution channel configuration.
type RemoteConfig struct {
	User                  string            `yaml:"user"`
	Port                  int               `yaml:"port"`
	PrivateKeyPath        string            `yaml:"private_key_path"`
	KnownHostsPath        string            `yaml:"known_hosts_path"`
	MaxRetryAttempts      int               `yaml:"max_retry_attempts"`
	ConnectTimeoutSeconds int               `yaml:"connect_timeout_seconds"`
	CommandTimeoutMinutes map[string]int    `yaml:"command_timeout_minutes"` // keyed by operation
	ScriptPaths           map[string]string `yaml:"script_paths"`            // keyed by operation
}

// QuarterConfig defines one of the four fixed patching quarters.
// Dates are "MM-DD" within the calendar year; times are "HH:MM".
type QuarterConfig struct {
	Start              string       `yaml:"start"`
	End                string       `yaml:"end"`
	ApprovalDeadline   string       `yaml:"approval_deadline"`   // follow-up notice sent after this date
	EscalationNotice   string       `yaml:"escalation_notice"`   // final escalation notice sent after this date
	EscalationDeadline string       `yaml:"escalation_deadline"` // auto-approval happens after this date
	FallbackWeekday    string       `yaml:"fallback_weekday"`
	FallbackTime       string       `yaml:"fallback_time"`
	Freeze             FreezeWindow `yaml:"freeze"`
}

// FreezeWindow is a recurring weekly span during which non-administrator
// schedule edits are rejected.
type FreezeWindow struct {
	StartWeekday string `yaml:"start_weekday"`
	StartTime    string `yaml:"start_time"`
	EndWeekday   string `yaml:"end_weekday"`
	EndTime      string `yaml:"end_time"`
}

// HostGroupPolicy holds the per host group dispatch policy.
type HostGroupPolicy struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`
	WindowStart     string `yaml:"window_start"` // "HH:MM" local time at the target
	WindowEnd       string `yaml:"window_end"`
	Priority        int    `yaml:"priority"`
	RollbackEnabled bool   `yaml:"rollback_enabled"`
}

// PushConfig holds the VAPID keys for operator web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// APIToken maps a bearer token to a named caller and its capability set.
type APIToken struct {
	Token        string   `yaml:"token"`
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Orchestrator.IntervalSeconds <= 0 {
		cfg.Orchestrator.IntervalSeconds = 60
	}
	cfg.Orchestrator.Interval = time.Duration(cfg.Orchestrator.IntervalSeconds) * time.Second

	if cfg.Orchestrator.PrecheckLeadHrs <= 0 {
		cfg.Orchestrator.PrecheckLeadHrs = 2
	}

	if cfg.Orchestrator.DefaultTimezone == "" {
		cfg.Orchestrator.DefaultTimezone = "UTC"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}

	if cfg.Remote.Port <= 0 {
		cfg.Remote.Port = 22
	}
	if cfg.Remote.MaxRetryAttempts <= 0 {
		cfg.Remote.MaxRetryAttempts = 3
	}
	if cfg.Remote.ConnectTimeoutSeconds <= 0 {
		cfg.Remote.ConnectTimeoutSeconds = 15
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if len(cfg.Quarters) == 0 {
		log.Printf("quarters are not configured; using the default quarter calendar")
		cfg.Quarters = DefaultQuarters()
	}
	if len(cfg.Quarters) != 4 {
		return nil, fmt.Errorf("expected exactly 4 quarters, got %d", len(cfg.Quarters))
	}

	for name, hg := range cfg.HostGroups {
		if hg.MaxConcurrent <= 0 {
			hg.MaxConcurrent = 1
			cfg.HostGroups[name] = hg
		}
	}

	return &cfg, nil
}

// DefaultQuarters returns the standard calendar-quarter patching cycle.
// Patching runs in the final month of each quarter; approvals escalate
// through the first two.
func DefaultQuarters() map[string]QuarterConfig {
	freeze := FreezeWindow{
		StartWeekday: "Friday", StartTime: "17:00",
		EndWeekday: "Monday", EndTime: "08:00",
	}
	return map[string]QuarterConfig{
		"Q1": {
			Start: "01-01", End: "03-31",
			ApprovalDeadline: "02-01", EscalationNotice: "02-15", EscalationDeadline: "03-01",
			FallbackWeekday: "Saturday", FallbackTime: "22:00", Freeze: freeze,
		},
		"Q2": {
			Start: "04-01", End: "06-30",
			ApprovalDeadline: "05-01", EscalationNotice: "05-15", EscalationDeadline: "06-01",
			FallbackWeekday: "Saturday", FallbackTime: "22:00", Freeze: freeze,
		},
		"Q3": {
			Start: "07-01", End: "09-30",
			ApprovalDeadline: "08-01", EscalationNotice: "08-15", EscalationDeadline: "09-01",
			FallbackWeekday: "Saturday", FallbackTime: "22:00", Freeze: freeze,
		},
		"Q4": {
			Start: "10-01", End: "12-31",
			ApprovalDeadline: "11-01", EscalationNotice: "11-15", EscalationDeadline: "12-01",
			FallbackWeekday: "Saturday", FallbackTime: "22:00", Freeze: freeze,
		},
	}
}
