package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration service
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Policy  PolicyConfig  `yaml:"policy"`
	Quota   QuotaConfig   `yaml:"quota"`
	Scan    ScanConfig    `yaml:"scan"`
	Slack   SlackConfig   `yaml:"slack"`
}

// ServiceConfig holds service runtime settings
type ServiceConfig struct {
	DataDir             string `yaml:"data_dir"`              // State database and channel socket live here
	EndpointTemplate    string `yaml:"endpoint_template"`     // Channel endpoint name, {hostname} substituted at startup
	SweepIntervalSecs   int    `yaml:"sweep_interval_secs"`   // Periodic orchestrator sweep interval
	ShutdownGraceSecs   int    `yaml:"shutdown_grace_secs"`   // Bound on in-flight work during shutdown
	HeartbeatTimeoutSec int    `yaml:"heartbeat_timeout_sec"` // Agent considered gone after this silence
	Debug               bool   `yaml:"debug"`                 // Enable debug logging
}

// PolicyConfig holds migration policy settings
type PolicyConfig struct {
	DefaultWindowHours  int  `yaml:"default_window_hours"`  // Backup deadline window from WaitingForUser
	MaxDelays           int  `yaml:"max_delays"`            // Delay requests allowed per user before escalation
	MaxDelayHours       int  `yaml:"max_delay_hours"`       // Cap on a single delay extension
	RequireDelayReview  bool `yaml:"require_delay_review"`  // Hold delay requests for human review instead of auto-approving
	StaleBackupMinutes  int  `yaml:"stale_backup_minutes"`  // Escalate in-progress backups silent this long
	BackupCategories    []string `yaml:"backup_categories"` // Categories requested from agents
}

// QuotaConfig holds cloud storage quota gating settings
type QuotaConfig struct {
	CompressionRatio           float64 `yaml:"compression_ratio"`             // Expected backup compression (0.7 = 30% smaller)
	SafetyMarginMB             int64   `yaml:"safety_margin_mb"`              // Headroom added to required space
	WarningThresholdPct        float64 `yaml:"warning_threshold_pct"`         // Usage percent for Warning health
	CriticalThresholdPct       float64 `yaml:"critical_threshold_pct"`        // Usage percent for Critical health
	AutoEscalateCriticalIssues bool    `yaml:"auto_escalate_critical_issues"` // Raise IT escalation on Critical/Exceeded
}

// ScanConfig holds profile detection settings
type ScanConfig struct {
	ProfilesRoot    string `yaml:"profiles_root"`     // Directory containing user profile directories
	ActiveLoginDays int    `yaml:"active_login_days"` // Login recency threshold for active classification
	ActiveMinSizeMB int64  `yaml:"active_min_size_mb"` // Profile size threshold for active classification
	Exclude         []string `yaml:"exclude"`         // Profile directory names to skip
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Service.DataDir == "" {
		c.Service.DataDir = "/var/lib/migrationd"
	}
	c.Service.DataDir = expandTilde(c.Service.DataDir)
	if c.Service.EndpointTemplate == "" {
		c.Service.EndpointTemplate = "MigrationService_{hostname}"
	}
	if c.Service.SweepIntervalSecs <= 0 {
		c.Service.SweepIntervalSecs = 60
	}
	if c.Service.ShutdownGraceSecs <= 0 {
		c.Service.ShutdownGraceSecs = 5
	}
	if c.Service.HeartbeatTimeoutSec <= 0 {
		c.Service.HeartbeatTimeoutSec = 300
	}

	if c.Policy.DefaultWindowHours <= 0 {
		c.Policy.DefaultWindowHours = 72
	}
	if c.Policy.MaxDelays <= 0 {
		c.Policy.MaxDelays = 3
	}
	if c.Policy.MaxDelayHours <= 0 {
		c.Policy.MaxDelayHours = 72
	}
	if c.Policy.StaleBackupMinutes <= 0 {
		c.Policy.StaleBackupMinutes = 120
	}
	if len(c.Policy.BackupCategories) == 0 {
		c.Policy.BackupCategories = []string{"files", "browsers", "email", "system"}
	}

	if c.Quota.CompressionRatio <= 0 || c.Quota.CompressionRatio > 1 {
		c.Quota.CompressionRatio = 0.8
	}
	if c.Quota.SafetyMarginMB <= 0 {
		c.Quota.SafetyMarginMB = 1024
	}
	if c.Quota.WarningThresholdPct <= 0 {
		c.Quota.WarningThresholdPct = 80
	}
	if c.Quota.CriticalThresholdPct <= 0 {
		c.Quota.CriticalThresholdPct = 95
	}

	if c.Scan.ProfilesRoot == "" {
		c.Scan.ProfilesRoot = "/home"
	}
	c.Scan.ProfilesRoot = expandTilde(c.Scan.ProfilesRoot)
	if c.Scan.ActiveLoginDays <= 0 {
		c.Scan.ActiveLoginDays = 30
	}
	if c.Scan.ActiveMinSizeMB <= 0 {
		c.Scan.ActiveMinSizeMB = 100
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Quota.WarningThresholdPct >= c.Quota.CriticalThresholdPct {
		return fmt.Errorf("invalid configuration: quota warning_threshold_pct (%.0f) must be below critical_threshold_pct (%.0f)",
			c.Quota.WarningThresholdPct, c.Quota.CriticalThresholdPct)
	}
	if !strings.Contains(c.Service.EndpointTemplate, "{hostname}") {
		return fmt.Errorf("invalid configuration: endpoint_template must contain the {hostname} placeholder")
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("invalid configuration: slack.enabled requires slack.webhook_url")
	}
	return nil
}

// SweepInterval returns the sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Service.SweepIntervalSecs) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Service.ShutdownGraceSecs) * time.Second
}

// DefaultWindow returns the backup deadline window as a duration.
func (c *Config) DefaultWindow() time.Duration {
	return time.Duration(c.Policy.DefaultWindowHours) * time.Hour
}

// MaxDelay returns the single-delay cap as a duration.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Policy.MaxDelayHours) * time.Hour
}

// AutoApproveDelays reports whether delay requests are granted without human
// review. On by default; require_delay_review turns it off.
func (c *Config) AutoApproveDelays() bool {
	return !c.Policy.RequireDelayReview
}
