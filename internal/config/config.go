// Package config provides YAML-based configuration loading for Gantry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"5m\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Gantry configuration, loaded from gantry.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Worktrees  WorktreeConfig   `yaml:"worktrees"`
	Guard      GuardConfig      `yaml:"guard"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Ops        OpsConfig        `yaml:"ops"`
	Projects   []ProjectConfig  `yaml:"projects"`
}

// DatabaseConfig selects the backing store. The sqlite driver is the
// embedded default; mysql points gantry at a shared SQL server.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite database file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SchedulerConfig tunes the polling dispatch loop.
type SchedulerConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`        // default 5s
	LeaseTTL            Duration `yaml:"lease_ttl"`            // default 5m
	RetryCooldown       Duration `yaml:"retry_cooldown"`       // default 30m
	DispatchParallelism int      `yaml:"dispatch_parallelism"` // default 4
	AgentCommand        string   `yaml:"agent_command"`        // default claude
	AgentArgs           []string `yaml:"agent_args"`
}

// WorktreeConfig tunes worktree placement and lock expiry.
type WorktreeConfig struct {
	Root    string   `yaml:"root"`     // default .gantry/worktrees
	LockTTL Duration `yaml:"lock_ttl"` // default 10m
}

// GuardConfig tunes the command guard's verdict cache and audit log.
type GuardConfig struct {
	CacheTTL      Duration `yaml:"cache_ttl"`      // default 5m
	CacheCapacity int      `yaml:"cache_capacity"` // default 200
	AuditCapacity int      `yaml:"audit_capacity"` // default 500
}

// ReconcilerConfig tunes the background sweep cadence and the purge of
// spent worktree records.
type ReconcilerConfig struct {
	SweepEvery Duration `yaml:"sweep_every"` // default 1m
	PurgeCron  string   `yaml:"purge_cron"`  // cron spec, default @daily
	PurgeAfter Duration `yaml:"purge_after"` // default 24h
}

// OpsConfig configures the JSON status listener.
type OpsConfig struct {
	Port int `yaml:"port"` // default 7663
}

// ProjectConfig describes one repository gantry schedules work for.
type ProjectConfig struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	RepoPath     string       `yaml:"repo_path"`
	BaseBranch   string       `yaml:"base_branch"`
	BranchPrefix string       `yaml:"branch_prefix"`
	WorktreeRoot string       `yaml:"worktree_root"` // empty inherits worktrees.root
	SlotCount    int          `yaml:"slot_count"`
	Policy       PolicyConfig `yaml:"policy"`
}

// PolicyConfig is the per-project command guard policy. An empty
// allowed_commands list falls back to the guard's built-in defaults.
type PolicyConfig struct {
	AllowedCommands []string `yaml:"allowed_commands"`
	ForbiddenPaths  []string `yaml:"forbidden_paths"`
	AllowNetwork    bool     `yaml:"allow_network"`
	MaxMinutes      int      `yaml:"max_minutes"` // default 30
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "gantry.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Database == "" {
			c.Database.Database = "gantry"
		}
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = Duration(5 * time.Second)
	}
	if c.Scheduler.LeaseTTL == 0 {
		c.Scheduler.LeaseTTL = Duration(5 * time.Minute)
	}
	if c.Scheduler.RetryCooldown == 0 {
		c.Scheduler.RetryCooldown = Duration(30 * time.Minute)
	}
	if c.Scheduler.DispatchParallelism == 0 {
		c.Scheduler.DispatchParallelism = 4
	}
	if c.Scheduler.AgentCommand == "" {
		c.Scheduler.AgentCommand = "claude"
	}
	if c.Worktrees.Root == "" {
		c.Worktrees.Root = filepath.Join(".gantry", "worktrees")
	}
	if c.Worktrees.LockTTL == 0 {
		c.Worktrees.LockTTL = Duration(10 * time.Minute)
	}
	if c.Guard.CacheTTL == 0 {
		c.Guard.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Guard.CacheCapacity == 0 {
		c.Guard.CacheCapacity = 200
	}
	if c.Guard.AuditCapacity == 0 {
		c.Guard.AuditCapacity = 500
	}
	if c.Reconciler.SweepEvery == 0 {
		c.Reconciler.SweepEvery = Duration(time.Minute)
	}
	if c.Reconciler.PurgeCron == "" {
		c.Reconciler.PurgeCron = "@daily"
	}
	if c.Reconciler.PurgeAfter == 0 {
		c.Reconciler.PurgeAfter = Duration(24 * time.Hour)
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 7663
	}
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.BaseBranch == "" {
			p.BaseBranch = "main"
		}
		if p.BranchPrefix == "" {
			p.BranchPrefix = "gantry"
		}
		if p.SlotCount == 0 {
			p.SlotCount = 2
		}
		if p.Policy.MaxMinutes == 0 {
			p.Policy.MaxMinutes = 30
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Scheduler.DispatchParallelism < 1 {
		errs = append(errs, "scheduler.dispatch_parallelism must be at least 1")
	}
	if c.Scheduler.PollInterval < 0 || c.Scheduler.LeaseTTL < 0 || c.Scheduler.RetryCooldown < 0 {
		errs = append(errs, "scheduler durations must be positive")
	}
	if len(c.Projects) == 0 {
		errs = append(errs, "at least one project is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("projects[%d].id %q is duplicated", i, p.ID))
		} else {
			seen[p.ID] = true
		}
		if p.RepoPath == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].repo_path is required", i))
		}
		if p.SlotCount < 1 {
			errs = append(errs, fmt.Sprintf("projects[%d].slot_count must be at least 1", i))
		}
		if p.Policy.MaxMinutes < 1 {
			errs = append(errs, fmt.Sprintf("projects[%d].policy.max_minutes must be at least 1", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Project returns the project config with the given id, or nil.
func (c *Config) Project(id string) *ProjectConfig {
	for i := range c.Projects {
		if c.Projects[i].ID == id {
			return &c.Projects[i]
		}
	}
	return nil
}
