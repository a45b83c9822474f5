// Package config defines the Foreman engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Foreman configuration.
type Config struct {
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
}

// EngineConfig bounds worker execution.
type EngineConfig struct {
	MaxConcurrentWorkers int           `json:"max_concurrent_workers" yaml:"max_concurrent_workers"`
	BudgetCeilingUSD     float64       `json:"budget_ceiling_usd" yaml:"budget_ceiling_usd"`
	StaleAfter           time.Duration `json:"stale_after" yaml:"stale_after"`
	PlanApprovalTTL      time.Duration `json:"plan_approval_ttl" yaml:"plan_approval_ttl"`
}

// SupervisorConfig controls the recovery sweep.
type SupervisorConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// PolicyConfig extends the built-in security policy patterns.
// Patterns are Go regular expressions matched against shell command text
// (DangerousCommands) or file-write target paths (SensitivePaths).
type PolicyConfig struct {
	DangerousCommands []string `json:"dangerous_commands,omitempty" yaml:"dangerous_commands"`
	SensitivePaths    []string `json:"sensitive_paths,omitempty" yaml:"sensitive_paths"`
}

// DefaultConfig returns a config with sensible defaults.
// Stale and approval TTLs are deployment defaults, not engine constants;
// override them per installation.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentWorkers: 8,
			BudgetCeilingUSD:     25.0,
			StaleAfter:           10 * time.Minute,
			PlanApprovalTTL:      30 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			SweepInterval: time.Minute,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("engine.max_concurrent_workers must be positive, got %d", c.Engine.MaxConcurrentWorkers)
	}
	if c.Engine.StaleAfter <= 0 {
		return fmt.Errorf("engine.stale_after must be positive, got %s", c.Engine.StaleAfter)
	}
	if c.Engine.PlanApprovalTTL <= 0 {
		return fmt.Errorf("engine.plan_approval_ttl must be positive, got %s", c.Engine.PlanApprovalTTL)
	}
	return nil
}
