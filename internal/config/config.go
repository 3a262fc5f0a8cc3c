// Package config provides layered configuration for crew.
//
// Load order (later sources override earlier): built-in defaults, user
// config (~/.crew/config.yaml), project config (.crew/config.yaml), then
// CREW_* environment variables. Loading is viper-backed; the merged result
// is a plain Config value handed to components.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mwhitaker/crew/internal/task"
	"github.com/spf13/viper"
)

// DefaultModel is the single-model default vocabulary for modelPriority.
const DefaultModel = "gpt-5-codex"

// Config is the merged orchestrator configuration.
type Config struct {
	// AgentBinary is the model-invocation executable workers spawn.
	AgentBinary string `mapstructure:"agent_binary" yaml:"agent_binary"`
	// TestCommand is what the tester role shells out to.
	TestCommand string `mapstructure:"test_command" yaml:"test_command"`
	// EventsDBPath is the sqlite event log location, relative to the
	// worktree unless absolute.
	EventsDBPath string `mapstructure:"events_db" yaml:"events_db"`

	// AutoStartWorkers spawns configured workers as soon as a run starts.
	AutoStartWorkers bool `mapstructure:"auto_start_workers" yaml:"auto_start_workers"`

	// HeartbeatInterval is H: workers heartbeat at most every H while
	// working; a working worker silent for 3H is considered dead.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// SchedulerTick is the idle scheduler loop interval.
	SchedulerTick time.Duration `mapstructure:"scheduler_tick" yaml:"scheduler_tick"`
	// SpawnBudget bounds subprocess startup; exceeding it classifies the
	// attempt as a worker crash.
	SpawnBudget time.Duration `mapstructure:"spawn_budget" yaml:"spawn_budget"`
	// CancelGrace is the SIGTERM-to-SIGKILL escalation window.
	CancelGrace time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	// MaxRetries bounds crash retries per task before it is blocked.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// ArtifactPatterns is the doublestar allow-list for worker artifacts.
	ArtifactPatterns []string `mapstructure:"artifact_patterns" yaml:"artifact_patterns"`

	// Workers is the desired worker set per role.
	Workers []WorkerSpawnConfig `mapstructure:"workers" yaml:"workers"`
}

// WorkerSpawnConfig declares the desired worker count and model priority for
// one role.
type WorkerSpawnConfig struct {
	Role          task.Role `mapstructure:"role" yaml:"role" json:"role"`
	Count         int       `mapstructure:"count" yaml:"count" json:"count"`
	ModelPriority []string  `mapstructure:"model_priority" yaml:"model_priority" json:"modelPriority"`
}

// MaxWorkersForRole returns the role-specific cap: analyst roles 4, all
// others 2.
func MaxWorkersForRole(role task.Role) int {
	switch role {
	case task.RoleAnalystA, task.RoleAnalystB:
		return 4
	default:
		return 2
	}
}

// Normalize clamps the count into [0, cap] and stretches ModelPriority to
// the cap length by repeating the last entry, so every potential worker
// slot has a model assigned.
func (c WorkerSpawnConfig) Normalize() WorkerSpawnConfig {
	max := MaxWorkersForRole(c.Role)
	if c.Count < 0 {
		c.Count = 0
	}
	if c.Count > max {
		c.Count = max
	}

	priority := append([]string(nil), c.ModelPriority...)
	if len(priority) == 0 {
		priority = []string{DefaultModel}
	}
	for len(priority) < max {
		priority = append(priority, priority[len(priority)-1])
	}
	c.ModelPriority = priority[:max]
	return c
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AgentBinary:       "codex",
		TestCommand:       "go test ./...",
		EventsDBPath:      ".crew/events.db",
		AutoStartWorkers:  true,
		HeartbeatInterval: 10 * time.Second,
		SchedulerTick:     time.Second,
		SpawnBudget:       30 * time.Second,
		CancelGrace:       5 * time.Second,
		MaxRetries:        2,
		ArtifactPatterns:  []string{"**"},
		Workers:           DefaultWorkers(),
	}
}

// DefaultWorkers declares one worker per role with the default model.
func DefaultWorkers() []WorkerSpawnConfig {
	configs := make([]WorkerSpawnConfig, 0, len(task.Roles))
	for _, role := range task.Roles {
		configs = append(configs, WorkerSpawnConfig{
			Role:          role,
			Count:         1,
			ModelPriority: []string{DefaultModel},
		}.Normalize())
	}
	return configs
}

// Load reads configuration from the layered sources. A missing config file
// is not an error; defaults apply.
func Load(worktree string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(worktree + "/.crew")
	v.AddConfigPath("$HOME/.crew")

	v.SetEnvPrefix("CREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i, wc := range cfg.Workers {
		if !task.ValidRole(wc.Role) {
			return nil, fmt.Errorf("config: unknown worker role %q", wc.Role)
		}
		cfg.Workers[i] = wc.Normalize()
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("agent_binary", d.AgentBinary)
	v.SetDefault("test_command", d.TestCommand)
	v.SetDefault("events_db", d.EventsDBPath)
	v.SetDefault("auto_start_workers", d.AutoStartWorkers)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("scheduler_tick", d.SchedulerTick)
	v.SetDefault("spawn_budget", d.SpawnBudget)
	v.SetDefault("cancel_grace", d.CancelGrace)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("artifact_patterns", d.ArtifactPatterns)
}
