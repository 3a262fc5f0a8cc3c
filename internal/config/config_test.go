package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/task"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "codex", cfg.AgentBinary)
	assert.Equal(t, "go test ./...", cfg.TestCommand)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, []string{"**"}, cfg.ArtifactPatterns)
	assert.Len(t, cfg.Workers, len(task.Roles))
}

func TestMaxWorkersForRole(t *testing.T) {
	assert.Equal(t, 4, MaxWorkersForRole(task.RoleAnalystA))
	assert.Equal(t, 4, MaxWorkersForRole(task.RoleAnalystB))
	assert.Equal(t, 2, MaxWorkersForRole(task.RoleImplementer))
	assert.Equal(t, 2, MaxWorkersForRole(task.RoleReviewer))
}

func TestWorkerSpawnConfig_Normalize(t *testing.T) {
	// Count above the role cap is clamped.
	c := WorkerSpawnConfig{Role: task.RoleTester, Count: 9}.Normalize()
	assert.Equal(t, 2, c.Count)

	// Negative counts floor at zero.
	c = WorkerSpawnConfig{Role: task.RoleTester, Count: -1}.Normalize()
	assert.Equal(t, 0, c.Count)

	// Empty priority falls back to the default model; the list stretches to
	// the cap by repeating the last entry.
	c = WorkerSpawnConfig{Role: task.RoleAnalystA, Count: 3}.Normalize()
	require.Len(t, c.ModelPriority, 4)
	for _, m := range c.ModelPriority {
		assert.Equal(t, DefaultModel, m)
	}

	c = WorkerSpawnConfig{
		Role:          task.RoleAnalystA,
		Count:         4,
		ModelPriority: []string{"primary", "fallback"},
	}.Normalize()
	assert.Equal(t, []string{"primary", "fallback", "fallback", "fallback"}, c.ModelPriority)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().AgentBinary, cfg.AgentBinary)
	assert.Equal(t, Default().SchedulerTick, cfg.SchedulerTick)
}

func TestLoad_ProjectConfig(t *testing.T) {
	wt := t.TempDir()
	dir := filepath.Join(wt, ".crew")
	require.NoError(t, os.MkdirAll(dir, 0755))
	yaml := `
agent_binary: myagent
test_command: make test
max_retries: 5
workers:
  - role: analyst_a
    count: 9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load(wt)
	require.NoError(t, err)
	assert.Equal(t, "myagent", cfg.AgentBinary)
	assert.Equal(t, "make test", cfg.TestCommand)
	assert.Equal(t, 5, cfg.MaxRetries)

	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, task.RoleAnalystA, cfg.Workers[0].Role)
	assert.Equal(t, 4, cfg.Workers[0].Count, "count clamps to the analyst cap")
}

func TestLoad_UnknownRole(t *testing.T) {
	wt := t.TempDir()
	dir := filepath.Join(wt, ".crew")
	require.NoError(t, os.MkdirAll(dir, 0755))
	yaml := `
workers:
  - role: wizard
    count: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := Load(wt)
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CREW_AGENT_BINARY", "env-agent")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "env-agent", cfg.AgentBinary)
}
