package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:3000", cfg.Server.BindAddr)
	assert.Equal(t, "./.data", cfg.Store.StateDir)
	assert.Equal(t, 60*time.Second, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetSupervisorInterval())
	assert.Equal(t, 50, cfg.Worker.CompactionThreshold)
	assert.Equal(t, 10, cfg.Worker.MaxIterationsPerTask)
	assert.Equal(t, 3, cfg.Worker.IdleExitIterations)
	assert.Equal(t, 5.0, cfg.Supervisor.CostCapUSD)
	assert.Equal(t, "claude", cfg.Agent.Command)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.BindAddr, cfg.Server.BindAddr)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doppel.yaml")
	content := []byte(`
server:
  bind_addr: "0.0.0.0:8088"
worker:
  heartbeat_timeout: "90s"
  compaction_threshold: 25
supervisor:
  cost_cap_usd: 12.5
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8088", cfg.Server.BindAddr)
	assert.Equal(t, 90*time.Second, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 25, cfg.Worker.CompactionThreshold)
	assert.Equal(t, 12.5, cfg.Supervisor.CostCapUSD)
	// Untouched sections keep defaults.
	assert.Equal(t, "2s", cfg.Jobs.PollInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("state dir and bind addr", func(t *testing.T) {
		t.Setenv("STATE_DIR", "/var/lib/doppel")
		t.Setenv("BIND_ADDR", "127.0.0.1:9999")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/doppel", cfg.Store.StateDir)
		assert.Equal(t, "127.0.0.1:9999", cfg.Server.BindAddr)
		assert.Equal(t, filepath.Join("/var/lib/doppel", "doppel.db"), cfg.StorePath())
	})

	t.Run("millisecond knobs", func(t *testing.T) {
		t.Setenv("HEARTBEAT_TIMEOUT_MS", "120000")
		t.Setenv("SUPERVISOR_INTERVAL_MS", "250")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.GetHeartbeatTimeout())
		assert.Equal(t, 250*time.Millisecond, cfg.GetSupervisorInterval())
	})

	t.Run("integer and float knobs", func(t *testing.T) {
		t.Setenv("COMPACTION_THRESHOLD", "10")
		t.Setenv("MAX_ITERATIONS_PER_TASK", "4")
		t.Setenv("OUTCOME_COST_CAP_USD", "2.25")
		t.Setenv("AGENT_COMMAND", "mock-agent --fast")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Worker.CompactionThreshold)
		assert.Equal(t, 4, cfg.Worker.MaxIterationsPerTask)
		assert.Equal(t, 2.25, cfg.Supervisor.CostCapUSD)
		assert.Equal(t, "mock-agent --fast", cfg.Agent.Command)
	})

	t.Run("env beats file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "doppel.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store:\n  state_dir: /from/file\n"), 0644))
		t.Setenv("STATE_DIR", "/from/env")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.Store.StateDir)
	})

	t.Run("malformed env values are ignored", func(t *testing.T) {
		t.Setenv("HEARTBEAT_TIMEOUT_MS", "soon")
		t.Setenv("COMPACTION_THRESHOLD", "-3")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, cfg.GetHeartbeatTimeout())
		assert.Equal(t, 50, cfg.Worker.CompactionThreshold)
	})
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.HeartbeatTimeout = "not-a-duration"
	cfg.Agent.Timeout = ""
	cfg.Supervisor.StuckThreshold = "-4s"

	assert.Equal(t, 60*time.Second, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetAgentTimeout())
	assert.Equal(t, 15*time.Minute, cfg.GetStuckThreshold())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty state dir", func(c *Config) { c.Store.StateDir = "" }},
		{"empty bind addr", func(c *Config) { c.Server.BindAddr = "" }},
		{"zero idle exit", func(c *Config) { c.Worker.IdleExitIterations = 0 }},
		{"zero max iterations", func(c *Config) { c.Worker.MaxIterationsPerTask = 0 }},
		{"zero compaction threshold", func(c *Config) { c.Worker.CompactionThreshold = 0 }},
		{"loop threshold too low", func(c *Config) { c.Supervisor.LoopThreshold = 1 }},
		{"negative cost cap", func(c *Config) { c.Supervisor.CostCapUSD = -1 }},
		{"empty agent command", func(c *Config) { c.Agent.Command = "" }},
		{"bad similarity provider", func(c *Config) { c.Similarity.Provider = "magic" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doppel.yaml")

	cfg := DefaultConfig()
	cfg.Server.BindAddr = "127.0.0.1:4040"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4040", loaded.Server.BindAddr)
}
