// Package config loads doppeld configuration from YAML with environment
// overrides. Durations are stored as strings ("60s") and parsed through
// getter methods that fall back to defaults on malformed input; the
// millisecond environment knobs take precedence over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full doppeld configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Worker     WorkerConfig     `yaml:"worker"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Agent      AgentConfig      `yaml:"agent"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Skills     SkillsConfig     `yaml:"skills"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	BindAddr       string `yaml:"bind_addr"`
	RequestTimeout string `yaml:"request_timeout"`
	ShutdownGrace  string `yaml:"shutdown_grace"`
}

// StoreConfig controls persistence.
type StoreConfig struct {
	StateDir string `yaml:"state_dir"`
}

// WorkerConfig tunes the iteration driver.
type WorkerConfig struct {
	HeartbeatTimeout     string `yaml:"heartbeat_timeout"`
	IdleExitIterations   int    `yaml:"idle_exit_iterations"`
	IdlePollInterval     string `yaml:"idle_poll_interval"`
	IterationDelay       string `yaml:"iteration_delay"`
	MaxIterationsPerTask int    `yaml:"max_iterations_per_task"`
	CompactionThreshold  int    `yaml:"compaction_threshold"`
}

// SchedulerConfig tunes claim contention handling.
type SchedulerConfig struct {
	ClaimRetries    int    `yaml:"claim_retries"`
	ClaimBackoff    string `yaml:"claim_backoff"`
	ClaimBackoffCap string `yaml:"claim_backoff_cap"`
}

// SupervisorConfig tunes the fleet sweep.
type SupervisorConfig struct {
	Interval       string  `yaml:"interval"`
	StuckThreshold string  `yaml:"stuck_threshold"`
	LoopThreshold  int     `yaml:"loop_threshold"`
	AutoResolveAge string  `yaml:"auto_resolve_age"`
	CostCapUSD     float64 `yaml:"cost_cap_usd"`
}

// AgentConfig describes the external agent binary and its limits.
type AgentConfig struct {
	Command           string `yaml:"command"`
	Timeout           string `yaml:"timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	RatePerMinute     int    `yaml:"rate_per_minute"`
	Burst             int    `yaml:"burst"`
}

// OracleConfig describes the completion CLI used for summaries and quick
// replies. Every caller degrades to a deterministic fallback when the
// oracle is disabled or unavailable.
type OracleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// JobsConfig tunes the background job queue.
type JobsConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// DispatchConfig tunes utterance routing.
type DispatchConfig struct {
	MatchLimit      int     `yaml:"match_limit"`
	HighThreshold   float64 `yaml:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
}

// SkillsConfig locates discoverable skill files.
type SkillsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// SimilarityConfig selects the text similarity backend.
type SimilarityConfig struct {
	Provider    string `yaml:"provider"` // "token" or "genai"
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:       "127.0.0.1:3000",
			RequestTimeout: "30s",
			ShutdownGrace:  "30s",
		},
		Store: StoreConfig{
			StateDir: "./.data",
		},
		Worker: WorkerConfig{
			HeartbeatTimeout:     "60s",
			IdleExitIterations:   3,
			IdlePollInterval:     "2s",
			IterationDelay:       "1s",
			MaxIterationsPerTask: 10,
			CompactionThreshold:  50,
		},
		Scheduler: SchedulerConfig{
			ClaimRetries:    5,
			ClaimBackoff:    "50ms",
			ClaimBackoffCap: "1s",
		},
		Supervisor: SupervisorConfig{
			Interval:       "5s",
			StuckThreshold: "15m",
			LoopThreshold:  5,
			AutoResolveAge: "10m",
			CostCapUSD:     5.0,
		},
		Agent: AgentConfig{
			Command:           "claude",
			Timeout:           "5m",
			HeartbeatInterval: "10s",
			RatePerMinute:     30,
			Burst:             5,
		},
		Oracle: OracleConfig{
			Enabled: true,
			Command: "claude",
			Model:   "sonnet",
			Timeout: "60s",
		},
		Jobs: JobsConfig{
			PollInterval: "2s",
		},
		Dispatch: DispatchConfig{
			MatchLimit:      3,
			HighThreshold:   0.72,
			MediumThreshold: 0.45,
		},
		Skills: SkillsConfig{
			Dir:   "./skills",
			Watch: true,
		},
		Similarity: SimilarityConfig{
			Provider:   "token",
			GenAIModel: "gemini-embedding-001",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the recognized environment variables. The set is
// closed; anything else is ignored.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("STATE_DIR"); dir != "" {
		c.Store.StateDir = dir
	}
	if addr := os.Getenv("BIND_ADDR"); addr != "" {
		c.Server.BindAddr = addr
	}
	if ms := envMillis("HEARTBEAT_TIMEOUT_MS"); ms > 0 {
		c.Worker.HeartbeatTimeout = msString(ms)
	}
	if ms := envMillis("SUPERVISOR_INTERVAL_MS"); ms > 0 {
		c.Supervisor.Interval = msString(ms)
	}
	if n := envInt("COMPACTION_THRESHOLD"); n > 0 {
		c.Worker.CompactionThreshold = n
	}
	if n := envInt("MAX_ITERATIONS_PER_TASK"); n > 0 {
		c.Worker.MaxIterationsPerTask = n
	}
	if v := os.Getenv("OUTCOME_COST_CAP_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Supervisor.CostCapUSD = f
		}
	}
	if cmd := os.Getenv("AGENT_COMMAND"); cmd != "" {
		c.Agent.Command = cmd
	}

	// Provider keys follow the usual ambient convention.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Similarity.GenAIAPIKey == "" {
		c.Similarity.GenAIAPIKey = key
	}
}

func envMillis(name string) int64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func msString(ms int64) string {
	return fmt.Sprintf("%dms", ms)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRequestTimeout returns the HTTP handler deadline.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 30*time.Second)
}

// GetShutdownGrace returns how long shutdown waits for workers to pause.
func (c *Config) GetShutdownGrace() time.Duration {
	return parseDuration(c.Server.ShutdownGrace, 30*time.Second)
}

// GetHeartbeatTimeout returns the worker liveness window.
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return parseDuration(c.Worker.HeartbeatTimeout, 60*time.Second)
}

// GetIdlePollInterval returns the sleep between empty claim polls.
func (c *Config) GetIdlePollInterval() time.Duration {
	return parseDuration(c.Worker.IdlePollInterval, 2*time.Second)
}

// GetIterationDelay returns the pause between iterations.
func (c *Config) GetIterationDelay() time.Duration {
	return parseDuration(c.Worker.IterationDelay, time.Second)
}

// GetClaimBackoff returns the initial claim-conflict backoff.
func (c *Config) GetClaimBackoff() time.Duration {
	return parseDuration(c.Scheduler.ClaimBackoff, 50*time.Millisecond)
}

// GetClaimBackoffCap returns the claim-conflict backoff ceiling.
func (c *Config) GetClaimBackoffCap() time.Duration {
	return parseDuration(c.Scheduler.ClaimBackoffCap, time.Second)
}

// GetSupervisorInterval returns the sweep period.
func (c *Config) GetSupervisorInterval() time.Duration {
	return parseDuration(c.Supervisor.Interval, 5*time.Second)
}

// GetStuckThreshold returns the no-progress window before a stuck alert.
func (c *Config) GetStuckThreshold() time.Duration {
	return parseDuration(c.Supervisor.StuckThreshold, 15*time.Minute)
}

// GetAutoResolveAge returns the pending age before auto-resolve fires.
func (c *Config) GetAutoResolveAge() time.Duration {
	return parseDuration(c.Supervisor.AutoResolveAge, 10*time.Minute)
}

// GetAgentTimeout returns the per-invocation agent deadline.
func (c *Config) GetAgentTimeout() time.Duration {
	return parseDuration(c.Agent.Timeout, 5*time.Minute)
}

// GetAgentHeartbeatInterval returns the in-flight heartbeat period.
func (c *Config) GetAgentHeartbeatInterval() time.Duration {
	return parseDuration(c.Agent.HeartbeatInterval, 10*time.Second)
}

// GetOracleTimeout returns the per-completion oracle deadline.
func (c *Config) GetOracleTimeout() time.Duration {
	return parseDuration(c.Oracle.Timeout, 60*time.Second)
}

// GetJobPollInterval returns the queue poll period.
func (c *Config) GetJobPollInterval() time.Duration {
	return parseDuration(c.Jobs.PollInterval, 2*time.Second)
}

// StorePath returns the SQLite database path inside the state directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.Store.StateDir, "doppel.db")
}

// Validate checks the configuration for fatal misconfiguration. Callers exit
// with code 2 when this fails.
func (c *Config) Validate() error {
	if c.Store.StateDir == "" {
		return fmt.Errorf("store.state_dir must not be empty")
	}
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr must not be empty")
	}
	if c.Worker.IdleExitIterations < 1 {
		return fmt.Errorf("worker.idle_exit_iterations must be >= 1, got %d", c.Worker.IdleExitIterations)
	}
	if c.Worker.MaxIterationsPerTask < 1 {
		return fmt.Errorf("worker.max_iterations_per_task must be >= 1, got %d", c.Worker.MaxIterationsPerTask)
	}
	if c.Worker.CompactionThreshold < 1 {
		return fmt.Errorf("worker.compaction_threshold must be >= 1, got %d", c.Worker.CompactionThreshold)
	}
	if c.Scheduler.ClaimRetries < 1 {
		return fmt.Errorf("scheduler.claim_retries must be >= 1, got %d", c.Scheduler.ClaimRetries)
	}
	if c.Supervisor.LoopThreshold < 2 {
		return fmt.Errorf("supervisor.loop_threshold must be >= 2, got %d", c.Supervisor.LoopThreshold)
	}
	if c.Supervisor.CostCapUSD < 0 {
		return fmt.Errorf("supervisor.cost_cap_usd must not be negative, got %f", c.Supervisor.CostCapUSD)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	switch c.Similarity.Provider {
	case "", "token", "genai":
	default:
		return fmt.Errorf("similarity.provider must be token or genai, got %q", c.Similarity.Provider)
	}
	return nil
}
