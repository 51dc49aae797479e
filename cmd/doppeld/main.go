package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"doppel/internal/agent"
	"doppel/internal/config"
	"doppel/internal/converge"
	"doppel/internal/dispatch"
	"doppel/internal/events"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/jobs"
	"doppel/internal/logging"
	"doppel/internal/oracle"
	"doppel/internal/scheduler"
	"doppel/internal/server"
	"doppel/internal/similarity"
	"doppel/internal/skills"
	"doppel/internal/store"
	"doppel/internal/supervisor"
	"doppel/internal/worker"
)

// version is stamped by the release build; the default marks a source build.
var version = "0.1.0-dev"

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd runs the daemon. doppeld is single-purpose: everything else it can
// do is a small convenience around the running server.
var rootCmd = &cobra.Command{
	Use:   "doppeld",
	Short: "doppeld - personal outcome orchestration daemon",
	Long: `doppeld runs the doppel orchestration daemon.

It keeps a tree of outcomes and their tasks in a local SQLite store, runs a
fleet of agent workers that claim and execute those tasks, escalates decisions
it cannot make alone, and serves a JSON API plus a websocket event feed for
the UI.

State lives under the configured state directory. Stop with SIGINT or SIGTERM;
the daemon pauses its workers and exits cleanly.`,
	RunE: runServe,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the doppeld version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("doppeld %s (%s)\n", version, runtime.Version())
	},
}

// statusCmd asks a running daemon how it is doing.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of a running daemon",
	RunE:  showStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "doppel.yaml", "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config file. A broken or invalid config
// is exit code 2, distinct from runtime failures, so supervising scripts can
// tell "fix the file" apart from "something crashed".
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doppeld: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "doppeld: invalid config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Logging.Level); err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// runServe wires the whole daemon together and blocks until a signal or a
// fatal component error.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.Init(logger)
	log := logging.Get(logging.CategoryBoot)

	if err := os.MkdirAll(cfg.Store.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", cfg.Store.StateDir, err)
	}

	clock := ids.SystemClock()
	st, err := store.Open(cfg.StorePath(), clock)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.StorePath(), err)
	}
	defer st.Close()

	gen := ids.NewGenerator(clock)
	bus := events.NewBus(clock)

	scorer, err := similarity.New(cfg.Similarity)
	if err != nil {
		return fmt.Errorf("init similarity scorer: %w", err)
	}

	// The oracle is optional. Without it workers still run; they just lose
	// second opinions, and dispatch answers quick questions from state alone.
	var consult oracle.Oracle
	if cfg.Oracle.Enabled {
		consult = oracle.NewClaudeCLI(&cfg.Oracle)
	} else {
		log.Info("oracle disabled")
	}

	skillSet := skills.NewCache(cfg.Skills.Dir)
	if cfg.Skills.Watch {
		if err := skillSet.Watch(); err != nil {
			log.Warn("skill watcher unavailable, skills load once at boot", zap.Error(err))
		} else {
			defer skillSet.Stop()
		}
	}

	sched := scheduler.New(st, clock, cfg)
	observer := homr.NewObserver(st, gen)
	evaluator := converge.New(st)

	fleet := worker.NewManager(worker.Deps{
		Config:    cfg,
		Store:     st,
		Scheduler: sched,
		Observer:  observer,
		Invoker:   agent.NewCLIInvoker(&cfg.Agent),
		Oracle:    consult,
		Skills:    skillSet,
		Events:    bus,
		IDs:       gen,
		Clock:     clock,
	})

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Store:     st,
		Scheduler: sched,
		Workers:   fleet,
		Observer:  observer,
		Evaluator: evaluator,
		Events:    bus,
		IDs:       gen,
		Clock:     clock,
	})

	queue := jobs.New(jobs.Deps{
		Config: cfg,
		Store:  st,
		Scorer: scorer,
		Events: bus,
		IDs:    gen,
		Clock:  clock,
	})

	disp := dispatch.New(dispatch.Deps{
		Config: cfg,
		Store:  st,
		Scorer: scorer,
		Oracle: consult,
		IDs:    gen,
	})

	srv := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Fleet:      fleet,
		Observer:   observer,
		Evaluator:  evaluator,
		Supervisor: sup,
		Dispatcher: disp,
		Jobs:       queue,
		Events:     bus,
		IDs:        gen,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("doppeld starting",
		zap.String("version", version),
		zap.String("bind", cfg.Server.BindAddr),
		zap.String("store", cfg.StorePath()),
		zap.Int("skills", len(skillSet.List())),
	)

	// The supervisor's first sweep reclaims workers orphaned by a crash, and
	// the job queue requeues jobs that died mid-run, so boot needs no special
	// recovery step of its own.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	runErr := g.Wait()
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownGrace())
	defer cancel()
	fleet.Shutdown(shutCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("daemon exited with error", zap.Error(runErr))
		return runErr
	}
	log.Info("doppeld stopped")
	return nil
}

// showStatus hits /health on the configured bind address and reports what it
// finds. Exit status follows reachability so scripts can gate on it.
func showStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	url := fmt.Sprintf("http://%s/health", cfg.Server.BindAddr)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("doppeld is not reachable at %s", cfg.Server.BindAddr)
	}
	defer resp.Body.Close()

	var health struct {
		Status            string `json:"status"`
		SupervisorRunning bool   `json:"supervisor_running"`
		JobQueueRunning   bool   `json:"job_queue_running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("unexpected reply from %s: %w", url, err)
	}

	fmt.Printf("doppeld at %s\n", cfg.Server.BindAddr)
	fmt.Printf("  status:     %s\n", health.Status)
	check := func(on bool) string {
		if on {
			return "running"
		}
		return "stopped"
	}
	fmt.Printf("  supervisor: %s\n", check(health.SupervisorRunning))
	fmt.Printf("  job queue:  %s\n", check(health.JobQueueRunning))
	return nil
}
