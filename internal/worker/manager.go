// Package worker runs the execution fleet: the Manager spawns and controls
// one driver goroutine per worker row, and the driver iterates claim →
// prompt → agent → observe until its outcome runs dry. Control flow between
// Manager and driver goes through in-memory control blocks; everything
// durable goes through the store so a crash only ever costs the in-flight
// iteration.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"doppel/internal/agent"
	"doppel/internal/config"
	"doppel/internal/events"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/oracle"
	"doppel/internal/scheduler"
	"doppel/internal/skills"
	"doppel/internal/store"
	"doppel/internal/types"
)

// control is the in-memory side of one worker: flags the driver polls at
// iteration boundaries and the intervention queue it drains into prompts.
type control struct {
	workerID  string
	outcomeID string

	pause     atomic.Bool
	terminate atomic.Bool

	mu            sync.Mutex
	interventions []string

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *control) send(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interventions = append(c.interventions, message)
}

func (c *control) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.interventions) == 0 {
		return nil
	}
	out := c.interventions
	c.interventions = nil
	return out
}

// Deps wires the manager into the rest of the system. Oracle, Skills and
// Events are optional; the driver degrades to deterministic fallbacks
// without an oracle or skills, and publishes on a nil bus are no-ops.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Observer  *homr.Observer
	Invoker   agent.Invoker
	Oracle    oracle.Oracle
	Skills    *skills.Cache
	Events    *events.Bus
	IDs       *ids.Generator
	Clock     ids.Clock
}

// Manager owns the worker fleet for one process.
type Manager struct {
	deps Deps
	log  *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	blocks    map[string]*control
	accepting bool
}

// NewManager builds a manager. Drivers run under the manager's own root
// context, not the caller's; Shutdown ends them.
func NewManager(deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = ids.SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		log:        logging.Get(logging.CategoryWorker),
		rootCtx:    ctx,
		rootCancel: cancel,
		blocks:     make(map[string]*control),
		accepting:  true,
	}
}

// StartOptions tunes StartWorker.
type StartOptions struct {
	// Parallel permits a second live worker on the same outcome.
	Parallel bool
	Name     string
}

// StartWorker creates a worker row for the outcome and spawns its driver.
// Without Parallel, an existing live worker on the outcome is a conflict;
// the existence check and the insert share one transaction so two
// concurrent starts cannot both win.
func (m *Manager) StartWorker(ctx context.Context, outcomeID string, opts StartOptions) (*types.Worker, error) {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is shutting down: %w", types.ErrConflict)
	}
	m.mu.Unlock()

	worker := &types.Worker{
		ID:        m.deps.IDs.Worker(),
		OutcomeID: outcomeID,
		Name:      opts.Name,
		Status:    types.WorkerIdle,
		PID:       os.Getpid(),
	}
	if worker.Name == "" {
		worker.Name = worker.ID
	}

	err := m.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		outcome, err := tx.GetOutcome(ctx, outcomeID)
		if err != nil {
			return err
		}
		if outcome.Status == types.OutcomeArchived || outcome.Status == types.OutcomeAchieved {
			return fmt.Errorf("outcome %s is %s: %w", outcomeID, outcome.Status, types.ErrConflict)
		}
		if !opts.Parallel {
			live, err := tx.LiveWorkers(ctx, outcomeID)
			if err != nil {
				return err
			}
			if len(live) > 0 {
				return fmt.Errorf("outcome %s already has worker %s: %w",
					outcomeID, live[0].ID, types.ErrConflict)
			}
		}
		if err := tx.CreateWorker(ctx, worker); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, outcomeID, "worker_started",
			fmt.Sprintf("worker %s started", worker.ID))
	})
	if err != nil {
		return nil, err
	}

	m.prepareIsolation(ctx, worker)
	m.spawn(worker)

	m.deps.Events.Publish("worker_started", outcomeID, worker.ID,
		fmt.Sprintf("worker %s started", worker.Name))
	m.log.Info("worker started",
		zap.String("worker_id", worker.ID),
		zap.String("outcome_id", outcomeID),
		zap.Bool("parallel", opts.Parallel))
	return worker, nil
}

// spawn registers a control block and launches the driver goroutine.
func (m *Manager) spawn(worker *types.Worker) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	ctl := &control{
		workerID:  worker.ID,
		outcomeID: worker.OutcomeID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.blocks[worker.ID] = ctl
	m.mu.Unlock()

	d := newDriver(m.deps, worker, ctl)
	go func() {
		defer close(ctl.done)
		defer m.forget(worker.ID, ctl)
		d.run(ctx)
	}()
}

// forget removes the block if it is still the registered one. Resume may
// have replaced it already.
func (m *Manager) forget(workerID string, ctl *control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks[workerID] == ctl {
		delete(m.blocks, workerID)
	}
}

func (m *Manager) block(workerID string) *control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[workerID]
}

// PauseWorker asks the driver to stop at its next iteration boundary; the
// driver releases any held claim and persists the paused status itself. A
// worker with no live driver is paused directly on the row.
func (m *Manager) PauseWorker(ctx context.Context, workerID string) error {
	if ctl := m.block(workerID); ctl != nil {
		ctl.pause.Store(true)
		m.log.Info("pause requested", zap.String("worker_id", workerID))
		return nil
	}

	worker, err := m.deps.Store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Status.Terminal() {
		return fmt.Errorf("worker %s is %s: %w", workerID, worker.Status, types.ErrConflict)
	}
	if err := m.deps.Store.SetWorkerStatus(ctx, workerID, types.WorkerPaused); err != nil {
		return err
	}
	m.deps.Events.Publish("worker_paused", worker.OutcomeID, workerID, "")
	return nil
}

// ResumeWorker clears a pending pause, or spawns a fresh driver on the
// existing row when the previous one has exited.
func (m *Manager) ResumeWorker(ctx context.Context, workerID string) error {
	if ctl := m.block(workerID); ctl != nil {
		select {
		case <-ctl.done:
			// Exited; fall through to respawn.
		default:
			ctl.pause.Store(false)
			m.log.Info("pause cleared", zap.String("worker_id", workerID))
			return nil
		}
	}

	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return fmt.Errorf("manager is shutting down: %w", types.ErrConflict)
	}
	m.mu.Unlock()

	worker, err := m.deps.Store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Status.Terminal() {
		return fmt.Errorf("worker %s is %s: %w", workerID, worker.Status, types.ErrConflict)
	}
	if err := m.deps.Store.SetWorkerStatus(ctx, workerID, types.WorkerIdle); err != nil {
		return err
	}
	worker.Status = types.WorkerIdle

	m.spawn(worker)
	m.deps.Events.Publish("worker_resumed", worker.OutcomeID, workerID, "")
	m.log.Info("worker resumed", zap.String("worker_id", workerID))
	return nil
}

// SendIntervention queues a message for the driver to prepend into its next
// prompt. Messages need a live driver; there is nowhere durable for them.
func (m *Manager) SendIntervention(ctx context.Context, workerID, message string) error {
	if message == "" {
		return fmt.Errorf("intervention message is empty: %w", types.ErrInvalid)
	}
	ctl := m.block(workerID)
	if ctl == nil {
		return fmt.Errorf("worker %s has no live driver: %w", workerID, types.ErrConflict)
	}
	ctl.send(message)

	err := m.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AppendActivity(ctx, ctl.outcomeID, "intervention",
			fmt.Sprintf("intervention sent to worker %s", workerID))
	})
	if err != nil {
		m.log.Warn("failed to record intervention", zap.Error(err))
	}
	m.deps.Events.Publish("intervention_sent", ctl.outcomeID, workerID, "")
	return nil
}

// TerminateWorker makes the driver exit at its next boundary without
// touching the worker row; the supervisor reclaims whatever it held.
func (m *Manager) TerminateWorker(workerID string) error {
	ctl := m.block(workerID)
	if ctl == nil {
		return fmt.Errorf("worker %s has no live driver: %w", workerID, types.ErrNotFound)
	}
	ctl.terminate.Store(true)
	return nil
}

// Live reports whether a driver goroutine currently runs for the worker.
func (m *Manager) Live(workerID string) bool {
	ctl := m.block(workerID)
	if ctl == nil {
		return false
	}
	select {
	case <-ctl.done:
		return false
	default:
		return true
	}
}

// Shutdown stops accepting new workers, asks every driver to pause, and
// waits up to the configured grace. Drivers still mid-invocation after the
// grace are cut off at the context; their rows stay running and the next
// boot's reclaim sweep picks the claims back up.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.accepting = false
	blocks := make([]*control, 0, len(m.blocks))
	for _, ctl := range m.blocks {
		ctl.pause.Store(true)
		blocks = append(blocks, ctl)
	}
	m.mu.Unlock()

	grace := m.deps.Config.GetShutdownGrace()
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for _, ctl := range blocks {
		select {
		case <-ctl.done:
		case <-deadline.C:
			m.log.Warn("shutdown grace expired, cancelling drivers",
				zap.Duration("grace", grace))
			m.rootCancel()
			m.waitAll(blocks)
			return
		case <-ctx.Done():
			m.rootCancel()
			m.waitAll(blocks)
			return
		}
	}
	m.rootCancel()
	m.log.Info("all drivers stopped", zap.Int("count", len(blocks)))
}

func (m *Manager) waitAll(blocks []*control) {
	for _, ctl := range blocks {
		<-ctl.done
	}
}
