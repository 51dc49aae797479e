package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"doppel/internal/agent"
	"doppel/internal/store"
	"doppel/internal/types"
)

const worktreeTimeout = 30 * time.Second

// prepareIsolation gives the worker its own git worktree when the outcome
// asks for one. Isolation is best-effort: a failure is recorded in the
// activity log and the worker runs in the shared tree instead.
func (m *Manager) prepareIsolation(ctx context.Context, worker *types.Worker) {
	outcome, err := m.deps.Store.GetOutcome(ctx, worker.OutcomeID)
	if err != nil || len(outcome.GitConfig) == 0 {
		return
	}
	var git types.GitSettings
	if err := json.Unmarshal(outcome.GitConfig, &git); err != nil {
		m.log.Warn("unparseable git config",
			zap.String("outcome_id", worker.OutcomeID), zap.Error(err))
		return
	}
	if !git.UseWorktree || git.RepoPath == "" {
		return
	}

	branch := "doppel/" + worker.ID
	path := filepath.Join(git.RepoPath, ".worktrees", worker.ID)
	args := []string{"-C", git.RepoPath, "worktree", "add", "-b", branch, path}
	if git.BaseBranch != "" {
		args = append(args, git.BaseBranch)
	}

	res, err := agent.RunCommand(ctx, agent.CommandSpec{
		Name:    "git",
		Args:    args,
		Timeout: worktreeTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		detail := ""
		if err != nil {
			detail = err.Error()
		} else {
			detail = firstNonEmpty(res.Stderr, res.Stdout)
		}
		m.log.Warn("worktree creation failed",
			zap.String("worker_id", worker.ID), zap.String("detail", detail))
		m.appendActivity(ctx, worker.OutcomeID, "worktree_failed",
			fmt.Sprintf("worker %s falls back to the shared tree: %s", worker.ID, detail))
		return
	}

	if err := m.deps.Store.SetWorkerWorktree(ctx, worker.ID, branch, path); err != nil {
		m.log.Warn("failed to record worktree", zap.Error(err))
		return
	}
	worker.BranchName = branch
	worker.WorktreePath = path
	m.appendActivity(ctx, worker.OutcomeID, "worktree_created",
		fmt.Sprintf("worker %s isolated on branch %s", worker.ID, branch))
}

func (m *Manager) appendActivity(ctx context.Context, outcomeID, kind, message string) {
	err := m.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AppendActivity(ctx, outcomeID, kind, message)
	})
	if err != nil {
		m.log.Warn("failed to append activity", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
