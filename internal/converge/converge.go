// Package converge decides when an outcome is settling. It slides a window
// over the open-issue counts reported by review cycles: a non-increasing
// trend ending at or below the threshold means converging, and a run of
// zero-issue cycles with every task completed earns an achieved
// recommendation. The recommendation is advisory; nothing here mutates
// outcome status.
package converge

import (
	"context"

	"go.uber.org/zap"

	"doppel/internal/logging"
	"doppel/internal/store"
	"doppel/internal/types"
)

const (
	// WindowSize is how many trailing review cycles the trend considers.
	WindowSize = 3
	// IssueThreshold is the highest final open-issue count still counted
	// as converging.
	IssueThreshold = 1
	// ZeroStreakRequired is how many consecutive zero-issue cycles it
	// takes to recommend achieved.
	ZeroStreakRequired = 2
)

// Assessment is the evaluator's read on one outcome.
type Assessment struct {
	Converging        bool `json:"converging"`
	RecommendAchieved bool `json:"recommend_achieved"`
	// Cycles is how many review cycles have been recorded.
	Cycles int `json:"cycles"`
	// LatestOpenIssues is the newest cycle's count; meaningless when
	// Cycles is zero.
	LatestOpenIssues int `json:"latest_open_issues"`
	// ZeroStreak counts trailing cycles that reported zero open issues.
	ZeroStreak int `json:"zero_streak"`
	// TasksRemaining counts tasks not yet completed.
	TasksRemaining int `json:"tasks_remaining"`
}

// Assess computes the assessment from raw parts. Cycles must be oldest
// first. Pure; the Evaluator wraps it with store reads.
func Assess(cycles []types.ReviewCycle, tasks []types.Task, ongoing bool) Assessment {
	a := Assessment{Cycles: len(cycles)}

	remaining := 0
	for _, task := range tasks {
		if task.Status != types.TaskCompleted {
			remaining++
		}
	}
	a.TasksRemaining = remaining

	if len(cycles) == 0 {
		return a
	}
	a.LatestOpenIssues = cycles[len(cycles)-1].OpenIssues

	for i := len(cycles) - 1; i >= 0; i-- {
		if cycles[i].OpenIssues != 0 {
			break
		}
		a.ZeroStreak++
	}

	// A trend needs at least two points.
	if len(cycles) >= 2 {
		window := cycles
		if len(window) > WindowSize {
			window = window[len(window)-WindowSize:]
		}
		nonIncreasing := true
		for i := 1; i < len(window); i++ {
			if window[i].OpenIssues > window[i-1].OpenIssues {
				nonIncreasing = false
				break
			}
		}
		a.Converging = nonIncreasing && a.LatestOpenIssues <= IssueThreshold
	}

	// Ongoing outcomes have no end state and never achieve.
	a.RecommendAchieved = !ongoing &&
		a.ZeroStreak >= ZeroStreakRequired &&
		remaining == 0

	return a
}

// Evaluator reads an outcome's review history and tasks from the store and
// assesses them.
type Evaluator struct {
	store *store.Store
	log   *zap.Logger
}

// New builds an evaluator over the shared store.
func New(st *store.Store) *Evaluator {
	return &Evaluator{store: st, log: logging.Get(logging.CategoryConverge)}
}

// Evaluate assesses one outcome.
func (e *Evaluator) Evaluate(ctx context.Context, outcomeID string) (*Assessment, error) {
	outcome, err := e.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	cycles, err := e.store.ListReviewCycles(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, outcomeID, store.TaskFilter{})
	if err != nil {
		return nil, err
	}

	a := Assess(cycles, tasks, outcome.IsOngoing)
	e.log.Debug("assessed outcome",
		zap.String("outcome_id", outcomeID),
		zap.Bool("converging", a.Converging),
		zap.Bool("recommend_achieved", a.RecommendAchieved),
		zap.Int("latest_open_issues", a.LatestOpenIssues),
		zap.Int("zero_streak", a.ZeroStreak))
	return &a, nil
}
