package worker

import (
	"context"
	"fmt"
	"strings"

	"doppel/internal/store"
	"doppel/internal/types"
)

const (
	// designDocLimit caps how much approach text goes into each prompt.
	designDocLimit = 4000
	// historyEntries caps how many progress briefs the prompt carries.
	historyEntries = 20
	// historyEntryLimit caps each brief.
	historyEntryLimit = 500
)

// contract tells the agent how to report back. Every prompt ends with it.
const contract = `## Reporting

When you finish this iteration, print exactly one result block as the last thing on stdout:

###RESULT###
{"status": "done|needs_more|failed", "summary": "<one paragraph of what happened>", "cost_usd": 0.0}
###END###

Optional fields: "open_issues" (integer, review tasks only), "discoveries" [{"type": "pattern|constraint|insight|blocker", "content": "..."}], "concerns" [], "next_steps" [], "constraints" [{"rule": "...", "reason": "..."}], "injections" [{"task_id": "...", "content": "..."}], and "escalation" {"type": "...", "question": "...", "context": "...", "options": [{"id": "...", "label": "...", "confidence": 0.0}]} when you hit ambiguity only a human can settle.

Use "needs_more" when the task needs another iteration, "done" when its success criteria hold, "failed" when it cannot be completed.`

// buildPrompt assembles the iteration prompt: interventions and steering
// first, then the outcome frame, the task, standing context, history, and
// the reporting contract.
func (d *driver) buildPrompt(ctx context.Context, task *types.Task, interventions []string) (string, error) {
	outcome, err := d.deps.Store.GetOutcome(ctx, d.worker.OutcomeID)
	if err != nil {
		return "", err
	}

	var injections []types.ContextInjection
	var octx *types.OutcomeContext
	err = d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		injections, err = tx.InjectionsForTask(ctx, d.worker.OutcomeID, task.ID)
		if err != nil {
			return err
		}
		octx, err = tx.OutcomeContext(ctx, d.worker.OutcomeID)
		return err
	})
	if err != nil {
		return "", err
	}

	history, err := d.deps.Store.ListProgress(ctx, d.worker.ID, store.ProgressFilter{})
	if err != nil {
		return "", err
	}
	if len(history) > historyEntries {
		history = history[len(history)-historyEntries:]
	}

	steering := d.steering
	d.steering = nil

	var sb strings.Builder

	if len(interventions) > 0 {
		sb.WriteString("## Operator interventions\n\n")
		sb.WriteString("Address these before anything else:\n\n")
		for _, msg := range interventions {
			sb.WriteString(fmt.Sprintf("- %s\n", msg))
		}
		sb.WriteString("\n")
	}
	if len(steering) > 0 {
		sb.WriteString("## Carried over from last iteration\n\n")
		for _, s := range steering {
			sb.WriteString(fmt.Sprintf("- %s\n", s))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("## Outcome: %s\n\n", outcome.Name))
	if outcome.Intent.Summary != "" {
		sb.WriteString(outcome.Intent.Summary + "\n\n")
	}
	if len(outcome.Intent.Items) > 0 {
		sb.WriteString("Wanted:\n")
		for _, item := range outcome.Intent.Items {
			sb.WriteString(fmt.Sprintf("- %s\n", item))
		}
		sb.WriteString("\n")
	}
	if len(outcome.Intent.SuccessCriteria) > 0 {
		sb.WriteString("Success criteria:\n")
		for _, c := range outcome.Intent.SuccessCriteria {
			sb.WriteString(fmt.Sprintf("- %s\n", c))
		}
		sb.WriteString("\n")
	}
	if outcome.DesignDoc.Approach != "" {
		sb.WriteString(fmt.Sprintf("## Approach (v%d)\n\n", outcome.DesignDoc.Version))
		sb.WriteString(truncateText(outcome.DesignDoc.Approach, designDocLimit))
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("## Current task: %s\n\n", task.Title))
	if task.Description != "" {
		sb.WriteString(task.Description + "\n\n")
	}
	sb.WriteString(fmt.Sprintf("Iteration %d on this task (budget %d).\n\n",
		d.iterationsOnTask, d.deps.Config.Worker.MaxIterationsPerTask))

	if len(injections) > 0 {
		sb.WriteString("## Context for this task\n\n")
		for _, inj := range injections {
			sb.WriteString(fmt.Sprintf("- %s\n", inj.Content))
		}
		sb.WriteString("\n")
	}
	if octx != nil && len(octx.Constraints) > 0 {
		sb.WriteString("## Standing constraints\n\n")
		for _, c := range octx.Constraints {
			sb.WriteString(fmt.Sprintf("- %s", c.Rule))
			if c.Reason != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", c.Reason))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if octx != nil && len(octx.Decisions) > 0 {
		sb.WriteString("## Decisions already made\n\n")
		for _, dec := range octx.Decisions {
			sb.WriteString(fmt.Sprintf("- %s\n", dec.Content))
		}
		sb.WriteString("\n")
	}

	if len(history) > 0 {
		sb.WriteString("## Your progress so far\n\n")
		for _, entry := range history {
			sb.WriteString(fmt.Sprintf("- [%d] %s\n",
				entry.Iteration, truncateText(entry.Content, historyEntryLimit)))
		}
		sb.WriteString("\n")
	}

	if d.deps.Skills != nil {
		if digest := d.deps.Skills.PromptDigest(); digest != "" {
			sb.WriteString("## Available skills\n\n")
			sb.WriteString(digest)
			sb.WriteString("\n")
		}
	}

	sb.WriteString(contract)
	return sb.String(), nil
}

// fallbackPrompt covers prompt-assembly failures; the task still gets
// worked, just without the trimmings.
func fallbackPrompt(task *types.Task) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Current task: %s\n\n", task.Title))
	if task.Description != "" {
		sb.WriteString(task.Description + "\n\n")
	}
	sb.WriteString(contract)
	return sb.String()
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
