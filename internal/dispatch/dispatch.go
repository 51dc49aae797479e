// Package dispatch routes free-form user input. Three phases: match the
// input against active outcomes (the UI may prefer refining one of those),
// classify how deep the handling should go, then either answer inline or
// create an outcome with a seed task plan. The dispatcher never starts
// workers; picking up the created work is always an explicit action.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"doppel/internal/config"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/oracle"
	"doppel/internal/similarity"
	"doppel/internal/store"
	"doppel/internal/types"
)

// Mode is the classified handling depth for an utterance.
type Mode string

const (
	// ModeQuick answers synchronously and creates nothing.
	ModeQuick Mode = "quick"
	// ModeResearch creates an outcome that is mostly capability work.
	ModeResearch Mode = "research"
	// ModeDeep creates an outcome with a full execution plan.
	ModeDeep Mode = "deep"
	// ModeOutcome creates an outcome with a single task straight from the
	// input. Never produced by the classifier; only an explicit hint.
	ModeOutcome Mode = "outcome"
)

// ResultType tells the caller what the dispatcher did with the input.
type ResultType string

const (
	TypeQuick         ResultType = "quick"
	TypeResearch      ResultType = "research"
	TypeDeep          ResultType = "deep"
	TypeOutcome       ResultType = "outcome"
	TypeClarification ResultType = "clarification"
	TypeMatchFound    ResultType = "match_found"
)

// Request is one utterance to route.
type Request struct {
	Input        string `json:"input"`
	ModeHint     string `json:"mode_hint,omitempty"`
	SkipMatching bool   `json:"skip_matching,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
}

// Match is one existing outcome the input resembles.
type Match struct {
	OutcomeID string  `json:"outcome_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Level     string  `json:"level"`
}

// Result is the dispatch verdict.
type Result struct {
	Type      ResultType `json:"type"`
	Response  string     `json:"response,omitempty"`
	OutcomeID string     `json:"outcome_id,omitempty"`
	Matches   []Match    `json:"matched_outcomes,omitempty"`
	CostUSD   float64    `json:"cost_usd,omitempty"`
}

// Deps carries the dispatcher's collaborators. A nil Oracle downgrades
// quick mode to a canned acknowledgement.
type Deps struct {
	Config *config.Config
	Store  *store.Store
	Scorer similarity.Scorer
	Oracle oracle.Oracle
	IDs    *ids.Generator
}

// Dispatcher classifies and routes utterances.
type Dispatcher struct {
	deps Deps
	log  *zap.Logger
}

// New returns a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps: deps,
		log:  logging.Get(logging.CategoryDispatch),
	}
}

// Dispatch routes one utterance.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return &Result{
			Type:     TypeClarification,
			Response: "There is nothing to act on. Say what you want done, or ask a question.",
		}, nil
	}
	if req.ModeHint != "" && !validHint(req.ModeHint) {
		return nil, fmt.Errorf("%w: unknown mode hint %q", types.ErrInvalid, req.ModeHint)
	}

	if !req.SkipMatching {
		matches, err := d.match(ctx, input)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			d.log.Info("dispatch matched existing outcomes",
				zap.Int("matches", len(matches)), zap.String("top", matches[0].OutcomeID))
			return &Result{
				Type:     TypeMatchFound,
				Response: fmt.Sprintf("This sounds like %d existing outcome(s). Pick one to refine, or resend with skip_matching.", len(matches)),
				Matches:  matches,
			}, nil
		}
	}

	mode := Mode(req.ModeHint)
	if mode == "" {
		mode = classify(input)
	}
	d.log.Info("dispatch classified input",
		zap.String("mode", string(mode)), zap.Bool("hinted", req.ModeHint != ""))

	if mode == ModeQuick {
		return d.quickReply(ctx, input)
	}
	return d.createOutcome(ctx, input, mode, req.ParentID)
}

// match scores the input against every active outcome's name, brief and
// intent, returning up to MatchLimit candidates at or above the medium
// threshold, strongest first.
func (d *Dispatcher) match(ctx context.Context, input string) ([]Match, error) {
	outcomes, err := d.deps.Store.ListOutcomes(ctx, store.OutcomeFilter{Status: types.OutcomeActive})
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, nil
	}

	texts := make([]string, len(outcomes))
	for i, o := range outcomes {
		texts[i] = o.Name + "\n" + o.Brief + "\n" + o.Intent.Summary
	}
	scores, err := d.deps.Scorer.ScoreAll(ctx, input, texts)
	if err != nil {
		return nil, fmt.Errorf("scoring outcomes: %w", err)
	}

	cfg := d.deps.Config.Dispatch
	var matches []Match
	for i, score := range scores {
		if score < cfg.MediumThreshold {
			continue
		}
		level := "medium"
		if score >= cfg.HighThreshold {
			level = "high"
		}
		matches = append(matches, Match{
			OutcomeID: outcomes[i].ID,
			Name:      outcomes[i].Name,
			Score:     score,
			Level:     level,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if cfg.MatchLimit > 0 && len(matches) > cfg.MatchLimit {
		matches = matches[:cfg.MatchLimit]
	}
	return matches, nil
}

const quickPrompt = `You are the terse assistant behind a personal outcome tracker.
Answer the message below directly, in a few sentences, no preamble.

Message: %s`

// quickReply answers inline. Without an oracle the reply degrades to an
// acknowledgement that tells the user how to get more.
func (d *Dispatcher) quickReply(ctx context.Context, input string) (*Result, error) {
	if d.deps.Oracle == nil {
		return &Result{
			Type:     TypeQuick,
			Response: "Noted. No oracle is configured for synchronous answers; add a mode hint if you want this tracked as an outcome.",
		}, nil
	}
	completion, err := d.deps.Oracle.Complete(ctx, fmt.Sprintf(quickPrompt, input))
	if err != nil {
		d.log.Warn("oracle quick reply failed", zap.Error(err))
		return &Result{
			Type:     TypeQuick,
			Response: "The answer service is unavailable right now. Add a mode hint if you want this tracked as an outcome.",
		}, nil
	}
	return &Result{
		Type:     TypeQuick,
		Response: strings.TrimSpace(completion.Text),
		CostUSD:  completion.CostUSD,
	}, nil
}

// createOutcome inserts the outcome, its seed plan, and the audit entry in
// one transaction.
func (d *Dispatcher) createOutcome(ctx context.Context, input string, mode Mode, parentID string) (*Result, error) {
	outcomeID := d.deps.IDs.Outcome()
	plan := planFor(mode, input)

	err := d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		o := &types.Outcome{
			ID:       outcomeID,
			Name:     deriveName(input),
			Brief:    input,
			ParentID: parentID,
			Intent:   types.Intent{Summary: input},
		}
		if err := tx.CreateOutcome(ctx, o); err != nil {
			return err
		}

		var prevID string
		for _, pt := range plan {
			task := &types.Task{
				ID:          d.deps.IDs.Task(),
				OutcomeID:   outcomeID,
				Title:       pt.title,
				Description: pt.description,
				Priority:    pt.priority,
				Phase:       pt.phase,
			}
			if pt.chained && prevID != "" {
				task.DependsOn = []string{prevID}
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
			prevID = task.ID
		}

		return tx.AppendActivity(ctx, outcomeID, "outcome_created",
			fmt.Sprintf("dispatched (%s): %s", mode, truncate(input, 120)))
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("dispatch created outcome",
		zap.String("outcome_id", outcomeID),
		zap.String("mode", string(mode)),
		zap.Int("tasks", len(plan)))
	return &Result{
		Type:      ResultType(mode),
		Response:  fmt.Sprintf("Created outcome %s with %d seed tasks. Start a worker when ready.", outcomeID, len(plan)),
		OutcomeID: outcomeID,
	}, nil
}

type seedTask struct {
	title       string
	description string
	phase       types.TaskPhase
	priority    int
	chained     bool
}

// planFor builds the seed tasks. Research outcomes front-load capability
// work; deep outcomes add an ordered execution chain; an explicit outcome
// hint turns the input into a single task verbatim.
func planFor(mode Mode, input string) []seedTask {
	goal := fmt.Sprintf("Goal: %s", input)
	switch mode {
	case ModeResearch:
		return []seedTask{
			{title: "Scope the question and list the unknowns", description: goal, phase: types.PhaseCapability, priority: 3},
			{title: "Gather evidence from the code, docs, and prior art", description: goal, phase: types.PhaseCapability, priority: 2, chained: true},
			{title: "Write up findings and a recommendation", description: goal, phase: types.PhaseExecution, priority: 1},
		}
	case ModeDeep:
		return []seedTask{
			{title: "Map the code and constraints this touches", description: goal, phase: types.PhaseCapability, priority: 4},
			{title: "Design the approach and record it", description: goal, phase: types.PhaseExecution, priority: 3},
			{title: "Implement the plan", description: goal, phase: types.PhaseExecution, priority: 2, chained: true},
			{title: "Verify the result and close the gaps", description: goal, phase: types.PhaseExecution, priority: 1, chained: true},
		}
	default: // ModeOutcome
		return []seedTask{
			{title: deriveName(input), description: input, phase: types.PhaseExecution, priority: 1},
		}
	}
}

func validHint(hint string) bool {
	switch Mode(hint) {
	case ModeQuick, ModeResearch, ModeDeep, ModeOutcome:
		return true
	}
	return false
}

// Inputs at or under this many words still count as a lookup rather than
// an investigation when phrased as a question.
const shortQuestionWords = 20

// interrogatives open a question even without the trailing mark.
var interrogatives = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"which": true, "who": true, "is": true, "are": true, "can": true,
	"could": true, "should": true, "would": true, "do": true, "does": true,
	"did": true, "will": true,
}

// researchVerbs signal open-ended investigation rather than a direct change.
var researchVerbs = map[string]bool{
	"investigate": true, "research": true, "explore": true, "evaluate": true,
	"compare": true, "audit": true, "assess": true, "analyze": true,
	"understand": true, "survey": true, "benchmark": true, "diagnose": true,
}

// workVerbs open an imperative asking for a concrete change.
var workVerbs = map[string]bool{
	"add": true, "fix": true, "build": true, "implement": true, "create": true,
	"write": true, "refactor": true, "update": true, "remove": true,
	"delete": true, "make": true, "ship": true, "migrate": true,
	"upgrade": true, "rename": true, "move": true, "wire": true,
	"integrate": true, "optimize": true, "improve": true, "redesign": true,
	"rework": true, "port": true, "replace": true, "convert": true,
	"extend": true, "support": true, "handle": true, "set": true,
}

// classify picks a mode from surface features: research verbs first, then
// question shape and length, then imperative openers. Anything substantial
// that is not a question defaults to deep.
func classify(input string) Mode {
	norm := strings.ToLower(strings.TrimSpace(input))
	words := strings.Fields(norm)

	first := ""
	if len(words) > 0 {
		first = strings.Trim(words[0], "?.,!:;")
	}
	isQuestion := strings.HasSuffix(norm, "?") || interrogatives[first]

	research := false
	for _, w := range words {
		if researchVerbs[strings.Trim(w, "?.,!:;")] {
			research = true
			break
		}
	}

	switch {
	case research:
		return ModeResearch
	case isQuestion && len(words) <= shortQuestionWords:
		return ModeQuick
	case isQuestion:
		// A long open question is an investigation, not a lookup.
		return ModeResearch
	case workVerbs[first]:
		return ModeDeep
	case len(words) <= 3:
		// "thanks", "sounds good": nothing to plan.
		return ModeQuick
	default:
		return ModeDeep
	}
}

// deriveName compresses the input into an outcome name.
func deriveName(input string) string {
	name := strings.Join(strings.Fields(input), " ")
	name = strings.TrimRight(name, "?.! ")
	if name == "" {
		name = "Untitled outcome"
	}
	return truncate(name, 64)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
