package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"doppel/internal/config"
	"doppel/internal/logging"
	"doppel/internal/observability"
)

// maxRawOutput bounds what one invocation can write into the progress log.
const maxRawOutput = 100_000

// RateLimitError indicates the agent's provider refused the call for rate
// reasons. Callers detect it with errors.As and back off instead of burning
// a task attempt.
type RateLimitError struct {
	RetryAfter  time.Duration
	RawResponse string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("agent rate limit exceeded, retry after %v", e.RetryAfter)
	}
	return "agent rate limit exceeded"
}

// CLIInvoker runs the configured agent command as a subprocess. The prompt
// goes in on stdin; the result comes back as stdout with a fenced JSON
// block at the end. A process-wide token bucket bounds invocation velocity
// across all workers.
type CLIInvoker struct {
	command string
	timeout time.Duration
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewCLIInvoker builds an invoker from the agent config section. A nil cfg
// yields defaults (command "claude", timeout 5m, 30 calls/min, burst 5).
func NewCLIInvoker(cfg *config.AgentConfig) *CLIInvoker {
	command := "claude"
	timeout := 5 * time.Minute
	perMinute := 30
	burst := 5

	if cfg != nil {
		if cfg.Command != "" {
			command = cfg.Command
		}
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
		if cfg.RatePerMinute > 0 {
			perMinute = cfg.RatePerMinute
		}
		if cfg.Burst > 0 {
			burst = cfg.Burst
		}
	}

	return &CLIInvoker{
		command: command,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		log:     logging.Get(logging.CategoryAgent),
	}
}

// Invoke runs one agent call. Subprocess failures are data, not errors:
// non-zero exit, timeout, and a missing or malformed result block all come
// back as a Result with StatusFailed and the raw output preserved. The
// returned error is reserved for rate limiting and context cancellation.
func (c *CLIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("agent rate limiter: %w", err)
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The command is a full shell line so operators can configure flags
	// ("claude -p --dangerously-skip-permissions") without an args schema.
	cmd := exec.CommandContext(runCtx, "sh", "-c", c.command)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A killed agent can leave spawned tools holding stdout open; do not
	// wait on them past the deadline.
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	observability.AgentDuration.Observe(elapsed.Seconds())

	raw := combineOutput(stdout.String(), stderr.String())

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			c.log.Warn("agent invocation timed out",
				zap.Duration("timeout", timeout),
				zap.Int("output_bytes", len(raw)))
			return c.failed(raw, fmt.Sprintf("agent timed out after %v", timeout), elapsed), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isRateLimited(stderr.String()) || isRateLimited(stdout.String()) {
			observability.AgentInvocations.WithLabelValues("rate_limited").Inc()
			return nil, &RateLimitError{RawResponse: stderr.String()}
		}
		c.log.Warn("agent exited non-zero",
			zap.Error(runErr),
			zap.Duration("duration", elapsed))
		return c.failed(raw, fmt.Sprintf("agent exited with error: %v", runErr), elapsed), nil
	}

	structured, err := ParseStructured(stdout.String())
	if err != nil {
		c.log.Warn("agent output had no usable result block", zap.Error(err))
		return c.failed(raw, "agent finished without a result block", elapsed), nil
	}

	status, known := statusFromString(structured.Status)
	if !known {
		c.log.Warn("agent reported unknown status", zap.String("status", structured.Status))
	}

	summary := strings.TrimSpace(structured.Summary)
	if summary == "" {
		summary = truncate(strings.TrimSpace(stdout.String()), 200)
	}

	observability.AgentInvocations.WithLabelValues(string(status)).Inc()
	if structured.CostUSD > 0 {
		observability.AgentCostUSD.Add(structured.CostUSD)
	}
	c.log.Debug("agent invocation finished",
		zap.String("status", string(status)),
		zap.Float64("cost_usd", structured.CostUSD),
		zap.Duration("duration", elapsed))

	return &Result{
		Status:     status,
		Summary:    summary,
		RawOutput:  truncate(raw, maxRawOutput),
		CostUSD:    structured.CostUSD,
		Duration:   elapsed,
		Structured: structured,
	}, nil
}

func (c *CLIInvoker) failed(raw, summary string, elapsed time.Duration) *Result {
	observability.AgentInvocations.WithLabelValues(string(StatusFailed)).Inc()
	return &Result{
		Status:    StatusFailed,
		Summary:   summary,
		RawOutput: truncate(raw, maxRawOutput),
		Duration:  elapsed,
	}
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n--- stderr ---\n" + stderr
}

// isRateLimited checks provider output for the usual rate limit shapes.
func isRateLimited(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}
