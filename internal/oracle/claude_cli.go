package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"doppel/internal/agent"
	"doppel/internal/config"
	"doppel/internal/logging"
)

// ClaudeCLI completes prompts through `claude -p --output-format json`.
type ClaudeCLI struct {
	command string
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewClaudeCLI builds the CLI-backed oracle from its config section. A nil
// cfg gets defaults (command "claude", model "sonnet", timeout 60s).
func NewClaudeCLI(cfg *config.OracleConfig) *ClaudeCLI {
	command := "claude"
	model := "sonnet"
	timeout := 60 * time.Second

	if cfg != nil {
		if cfg.Command != "" {
			command = cfg.Command
		}
		if cfg.Model != "" {
			model = cfg.Model
		}
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	return &ClaudeCLI{
		command: command,
		model:   model,
		timeout: timeout,
		log:     logging.Get(logging.CategoryAgent),
	}
}

// cliResponse is the JSON the CLI prints with --output-format json. Result
// is a plain string on current versions; older builds nested content
// blocks, which legacyResult covers.
type cliResponse struct {
	Result        json.RawMessage `json:"result"`
	TotalCostUSD  float64         `json:"total_cost_usd"`
	IsError       bool            `json:"is_error"`
	IsRateLimited bool            `json:"is_rate_limited,omitempty"`
	Error         *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type legacyResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete implements Oracle.
func (c *ClaudeCLI) Complete(ctx context.Context, prompt string) (*Completion, error) {
	res, err := agent.RunCommand(ctx, agent.CommandSpec{
		Name:    c.command,
		Args:    []string{"-p", prompt, "--output-format", "json", "--model", c.model},
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle invocation failed: %w", err)
	}
	if res.ExitCode != 0 {
		if isRateLimited(res.Stderr) || isRateLimited(res.Stdout) {
			return nil, &agent.RateLimitError{RawResponse: res.Stderr}
		}
		return nil, fmt.Errorf("oracle exited with code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}

	completion, err := parseResponse([]byte(res.Stdout))
	if err != nil {
		return nil, err
	}
	c.log.Debug("oracle completion",
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("text_bytes", len(completion.Text)),
		zap.Float64("cost_usd", completion.CostUSD))
	return completion, nil
}

func parseResponse(data []byte) (*Completion, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty oracle response")
	}

	var resp cliResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode oracle response: %w", err)
	}
	if resp.IsRateLimited {
		return nil, &agent.RateLimitError{RawResponse: string(data)}
	}
	if resp.Error != nil {
		if isRateLimited(resp.Error.Message) || isRateLimited(resp.Error.Type) {
			return nil, &agent.RateLimitError{RawResponse: resp.Error.Message}
		}
		return nil, fmt.Errorf("oracle error: %s (type %s)", resp.Error.Message, resp.Error.Type)
	}
	if resp.IsError {
		return nil, errors.New("oracle reported is_error with no detail")
	}

	text, err := extractText(resp.Result)
	if err != nil {
		return nil, err
	}
	return &Completion{Text: text, CostUSD: resp.TotalCostUSD}, nil
}

func extractText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("oracle response had no result")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
		return "", errors.New("oracle returned empty text")
	}

	var legacy legacyResult
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return "", fmt.Errorf("unrecognized oracle result shape: %w", err)
	}
	var b strings.Builder
	for _, block := range legacy.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("no text content in oracle response")
	}
	return text, nil
}

func isRateLimited(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
