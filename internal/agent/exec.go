package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/steroids-dev/steroids/internal/store"
)

const defaultInvokeTimeout = 30 * time.Minute

// RoleConfig tells the invoker how to reach one agent role.
type RoleConfig struct {
	Provider string
	Model    string
	// Command is the executable plus fixed arguments. The invoker appends
	// --role, --model and --action and writes the task as JSON on stdin.
	Command []string
	Timeout time.Duration
}

// ExecInvoker shells out to provider CLIs. One process per invocation; the
// agent reports its outcome as a single JSON document on stdout.
type ExecInvoker struct {
	coder    RoleConfig
	reviewer RoleConfig
	logger   *slog.Logger
}

// NewExecInvoker creates an ExecInvoker for the given role configs.
func NewExecInvoker(coder, reviewer RoleConfig, logger *slog.Logger) *ExecInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecInvoker{coder: coder, reviewer: reviewer, logger: logger}
}

// InvokeCoder runs the coder agent for a task.
func (inv *ExecInvoker) InvokeCoder(ctx context.Context, task *store.Task, projectPath, action string) (*Result, error) {
	return inv.invoke(ctx, RoleCoder, inv.coder, task, projectPath, action)
}

// InvokeReviewer runs the reviewer agent for a task in review.
func (inv *ExecInvoker) InvokeReviewer(ctx context.Context, task *store.Task, projectPath string) (*Result, error) {
	return inv.invoke(ctx, RoleReviewer, inv.reviewer, task, projectPath, "review")
}

// InvokeCoderBatch runs the coder once over a whole batch. The payload
// carries every task; the agent works through them in order.
func (inv *ExecInvoker) InvokeCoderBatch(ctx context.Context, tasks []*store.Task, projectPath string) (*Result, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("empty coder batch")
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, map[string]any{
			"task_id":    t.ID,
			"title":      t.Title,
			"section_id": t.SectionID,
			"status":     string(t.Status),
		})
	}
	payload, err := json.Marshal(map[string]any{"action": "batch", "tasks": items})
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	ref := fmt.Sprintf("batch[%d]", len(tasks))
	return inv.run(ctx, RoleCoder, inv.coder, payload, projectPath, "batch", ref)
}

// InvokeReviewerBatch reviews tasks one process at a time. Reviews need a
// verdict per task, so the batch form is a sequenced loop that stops early
// once the provider signals exhausted credit.
func (inv *ExecInvoker) InvokeReviewerBatch(ctx context.Context, tasks []*store.Task, projectPath string) ([]*Result, error) {
	results := make([]*Result, 0, len(tasks))
	for _, t := range tasks {
		res, err := inv.InvokeReviewer(ctx, t, projectPath)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if inv.Classify(res) != nil {
			break
		}
	}
	return results, nil
}

func (inv *ExecInvoker) invoke(ctx context.Context, role Role, cfg RoleConfig, task *store.Task, projectPath, action string) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"task_id":    task.ID,
		"title":      task.Title,
		"section_id": task.SectionID,
		"status":     string(task.Status),
		"action":     action,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	return inv.run(ctx, role, cfg, payload, projectPath, action, task.ID)
}

// run executes one agent process with the payload on stdin. ref is only for
// logging.
func (inv *ExecInvoker) run(ctx context.Context, role Role, cfg RoleConfig, payload []byte, projectPath, action, ref string) (*Result, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("no command configured for role %s", role)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, cfg.Command[1:]...),
		"--role", string(role), "--model", cfg.Model, "--action", action)
	cmd := exec.CommandContext(ctx, cfg.Command[0], args...)
	cmd.Dir = projectPath
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv.logger.Debug("invoking agent",
		"role", role, "provider", cfg.Provider, "model", cfg.Model,
		"task", ref, "action", action)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Role:     role,
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Duration: elapsed,
		Response: stdout.String(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Err = fmt.Sprintf("agent timed out after %s", timeout)
		inv.logger.Warn("agent timed out", "role", role, "task", ref, "timeout", timeout)
		return result, nil
	}
	if runErr != nil {
		result.Err = strings.TrimSpace(stderr.String())
		if result.Err == "" {
			result.Err = runErr.Error()
		}
		return result, nil
	}

	parseResult(result, stdout.String())
	return result, nil
}

// parseResult extracts the structured fields from the agent's JSON output.
// Agents that emit no JSON are treated as successful free-text responders.
func parseResult(result *Result, out string) {
	doc := gjson.Parse(out)
	if !doc.IsObject() {
		result.Success = true
		return
	}

	result.Success = doc.Get("success").Bool()
	result.Notes = doc.Get("notes").String()
	if errMsg := doc.Get("error.message").String(); errMsg != "" {
		result.Err = errMsg
	}

	switch doc.Get("decision").String() {
	case "approve":
		result.Decision = DecisionApprove
	case "reject":
		result.Decision = DecisionReject
	case "dispute":
		result.Decision = DecisionDispute
	}
}

// creditMarkers are substrings providers use to signal exhausted credit.
var creditMarkers = []string{
	"credit balance is too low",
	"insufficient credit",
	"quota exceeded",
	"billing hard limit",
	"credit_exhausted",
}

// Classify inspects a result for credit exhaustion.
func (inv *ExecInvoker) Classify(result *Result) *CreditExhaustion {
	if result == nil {
		return nil
	}

	if gjson.Get(result.Response, "error.type").String() == "credit_exhausted" {
		return &CreditExhaustion{
			Provider: result.Provider,
			Model:    result.Model,
			Message:  gjson.Get(result.Response, "error.message").String(),
		}
	}

	msg := strings.ToLower(result.Err)
	for _, marker := range creditMarkers {
		if strings.Contains(msg, marker) {
			return &CreditExhaustion{
				Provider: result.Provider,
				Model:    result.Model,
				Message:  result.Err,
			}
		}
	}
	return nil
}
