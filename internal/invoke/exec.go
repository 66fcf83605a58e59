package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/tokens"
)

// Env variable names in the invoker contract. Commands may consume
// these instead of (or in addition to) argv placeholders.
const (
	EnvPrompt     = "CRUCIBLE_PROMPT"
	EnvWorkspace  = "CRUCIBLE_WORKSPACE"
	EnvMetrics    = "CRUCIBLE_METRICS"
	EnvTranscript = "CRUCIBLE_TRANSCRIPT"
	EnvMaxTurns   = "CRUCIBLE_MAX_TURNS"
	EnvJudgeModel = "CRUCIBLE_JUDGE_MODEL"
)

// agentMetrics is what the agent itself reports via CRUCIBLE_METRICS.
// Everything else in AgentResult is measured by the harness.
type agentMetrics struct {
	Usage   tokens.Usage `json:"usage"`
	CostUSD float64      `json:"cost_usd"`
	Turns   int          `json:"turns"`
	Model   string       `json:"model"`
}

// ExecAgentInvoker shells out to a command template. Placeholders
// {prompt}, {workspace}, {metrics}, {transcript} and {max_turns} are
// expanded in each argv element; the same values are exported through
// CRUCIBLE_* env vars for commands that prefer them.
type ExecAgentInvoker struct {
	Command []string
	Env     map[string]string
}

func (inv *ExecAgentInvoker) InvokeAgent(ctx context.Context, req *AgentRequest) (*result.AgentResult, error) {
	if len(inv.Command) == 0 {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("empty agent command")}
	}
	if err := os.MkdirAll(req.Workspace, 0o755); err != nil {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("creating workspace: %w", err)}
	}
	if err := os.MkdirAll(filepath.Dir(req.MetricsPath), 0o755); err != nil {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("creating agent dir: %w", err)}
	}

	subst := map[string]string{
		"{prompt}":     req.PromptPath,
		"{workspace}":  req.Workspace,
		"{metrics}":    req.MetricsPath,
		"{transcript}": req.TranscriptPath,
		"{max_turns}":  strconv.Itoa(req.MaxTurns),
	}
	argv := expandCommand(inv.Command, subst)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Workspace
	cmd.Env = buildEnv(map[string]string{
		EnvPrompt:     req.PromptPath,
		EnvWorkspace:  req.Workspace,
		EnvMetrics:    req.MetricsPath,
		EnvTranscript: req.TranscriptPath,
		EnvMaxTurns:   strconv.Itoa(req.MaxTurns),
	}, inv.Env, req.Env)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() == nil {
			// Failed to launch at all, not a timeout kill.
			return nil, &Error{Kind: KindProcess, Op: "agent", Err: err, Output: tail(output.Bytes())}
		}
	}

	// A transcript the agent did not write itself is backfilled from
	// captured output so the judge always has something to read.
	if _, statErr := os.Stat(req.TranscriptPath); statErr != nil {
		if writeErr := os.WriteFile(req.TranscriptPath, output.Bytes(), 0o644); writeErr != nil {
			return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("writing transcript: %w", writeErr)}
		}
	}

	res := &result.AgentResult{
		ExitCode:  exitCode,
		DurationS: int(duration.Seconds()),
	}
	if metrics, mErr := readAgentMetrics(req.MetricsPath); mErr == nil {
		res.Usage = metrics.Usage
		res.CostUSD = metrics.CostUSD
		res.Turns = metrics.Turns
		res.Model = metrics.Model
	}

	if classifyErr := Classify(runCtx, "agent", exitCode, output.String(), err); classifyErr != nil {
		res.Error = tail(output.Bytes())
		if IsTimeout(classifyErr) {
			res.ExitCode = ExitTimeout
			res.TimedOut = true
		}
		return res, classifyErr
	}
	return res, nil
}

// ExecJudgeInvoker shells out to a judge command template. The judge
// prints a JSON verdict on stdout, optionally inside a ```json fence.
// Placeholders {prompt}, {workspace} and {model} are expanded.
type ExecJudgeInvoker struct {
	Command []string
	Env     map[string]string
}

func (inv *ExecJudgeInvoker) InvokeJudge(ctx context.Context, req *JudgeRequest) (*result.JudgeResult, error) {
	if len(inv.Command) == 0 {
		return nil, &Error{Kind: KindRuntime, Op: "judge", Err: fmt.Errorf("empty judge command")}
	}

	subst := map[string]string{
		"{prompt}":    req.PromptPath,
		"{workspace}": req.Workspace,
		"{model}":     req.Model,
	}
	argv := expandCommand(inv.Command, subst)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Workspace
	cmd.Env = buildEnv(map[string]string{
		EnvPrompt:     req.PromptPath,
		EnvWorkspace:  req.Workspace,
		EnvJudgeModel: req.Model,
	}, inv.Env, req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() == nil {
			return nil, &Error{Kind: KindProcess, Op: "judge", Err: err, Output: tail(stderr.Bytes())}
		}
	}
	combined := stdout.String() + stderr.String()
	if classifyErr := Classify(runCtx, "judge", exitCode, combined, err); classifyErr != nil {
		return nil, classifyErr
	}

	verdict, err := ParseJudgeOutput(stdout.String())
	if err != nil {
		return nil, &Error{Kind: KindProcess, Op: "judge", Err: err, Output: tail(stdout.Bytes())}
	}
	verdict.Model = req.Model
	verdict.DurationS = int(duration.Seconds())
	verdict.Passed = verdict.Score >= req.PassThreshold
	if verdict.Grade == "" {
		verdict.Grade = result.GradeForScore(verdict.Score)
	}
	return verdict, nil
}

// ParseJudgeOutput extracts the verdict JSON from judge stdout,
// tolerating a markdown code fence around it.
func ParseJudgeOutput(output string) (*result.JudgeResult, error) {
	content := strings.TrimSpace(output)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var res result.JudgeResult
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}
	if res.Score < 0 || res.Score > 1 {
		return nil, fmt.Errorf("judge score %g out of range", res.Score)
	}
	return &res, nil
}

func readAgentMetrics(path string) (*agentMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m agentMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing agent metrics: %w", err)
	}
	return &m, nil
}

func expandCommand(template []string, subst map[string]string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		for k, v := range subst {
			arg = strings.ReplaceAll(arg, k, v)
		}
		argv[i] = arg
	}
	return argv
}

// buildEnv layers contract vars and overrides on top of the parent
// environment. Later maps win.
func buildEnv(layers ...map[string]string) []string {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}

const tailLimit = 4096

func tail(b []byte) string {
	if len(b) <= tailLimit {
		return string(b)
	}
	return string(b[len(b)-tailLimit:])
}
