// Package invoke runs the external agent and judge executables and
// classifies their failures. The orchestrator only depends on the
// result-file contract here, never on what the invoked tool actually
// is.
package invoke

import (
	"context"
	"time"

	"github.com/signalnine/crucible/internal/result"
)

// AgentRequest carries everything an agent invocation needs. The
// invoker owns the workspace for the duration of the call. The agent
// reports usage through MetricsPath; exit code and duration are
// measured by the harness.
type AgentRequest struct {
	PromptPath     string
	Workspace      string
	MetricsPath    string
	TranscriptPath string
	Timeout        time.Duration
	MaxTurns       int
	Env            map[string]string
}

// JudgeRequest asks one judge model to grade a finished run. The
// judge prints its verdict JSON on stdout.
type JudgeRequest struct {
	Model         string
	PromptPath    string
	Workspace     string
	Timeout       time.Duration
	PassThreshold float64
	Env           map[string]string
}

// AgentInvoker runs the agent stage. Failures come back as classified
// errors; when the process at least started, the returned result still
// describes the attempt so it can be persisted.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, req *AgentRequest) (*result.AgentResult, error)
}

// JudgeInvoker runs one judge model against a finished run.
type JudgeInvoker interface {
	InvokeJudge(ctx context.Context, req *JudgeRequest) (*result.JudgeResult, error)
}
