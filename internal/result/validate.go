package result

import (
	"encoding/json"
	"os"

	"github.com/signalnine/crucible/internal/tokens"
)

type Stage string

const (
	StageAgent Stage = "agent"
	StageJudge Stage = "judge"
)

// Validator decides whether persisted run artifacts are complete
// enough to reuse. It is deliberately strict: a half-written file from
// a crash must read as absent, never as done.
type Validator struct {
	JudgeCount int
}

// HasValidResult reports whether runDir holds a complete, parseable
// result for the stage. Every failure mode (missing file, bad JSON,
// missing required field) returns false; an invalid cache entry just
// means the work is redone.
func (v *Validator) HasValidResult(runDir string, stage Stage) bool {
	switch stage {
	case StageAgent:
		return validAgentFile(AgentResultPath(runDir))
	case StageJudge:
		n := v.JudgeCount
		if n < 1 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			if !validJudgeFile(JudgeResultPath(runDir, i)) {
				return false
			}
		}
		return true
	}
	return false
}

// HasValidJudge checks a single judge's file, letting the executor
// reuse the judges that finished before a crash and re-invoke only the
// ones that did not.
func (v *Validator) HasValidJudge(runDir string, judge int) bool {
	return validJudgeFile(JudgeResultPath(runDir, judge))
}

// validAgentFile requires exit code, duration, token usage, and cost to
// all be present. Pointer probing distinguishes an absent key from a
// zero value.
func validAgentFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var probe struct {
		ExitCode  *int          `json:"exit_code"`
		DurationS *int          `json:"duration_s"`
		Usage     *tokens.Usage `json:"usage"`
		CostUSD   *float64      `json:"cost_usd"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.ExitCode != nil && probe.DurationS != nil && probe.Usage != nil && probe.CostUSD != nil
}

func validJudgeFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var probe struct {
		Score     *float64 `json:"score"`
		Passed    *bool    `json:"passed"`
		Grade     *string  `json:"grade"`
		Rationale *string  `json:"rationale"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	if probe.Score == nil || probe.Passed == nil || probe.Grade == nil || probe.Rationale == nil {
		return false
	}
	return *probe.Score >= 0 && *probe.Score <= 1 && *probe.Grade != ""
}
