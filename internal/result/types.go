package result

import (
	"sort"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/tokens"
)

// AgentResult is persisted to agent/result.json once the agent stage
// concludes, whether it succeeded or not.
type AgentResult struct {
	ExitCode  int          `json:"exit_code"`
	DurationS int          `json:"duration_s"`
	TimedOut  bool         `json:"timed_out,omitempty"`
	Turns     int          `json:"turns,omitempty"`
	Model     string       `json:"model,omitempty"`
	Usage     tokens.Usage `json:"usage"`
	CostUSD   float64      `json:"cost_usd"`
	Error     string       `json:"error,omitempty"`
}

// JudgeResult is persisted to judge_<n>/result.json, one file per
// configured judge model.
type JudgeResult struct {
	Model     string       `json:"model"`
	Score     float64      `json:"score"`
	Passed    bool         `json:"passed"`
	Grade     string       `json:"grade"`
	Rationale string       `json:"rationale"`
	DurationS int          `json:"duration_s"`
	Usage     tokens.Usage `json:"usage"`
	CostUSD   float64      `json:"cost_usd"`
}

// Verdict is the combined outcome of a run across all its judges.
type Verdict struct {
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Grade     string  `json:"grade"`
	Rationale string  `json:"rationale"`
}

// CombineVerdicts merges per-judge results: the run's score is the
// median judge score, the run passes iff that median clears the
// threshold, and grade and rationale come from the median judge.
// Judges are ordered by score then model name first, so the result is
// deterministic regardless of invocation order.
func CombineVerdicts(judges []JudgeResult, passThreshold float64) Verdict {
	if len(judges) == 0 {
		return Verdict{Grade: "F"}
	}
	sorted := make([]JudgeResult, len(judges))
	copy(sorted, judges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score < sorted[j].Score
		}
		return sorted[i].Model < sorted[j].Model
	})

	scores := make([]float64, len(sorted))
	for i, j := range sorted {
		scores[i] = j.Score
	}
	score := MedianScore(scores)
	mid := sorted[(len(sorted)-1)/2]
	return Verdict{
		Score:     score,
		Passed:    score >= passThreshold,
		Grade:     mid.Grade,
		Rationale: mid.Rationale,
	}
}

// MedianScore returns the median of a slice of scores.
func MedianScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// GradeForScore derives a letter grade when a judge reports none.
func GradeForScore(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.6:
		return "D"
	default:
		return "F"
	}
}

// RunResult is the in-memory record of one agent+judge run.
type RunResult struct {
	Tier      string               `json:"tier"`
	Subtask   string               `json:"subtask"`
	Run       int                  `json:"run"`
	Status    checkpoint.RunStatus `json:"status"`
	Verdict   Verdict              `json:"verdict"`
	Usage     tokens.Usage         `json:"usage"`
	CostUSD   float64              `json:"cost_usd"`
	DurationS int                  `json:"duration_s"`
	Error     string               `json:"error,omitempty"`
	FromCache bool                 `json:"-"`
}

// SubtaskResult aggregates a subtask's runs. Its comparable stats
// (score, passed, grade, best cost and duration) are those of its best
// run; usage and cost totals cover every run.
type SubtaskResult struct {
	Subtask       string             `json:"subtask"`
	Runs          map[int]*RunResult `json:"runs"`
	Usage         tokens.Usage       `json:"usage"`
	CostUSD       float64            `json:"cost_usd"`
	BestRun       int                `json:"best_run,omitempty"`
	Passed        bool               `json:"passed"`
	Score         float64            `json:"score"`
	Grade         string             `json:"grade,omitempty"`
	BestCostUSD   float64            `json:"best_cost_usd"`
	BestDurationS int                `json:"best_duration_s"`
}

// TierResult aggregates a tier's subtasks the same way.
type TierResult struct {
	Tier          string                    `json:"tier"`
	Name          string                    `json:"name,omitempty"`
	Subtasks      map[string]*SubtaskResult `json:"subtasks"`
	Usage         tokens.Usage              `json:"usage"`
	CostUSD       float64                   `json:"cost_usd"`
	BestSubtask   string                    `json:"best_subtask,omitempty"`
	Passed        bool                      `json:"passed"`
	Score         float64                   `json:"score"`
	Grade         string                    `json:"grade,omitempty"`
	BestCostUSD   float64                   `json:"best_cost_usd"`
	BestDurationS int                       `json:"best_duration_s"`
}

// ExperimentResult is the top of the tree. It is valid over a partial
// experiment: tiers that never ran are simply absent.
type ExperimentResult struct {
	ExperimentID string                      `json:"experiment_id"`
	Status       checkpoint.ExperimentStatus `json:"status"`
	Tiers        map[string]*TierResult      `json:"tiers"`
	Usage        tokens.Usage                `json:"usage"`
	CostUSD      float64                     `json:"cost_usd"`
	BestTier     string                      `json:"best_tier,omitempty"`
	Score        float64                     `json:"score"`
	DurationS    int                         `json:"duration_s"`
}
