package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/crucible/internal/checkpoint"
)

// CreateExperimentDir makes a fresh timestamped experiment directory
// under <baseDir>/runs and points the latest symlink at it.
func CreateExperimentDir(baseDir, experimentID string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	expDir := filepath.Join(runsDir, stamp+"-"+experimentID)
	expDir, err := filepath.Abs(expDir)
	if err != nil {
		return "", fmt.Errorf("resolving experiment dir: %w", err)
	}
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(expDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return expDir, nil
}

func CheckpointPath(expDir string) string {
	return filepath.Join(expDir, "checkpoint.json")
}

func EventLogPath(expDir string) string {
	return filepath.Join(expDir, "events.jsonl")
}

func SummaryPath(expDir string) string {
	return filepath.Join(expDir, "summary.json")
}

// ConfigSnapshotPath is where the effective configuration is frozen at
// experiment start, so reports can be rebuilt without the original
// config file.
func ConfigSnapshotPath(expDir string) string {
	return filepath.Join(expDir, "config.yaml")
}

// PromptSnapshotPath is where a subtask's prompt is frozen at
// experiment start so later edits to the source prompt cannot leak in.
func PromptSnapshotPath(expDir, tier, subtask string) string {
	return filepath.Join(expDir, "prompts", tier, subtask+".md")
}

func RunDir(expDir, tier, subtask string, run int) string {
	return filepath.Join(expDir, "tiers", tier, subtask, fmt.Sprintf("run-%d", run))
}

func WorkspaceDir(runDir string) string {
	return filepath.Join(runDir, "workspace")
}

func AgentDir(runDir string) string {
	return filepath.Join(runDir, "agent")
}

func AgentResultPath(runDir string) string {
	return filepath.Join(runDir, "agent", "result.json")
}

func TranscriptPath(runDir string) string {
	return filepath.Join(runDir, "agent", "transcript.jsonl")
}

func JudgePromptPath(runDir string) string {
	return filepath.Join(runDir, "judge_prompt.md")
}

func CommandsDir(runDir string) string {
	return filepath.Join(runDir, "commands")
}

func JudgeDir(runDir string, judge int) string {
	return filepath.Join(runDir, fmt.Sprintf("judge_%d", judge))
}

func JudgeResultPath(runDir string, judge int) string {
	return filepath.Join(JudgeDir(runDir, judge), "result.json")
}

func WriteAgentResult(runDir string, res *AgentResult) error {
	if err := os.MkdirAll(AgentDir(runDir), 0o755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling agent result: %w", err)
	}
	return os.WriteFile(AgentResultPath(runDir), data, 0o644)
}

func ReadAgentResult(path string) (*AgentResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent result: %w", err)
	}
	var res AgentResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing agent result: %w", err)
	}
	return &res, nil
}

func WriteJudgeResult(runDir string, judge int, res *JudgeResult) error {
	if err := os.MkdirAll(JudgeDir(runDir, judge), 0o755); err != nil {
		return fmt.Errorf("creating judge dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling judge result: %w", err)
	}
	return os.WriteFile(JudgeResultPath(runDir, judge), data, 0o644)
}

func ReadJudgeResult(path string) (*JudgeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading judge result: %w", err)
	}
	var res JudgeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing judge result: %w", err)
	}
	return &res, nil
}

// WriteSummary persists the experiment aggregate next to the
// checkpoint. It is rewritten whole each time, never appended.
func WriteSummary(expDir string, res *ExperimentResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return os.WriteFile(SummaryPath(expDir), data, 0o644)
}

// ReadSummary loads a previously written summary.json.
func ReadSummary(expDir string) (*ExperimentResult, error) {
	data, err := os.ReadFile(SummaryPath(expDir))
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	var res ExperimentResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing summary: %w", err)
	}
	return &res, nil
}

// LoadRunResult rebuilds a run's in-memory record from its persisted
// files. Verdict combination is recomputed rather than stored, so a
// loaded run and a freshly executed one agree by construction.
func LoadRunResult(runDir, tier, subtask string, run, judgeCount int, passThreshold float64, status checkpoint.RunStatus) (*RunResult, error) {
	agent, err := ReadAgentResult(AgentResultPath(runDir))
	if err != nil {
		return nil, err
	}

	var judges []JudgeResult
	for i := 1; i <= judgeCount; i++ {
		jr, err := ReadJudgeResult(JudgeResultPath(runDir, i))
		if err != nil {
			continue
		}
		judges = append(judges, *jr)
	}

	res := &RunResult{
		Tier:      tier,
		Subtask:   subtask,
		Run:       run,
		Status:    status,
		Usage:     agent.Usage,
		CostUSD:   agent.CostUSD,
		DurationS: agent.DurationS,
		Error:     agent.Error,
		FromCache: true,
	}
	for _, j := range judges {
		res.Usage = res.Usage.Add(j.Usage)
		res.CostUSD += j.CostUSD
		res.DurationS += j.DurationS
	}
	if len(judges) > 0 {
		res.Verdict = CombineVerdicts(judges, passThreshold)
	}
	return res, nil
}
