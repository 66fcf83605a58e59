// Package report rebuilds experiment summaries from persisted files.
// Nothing here consults in-memory state, so a report generated after a
// crash, a resume, or on another machine comes out the same.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
)

// Generate rebuilds the experiment aggregate and renders it. It never
// reads summary.json, so a report is available even when an experiment
// died before writing one. An empty pricingPath keeps the costs the
// invokers reported.
func Generate(expDir, format string, w io.Writer, pricingPath string) error {
	var table *pricing.Table
	if pricingPath != "" {
		t, err := pricing.Load(pricingPath)
		if err != nil {
			return err
		}
		table = t
	}

	res, err := Rebuild(expDir, table)
	if err != nil {
		return err
	}

	switch format {
	case "markdown":
		return writeMarkdown(res, w)
	case "json":
		return writeJSON(res, w)
	default:
		return writeTable(res, w)
	}
}

// Rebuild folds every terminal run the checkpoint records into an
// ExperimentResult equal to the one the orchestrator computed in
// memory. A non-nil pricing table recomputes costs from token usage
// for models it knows, overriding what invokers reported.
func Rebuild(expDir string, table *pricing.Table) (*result.ExperimentResult, error) {
	ck, err := checkpoint.Load(result.CheckpointPath(expDir))
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(result.ConfigSnapshotPath(expDir))
	if err != nil {
		return nil, fmt.Errorf("loading config snapshot: %w", err)
	}

	judgeCount := len(cfg.Judge.Models)
	var tiers []*result.TierResult
	for _, tier := range cfg.Tiers {
		var subs []*result.SubtaskResult
		for _, sub := range tier.Subtasks {
			runs := loadRuns(expDir, ck, tier.ID, sub.ID, judgeCount, cfg.PassThreshold, table)
			if len(runs) == 0 {
				continue
			}
			subs = append(subs, result.BuildSubtaskResult(sub.ID, runs, cfg.PassThreshold))
		}
		if len(subs) == 0 {
			continue
		}
		tiers = append(tiers, result.BuildTierResult(tier.ID, tier.Name, subs, cfg.PassThreshold))
	}

	res := result.BuildExperimentResult(ck.ExperimentID, ck.Status, tiers, cfg.PassThreshold)
	res.DurationS = int(ck.UpdatedAt.Sub(ck.StartedAt).Seconds())
	return res, nil
}

// loadRuns reads the terminal runs recorded for one subtask, in run
// order.
func loadRuns(expDir string, ck *checkpoint.Checkpoint, tier, subtask string, judgeCount int, passThreshold float64, table *pricing.Table) []*result.RunResult {
	byRun := ck.CompletedRuns[tier][subtask]
	nums := make([]int, 0, len(byRun))
	for n, status := range byRun {
		if status.Terminal() {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)

	var runs []*result.RunResult
	for _, n := range nums {
		rr, err := loadRun(expDir, tier, subtask, n, judgeCount, passThreshold, byRun[n], table)
		if err != nil {
			log.Printf("warning: %s/%s run %d: %v", tier, subtask, n, err)
			continue
		}
		runs = append(runs, rr)
	}
	return runs
}

func loadRun(expDir, tier, subtask string, n, judgeCount int, passThreshold float64, status checkpoint.RunStatus, table *pricing.Table) (*result.RunResult, error) {
	runDir := result.RunDir(expDir, tier, subtask, n)
	if table == nil {
		return result.LoadRunResult(runDir, tier, subtask, n, judgeCount, passThreshold, status)
	}

	agent, err := result.ReadAgentResult(result.AgentResultPath(runDir))
	if err != nil {
		return nil, err
	}
	if c := table.Cost(agent.Model, agent.Usage); c > 0 {
		agent.CostUSD = c
	}
	rr := &result.RunResult{
		Tier:      tier,
		Subtask:   subtask,
		Run:       n,
		Status:    status,
		Usage:     agent.Usage,
		CostUSD:   agent.CostUSD,
		DurationS: agent.DurationS,
		Error:     agent.Error,
		FromCache: true,
	}
	var judges []result.JudgeResult
	for i := 1; i <= judgeCount; i++ {
		jr, err := result.ReadJudgeResult(result.JudgeResultPath(runDir, i))
		if err != nil {
			continue
		}
		if c := table.Cost(jr.Model, jr.Usage); c > 0 {
			jr.CostUSD = c
		}
		judges = append(judges, *jr)
		rr.Usage = rr.Usage.Add(jr.Usage)
		rr.CostUSD += jr.CostUSD
		rr.DurationS += jr.DurationS
	}
	if len(judges) > 0 {
		rr.Verdict = result.CombineVerdicts(judges, passThreshold)
	}
	return rr, nil
}

type row struct {
	tier, subtask, grade string
	runs                 int
	passRate             float64
	score                float64
	tokens               int
	cost                 float64
}

func rows(res *result.ExperimentResult) []row {
	var out []row
	for _, tierID := range sortedKeys(res.Tiers) {
		tier := res.Tiers[tierID]
		for _, subID := range sortedKeys(tier.Subtasks) {
			sub := tier.Subtasks[subID]
			passed := 0
			for _, r := range sub.Runs {
				if r.Status == checkpoint.RunPassed {
					passed++
				}
			}
			out = append(out, row{
				tier:     tierID,
				subtask:  subID,
				grade:    sub.Grade,
				runs:     len(sub.Runs),
				passRate: float64(passed) / float64(len(sub.Runs)),
				score:    sub.Score,
				tokens:   sub.Usage.Total(),
				cost:     sub.CostUSD,
			})
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeTable(res *result.ExperimentResult, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSUBTASK\tRUNS\tPASS RATE\tSCORE\tGRADE\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, r := range rows(res) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%.3f\t%s\t%d\t$%.2f\n",
			r.tier, r.subtask, r.runs, r.passRate*100, r.score, r.grade, r.tokens, r.cost)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.BestTier == "" {
		_, err := fmt.Fprintf(w, "\nexperiment %s: %s, no terminal runs\n", res.ExperimentID, res.Status)
		return err
	}
	_, err := fmt.Fprintf(w, "\nexperiment %s: %s, best tier %s, score %.3f, %d tokens, $%.2f\n",
		res.ExperimentID, res.Status, res.BestTier, res.Score, res.Usage.Total(), res.CostUSD)
	return err
}

func writeMarkdown(res *result.ExperimentResult, w io.Writer) error {
	fmt.Fprintf(w, "# Experiment %s\n\n", res.ExperimentID)
	fmt.Fprintf(w, "Status: %s", res.Status)
	if res.BestTier != "" {
		fmt.Fprintf(w, " | Best tier: %s | Score: %.3f", res.BestTier, res.Score)
	}
	fmt.Fprintf(w, " | Cost: $%.2f\n\n", res.CostUSD)
	fmt.Fprintln(w, "| Tier | Subtask | Runs | Pass Rate | Score | Grade | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, r := range rows(res) {
		fmt.Fprintf(w, "| %s | %s | %d | %.0f%% | %.3f | %s | %d | $%.2f |\n",
			r.tier, r.subtask, r.runs, r.passRate*100, r.score, r.grade, r.tokens, r.cost)
	}
	return nil
}

func writeJSON(res *result.ExperimentResult, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
