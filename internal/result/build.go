package result

import (
	"sort"
	"strconv"

	"github.com/signalnine/crucible/internal/aggregate"
	"github.com/signalnine/crucible/internal/checkpoint"
)

// BuildSubtaskResult folds a subtask's runs. Runs are ordered by run
// number, so the fold is reproducible no matter what order they
// finished in.
func BuildSubtaskResult(subtask string, runs []*RunResult, passThreshold float64) *SubtaskResult {
	ordered := make([]*RunResult, len(runs))
	copy(ordered, runs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Run < ordered[j].Run })

	res := &SubtaskResult{
		Subtask: subtask,
		Runs:    make(map[int]*RunResult, len(ordered)),
	}
	children := make([]aggregate.Child, 0, len(ordered))
	for i, r := range ordered {
		res.Runs[r.Run] = r
		children = append(children, aggregate.Child{
			ID:        strconv.Itoa(r.Run),
			Index:     i,
			Passed:    r.Status == checkpoint.RunPassed,
			Score:     r.Verdict.Score,
			CostUSD:   r.CostUSD,
			DurationS: r.DurationS,
			Usage:     r.Usage,
		})
	}

	s := aggregate.Aggregate(children, passThreshold)
	res.Usage = s.Usage
	res.CostUSD = s.TotalCostUSD
	res.Passed = s.Passed
	res.Score = s.Score
	res.BestCostUSD = s.BestCostUSD
	res.BestDurationS = s.BestDurationS
	if s.Best != "" {
		res.BestRun, _ = strconv.Atoi(s.Best)
		if best, ok := res.Runs[res.BestRun]; ok {
			res.Grade = best.Verdict.Grade
		}
	}
	return res
}

// BuildTierResult folds subtasks in their declared order.
func BuildTierResult(tier, name string, subtasks []*SubtaskResult, passThreshold float64) *TierResult {
	res := &TierResult{
		Tier:     tier,
		Name:     name,
		Subtasks: make(map[string]*SubtaskResult, len(subtasks)),
	}
	children := make([]aggregate.Child, 0, len(subtasks))
	for i, sub := range subtasks {
		res.Subtasks[sub.Subtask] = sub
		children = append(children, aggregate.Child{
			ID:        sub.Subtask,
			Index:     i,
			Passed:    sub.Passed,
			Score:     sub.Score,
			CostUSD:   sub.BestCostUSD,
			DurationS: sub.BestDurationS,
			Usage:     sub.Usage,
		})
	}

	s := aggregate.Aggregate(children, passThreshold)
	res.Usage = s.Usage
	res.Passed = s.Passed
	res.Score = s.Score
	res.BestSubtask = s.Best
	res.BestCostUSD = s.BestCostUSD
	res.BestDurationS = s.BestDurationS
	if best, ok := res.Subtasks[s.Best]; ok {
		res.Grade = best.Grade
	}
	// A tier's cost covers every run in every subtask, not just the
	// best ones the comparison rode on.
	res.CostUSD = 0
	for _, sub := range subtasks {
		res.CostUSD += sub.CostUSD
	}
	return res
}

// BuildExperimentResult folds tiers in their declared order.
func BuildExperimentResult(experimentID string, status checkpoint.ExperimentStatus, tiers []*TierResult, passThreshold float64) *ExperimentResult {
	res := &ExperimentResult{
		ExperimentID: experimentID,
		Status:       status,
		Tiers:        make(map[string]*TierResult, len(tiers)),
	}
	children := make([]aggregate.Child, 0, len(tiers))
	for i, tier := range tiers {
		res.Tiers[tier.Tier] = tier
		children = append(children, aggregate.Child{
			ID:        tier.Tier,
			Index:     i,
			Passed:    tier.Passed,
			Score:     tier.Score,
			CostUSD:   tier.BestCostUSD,
			DurationS: tier.BestDurationS,
			Usage:     tier.Usage,
		})
	}

	s := aggregate.Aggregate(children, passThreshold)
	res.Usage = s.Usage
	res.Score = s.Score
	res.BestTier = s.Best
	res.CostUSD = 0
	for _, tier := range tiers {
		res.CostUSD += tier.CostUSD
	}
	return res
}
