// Package aggregate folds child results into summaries. It is pure:
// no I/O, no clock, no dependence on input order beyond the declared
// insertion index, so a summary rebuilt from persisted files matches
// the one computed in memory bit for bit.
package aggregate

import "github.com/signalnine/crucible/internal/tokens"

// Child is one comparable unit: a run under a subtask, a subtask under
// a tier, or a tier under the experiment. Score, CostUSD and DurationS
// are the child's comparable stats (for non-leaf children, those of its
// own best descendant); Usage is the child's full total.
type Child struct {
	ID        string
	Index     int
	Passed    bool
	Score     float64
	CostUSD   float64
	DurationS int
	Usage     tokens.Usage
}

// Summary is the fold of a child set. Usage and TotalCostUSD cover all
// children; Best identifies the selected child and Score, BestCostUSD
// and BestDurationS carry its comparable stats for the next level up.
type Summary struct {
	Usage         tokens.Usage
	TotalCostUSD  float64
	Best          string
	Passed        bool
	Score         float64
	BestCostUSD   float64
	BestDurationS int
	// Deficit is how far the best child fell short of the threshold
	// when nothing passed; zero otherwise.
	Deficit float64
}

// Aggregate folds children into a Summary. The zero Summary is the
// identity: aggregating no children yields it.
//
// Best-child selection: among passed children, the highest score wins,
// ties broken by lower cost, then lower duration, then insertion
// order. If nothing passed, the same ordering applies to all children,
// which picks the one closest below the threshold.
func Aggregate(children []Child, passThreshold float64) Summary {
	var s Summary
	if len(children) == 0 {
		return s
	}

	best := -1
	anyPassed := false
	for i, c := range children {
		s.Usage = s.Usage.Add(c.Usage)
		s.TotalCostUSD += c.CostUSD
		if c.Passed && !anyPassed {
			// First passed child resets the race to passed-only.
			anyPassed = true
			best = i
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if anyPassed && !c.Passed {
			continue
		}
		if better(c, children[best]) {
			best = i
		}
	}

	chosen := children[best]
	s.Best = chosen.ID
	s.Passed = anyPassed
	s.Score = chosen.Score
	s.BestCostUSD = chosen.CostUSD
	s.BestDurationS = chosen.DurationS
	if !anyPassed && passThreshold > chosen.Score {
		s.Deficit = passThreshold - chosen.Score
	}
	return s
}

// better reports whether a beats b under the tie-break chain:
// higher score, lower cost, lower duration, earlier insertion.
func better(a, b Child) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.CostUSD != b.CostUSD {
		return a.CostUSD < b.CostUSD
	}
	if a.DurationS != b.DurationS {
		return a.DurationS < b.DurationS
	}
	return a.Index < b.Index
}
