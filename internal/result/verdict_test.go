package result_test

import (
	"testing"

	"github.com/signalnine/crucible/internal/result"
)

func TestCombineVerdictsEmpty(t *testing.T) {
	v := result.CombineVerdicts(nil, 0.7)
	if v.Passed {
		t.Error("no judges should not pass")
	}
	if v.Grade != "F" {
		t.Errorf("Grade = %q, want F", v.Grade)
	}
	if v.Score != 0 {
		t.Errorf("Score = %f, want 0", v.Score)
	}
}

func TestCombineVerdictsSingle(t *testing.T) {
	v := result.CombineVerdicts([]result.JudgeResult{
		{Model: "m1", Score: 0.75, Grade: "C", Rationale: "ok"},
	}, 0.7)
	if v.Score != 0.75 {
		t.Errorf("Score = %f, want 0.75", v.Score)
	}
	if !v.Passed {
		t.Error("0.75 >= 0.7 should pass")
	}
	if v.Grade != "C" || v.Rationale != "ok" {
		t.Errorf("Grade/Rationale = %q/%q, want C/ok", v.Grade, v.Rationale)
	}
}

func TestCombineVerdictsMedianOfThree(t *testing.T) {
	judges := []result.JudgeResult{
		{Model: "a", Score: 1.0, Grade: "A", Rationale: "great"},
		{Model: "b", Score: 0.25, Grade: "F", Rationale: "bad"},
		{Model: "c", Score: 0.75, Grade: "C", Rationale: "middling"},
	}
	v := result.CombineVerdicts(judges, 0.7)
	if v.Score != 0.75 {
		t.Errorf("Score = %f, want median 0.75", v.Score)
	}
	if !v.Passed {
		t.Error("median 0.75 >= 0.7 should pass")
	}
	// Grade and rationale come from the median judge.
	if v.Grade != "C" || v.Rationale != "middling" {
		t.Errorf("Grade/Rationale = %q/%q, want from median judge", v.Grade, v.Rationale)
	}
}

func TestCombineVerdictsEvenCount(t *testing.T) {
	judges := []result.JudgeResult{
		{Model: "a", Score: 0.5, Grade: "F", Rationale: "low"},
		{Model: "b", Score: 1.0, Grade: "A", Rationale: "high"},
	}
	v := result.CombineVerdicts(judges, 0.7)
	if v.Score != 0.75 {
		t.Errorf("Score = %f, want 0.75", v.Score)
	}
	// Even count: grade comes from the lower-middle judge.
	if v.Grade != "F" || v.Rationale != "low" {
		t.Errorf("Grade/Rationale = %q/%q, want from lower middle", v.Grade, v.Rationale)
	}
}

// The combined verdict must not depend on judge invocation order.
func TestCombineVerdictsOrderIndependent(t *testing.T) {
	a := result.JudgeResult{Model: "a", Score: 1.0, Grade: "A", Rationale: "ra"}
	b := result.JudgeResult{Model: "b", Score: 0.25, Grade: "F", Rationale: "rb"}
	c := result.JudgeResult{Model: "c", Score: 0.75, Grade: "C", Rationale: "rc"}

	orders := [][]result.JudgeResult{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	want := result.CombineVerdicts(orders[0], 0.7)
	for i, js := range orders[1:] {
		if got := result.CombineVerdicts(js, 0.7); got != want {
			t.Errorf("order %d: verdict %+v != %+v", i+1, got, want)
		}
	}
}

// Equal scores tie-break on model name, so even identical scores yield
// a deterministic grade source.
func TestCombineVerdictsEqualScores(t *testing.T) {
	a := result.JudgeResult{Model: "alpha", Score: 0.5, Grade: "D", Rationale: "ra"}
	b := result.JudgeResult{Model: "beta", Score: 0.5, Grade: "F", Rationale: "rb"}

	v1 := result.CombineVerdicts([]result.JudgeResult{a, b}, 0.7)
	v2 := result.CombineVerdicts([]result.JudgeResult{b, a}, 0.7)
	if v1 != v2 {
		t.Errorf("equal-score verdicts differ: %+v vs %+v", v1, v2)
	}
	if v1.Grade != "D" {
		t.Errorf("Grade = %q, want D from lexicographically first model", v1.Grade)
	}
}

func TestCombineVerdictsThresholdBoundary(t *testing.T) {
	judges := []result.JudgeResult{{Model: "m", Score: 0.7, Grade: "C", Rationale: "edge"}}
	if v := result.CombineVerdicts(judges, 0.7); !v.Passed {
		t.Error("score equal to threshold should pass")
	}
	judges[0].Score = 0.6875
	if v := result.CombineVerdicts(judges, 0.7); v.Passed {
		t.Error("score below threshold should not pass")
	}
}

func TestMedianScore(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{0.5}, 0.5},
		{"odd", []float64{1.0, 0.25, 0.5}, 0.5},
		{"even", []float64{0.25, 0.75}, 0.5},
		{"even four", []float64{1.0, 0.25, 0.5, 0.75}, 0.625},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := result.MedianScore(tt.scores); got != tt.want {
				t.Errorf("MedianScore(%v) = %f, want %f", tt.scores, got, tt.want)
			}
		})
	}
}

func TestGradeForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{1.0, "A"},
		{0.9, "A"},
		{0.875, "B"},
		{0.8, "B"},
		{0.75, "C"},
		{0.7, "C"},
		{0.625, "D"},
		{0.6, "D"},
		{0.5, "F"},
		{0, "F"},
	}
	for _, tt := range tests {
		if got := result.GradeForScore(tt.score); got != tt.want {
			t.Errorf("GradeForScore(%f) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
