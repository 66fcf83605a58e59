package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/tokens"
)

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestLoadPricing(t *testing.T) {
	dir := t.TempDir()
	content := `claude-opus-4-6:
  input: 0.015
  output: 0.075
codex-max:
  input: 0.01
  output: 0.03
`
	path := filepath.Join(dir, "pricing.yaml")
	os.WriteFile(path, []byte(content), 0o644)

	table, err := pricing.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cost := table.Cost("claude-opus-4-6", tokens.Usage{InputTokens: 1000, OutputTokens: 500})
	want := 0.0525
	if abs(cost-want) > 0.001 {
		t.Errorf("got %f, want %f", cost, want)
	}
}

func TestCostCacheDefaults(t *testing.T) {
	table := &pricing.Table{Models: map[string]pricing.ModelPricing{
		"m": {Input: 0.01, Output: 0.03},
	}}
	// 1000 cache-read tokens at 0.1x input, 1000 cache-creation at
	// 1.25x input.
	cost := table.Cost("m", tokens.Usage{CacheReadTokens: 1000, CacheCreationTokens: 1000})
	want := 0.001 + 0.0125
	if abs(cost-want) > 1e-9 {
		t.Errorf("got %f, want %f", cost, want)
	}
}

func TestCostExplicitCacheRates(t *testing.T) {
	table := &pricing.Table{Models: map[string]pricing.ModelPricing{
		"m": {Input: 0.01, Output: 0.03, CacheRead: 0.002, CacheCreation: 0.02},
	}}
	cost := table.Cost("m", tokens.Usage{CacheReadTokens: 500, CacheCreationTokens: 500})
	want := 0.001 + 0.01
	if abs(cost-want) > 1e-9 {
		t.Errorf("got %f, want %f", cost, want)
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := &pricing.Table{}
	cost := table.Cost("unknown", tokens.Usage{InputTokens: 1000, OutputTokens: 500})
	if cost != 0 {
		t.Errorf("expected 0 for unknown model, got %f", cost)
	}
}

func TestCostNilTable(t *testing.T) {
	var table *pricing.Table
	if cost := table.Cost("m", tokens.Usage{InputTokens: 1000}); cost != 0 {
		t.Errorf("expected 0 for nil table, got %f", cost)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := pricing.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
