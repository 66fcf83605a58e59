package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/crucible/internal/tokens"
)

// ModelPricing holds per-1K-token USD rates for one model. CacheRead
// and CacheCreation default to 0.1x and 1.25x the input rate when the
// table leaves them out.
type ModelPricing struct {
	Input         float64 `yaml:"input"`
	Output        float64 `yaml:"output"`
	CacheRead     float64 `yaml:"cache_read,omitempty"`
	CacheCreation float64 `yaml:"cache_creation,omitempty"`
}

type Table struct {
	Models map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var models map[string]ModelPricing
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Models: models}, nil
}

// Cost prices a usage record against a model's rates. Unknown models
// cost zero so a stale table degrades to unpriced rather than failing
// the run.
func (t *Table) Cost(model string, u tokens.Usage) float64 {
	if t == nil || t.Models == nil {
		return 0
	}
	p, ok := t.Models[model]
	if !ok {
		return 0
	}
	cacheRead := p.CacheRead
	if cacheRead == 0 {
		cacheRead = p.Input * 0.1
	}
	cacheCreation := p.CacheCreation
	if cacheCreation == 0 {
		cacheCreation = p.Input * 1.25
	}
	return (float64(u.InputTokens)/1000.0)*p.Input +
		(float64(u.OutputTokens)/1000.0)*p.Output +
		(float64(u.CacheReadTokens)/1000.0)*cacheRead +
		(float64(u.CacheCreationTokens)/1000.0)*cacheCreation
}
