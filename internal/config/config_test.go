package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/crucible/internal/config"
)

const minimalYAML = `
experiment: smoke
tiers:
  - id: t0
    subtasks:
      - id: fizzbuzz
        prompt: prompts/fizzbuzz.md
agent:
  command: ["crucible-agent"]
judge:
  command: ["crucible-judge"]
  models: [gemini-2.0-flash]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Experiment != "smoke" {
		t.Errorf("experiment: got %q, want %q", cfg.Experiment, "smoke")
	}
	if len(cfg.Tiers) != 1 || len(cfg.Tiers[0].Subtasks) != 1 {
		t.Fatalf("expected 1 tier with 1 subtask, got %+v", cfg.Tiers)
	}
	if cfg.Tiers[0].Name != "t0" {
		t.Errorf("tier name should default to id, got %q", cfg.Tiers[0].Name)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RunsPerSubtask != 1 {
		t.Errorf("runs_per_subtask default: got %d, want 1", cfg.RunsPerSubtask)
	}
	if cfg.PassThreshold != 0.7 {
		t.Errorf("pass_threshold default: got %f, want 0.7", cfg.PassThreshold)
	}
	if cfg.Parallel != 1 {
		t.Errorf("parallel default: got %d, want 1", cfg.Parallel)
	}
	if cfg.Language != "go" {
		t.Errorf("language default: got %q, want go", cfg.Language)
	}
	if cfg.Agent.TimeoutMinutes != 30 {
		t.Errorf("agent timeout default: got %d, want 30", cfg.Agent.TimeoutMinutes)
	}
	if cfg.Results.Dir == "" {
		t.Error("results dir should have a default")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing experiment",
			strings.Replace(minimalYAML, "experiment: smoke", "", 1),
			"experiment name is required",
		},
		{
			"no tiers",
			`
experiment: smoke
agent:
  command: ["a"]
judge:
  command: ["j"]
  models: [m]
`,
			"no tiers defined",
		},
		{
			"duplicate tier",
			`
experiment: smoke
tiers:
  - id: t0
    subtasks: [{id: a, prompt: p.md}]
  - id: t0
    subtasks: [{id: a, prompt: p.md}]
agent:
  command: ["a"]
judge:
  command: ["j"]
  models: [m]
`,
			"duplicate id",
		},
		{
			"subtask missing prompt",
			`
experiment: smoke
tiers:
  - id: t0
    subtasks: [{id: a}]
agent:
  command: ["a"]
judge:
  command: ["j"]
  models: [m]
`,
			"prompt is required",
		},
		{
			"bad language",
			minimalYAML + "\nlanguage: rust\n",
			"must be go, python, or node",
		},
		{
			"bad threshold",
			minimalYAML + "\npass_threshold: 1.5\n",
			"pass_threshold",
		},
		{
			"missing agent command",
			strings.Replace(minimalYAML, `  command: ["crucible-agent"]`, "  env: {}", 1),
			"agent command is required",
		},
		{
			"missing judge models",
			strings.Replace(minimalYAML, "  models: [gemini-2.0-flash]", "", 1),
			"judge model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := config.Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHashIgnoresFormatting(t *testing.T) {
	a, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	reformatted := "# a comment\n" + strings.ReplaceAll(minimalYAML, "  command:", "  command:     ")
	b, err := config.Load(writeConfig(t, reformatted))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	hashA, err := config.Hash(a)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hashB, err := config.Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hashA != hashB {
		t.Error("formatting-only changes should not alter the hash")
	}
}

func TestHashDetectsChanges(t *testing.T) {
	a, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b, err := config.Load(writeConfig(t, minimalYAML+"\nruns_per_subtask: 5\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	hashA, _ := config.Hash(a)
	hashB, _ := config.Hash(b)
	if hashA == hashB {
		t.Error("semantic change should alter the hash")
	}
}
