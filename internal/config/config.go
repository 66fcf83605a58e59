package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Experiment     string       `yaml:"experiment"`
	Tiers          []Tier       `yaml:"tiers"`
	RunsPerSubtask int          `yaml:"runs_per_subtask"`
	PassThreshold  float64      `yaml:"pass_threshold"`
	Parallel       int          `yaml:"parallel"`
	Language       string       `yaml:"language"`
	Agent          Agent        `yaml:"agent"`
	Judge          Judge        `yaml:"judge"`
	Results        Results      `yaml:"results"`
	Coordination   Coordination `yaml:"coordination"`
	Pricing        Pricing      `yaml:"pricing"`
	Secrets        Secrets      `yaml:"secrets"`
}

type Tier struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Subtasks []Subtask `yaml:"subtasks"`
}

type Subtask struct {
	ID     string `yaml:"id"`
	Prompt string `yaml:"prompt"`
}

type Agent struct {
	Command        []string          `yaml:"command"`
	Image          string            `yaml:"image"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes int               `yaml:"timeout_minutes"`
	MaxTurns       int               `yaml:"max_turns"`
	CPULimit       float64           `yaml:"cpu_limit"`
	MemoryLimitMB  int64             `yaml:"memory_limit_mb"`
}

type Judge struct {
	Command        []string `yaml:"command"`
	Models         []string `yaml:"models"`
	TimeoutMinutes int      `yaml:"timeout_minutes"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Coordination struct {
	Dir string `yaml:"dir"`
}

type Pricing struct {
	File string `yaml:"file"`
}

// Secrets names a dotenv file whose variables are exported to agent
// and judge processes. The file itself is never copied into results.
type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

func (a *Agent) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

func (j *Judge) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Experiment == "" {
		return fmt.Errorf("experiment name is required")
	}
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	tierIDs := make(map[string]bool)
	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		if tier.ID == "" {
			return fmt.Errorf("tier %d: id is required", i)
		}
		if tierIDs[tier.ID] {
			return fmt.Errorf("tier %q: duplicate id", tier.ID)
		}
		tierIDs[tier.ID] = true
		if tier.Name == "" {
			tier.Name = tier.ID
		}
		if len(tier.Subtasks) == 0 {
			return fmt.Errorf("tier %q: no subtasks defined", tier.ID)
		}
		subIDs := make(map[string]bool)
		for j, sub := range tier.Subtasks {
			if sub.ID == "" {
				return fmt.Errorf("tier %q subtask %d: id is required", tier.ID, j)
			}
			if subIDs[sub.ID] {
				return fmt.Errorf("tier %q subtask %q: duplicate id", tier.ID, sub.ID)
			}
			subIDs[sub.ID] = true
			if sub.Prompt == "" {
				return fmt.Errorf("tier %q subtask %q: prompt is required", tier.ID, sub.ID)
			}
		}
	}
	if cfg.RunsPerSubtask == 0 {
		cfg.RunsPerSubtask = 1
	}
	if cfg.RunsPerSubtask < 1 {
		return fmt.Errorf("runs_per_subtask must be at least 1")
	}
	if cfg.PassThreshold == 0 {
		cfg.PassThreshold = 0.7
	}
	if cfg.PassThreshold < 0 || cfg.PassThreshold > 1 {
		return fmt.Errorf("pass_threshold must be between 0 and 1")
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = 1
	}
	if cfg.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1")
	}
	if cfg.Language == "" {
		cfg.Language = "go"
	}
	switch cfg.Language {
	case "go", "python", "node":
	default:
		return fmt.Errorf("language %q: must be go, python, or node", cfg.Language)
	}
	if len(cfg.Agent.Command) == 0 {
		return fmt.Errorf("agent command is required")
	}
	if cfg.Agent.TimeoutMinutes == 0 {
		cfg.Agent.TimeoutMinutes = 30
	}
	if len(cfg.Judge.Command) == 0 {
		return fmt.Errorf("judge command is required")
	}
	if len(cfg.Judge.Models) == 0 {
		return fmt.Errorf("at least one judge model is required")
	}
	if cfg.Judge.TimeoutMinutes == 0 {
		cfg.Judge.TimeoutMinutes = 10
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "./results"
	}
	if cfg.Coordination.Dir == "" {
		cfg.Coordination.Dir = "./.crucible"
	}
	return nil
}

// Hash fingerprints the effective configuration. The config is
// re-serialized from the parsed form, so comment and formatting edits
// produce the same hash and only semantic changes count as drift.
func Hash(cfg *Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("serializing config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
