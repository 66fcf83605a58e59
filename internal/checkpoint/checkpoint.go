package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// SchemaVersion is the only checkpoint format this code reads or
// writes. Files with any other version are rejected outright; there is
// no migration path.
const SchemaVersion = "2.0"

var (
	ErrIncompatibleVersion = errors.New("incompatible checkpoint version")
	ErrCorrupt             = errors.New("corrupt checkpoint")
	ErrInvalidStatus       = errors.New("invalid run status")
)

// RunStatus is the durable outcome of a single run.
type RunStatus string

const (
	RunPassed RunStatus = "passed"
	RunFailed RunStatus = "failed"
	// RunAgentComplete means the agent stage finished and its result is
	// on disk, but the judge stage has not concluded. A resumed
	// experiment re-enters such a run at the judge stage.
	RunAgentComplete RunStatus = "agent_complete"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunPassed, RunFailed, RunAgentComplete:
		return true
	}
	return false
}

// Terminal reports whether the run needs no further work.
func (s RunStatus) Terminal() bool {
	return s == RunPassed || s == RunFailed
}

// ExperimentStatus is the lifecycle state of the whole experiment.
type ExperimentStatus string

const (
	StatusRunning         ExperimentStatus = "running"
	StatusPausedRateLimit ExperimentStatus = "paused_rate_limit"
	StatusInterrupted     ExperimentStatus = "interrupted"
	StatusCompleted       ExperimentStatus = "completed"
	StatusFailed          ExperimentStatus = "failed"
)

func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusPausedRateLimit, StatusInterrupted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Checkpoint is the on-disk record of experiment progress. Run entries
// appear under completed_runs only once their outcome is durably known;
// an in-flight run has no entry at all.
type Checkpoint struct {
	Version       string                                  `json:"version"`
	ExperimentID  string                                  `json:"experiment_id"`
	ConfigHash    string                                  `json:"config_hash"`
	Status        ExperimentStatus                        `json:"status"`
	StartedAt     time.Time                               `json:"started_at"`
	UpdatedAt     time.Time                               `json:"updated_at"`
	CompletedRuns map[string]map[string]map[int]RunStatus `json:"completed_runs"`
}

func New(experimentID, configHash string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Version:       SchemaVersion,
		ExperimentID:  experimentID,
		ConfigHash:    configHash,
		Status:        StatusRunning,
		StartedAt:     now,
		UpdatedAt:     now,
		CompletedRuns: make(map[string]map[string]map[int]RunStatus),
	}
}

func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ck.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrCorrupt)
	}
	if ck.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: found %q, need %q", ErrIncompatibleVersion, ck.Version, SchemaVersion)
	}
	if ck.ExperimentID == "" || !ck.Status.Valid() {
		return nil, fmt.Errorf("%w: missing experiment id or status", ErrCorrupt)
	}
	for tier, subtasks := range ck.CompletedRuns {
		for subtask, runs := range subtasks {
			for run, status := range runs {
				if !status.Valid() {
					return nil, fmt.Errorf("%w: run %s/%s/%d has status %q", ErrCorrupt, tier, subtask, run, status)
				}
			}
		}
	}
	if ck.CompletedRuns == nil {
		ck.CompletedRuns = make(map[string]map[string]map[int]RunStatus)
	}
	return &ck, nil
}

// ValidateAgainst reports whether the checkpoint was written for the
// given config fingerprint.
func (c *Checkpoint) ValidateAgainst(configHash string) bool {
	return c.ConfigHash == configHash
}

// Run returns the recorded status for a run, if any.
func (c *Checkpoint) Run(tier, subtask string, run int) (RunStatus, bool) {
	status, ok := c.CompletedRuns[tier][subtask][run]
	return status, ok
}

// TerminalRuns counts runs in the subtask that need no further work.
func (c *Checkpoint) TerminalRuns(tier, subtask string) int {
	n := 0
	for _, status := range c.CompletedRuns[tier][subtask] {
		if status.Terminal() {
			n++
		}
	}
	return n
}

func (c *Checkpoint) set(tier, subtask string, run int, status RunStatus) {
	subtasks, ok := c.CompletedRuns[tier]
	if !ok {
		subtasks = make(map[string]map[int]RunStatus)
		c.CompletedRuns[tier] = subtasks
	}
	runs, ok := subtasks[subtask]
	if !ok {
		runs = make(map[int]RunStatus)
		subtasks[subtask] = runs
	}
	runs[run] = status
}
