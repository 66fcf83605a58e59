package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store serializes all checkpoint mutation behind a mutex and persists
// after every change, so the on-disk file always reflects the last
// completed mutation even if the process dies immediately after.
type Store struct {
	mu   sync.Mutex
	path string
	ck   *Checkpoint
}

func NewStore(path string, ck *Checkpoint) *Store {
	return &Store{path: path, ck: ck}
}

// Open loads an existing checkpoint file into a store. Version and
// corruption errors from Load pass through unchanged.
func Open(path string) (*Store, error) {
	ck, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, ck: ck}, nil
}

func (s *Store) Path() string {
	return s.path
}

// MarkRun records a run outcome and persists the checkpoint. Marking
// the same run again overwrites its status, so replays after a resume
// are harmless.
func (s *Store) MarkRun(tier, subtask string, run int, status RunStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ck.set(tier, subtask, run, status)
	s.ck.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// SetStatus moves the experiment to a new lifecycle state and persists.
func (s *Store) SetStatus(status ExperimentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ck.Status = status
	s.ck.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

func (s *Store) Status() ExperimentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ck.Status
}

func (s *Store) RunStatus(tier, subtask string, run int) (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ck.Run(tier, subtask, run)
}

// IsRunComplete reports whether the run is terminal. agent_complete is
// an intermediate state and does not count.
func (s *Store) IsRunComplete(tier, subtask string, run int) bool {
	status, ok := s.RunStatus(tier, subtask, run)
	return ok && status.Terminal()
}

// Snapshot returns a deep copy for readers that must not observe
// concurrent mutation.
func (s *Store) Snapshot() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := *s.ck
	snap.CompletedRuns = make(map[string]map[string]map[int]RunStatus, len(s.ck.CompletedRuns))
	for tier, subtasks := range s.ck.CompletedRuns {
		snapSubtasks := make(map[string]map[int]RunStatus, len(subtasks))
		for subtask, runs := range subtasks {
			snapRuns := make(map[int]RunStatus, len(runs))
			for run, status := range runs {
				snapRuns[run] = status
			}
			snapSubtasks[subtask] = snapRuns
		}
		snap.CompletedRuns[tier] = snapSubtasks
	}
	return snap
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes to a temp file and renames it over the target, so
// a crash mid-write can never leave a half-written checkpoint behind.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.ck, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}
