package checkpoint_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/signalnine/crucible/internal/checkpoint"
)

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	return checkpoint.NewStore(path, checkpoint.New("exp-1", "hash-1"))
}

func TestMarkRunRoundTrip(t *testing.T) {
	store := newStore(t)
	if err := store.MarkRun("t0", "fizzbuzz", 1, checkpoint.RunPassed); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if err := store.MarkRun("t0", "fizzbuzz", 2, checkpoint.RunAgentComplete); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}

	reopened, err := checkpoint.Open(store.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	status, ok := reopened.RunStatus("t0", "fizzbuzz", 1)
	if !ok || status != checkpoint.RunPassed {
		t.Errorf("run 1: got (%q, %v), want (passed, true)", status, ok)
	}
	status, ok = reopened.RunStatus("t0", "fizzbuzz", 2)
	if !ok || status != checkpoint.RunAgentComplete {
		t.Errorf("run 2: got (%q, %v), want (agent_complete, true)", status, ok)
	}
	if _, ok := reopened.RunStatus("t0", "fizzbuzz", 3); ok {
		t.Error("run 3 should be absent")
	}
}

func TestMarkRunUpsert(t *testing.T) {
	store := newStore(t)
	if err := store.MarkRun("t0", "a", 1, checkpoint.RunAgentComplete); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if err := store.MarkRun("t0", "a", 1, checkpoint.RunPassed); err != nil {
		t.Fatalf("MarkRun overwrite: %v", err)
	}
	status, _ := store.RunStatus("t0", "a", 1)
	if status != checkpoint.RunPassed {
		t.Errorf("overwrite: got %q, want passed", status)
	}
	snap := store.Snapshot()
	if len(snap.CompletedRuns["t0"]["a"]) != 1 {
		t.Errorf("upsert created duplicate entries: %v", snap.CompletedRuns["t0"]["a"])
	}
}

func TestMarkRunInvalidStatus(t *testing.T) {
	store := newStore(t)
	err := store.MarkRun("t0", "a", 1, checkpoint.RunStatus("succeeded"))
	if !errors.Is(err, checkpoint.ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
	if _, ok := store.RunStatus("t0", "a", 1); ok {
		t.Error("rejected status must not be recorded")
	}
}

func TestIsRunComplete(t *testing.T) {
	store := newStore(t)
	store.MarkRun("t0", "a", 1, checkpoint.RunPassed)
	store.MarkRun("t0", "a", 2, checkpoint.RunFailed)
	store.MarkRun("t0", "a", 3, checkpoint.RunAgentComplete)

	tests := []struct {
		run  int
		want bool
	}{
		{1, true},
		{2, true},
		{3, false}, // agent_complete is not terminal
		{4, false}, // absent
	}
	for _, tt := range tests {
		if got := store.IsRunComplete("t0", "a", tt.run); got != tt.want {
			t.Errorf("IsRunComplete(run %d) = %v, want %v", tt.run, got, tt.want)
		}
	}
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	ck := checkpoint.New("exp-1", "hash-1")
	ck.Version = "1.0"
	data, _ := json.Marshal(ck)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := checkpoint.Load(path)
	if !errors.Is(err, checkpoint.ErrIncompatibleVersion) {
		t.Errorf("got %v, want ErrIncompatibleVersion", err)
	}
	if err != nil && !strings.Contains(err.Error(), "1.0") {
		t.Errorf("error should name the found version: %v", err)
	}
}

func TestLoadRejectsCorrupt(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"version": "2.0", "experiment_id": "e`},
		{"empty object", `{}`},
		{"bad experiment status", `{"version": "2.0", "experiment_id": "e", "status": "exploded"}`},
		{"bad run status", `{"version": "2.0", "experiment_id": "e", "status": "running",
			"completed_runs": {"t0": {"a": {"1": "maybe"}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := checkpoint.Load(path)
			if !errors.Is(err, checkpoint.ErrCorrupt) {
				t.Errorf("got %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestValidateAgainst(t *testing.T) {
	ck := checkpoint.New("exp-1", "hash-1")
	if !ck.ValidateAgainst("hash-1") {
		t.Error("matching hash rejected")
	}
	if ck.ValidateAgainst("hash-2") {
		t.Error("drifted hash accepted")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	store := newStore(t)
	if err := store.MarkRun("t0", "a", 1, checkpoint.RunPassed); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
	// The file on disk must be loadable after every mutation.
	if _, err := checkpoint.Load(store.Path()); err != nil {
		t.Errorf("checkpoint unreadable after save: %v", err)
	}
}

func TestConcurrentMarkRun(t *testing.T) {
	store := newStore(t)
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			if err := store.MarkRun("t0", "a", run, checkpoint.RunPassed); err != nil {
				t.Errorf("MarkRun(%d): %v", run, err)
			}
		}(i)
	}
	wg.Wait()

	reopened, err := checkpoint.Open(store.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := reopened.Snapshot()
	if got := len(snap.CompletedRuns["t0"]["a"]); got != 20 {
		t.Errorf("expected 20 recorded runs, got %d", got)
	}
}

func TestTerminalRunsCount(t *testing.T) {
	store := newStore(t)
	store.MarkRun("t0", "a", 1, checkpoint.RunPassed)
	store.MarkRun("t0", "a", 2, checkpoint.RunAgentComplete)
	store.MarkRun("t0", "a", 3, checkpoint.RunFailed)
	snap := store.Snapshot()
	if got := snap.TerminalRuns("t0", "a"); got != 2 {
		t.Errorf("TerminalRuns = %d, want 2", got)
	}
	if got := snap.TerminalRuns("t0", "missing"); got != 0 {
		t.Errorf("TerminalRuns on absent subtask = %d, want 0", got)
	}
}
