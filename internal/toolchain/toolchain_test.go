package toolchain_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/crucible/internal/toolchain"
)

func TestRunCapturesOutput(t *testing.T) {
	checks := []toolchain.Check{
		{Name: "hello", Command: []string{"/bin/sh", "-c", "echo hello world"}},
		{Name: "fails", Command: []string{"/bin/sh", "-c", "echo broken >&2; exit 2"}},
	}
	results := toolchain.Run(context.Background(), t.TempDir(), checks, 0)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ExitCode != 0 || results[0].Output != "hello world\n" {
		t.Errorf("hello: %d %q", results[0].ExitCode, results[0].Output)
	}
	if results[1].ExitCode != 2 || results[1].Output != "broken\n" {
		t.Errorf("fails: %d %q", results[1].ExitCode, results[1].Output)
	}
}

func TestRunMissingTool(t *testing.T) {
	checks := []toolchain.Check{
		{Name: "ghost", Command: []string{"/nonexistent/tool"}},
	}
	results := toolchain.Run(context.Background(), t.TempDir(), checks, 0)
	if results[0].ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 for unrunnable tool", results[0].ExitCode)
	}
	if results[0].Output == "" {
		t.Error("output should explain why the tool could not run")
	}
}

func TestRunHonorsWorkdir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644)

	checks := []toolchain.Check{{Name: "ls", Command: []string{"ls"}}}
	results := toolchain.Run(context.Background(), dir, checks, 0)
	if !strings.Contains(results[0].Output, "marker.txt") {
		t.Errorf("check did not run in workspace: %q", results[0].Output)
	}
}

func TestRunTimeout(t *testing.T) {
	checks := []toolchain.Check{
		{Name: "slow", Command: []string{"/bin/sh", "-c", "sleep 10"}},
	}
	start := time.Now()
	results := toolchain.Run(context.Background(), t.TempDir(), checks, 100*time.Millisecond)
	if time.Since(start) > 5*time.Second {
		t.Fatal("per-check timeout not enforced")
	}
	if results[0].ExitCode == 0 {
		t.Error("timed-out check should not report success")
	}
}

func TestChecksFor(t *testing.T) {
	for _, lang := range []string{"go", "python", "node"} {
		if len(toolchain.ChecksFor(lang)) == 0 {
			t.Errorf("no checks for %s", lang)
		}
	}
	if got := toolchain.ChecksFor("cobol"); got != nil {
		t.Errorf("unknown language should have no checks, got %v", got)
	}
}

func TestWriteTranscripts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "commands")
	results := []toolchain.CheckResult{
		{Name: "build", Command: []string{"go", "build", "./..."}, ExitCode: 0, Output: "ok\n"},
		{Name: "test", Command: []string{"go", "test", "./..."}, ExitCode: 1, Output: "FAIL\n"},
	}
	if err := toolchain.WriteTranscripts(dir, results); err != nil {
		t.Fatalf("WriteTranscripts: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "build.txt"))
	if err != nil {
		t.Fatalf("reading build.txt: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "$ go build ./...") || !strings.Contains(text, "exit: 0") {
		t.Errorf("build.txt missing header: %q", text)
	}
	if !strings.HasSuffix(text, "ok\n") {
		t.Errorf("build.txt missing output: %q", text)
	}

	if _, err := os.Stat(filepath.Join(dir, "test.txt")); err != nil {
		t.Errorf("test.txt not written: %v", err)
	}
}

func TestWriteTranscriptsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "commands")
	if err := toolchain.WriteTranscripts(dir, nil); err != nil {
		t.Fatalf("WriteTranscripts(nil): %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("no commands dir should be created when there are no results")
	}
}
