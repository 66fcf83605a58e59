// Package toolchain runs language checks (build, vet, tests) against a
// run's workspace after the agent finishes. Check outcomes never fail
// a run by themselves; their transcripts are surfaced to the judge,
// which decides what a broken build is worth.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type Check struct {
	Name    string
	Command []string
}

type CheckResult struct {
	Name     string
	Command  []string
	ExitCode int
	Output   string
}

// ChecksFor returns the standard checks for a language. Unknown
// languages get none, which skips the stage rather than failing it.
func ChecksFor(language string) []Check {
	switch language {
	case "go":
		return []Check{
			{Name: "build", Command: []string{"go", "build", "./..."}},
			{Name: "vet", Command: []string{"go", "vet", "./..."}},
			{Name: "test", Command: []string{"go", "test", "./..."}},
		}
	case "python":
		return []Check{
			{Name: "compile", Command: []string{"python3", "-m", "compileall", "-q", "."}},
			{Name: "test", Command: []string{"python3", "-m", "pytest", "-q", "--tb=short"}},
		}
	case "node":
		return []Check{
			{Name: "install", Command: []string{"npm", "install", "--no-audit", "--no-fund"}},
			{Name: "test", Command: []string{"npm", "test", "--silent"}},
		}
	default:
		return nil
	}
}

// Run executes checks sequentially in dir. A nonzero exit or even a
// missing tool is recorded, not returned: the transcript is the
// product here. timeout bounds each check individually when positive.
func Run(ctx context.Context, dir string, checks []Check, timeout time.Duration) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, runCheck(ctx, dir, check, timeout))
	}
	return results
}

func runCheck(ctx context.Context, dir string, check Check, timeout time.Duration) CheckResult {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, check.Command[0], check.Command[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// Tool missing or unrunnable; record that as the output.
			return CheckResult{
				Name:     check.Name,
				Command:  check.Command,
				ExitCode: -1,
				Output:   err.Error(),
			}
		}
	}
	return CheckResult{
		Name:     check.Name,
		Command:  check.Command,
		ExitCode: exitCode,
		Output:   string(out),
	}
}

// WriteTranscripts persists one <name>.txt per check under dir.
func WriteTranscripts(dir string, results []CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating commands dir: %w", err)
	}
	for _, res := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "$ %s\n", strings.Join(res.Command, " "))
		fmt.Fprintf(&b, "exit: %d\n\n", res.ExitCode)
		b.WriteString(res.Output)
		path := filepath.Join(dir, res.Name+".txt")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return fmt.Errorf("writing %s transcript: %w", res.Name, err)
		}
	}
	return nil
}
