// Package executor runs one tier at a time: every subtask expands into
// N independent agent+judge runs dispatched through a bounded worker
// pool that honors checkpoint resume, rate-limit pauses, and
// cooperative shutdown.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/coordinator"
	"github.com/signalnine/crucible/internal/invoke"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/toolchain"
)

// errShutdown aborts a run before its next stage starts. The run is
// left unrecorded (or at agent_complete) so a resume picks it back up.
var errShutdown = errors.New("shutdown requested")

const defaultCheckTimeout = 5 * time.Minute

type Executor struct {
	Config      *config.Config
	Store       *checkpoint.Store
	Coord       *coordinator.Coordinator
	Agent       invoke.AgentInvoker
	Judge       invoke.JudgeInvoker
	Events      *EventLog
	ExpDir      string
	JudgeModels []string

	// Pricing fills in costs for invokers that report token usage but
	// no spend. Nil leaves self-reported costs untouched.
	Pricing *pricing.Table

	// OnPause fires once per pause this process wins; the orchestrator
	// hooks the rate-limit watcher here so exactly one exists across
	// all workers and processes.
	OnPause func(reason string)

	// CheckTimeout bounds each toolchain check individually.
	CheckTimeout time.Duration
}

type runJob struct {
	subtask config.Subtask
	num     int
}

// RunTier executes every run of every subtask in the tier. The
// returned aggregate covers the runs that reached a terminal status;
// runs skipped at a shutdown boundary or stranded at agent_complete
// are left for a future resume. A non-nil error means persistence
// failed and the experiment must stop.
func (e *Executor) RunTier(ctx context.Context, tier config.Tier, runsPerSubtask int) (*result.TierResult, error) {
	jobs := make([]runJob, 0, len(tier.Subtasks)*runsPerSubtask)
	for _, st := range tier.Subtasks {
		for n := 1; n <= runsPerSubtask; n++ {
			jobs = append(jobs, runJob{subtask: st, num: n})
		}
	}
	total := len(jobs)
	start := time.Now()
	parallel := e.Config.Parallel
	if parallel < 1 {
		parallel = 1
	}

	log.Printf("tier %s: %d subtasks x %d runs (%d workers)",
		tier.ID, len(tier.Subtasks), runsPerSubtask, parallel)
	e.Events.Append(Event{Type: "tier_start", Tier: tier.ID, Total: total})

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		bySubtask = make(map[string][]*result.RunResult)
		completed int
		fatal     error
	)
	sem := make(chan struct{}, parallel)

	for _, job := range jobs {
		if e.Coord.ShutdownRequested() {
			log.Printf("tier %s: shutdown requested, no further runs dispatched", tier.ID)
			break
		}
		mu.Lock()
		stop := fatal != nil
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(j runJob) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := e.runOne(ctx, tier, j.subtask, j.num)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatal == nil {
					fatal = err
				}
				return
			}
			if res != nil {
				bySubtask[j.subtask.ID] = append(bySubtask[j.subtask.ID], res)
				completed++
			}
			elapsed := int(time.Since(start).Seconds())
			e.Events.Append(Event{
				Type:      "progress",
				Tier:      tier.ID,
				Completed: completed,
				Total:     total,
				Active:    total - completed,
				ElapsedS:  elapsed,
			})
			log.Printf("tier %s: %d/%d complete, elapsed %ds", tier.ID, completed, total, elapsed)
		}(job)
	}
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}

	subResults := make([]*result.SubtaskResult, 0, len(tier.Subtasks))
	for _, st := range tier.Subtasks {
		runs := bySubtask[st.ID]
		if len(runs) == 0 {
			continue
		}
		subResults = append(subResults, result.BuildSubtaskResult(st.ID, runs, e.Config.PassThreshold))
	}
	tierRes := result.BuildTierResult(tier.ID, tier.Name, subResults, e.Config.PassThreshold)
	e.Events.Append(Event{Type: "tier_done", Tier: tier.ID, Completed: completed, Total: total})
	return tierRes, nil
}

// runOne drives a single run through both stages. A nil result with a
// nil error means the run reached no terminal status this session
// (shutdown boundary or judge-stage failure); it stays resumable. A
// non-nil error means checkpoint persistence failed and is fatal to
// the tier; every other fault is recorded into this run alone.
func (e *Executor) runOne(ctx context.Context, tier config.Tier, subtask config.Subtask, num int) (*result.RunResult, error) {
	runDir := result.RunDir(e.ExpDir, tier.ID, subtask.ID, num)
	label := fmt.Sprintf("%s/%s run %d", tier.ID, subtask.ID, num)
	validator := &result.Validator{JudgeCount: len(e.JudgeModels)}

	// Terminal runs are never re-executed; their persisted files feed
	// the aggregate so resumed totals match uninterrupted ones.
	if status, ok := e.Store.RunStatus(tier.ID, subtask.ID, num); ok && status.Terminal() {
		log.Printf("%s: already %s, skipping", label, status)
		res, err := result.LoadRunResult(runDir, tier.ID, subtask.ID, num, len(e.JudgeModels), e.Config.PassThreshold, status)
		if err != nil {
			log.Printf("warning: %s: loading cached result: %v", label, err)
			res = &result.RunResult{
				Tier:      tier.ID,
				Subtask:   subtask.ID,
				Run:       num,
				Status:    status,
				Error:     fmt.Sprintf("loading cached result: %v", err),
				FromCache: true,
			}
		}
		e.Events.Append(Event{Type: "run", Tier: tier.ID, Subtask: subtask.ID, Run: num, Status: string(status), FromCache: true})
		return res, nil
	}

	// Agent stage: reuse a valid persisted result, otherwise invoke.
	agentFresh := false
	var agentRes *result.AgentResult
	if validator.HasValidResult(runDir, result.StageAgent) {
		if loaded, err := result.ReadAgentResult(result.AgentResultPath(runDir)); err == nil {
			agentRes = loaded
			log.Printf("%s: reusing agent result", label)
		}
	}
	if agentRes == nil {
		req := &invoke.AgentRequest{
			PromptPath:     result.PromptSnapshotPath(e.ExpDir, tier.ID, subtask.ID),
			Workspace:      result.WorkspaceDir(runDir),
			MetricsPath:    filepath.Join(result.AgentDir(runDir), "metrics.json"),
			TranscriptPath: result.TranscriptPath(runDir),
			Timeout:        e.Config.Agent.Timeout(),
			MaxTurns:       e.Config.Agent.MaxTurns,
			Env:            e.Config.Agent.Env,
		}
		for {
			if err := e.waitReady(ctx); err != nil {
				if errors.Is(err, errShutdown) {
					return nil, nil
				}
				return nil, err
			}
			res, err := e.Agent.InvokeAgent(ctx, req)
			if err == nil {
				agentRes = res
				break
			}
			if invoke.IsRateLimited(err) {
				e.pauseForRateLimit(label, "agent")
				continue
			}
			return e.failRun(tier, subtask, num, runDir, label, res, err)
		}
		agentFresh = true
		if agentRes.CostUSD == 0 {
			agentRes.CostUSD = e.Pricing.Cost(agentRes.Model, agentRes.Usage)
		}
		if err := result.WriteAgentResult(runDir, agentRes); err != nil {
			return e.failRun(tier, subtask, num, runDir, label, agentRes,
				&invoke.Error{Kind: invoke.KindRuntime, Op: "agent", Err: fmt.Errorf("writing agent result: %w", err)})
		}
	}

	// The judge reads a frozen prompt plus toolchain transcripts; both
	// are rebuilt if the agent re-ran or a crash lost them.
	if agentFresh || !fileExists(result.JudgePromptPath(runDir)) {
		if err := e.prepareJudgeInputs(ctx, tier, subtask, runDir); err != nil {
			return e.failRun(tier, subtask, num, runDir, label, agentRes,
				&invoke.Error{Kind: invoke.KindRuntime, Op: "judge", Err: err})
		}
	}
	if agentFresh {
		if err := e.Store.MarkRun(tier.ID, subtask.ID, num, checkpoint.RunAgentComplete); err != nil {
			return nil, fmt.Errorf("marking agent complete: %w", err)
		}
	}

	// Judge stage: one invocation per model. A fresh agent output
	// invalidates every earlier verdict; otherwise judges that
	// finished before a crash are reused individually.
	judges := make([]result.JudgeResult, 0, len(e.JudgeModels))
	for i, model := range e.JudgeModels {
		judgeNum := i + 1
		if !agentFresh && validator.HasValidJudge(runDir, judgeNum) {
			if jr, err := result.ReadJudgeResult(result.JudgeResultPath(runDir, judgeNum)); err == nil {
				log.Printf("%s: reusing judge %d (%s)", label, judgeNum, jr.Model)
				judges = append(judges, *jr)
				continue
			}
		}

		req := &invoke.JudgeRequest{
			Model:         model,
			PromptPath:    result.JudgePromptPath(runDir),
			Workspace:     result.WorkspaceDir(runDir),
			Timeout:       e.Config.Judge.Timeout(),
			PassThreshold: e.Config.PassThreshold,
		}
		var jr *result.JudgeResult
		for {
			if err := e.waitReady(ctx); err != nil {
				if errors.Is(err, errShutdown) {
					return nil, nil
				}
				return nil, err
			}
			res, err := e.Judge.InvokeJudge(ctx, req)
			if err == nil {
				jr = res
				break
			}
			if invoke.IsRateLimited(err) {
				e.pauseForRateLimit(label, "judge")
				continue
			}
			// The run keeps its agent_complete status: only the judge
			// stage reruns on resume.
			log.Printf("%s: judge %d (%s) failed: %v", label, judgeNum, model, err)
			e.Events.Append(Event{
				Type: "run", Tier: tier.ID, Subtask: subtask.ID, Run: num,
				Status: string(checkpoint.RunAgentComplete),
				Error:  fmt.Sprintf("judge %s: %v", model, err),
			})
			return nil, nil
		}
		if jr.CostUSD == 0 {
			jr.CostUSD = e.Pricing.Cost(jr.Model, jr.Usage)
		}
		if err := result.WriteJudgeResult(runDir, judgeNum, jr); err != nil {
			return e.failRun(tier, subtask, num, runDir, label, agentRes,
				&invoke.Error{Kind: invoke.KindRuntime, Op: "judge", Err: fmt.Errorf("writing judge result: %w", err)})
		}
		judges = append(judges, *jr)
	}

	verdict := result.CombineVerdicts(judges, e.Config.PassThreshold)
	status := checkpoint.RunFailed
	if verdict.Passed {
		status = checkpoint.RunPassed
	}
	if err := e.Store.MarkRun(tier.ID, subtask.ID, num, status); err != nil {
		return nil, fmt.Errorf("marking run %s: %w", status, err)
	}

	rr := &result.RunResult{
		Tier:      tier.ID,
		Subtask:   subtask.ID,
		Run:       num,
		Status:    status,
		Verdict:   verdict,
		Usage:     agentRes.Usage,
		CostUSD:   agentRes.CostUSD,
		DurationS: agentRes.DurationS,
	}
	for _, j := range judges {
		rr.Usage = rr.Usage.Add(j.Usage)
		rr.CostUSD += j.CostUSD
		rr.DurationS += j.DurationS
	}

	log.Printf("%s: %s (score %.2f, grade %s)", label, status, verdict.Score, verdict.Grade)
	e.Events.Append(Event{Type: "run", Tier: tier.ID, Subtask: subtask.ID, Run: num, Status: string(status)})
	return rr, nil
}

// failRun records a classified per-run failure as a terminal failed
// run. Siblings keep going; only the checkpoint write inside can
// still abort the tier.
func (e *Executor) failRun(tier config.Tier, subtask config.Subtask, num int, runDir, label string, agentRes *result.AgentResult, cause error) (*result.RunResult, error) {
	if agentRes != nil {
		if err := result.WriteAgentResult(runDir, agentRes); err != nil {
			log.Printf("warning: %s: writing agent result: %v", label, err)
		}
	}
	if err := e.Store.MarkRun(tier.ID, subtask.ID, num, checkpoint.RunFailed); err != nil {
		return nil, fmt.Errorf("marking run failed: %w", err)
	}
	log.Printf("%s: failed: %v", label, cause)

	rr := &result.RunResult{
		Tier:    tier.ID,
		Subtask: subtask.ID,
		Run:     num,
		Status:  checkpoint.RunFailed,
		Error:   cause.Error(),
	}
	if agentRes != nil {
		rr.Usage = agentRes.Usage
		rr.CostUSD = agentRes.CostUSD
		rr.DurationS = agentRes.DurationS
	}
	e.Events.Append(Event{Type: "run", Tier: tier.ID, Subtask: subtask.ID, Run: num, Status: "failed", Error: cause.Error()})
	return rr, nil
}

// waitReady blocks through any rate-limit pause and then reports
// whether a shutdown arrived, so no new stage starts after the signal.
func (e *Executor) waitReady(ctx context.Context) error {
	if err := e.Coord.WaitWhilePaused(ctx); err != nil {
		return err
	}
	if e.Coord.ShutdownRequested() {
		return errShutdown
	}
	return nil
}

func (e *Executor) pauseForRateLimit(label, stage string) {
	reason := fmt.Sprintf("rate limited during %s stage (%s)", stage, label)
	won, err := e.Coord.Pause(reason)
	if err != nil {
		log.Printf("warning: pausing coordinator: %v", err)
		return
	}
	if !won {
		return
	}
	log.Printf("rate limit detected during %s stage, pausing all workers", stage)
	e.Events.Append(Event{Type: "pause", Reason: reason})
	if e.OnPause != nil {
		e.OnPause(reason)
	}
}

// prepareJudgeInputs runs the language checks against the workspace,
// persists their transcripts, and writes the judge prompt.
func (e *Executor) prepareJudgeInputs(ctx context.Context, tier config.Tier, subtask config.Subtask, runDir string) error {
	checkTimeout := e.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	checks := toolchain.ChecksFor(e.Config.Language)
	checkResults := toolchain.Run(ctx, result.WorkspaceDir(runDir), checks, checkTimeout)
	if err := toolchain.WriteTranscripts(result.CommandsDir(runDir), checkResults); err != nil {
		log.Printf("warning: %v", err)
	}

	promptData, err := os.ReadFile(result.PromptSnapshotPath(e.ExpDir, tier.ID, subtask.ID))
	if err != nil {
		return fmt.Errorf("reading prompt snapshot: %w", err)
	}
	prompt := buildJudgePrompt(string(promptData), checkResults)
	if err := os.WriteFile(result.JudgePromptPath(runDir), []byte(prompt), 0o644); err != nil {
		return fmt.Errorf("writing judge prompt: %w", err)
	}
	return nil
}

func buildJudgePrompt(task string, checks []toolchain.CheckResult) string {
	var b strings.Builder
	b.WriteString("You are grading a coding agent's attempt at the task below. ")
	b.WriteString("Inspect the workspace, weigh the check output, and respond with only a JSON object: ")
	b.WriteString(`{"score": <0.0-1.0>, "grade": "<A-F>", "rationale": "<one paragraph>"}`)
	b.WriteString("\n\n## Task\n\n")
	b.WriteString(strings.TrimSpace(task))
	b.WriteString("\n")
	if len(checks) > 0 {
		b.WriteString("\n## Check output\n")
		for _, c := range checks {
			fmt.Fprintf(&b, "\n### %s (exit %d)\n\n```\n%s```\n", c.Name, c.ExitCode, clip(c.Output, 4096))
		}
	}
	return b.String()
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return ensureNewline(s)
	}
	return "[truncated]\n" + ensureNewline(s[len(s)-limit:])
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
