// Package orchestrator owns an experiment end to end: directory and
// checkpoint setup, cross-process coordination, signal handling, the
// tier loop, and the final summary.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/coordinator"
	"github.com/signalnine/crucible/internal/executor"
	"github.com/signalnine/crucible/internal/invoke"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
)

// Options assembles an experiment. Config is the effective
// configuration after any flag narrowing; ConfigHash must be the
// fingerprint of the file-loaded config so per-invocation flags never
// read as drift on resume.
type Options struct {
	Config     *config.Config
	ConfigDir  string // base for relative prompt and pricing paths
	ResumeDir  string // existing experiment dir; empty starts fresh
	ConfigHash string // computed from Config when empty

	// JudgeModels overrides the configured judge panel.
	JudgeModels []string

	// Test seams. Nil selects the config-driven implementations.
	Agent invoke.AgentInvoker
	Judge invoke.JudgeInvoker

	// Probe and ProbeInterval tune the rate-limit watcher; a zero
	// interval keeps the watcher's default backoff start.
	Probe         coordinator.ProbeFunc
	ProbeInterval time.Duration
}

type Orchestrator struct {
	cfg       *config.Config
	store     *checkpoint.Store
	coord     *coordinator.Coordinator
	agent     invoke.AgentInvoker
	judge     invoke.JudgeInvoker
	probe     coordinator.ProbeFunc
	probeBase time.Duration
	models    []string
	table     *pricing.Table
	events    *executor.EventLog
	started   time.Time

	ExpDir       string
	ExperimentID string
	Resumed      bool
}

// New prepares an experiment without starting any runs. Fresh
// experiments get a timestamped directory, frozen prompt snapshots,
// and a new checkpoint; resumed ones reload their checkpoint and are
// rejected if the configuration has drifted since it was written.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	hash := opts.ConfigHash
	if hash == "" {
		h, err := config.Hash(cfg)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	models := opts.JudgeModels
	if len(models) == 0 {
		models = cfg.Judge.Models
	}

	var (
		expDir  string
		ck      *checkpoint.Checkpoint
		resumed bool
		err     error
	)
	if opts.ResumeDir != "" {
		expDir, err = filepath.Abs(opts.ResumeDir)
		if err != nil {
			return nil, fmt.Errorf("resolving experiment dir: %w", err)
		}
		ck, err = checkpoint.Load(result.CheckpointPath(expDir))
		if err != nil {
			return nil, err
		}
		if !ck.ValidateAgainst(hash) {
			return nil, fmt.Errorf("config drift: checkpoint was written for config %.8s but the current config hashes to %.8s; restore the original config or start a fresh experiment", ck.ConfigHash, hash)
		}
		// The judge panel is part of the experiment's shape, but the
		// file hash cannot see a --judge-model override. On resume the
		// snapshot's panel is authoritative.
		snap, err := config.Load(result.ConfigSnapshotPath(expDir))
		if err != nil {
			return nil, fmt.Errorf("loading config snapshot: %w", err)
		}
		if len(opts.JudgeModels) > 0 && !sameModels(opts.JudgeModels, snap.Judge.Models) {
			return nil, fmt.Errorf("judge models %v differ from the experiment's recorded panel %v; resume without --judge-model or start a fresh experiment", opts.JudgeModels, snap.Judge.Models)
		}
		models = snap.Judge.Models
		resumed = true
		log.Printf("resuming experiment %s", ck.ExperimentID)
	} else {
		id := fmt.Sprintf("%s-%s", cfg.Experiment, uuid.New().String()[:8])
		expDir, err = result.CreateExperimentDir(cfg.Results.Dir, id)
		if err != nil {
			return nil, err
		}
		if err := snapshotPrompts(cfg, opts.ConfigDir, expDir); err != nil {
			return nil, err
		}
		if err := snapshotConfig(cfg, models, expDir); err != nil {
			return nil, err
		}
		ck = checkpoint.New(id, hash)
	}

	store := checkpoint.NewStore(result.CheckpointPath(expDir), ck)
	if !resumed {
		// The checkpoint exists on disk before the first run does.
		if err := store.Save(); err != nil {
			return nil, err
		}
	}

	coord, err := coordinator.New(cfg.Coordination.Dir)
	if err != nil {
		return nil, err
	}
	// A finished session leaves its shutdown record behind; this
	// session starts clean.
	if err := coord.Reset(); err != nil {
		return nil, err
	}

	var table *pricing.Table
	if cfg.Pricing.File != "" {
		table, err = pricing.Load(resolvePath(opts.ConfigDir, cfg.Pricing.File))
		if err != nil {
			return nil, err
		}
	}

	var secrets map[string]string
	if cfg.Secrets.EnvFile != "" {
		secrets, err = config.ParseEnvFile(resolvePath(opts.ConfigDir, cfg.Secrets.EnvFile))
		if err != nil {
			return nil, err
		}
	}

	agent := opts.Agent
	if agent == nil {
		agentEnv := overlayEnv(secrets, cfg.Agent.Env)
		if cfg.Agent.Image != "" {
			agent = &invoke.SandboxAgentInvoker{
				Image:         cfg.Agent.Image,
				Command:       cfg.Agent.Command,
				CPULimit:      cfg.Agent.CPULimit,
				MemoryLimitMB: cfg.Agent.MemoryLimitMB,
				Env:           agentEnv,
			}
		} else {
			agent = &invoke.ExecAgentInvoker{Command: cfg.Agent.Command, Env: agentEnv}
		}
	}
	judge := opts.Judge
	if judge == nil {
		judge = &invoke.ExecJudgeInvoker{Command: cfg.Judge.Command, Env: secrets}
	}

	o := &Orchestrator{
		cfg:          cfg,
		store:        store,
		coord:        coord,
		agent:        agent,
		judge:        judge,
		models:       models,
		table:        table,
		events:       executor.NewEventLog(result.EventLogPath(expDir)),
		started:      ck.StartedAt,
		ExpDir:       expDir,
		ExperimentID: ck.ExperimentID,
		Resumed:      resumed,
	}
	o.probe = opts.Probe
	if o.probe == nil {
		o.probe = o.defaultProbe
	}
	o.probeBase = opts.ProbeInterval
	return o, nil
}

// Run drives every tier until done or until a shutdown request drains
// the pool. The returned aggregate covers whatever reached a terminal
// status; it is persisted as summary.json alongside the checkpoint.
func (o *Orchestrator) Run(ctx context.Context) (*result.ExperimentResult, error) {
	stop := o.watchSignals()
	defer stop()

	if err := o.store.SetStatus(checkpoint.StatusRunning); err != nil {
		return nil, err
	}

	exec := &executor.Executor{
		Config:      o.cfg,
		Store:       o.store,
		Coord:       o.coord,
		Agent:       o.agent,
		Judge:       o.judge,
		Events:      o.events,
		ExpDir:      o.ExpDir,
		JudgeModels: o.models,
		Pricing:     o.table,
		OnPause:     func(reason string) { o.handlePause(ctx, reason) },
	}

	var tiers []*result.TierResult
	for _, tier := range o.cfg.Tiers {
		if o.coord.ShutdownRequested() {
			log.Printf("shutdown requested, stopping before tier %s", tier.ID)
			break
		}
		tr, err := exec.RunTier(ctx, tier, o.cfg.RunsPerSubtask)
		if err != nil {
			if _, ferr := o.finish(checkpoint.StatusFailed, tiers); ferr != nil {
				log.Printf("warning: recording failure: %v", ferr)
			}
			return nil, err
		}
		if len(tr.Subtasks) > 0 {
			tiers = append(tiers, tr)
		}
	}

	status := o.finalStatus()
	res, err := o.finish(status, tiers)
	if err != nil {
		return res, err
	}
	log.Printf("experiment %s: %s (score %.2f, $%.2f)", o.ExperimentID, status, res.Score, res.CostUSD)
	return res, nil
}

// finish writes the summary, persists the final status, and
// acknowledges any pending shutdown so the signaling process can see
// the checkpoint reached a safe state.
func (o *Orchestrator) finish(status checkpoint.ExperimentStatus, tiers []*result.TierResult) (*result.ExperimentResult, error) {
	res := result.BuildExperimentResult(o.ExperimentID, status, tiers, o.cfg.PassThreshold)
	res.DurationS = int(time.Since(o.started).Seconds())
	if err := result.WriteSummary(o.ExpDir, res); err != nil {
		return res, err
	}
	if err := o.store.SetStatus(status); err != nil {
		return res, err
	}
	if o.coord.ShutdownRequested() {
		if err := o.coord.AcknowledgeShutdown(); err != nil {
			log.Printf("warning: acknowledging shutdown: %v", err)
		}
	}
	return res, nil
}

// finalStatus classifies the drained tier loop. Completion requires
// every expected run to be terminal; a shutdown request explains any
// shortfall; leftovers without one mean judge stages failed and the
// experiment needs a resume.
func (o *Orchestrator) finalStatus() checkpoint.ExperimentStatus {
	if o.allRunsTerminal() {
		return checkpoint.StatusCompleted
	}
	if o.coord.ShutdownRequested() {
		return checkpoint.StatusInterrupted
	}
	return checkpoint.StatusFailed
}

func (o *Orchestrator) allRunsTerminal() bool {
	for _, tier := range o.cfg.Tiers {
		for _, sub := range tier.Subtasks {
			for n := 1; n <= o.cfg.RunsPerSubtask; n++ {
				if !o.store.IsRunComplete(tier.ID, sub.ID, n) {
					return false
				}
			}
		}
	}
	return true
}

// handlePause runs on the worker that won the pause transition, so
// exactly one watcher probes per pause across every process sharing
// the coordination dir.
func (o *Orchestrator) handlePause(ctx context.Context, reason string) {
	if err := o.store.SetStatus(checkpoint.StatusPausedRateLimit); err != nil {
		log.Printf("warning: recording pause: %v", err)
	}
	w := &coordinator.Watcher{Coord: o.coord, Probe: o.probe, Base: o.probeBase}
	go func() {
		w.Run(ctx)
		// Only restore running over the pause this watcher owned; a
		// final status written in the meantime stays put.
		if !o.coord.IsPaused() && !o.coord.ShutdownRequested() &&
			o.store.Status() == checkpoint.StatusPausedRateLimit {
			if err := o.store.SetStatus(checkpoint.StatusRunning); err != nil {
				log.Printf("warning: recording resume: %v", err)
			}
		}
	}()
}

// watchSignals converts the first SIGINT or SIGTERM into a cooperative
// shutdown: in-flight stages finish and the checkpoint stays coherent.
// A second signal exits immediately.
func (o *Orchestrator) watchSignals() func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		log.Printf("received %s, finishing in-flight runs (signal again to force quit)", sig)
		if err := o.coord.SignalShutdown(); err != nil {
			log.Printf("warning: signaling shutdown: %v", err)
		}
		if _, ok := <-ch; ok {
			log.Printf("second signal, exiting now")
			os.Exit(130)
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// defaultProbe asks the agent to do almost nothing. Any outcome other
// than another rate limit, an ordinary failure included, means the
// window has reopened.
func (o *Orchestrator) defaultProbe(ctx context.Context) bool {
	dir := filepath.Join(o.cfg.Coordination.Dir, "probe")
	prompt := filepath.Join(dir, "prompt.md")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("warning: rate-limit probe: %v", err)
		return false
	}
	if err := os.WriteFile(prompt, []byte("Reply with the single word: ok\n"), 0o644); err != nil {
		log.Printf("warning: rate-limit probe: %v", err)
		return false
	}
	_, err := o.agent.InvokeAgent(ctx, &invoke.AgentRequest{
		PromptPath:     prompt,
		Workspace:      filepath.Join(dir, "workspace"),
		MetricsPath:    filepath.Join(dir, "metrics.json"),
		TranscriptPath: filepath.Join(dir, "transcript.jsonl"),
		Timeout:        2 * time.Minute,
		MaxTurns:       1,
	})
	return !invoke.IsRateLimited(err)
}

// snapshotConfig freezes the effective configuration, judge overrides
// included, so reports rebuild against what actually ran.
func snapshotConfig(cfg *config.Config, models []string, expDir string) error {
	snap := *cfg
	snap.Judge.Models = models
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("serializing config snapshot: %w", err)
	}
	if err := os.WriteFile(result.ConfigSnapshotPath(expDir), data, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

// snapshotPrompts freezes every subtask prompt into the experiment
// dir. Runs always read the snapshot, so editing a prompt file after
// launch cannot split one experiment across two versions of a task.
func snapshotPrompts(cfg *config.Config, baseDir, expDir string) error {
	for _, tier := range cfg.Tiers {
		for _, sub := range tier.Subtasks {
			data, err := os.ReadFile(resolvePath(baseDir, sub.Prompt))
			if err != nil {
				return fmt.Errorf("reading prompt for %s/%s: %w", tier.ID, sub.ID, err)
			}
			dst := result.PromptSnapshotPath(expDir, tier.ID, sub.ID)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating prompt snapshot dir: %w", err)
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return fmt.Errorf("writing prompt snapshot: %w", err)
			}
		}
	}
	return nil
}

// resolvePath joins relative paths onto the config file's directory,
// so a config referenced from anywhere finds its companion files.
func resolvePath(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func sameModels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// overlayEnv merges secrets under explicit config env; config entries
// win. Nil maps are fine on either side.
func overlayEnv(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	merged := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}
