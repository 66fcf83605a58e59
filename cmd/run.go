package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/orchestrator"
	"github.com/signalnine/crucible/internal/report"
)

var (
	flagTiers       string
	flagMaxSubtasks int
	flagMaxRuns     int
	flagParallel    int
	flagResume      string
	flagJudgeModels []string
	flagTimeout     int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an experiment",
		RunE:  runExperiment,
	}
	cmd.Flags().StringVar(&flagTiers, "tiers", "", "comma-separated tier ids to run")
	cmd.Flags().IntVar(&flagMaxSubtasks, "max-subtasks", 0, "cap subtasks per tier")
	cmd.Flags().IntVar(&flagMaxRuns, "max-runs", 0, "cap runs per subtask")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "override worker count")
	cmd.Flags().StringVar(&flagResume, "resume", "", "experiment dir to resume, or 'latest'")
	cmd.Flags().StringArrayVar(&flagJudgeModels, "judge-model", nil, "judge model override (repeatable)")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 0, "agent timeout override in minutes")
	viper.BindPFlag("parallel", cmd.Flags().Lookup("parallel"))
	return cmd
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	// Drift is judged against the file as loaded. The flag narrowing
	// below scopes this invocation, it is not a config change.
	hash, err := config.Hash(cfg)
	if err != nil {
		return err
	}

	cfg.Tiers = filterTiers(cfg.Tiers, flagTiers)
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("no tiers match %q", flagTiers)
	}
	capSubtasks(cfg.Tiers, flagMaxSubtasks)
	cfg.RunsPerSubtask = capRuns(cfg.RunsPerSubtask, flagMaxRuns)
	if p := viper.GetInt("parallel"); p > 0 {
		cfg.Parallel = p
	}
	if flagTimeout > 0 {
		cfg.Agent.TimeoutMinutes = flagTimeout
	}

	resumeDir := ""
	if flagResume != "" {
		resumeDir, err = filepath.EvalSymlinks(resumeTarget(cfg.Results.Dir, flagResume))
		if err != nil {
			return fmt.Errorf("resolving experiment dir: %w", err)
		}
	}

	o, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		ConfigDir:   filepath.Dir(cfgPath),
		ResumeDir:   resumeDir,
		ConfigHash:  hash,
		JudgeModels: flagJudgeModels,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Experiment directory: %s\n", o.ExpDir)

	res, err := o.Run(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("\n--- Results ---")
	if err := report.Generate(o.ExpDir, "table", os.Stdout, ""); err != nil {
		return err
	}

	switch res.Status {
	case checkpoint.StatusInterrupted:
		fmt.Printf("\nInterrupted; resume with: crucible run --resume %s\n", o.ExpDir)
		return nil
	case checkpoint.StatusFailed:
		return fmt.Errorf("experiment finished with unresolved runs; retry with --resume %s", o.ExpDir)
	}
	return nil
}

func filterTiers(tiers []config.Tier, csv string) []config.Tier {
	if csv == "" {
		return tiers
	}
	keep := make(map[string]bool)
	for _, id := range strings.Split(csv, ",") {
		if id = strings.TrimSpace(id); id != "" {
			keep[id] = true
		}
	}
	var filtered []config.Tier
	for _, t := range tiers {
		if keep[t.ID] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func capSubtasks(tiers []config.Tier, max int) {
	if max <= 0 {
		return
	}
	for i := range tiers {
		if len(tiers[i].Subtasks) > max {
			tiers[i].Subtasks = tiers[i].Subtasks[:max]
		}
	}
}

func capRuns(configured, max int) int {
	if max > 0 && max < configured {
		return max
	}
	return configured
}

// resumeTarget maps the shorthand "latest" onto the symlink the
// orchestrator maintains under the results dir.
func resumeTarget(resultsDir, flag string) string {
	if flag == "latest" {
		return filepath.Join(resultsDir, "latest")
	}
	return flag
}
