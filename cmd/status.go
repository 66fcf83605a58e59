package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [experiment-dir]",
		Short: "Show checkpoint progress for an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			expDir, err := resolveExpDir(args)
			if err != nil {
				return err
			}
			ck, err := checkpoint.Load(result.CheckpointPath(expDir))
			if err != nil {
				return err
			}
			cfg, err := config.Load(result.ConfigSnapshotPath(expDir))
			if err != nil {
				return fmt.Errorf("loading config snapshot: %w", err)
			}

			fmt.Printf("Experiment: %s\n", ck.ExperimentID)
			fmt.Printf("Status:     %s\n", ck.Status)
			fmt.Printf("Started:    %s\n", ck.StartedAt.Format(time.RFC3339))
			fmt.Printf("Updated:    %s\n", ck.UpdatedAt.Format(time.RFC3339))
			fmt.Println()

			var doneAll, totalAll int
			for _, tier := range cfg.Tiers {
				total := len(tier.Subtasks) * cfg.RunsPerSubtask
				var passed, failed, judging int
				for _, sub := range tier.Subtasks {
					for n := 1; n <= cfg.RunsPerSubtask; n++ {
						status, ok := ck.Run(tier.ID, sub.ID, n)
						switch {
						case !ok:
						case status == checkpoint.RunPassed:
							passed++
						case status == checkpoint.RunFailed:
							failed++
						default:
							judging++
						}
					}
				}
				done := passed + failed
				doneAll += done
				totalAll += total
				line := fmt.Sprintf("  %-12s %d/%d runs (%d passed, %d failed", tier.ID, done, total, passed, failed)
				if judging > 0 {
					line += fmt.Sprintf(", %d awaiting judge", judging)
				}
				fmt.Println(line + ")")
			}
			fmt.Printf("\n%d/%d runs complete\n", doneAll, totalAll)
			return nil
		},
	}
}
