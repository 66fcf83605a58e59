package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured tiers and past experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			fmt.Println("Tiers:")
			for _, tier := range cfg.Tiers {
				fmt.Printf("  - %s: %s (%d subtasks, %d runs each)\n", tier.ID, tier.Name, len(tier.Subtasks), cfg.RunsPerSubtask)
				for _, sub := range tier.Subtasks {
					fmt.Printf("      %s  %s\n", sub.ID, sub.Prompt)
				}
			}

			fmt.Println("\nExperiments:")
			runsDir := filepath.Join(cfg.Results.Dir, "runs")
			entries, err := os.ReadDir(runsDir)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("  (none yet)")
					return nil
				}
				return err
			}
			// Dir names start with a UTC stamp, so newest first.
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				expDir := filepath.Join(runsDir, e.Name())
				ck, err := checkpoint.Load(result.CheckpointPath(expDir))
				if err != nil {
					fmt.Printf("  - %s  (no readable checkpoint)\n", e.Name())
					continue
				}
				line := fmt.Sprintf("  - %s  %s", e.Name(), ck.Status)
				if summary, err := result.ReadSummary(expDir); err == nil && summary.BestTier != "" {
					line += fmt.Sprintf("  score %.3f  $%.2f", summary.Score, summary.CostUSD)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
