package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/report"
)

var (
	flagFormat  string
	flagPricing string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [experiment-dir]",
		Short: "Rebuild a summary from stored results",
		RunE: func(cmd *cobra.Command, args []string) error {
			expDir, err := resolveExpDir(args)
			if err != nil {
				return err
			}
			return report.Generate(expDir, flagFormat, os.Stdout, flagPricing)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().StringVar(&flagPricing, "pricing", "", "pricing file for recomputing costs from token usage")
	return cmd
}

// resolveExpDir picks the experiment dir from the first arg, falling
// back to the latest symlink under the configured results dir.
func resolveExpDir(args []string) (string, error) {
	var expDir string
	if len(args) > 0 {
		expDir = args[0]
	} else {
		cfg, err := config.Load(configPath())
		if err != nil {
			return "", err
		}
		expDir = filepath.Join(cfg.Results.Dir, "latest")
	}
	resolved, err := filepath.EvalSymlinks(expDir)
	if err != nil {
		return "", fmt.Errorf("resolving experiment dir: %w", err)
	}
	return resolved, nil
}
