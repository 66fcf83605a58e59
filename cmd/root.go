package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// NewRootCmd wires the CLI. Every bound flag can also come from a
// CRUCIBLE_* environment variable, with explicit flags winning.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crucible",
		Short: "Tiered experiment harness for agentic coding tasks",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "crucible.yaml", "config file path")

	viper.SetEnvPrefix("CRUCIBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newListCmd())
	return root
}

// configPath resolves the config file from --config or CRUCIBLE_CONFIG.
func configPath() string {
	return viper.GetString("config")
}
