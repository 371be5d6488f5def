package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  "Print the configuration after merging config.yaml, VEREDAS_* environment variables and defaults. The output is a valid config.yaml.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return eris.Wrap(err, "config: marshal yaml")
		}
		_, err = cmd.OutOrStdout().Write(out)
		return eris.Wrap(err, "config: write")
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
