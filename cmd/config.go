package cmd

import (
	"fmt"

	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd groups the configuration helpers.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate ptyhost configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of ptyhost.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Long: `Validates the given file, or the one found from the current directory,
against the schema and the semantic rules.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cli.GetOptions(cmd).ConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			path, err := cli.InitConfig(path)
			if err != nil {
				return err
			}
			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			if path == "" {
				pretty.WarnPretty("No configuration file found; defaults apply")
				return nil
			}
			if _, err := config.Load(path); err != nil {
				pretty.ErrorPretty(path, err)
				return err
			}
			pretty.Success(path + " is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# Source: %s\n", path)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	return cmd
}
