package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput represents the filesystem locations ptyhost uses.
type PathsOutput struct {
	ConfigDir  string `json:"config_dir"`
	StateDir   string `json:"state_dir"`
	LogDir     string `json:"log_dir"`
	RuntimeDir string `json:"runtime_dir"`
	Socket     string `json:"socket"`
	PidFile    string `json:"pid_file"`
	Store      string `json:"store"`
}

func NewPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by ptyhost",
		Long: `Print the paths used by ptyhost in JSON format.

PTYHOST_HOME relocates everything under one directory; otherwise the XDG
base directories apply. Socket and store honor the loaded configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			output := PathsOutput{
				ConfigDir:  paths.ConfigDir(),
				StateDir:   paths.StateDir(),
				LogDir:     paths.LogDir(),
				RuntimeDir: paths.RuntimeDir(),
				Socket:     daemon.SocketPath(cfg.Backend),
				PidFile:    paths.PidFilePath(),
				Store:      paths.StorePath(),
			}
			if cfg.Store.Path != "" {
				output.Store = cfg.Store.Path
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}
}
