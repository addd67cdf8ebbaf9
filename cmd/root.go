// Package cmd implements the ptyhost command line.
package cmd

import (
	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/version"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the ptyhost command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := cli.NewStandardCommand(
		"ptyhost",
		"Terminal session host and registry coordinator",
	)
	cli.SetVersionTemplate(rootCmd, version.GetInfo())

	rootCmd.AddCommand(NewDaemonCmd())
	rootCmd.AddCommand(NewSessionsCmd())
	rootCmd.AddCommand(NewResetCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewPathsCmd())
	rootCmd.AddCommand(cli.NewVersionCommand("ptyhost"))

	return rootCmd
}
