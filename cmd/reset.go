package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/coordinator"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/spf13/cobra"
)

// NewResetCmd performs a confirmed full reset.
func NewResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Kill every session and clear the registry",
		Long: `Kills every session in the selected backend, the leader included, clears
the persisted records and asks the registry to drop all entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New(errors.ErrCodeInvalidInput, "reset kills every session; pass --yes to confirm")
			}

			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			c, _, err := coordinator.Open(cmd.Context(), coordinator.OpenOptions{
				Config:   cfg,
				Notifier: notify.NewConsoleNotifier(os.Stderr),
			})
			if err != nil {
				return err
			}
			defer c.Close()

			res := c.FullReset(cmd.Context())

			if cli.GetOptions(cmd).JSONOutput {
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if !res.OK {
				return errors.New(errors.ErrCodeResetFailed, "registry reset failed; sessions were stopped")
			}
			logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout()).
				Success(fmt.Sprintf("Reset complete, %d registry entries cleared", res.ClearedCount))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the reset")
	return cmd
}
