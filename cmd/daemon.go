package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/internal/daemon/engine"
	"github.com/grovetools/ptyhost/internal/daemon/pidfile"
	"github.com/grovetools/ptyhost/internal/daemon/server"
	"github.com/grovetools/ptyhost/internal/daemon/store"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/grovetools/ptyhost/pkg/process"
	"github.com/grovetools/ptyhost/pkg/terminal"
	"github.com/spf13/cobra"
)

const (
	daemonComponent = "ptyd"
	shutdownTimeout = 5 * time.Second
	stopGrace       = 5 * time.Second
)

// NewDaemonCmd returns the pty daemon command with subcommands.
func NewDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the pty daemon",
		Long: `The pty daemon hosts terminal sessions outside the application so they
survive application restarts. Clients reach it over a unix socket.`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonLogsCmd())

	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long:  "Start the pty daemon in foreground mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cli.GetLogger(cmd, daemonComponent)
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			pidPath := paths.PidFilePath()
			sockPath := daemon.SocketPath(cfg.Backend)

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("failed to create ptyhost directories: %w", err)
			}

			// 1. Acquire lock
			lock, err := pidfile.Acquire(pidPath)
			if err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := lock.Release(); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			// 2. Manager, store and engine
			manager := terminal.NewManager()
			eng := engine.New(store.New(), manager, logger)
			srv := server.New(eng, logger)

			// 3. Signals
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			go func() {
				select {
				case <-stop:
					logger.Info("Received stop signal")
				case <-ctx.Done():
					return
				}
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Server shutdown error: %v", err)
				}
			}()

			go eng.Start(ctx)

			// 4. Serve until stopped. Hosted sessions end with the daemon.
			logger.WithField("pid", os.Getpid()).WithField("socket", sockPath).Info("Starting daemon")
			err = srv.ListenAndServe(sockPath)
			eng.Shutdown()
			_ = os.Remove(sockPath)
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("Daemon stopped")
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			if !running {
				pretty.WarnPretty("Daemon is not running")
				return nil
			}

			if !process.Terminate(pid, stopGrace) {
				return fmt.Errorf("daemon (PID %d) did not stop", pid)
			}
			pretty.Success(fmt.Sprintf("Stopped daemon (PID %d)", pid))
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
				os.Exit(1)
			}

			sockPath := daemon.SocketPath(cfg.Backend)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.ConnectTimeoutDuration()*4)
			defer cancel()
			client, err := daemon.NewRemoteClient(ctx, sockPath)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.Status(ctx)
			if err != nil {
				return err
			}

			if cli.GetOptions(cmd).JSONOutput {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			pretty.Success("Running")
			pretty.Field("PID", pid)
			pretty.Path("Socket", sockPath)
			pretty.Field("Uptime", time.Since(report.Status.StartedAt).Round(time.Second))
			pretty.Field("Sessions", report.Status.Sessions)
			pretty.Field("Clients", report.Status.Subscribers)
			return nil
		},
	}
}
