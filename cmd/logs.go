package cmd

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newDaemonLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		Long: `Prints the most recent daemon log file.

Examples:
  # Last 50 lines
  ptyhost daemon logs -n 50

  # Follow new output
  ptyhost daemon logs -f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := latestLogFile(paths.LogDir(), daemonComponent)
			if err != nil {
				return err
			}
			return printLog(cmd.OutOrStdout(), path, lines, follow, cmd.Context().Done())
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines to show from the end (0 for all)")
	return cmd
}

// latestLogFile returns the newest <component>-<date>.log in dir. Dates
// sort lexically.
func latestLogFile(dir, component string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, component+"-*.log"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s log files in %s", component, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// printLog writes the last n lines of path, then keeps streaming appended
// lines when follow is set until done is closed.
func printLog(w io.Writer, path string, n int, follow bool, done <-chan struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(data) == 0 {
		all = nil
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	for _, line := range all {
		fmt.Fprintln(w, line)
	}
	if !follow {
		return nil
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: int64(len(data)), Whence: io.SeekStart},
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return err
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(w, line.Text)
		case <-done:
			return nil
		}
	}
}
