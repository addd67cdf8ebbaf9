package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/grovetools/ptyhost/state"
	"github.com/spf13/cobra"
)

// SessionRow joins the backend's live view with the persisted record.
type SessionRow struct {
	ID        string           `json:"id"`
	PID       int              `json:"pid"`
	Alive     bool             `json:"alive"`
	Title     string           `json:"title,omitempty"`
	OwnerRole models.OwnerRole `json:"owner_role,omitempty"`
	Persisted bool             `json:"persisted"`
}

// SessionsOutput is the result of `ptyhost sessions`.
type SessionsOutput struct {
	Backend  daemon.Mode  `json:"backend"`
	Sessions []SessionRow `json:"sessions"`
	// Unhosted lists persisted records with no live backend session.
	Unhosted []string `json:"unhosted,omitempty"`
}

// NewSessionsCmd lists sessions through the selected backend.
func NewSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List terminal sessions",
		Long: `Lists the sessions hosted by the selected backend alongside the persisted
records. With the embedded backend only sessions of this process are visible,
so the list is normally empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			sel, err := daemon.Select(cmd.Context(), cfg.Backend)
			if err != nil {
				return err
			}
			defer sel.Client.Close()

			live, err := sel.Client.List(cmd.Context())
			if err != nil {
				return err
			}

			storePath := cfg.Store.Path
			if storePath == "" {
				storePath = paths.StorePath()
			}
			records, err := state.NewStore(storePath).GetAllSessions()
			if err != nil {
				return err
			}

			output := buildSessionsOutput(sel.Client.Mode(), live, records)

			if cli.GetOptions(cmd).JSONOutput {
				data, err := json.MarshalIndent(output, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderSessions(output, sel))
			return nil
		},
	}
}

func buildSessionsOutput(mode daemon.Mode, live []models.SessionStatus, records []models.SessionRecord) SessionsOutput {
	byKey := make(map[string]models.SessionRecord, len(records))
	for _, r := range records {
		byKey[r.Key()] = r
	}

	out := SessionsOutput{Backend: mode, Sessions: []SessionRow{}}
	for _, s := range live {
		row := SessionRow{ID: s.ID, PID: s.PID, Alive: s.Alive}
		if r, ok := byKey[s.ID]; ok {
			row.Title = r.Title
			row.OwnerRole = r.OwnerRole
			row.Persisted = true
			delete(byKey, s.ID)
		}
		out.Sessions = append(out.Sessions, row)
	}
	for _, r := range records {
		if _, ok := byKey[r.Key()]; ok {
			out.Unhosted = append(out.Unhosted, r.Key())
		}
	}
	return out
}

func renderSessions(output SessionsOutput, sel *daemon.Selection) string {
	muted := lipgloss.NewStyle().Faint(true)

	header := fmt.Sprintf("Backend: %s", output.Backend)
	if sel.Err != nil && !sel.External() {
		header += muted.Render(fmt.Sprintf(" (daemon unavailable: %v)", sel.Err))
	}

	if len(output.Sessions) == 0 {
		s := header + "\nNo live sessions"
		if len(output.Unhosted) > 0 {
			s += fmt.Sprintf("\n%d persisted record(s) without a live session", len(output.Unhosted))
		}
		return s
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(muted).
		Headers("ID", "PID", "ROLE", "TITLE", "STATE")
	for _, row := range output.Sessions {
		stateText := "alive"
		if !row.Alive {
			stateText = "exited"
		}
		if !row.Persisted {
			stateText += ", untracked"
		}
		t.Row(row.ID, strconv.Itoa(row.PID), string(row.OwnerRole), row.Title, stateText)
	}

	s := header + "\n" + t.String()
	if len(output.Unhosted) > 0 {
		s += fmt.Sprintf("\n%d persisted record(s) without a live session", len(output.Unhosted))
	}
	return s
}
