package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions in the state store",
	}
	cmd.AddCommand(newSessionsListCmd(configPath), newSessionsShowCmd(configPath))
	return cmd
}

func newSessionsListCmd(configPath *string) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			store, _ := buildStores(cfg)

			sessions, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if status != "" {
				filtered := sessions[:0]
				for _, s := range sessions {
					if string(s.Status) == status {
						filtered = append(filtered, s)
					}
				}
				sessions = filtered
			}
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATUS\tPHASE\tSTAGE\tITER\tUPDATED\tOBJECTIVE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					s.SessionID, s.Status, s.Phase, stageLabel(s), s.Iterations,
					s.UpdatedAt.Format("2006-01-02 15:04:05"), clip(s.Objective, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show sessions with this status")
	return cmd
}

func newSessionsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			store, _ := buildStores(cfg)

			st, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func stageLabel(s *models.SessionState) string {
	if s.StagePlan == nil || len(s.StagePlan.Stages) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", s.StageIndex+1, len(s.StagePlan.Stages))
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
