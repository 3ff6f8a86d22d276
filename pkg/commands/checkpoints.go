package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
)

func newCheckpointsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and prune session checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd(configPath), newCheckpointsPruneCmd(configPath))
	return cmd
}

func newCheckpointsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [session-id]",
		Short: "List checkpoints for one session, or the sessions that have any",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			_, ckpts := buildStores(cfg)

			if len(args) == 0 {
				sessions, err := ckpts.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range sessions {
					fmt.Println(id)
				}
				return nil
			}

			records, err := ckpts.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tITER\tPHASE\tSTAGE\tSAVED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
					rec.Name, rec.Iteration, rec.Phase, rec.StageIndex,
					rec.SavedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newCheckpointsPruneCmd(configPath *string) *cobra.Command {
	var (
		keep       int
		dropStages bool
	)

	cmd := &cobra.Command{
		Use:   "prune <session-id>",
		Short: "Delete old checkpoints for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			_, ckpts := buildStores(cfg)

			removed, err := ckpts.Cleanup(cmd.Context(), args[0], checkpoint.CleanupOptions{
				MaxKeep:              keep,
				KeepStageCheckpoints: !dropStages,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d checkpoints\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 5, "number of most recent checkpoints to keep")
	cmd.Flags().BoolVar(&dropStages, "drop-stage-checkpoints", false, "also prune per-stage checkpoints")
	return cmd
}
