package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/slack"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "run [objective]",
		Short: "Run one objective to completion in the foreground",
		Long: `Run starts (or resumes) a single session and blocks until it reaches a
terminal status. Interrupting with Ctrl-C checkpoints the session; running
again with --session picks it up from the last iteration boundary.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objective := ""
			if len(args) > 0 {
				objective = args[0]
			}
			if objective == "" && sessionID == "" {
				return errors.New("an objective argument or --session is required")
			}
			return runOnce(cmd.Context(), *configPath, sessionID, objective, jsonOut)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "resume this session instead of starting a new one")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	return cmd
}

func runOnce(ctx context.Context, configPath, sessionID, objective string, jsonOut bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	bus := events.NewPublisher()
	notifier := newSlackService(cfg.Slack)
	watcher := slack.NewWatcher(notifier, bus)
	watcher.Start(ctx)
	defer watcher.Stop()

	rt, err := buildRuntime(cfg, bus, nil, newTerminalPrompter(os.Stdin, os.Stdout))
	if err != nil {
		return err
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	slog.Info("Starting run", "session_id", sessionID, "project_dir", cfg.State.ProjectDir)

	res, runErr := rt.driver.Run(ctx, sessionID, objective)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			slog.Warn("Run interrupted, resume with --session", "session_id", sessionID)
		}
		if res == nil {
			return runErr
		}
	}

	if res.Status.IsTerminal() {
		notifier.NotifyRunFinished(context.Background(), slack.RunFinishedInput{
			SessionID:   res.SessionID,
			Status:      string(res.Status),
			Objective:   objective,
			Reply:       res.Reply,
			CostUSD:     res.Usage.TotalCostUSD,
			StagesDone:  res.StageProgress.Done,
			StagesTotal: res.StageProgress.Total,
		})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printRunSummary(os.Stdout, res)
	}

	if res.Status == models.StatusFailed || res.Status == models.StatusError {
		return fmt.Errorf("run finished with status %s", res.Status)
	}
	return runErr
}

func printRunSummary(w io.Writer, res *models.DriverResult) {
	fmt.Fprintf(w, "Session:    %s\n", res.SessionID)
	fmt.Fprintf(w, "Status:     %s\n", res.Status)
	fmt.Fprintf(w, "Phase:      %s\n", res.Phase)
	fmt.Fprintf(w, "Stages:     %d/%d", res.StageProgress.Done, res.StageProgress.Total)
	if res.CurrentStageID != "" {
		fmt.Fprintf(w, " (at %s)", res.CurrentStageID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Iterations: %d\n", res.Iterations)
	fmt.Fprintf(w, "Cost:       $%.2f over %d worker turns\n", res.Usage.TotalCostUSD, res.Usage.WorkerTurns)
	fmt.Fprintf(w, "Elapsed:    %.1fs\n", res.Elapsed)

	if len(res.GateStatus) > 0 {
		names := make([]string, 0, len(res.GateStatus))
		for name := range res.GateStatus {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "Gates:\n")
		for _, name := range names {
			g := res.GateStatus[name]
			fmt.Fprintf(w, "  %-8s %s", name, g.Status)
			if g.Reason != "" {
				fmt.Fprintf(w, " (%s)", g.Reason)
			}
			fmt.Fprintln(w)
		}
	}

	if res.Reply != "" {
		fmt.Fprintf(w, "\n%s\n", res.Reply)
	}
}
