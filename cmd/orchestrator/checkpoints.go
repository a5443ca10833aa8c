package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/recovery"
)

var cleanupKeep int

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune checkpoints of failed tasks",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recoverable checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		states, err := store.ListRecoverable()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(states) == 0 {
			fmt.Fprintln(out, "No checkpoints.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tREASON\tITERATION\tSAVED\tERROR")
		for _, st := range states {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				st.TaskID, color.RedString(string(st.Reason)), st.Iteration,
				st.SavedAt.Local().Format(time.DateTime), oneLine(st.Error, 60))
		}
		return w.Flush()
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		st, err := store.LoadCheckpoint(args[0])
		if errors.Is(err, recovery.ErrNoCheckpoint) {
			return fmt.Errorf("no checkpoint for task %s", args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Task:      %s\n", st.TaskID)
		fmt.Fprintf(out, "Reason:    %s\n", st.Reason)
		fmt.Fprintf(out, "Iteration: %d\n", st.Iteration)
		fmt.Fprintf(out, "Saved:     %s\n", st.SavedAt.Local().Format(time.RFC3339))
		if st.SessionID != "" {
			fmt.Fprintf(out, "Session:   %s\n", st.SessionID)
		}
		if st.Error != "" {
			fmt.Fprintf(out, "Error:     %s\n", st.Error)
		}
		if len(st.Context) > 0 {
			keys := make([]string, 0, len(st.Context))
			for k := range st.Context {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintln(out, "Context:")
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %s\n", k, st.Context[k])
			}
		}
		if len(st.Task) > 0 {
			pretty, err := json.MarshalIndent(st.Task, "", "  ")
			if err != nil {
				return fmt.Errorf("format task snapshot: %w", err)
			}
			fmt.Fprintf(out, "Task snapshot:\n%s\n", pretty)
		}
		return nil
	},
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear <task-id>",
	Short: "Delete one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		if err := store.ClearCheckpoint(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Cleared checkpoint for %s\n", color.GreenString("✓"), args[0])
		return nil
	},
}

var checkpointsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Keep only the most recent checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpoints()
		if err != nil {
			return err
		}
		removed, err := store.Cleanup(cleanupKeep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d checkpoints, kept at most %d\n", color.GreenString("✓"), removed, cleanupKeep)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task snapshots recorded by previous runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, _, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := persistence.NewSQLiteStore(cmd.Context(), filepath.Join(cfg.DataDir, "sessions.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks recorded.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tPARENT\tAGENT\tSTATUS\tITERATIONS\tDESCRIPTION")
		for _, t := range tasks {
			parent := "-"
			if t.ParentID != "" {
				parent = shortID(t.ParentID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				shortID(t.ID), parent, t.AssignedAgent, t.Status, t.Iterations, oneLine(t.Description, 60))
		}
		return w.Flush()
	},
}

func init() {
	checkpointsCleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 10, "Number of most recent checkpoints to keep")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsClearCmd)
	checkpointsCmd.AddCommand(checkpointsCleanupCmd)
}

// openCheckpoints opens the checkpoint directory under the configured data dir.
func openCheckpoints() (*recovery.Store, error) {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return recovery.NewStore(filepath.Join(cfg.DataDir, "checkpoints"))
}
