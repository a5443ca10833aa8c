package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/tui"
)

var (
	runParallel    bool
	runTUI         bool
	runConcurrency int
	runWorkspace   string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a request through the agent tree",
	Long: `Admit the request as a root task for the configured root agent and drive
it until it completes, fails, or is cancelled.

By default one task runs at a time. With --parallel, every batch of
independent ready tasks whose models fit the VRAM budget runs together.

Examples:
  taskforge run "add a health endpoint and test it"
  taskforge run --parallel "document the config package"
  taskforge run --tui "refactor the loader"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runParallel, "parallel", "p", false, "Run independent ready tasks concurrently")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the run in a terminal UI")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 4, "Maximum tasks running at once in parallel mode")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Directory the built-in tools may touch (default: current directory)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, globalPath, projectPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := newEngine(ctx, cfg, engineOptions{Workspace: runWorkspace, Concurrency: runConcurrency})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			log.Printf("ERROR: shutdown: %v", err)
		}
	}()

	if runTUI {
		return runWithTUI(ctx, eng, args[0], globalPath, projectPath)
	}

	printRunHeader(cmd.OutOrStdout(), eng, runParallel)
	eng.bus.Subscribe(events.AllEvents, printEvent)
	res, err := eng.orch.Run(ctx, args[0], runParallel)
	if err != nil && res.RootID == "" {
		return err
	}
	printResult(res, eng.orch.Stats())
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("run %s", res.Status)
	}
	return nil
}

// runWithTUI drives the run in the background while the TUI renders its events.
func runWithTUI(ctx context.Context, eng *engine, request, globalPath, projectPath string) error {
	// Log output corrupts the alt screen.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(eng.bus, eng.cfg, globalPath, projectPath), tea.WithAltScreen())

	type runDone struct {
		res orchestrator.Result
		err error
	}
	done := make(chan runDone, 1)
	go func() {
		res, err := eng.orch.Run(ctx, request, runParallel)
		msg := tui.RunFinishedMsg{Status: res.Status.String(), Output: res.Output, Err: res.Error}
		if err != nil {
			msg.Err = err.Error()
		}
		p.Send(msg)
		done <- runDone{res: res, err: err}
	}()

	tuiErr := make(chan error, 1)
	go func() {
		_, err := p.Run()
		tuiErr <- err
	}()

	var result runDone
	select {
	case err := <-tuiErr:
		// Quitting the TUI abandons the run.
		cancel()
		result = <-done
		if err != nil {
			return err
		}
	case <-ctx.Done():
		result = <-done
		p.Quit()
		<-tuiErr
	}

	log.SetOutput(originalOutput)
	printResult(result.res, eng.orch.Stats())
	return result.err
}

// printRunHeader states how the run will be driven.
func printRunHeader(w io.Writer, eng *engine, parallel bool) {
	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	fmt.Fprintf(w, "Root agent %s, %s mode, %s failure policy\n", eng.cfg.Run.RootAgent, mode, eng.deleg.Policy())
}

// printEvent writes one line per task lifecycle event.
func printEvent(env events.Envelope) error {
	ts := env.Timestamp.Format("15:04:05")
	switch ev := env.Event.(type) {
	case events.TaskStartedEvent:
		fmt.Printf("%s %s %s on %s: %s\n", ts, color.CyanString("▶"), ev.AgentRole, ev.Model, oneLine(ev.Description, 80))
	case events.TaskDelegatedEvent:
		fmt.Printf("%s %s %s -> %s\n", ts, color.BlueString("↳"), shortID(ev.ID), ev.TargetAgent)
	case events.TaskStuckEvent:
		fmt.Printf("%s %s %s stuck (%s), nudge %d\n", ts, color.YellowString("⚠"), shortID(ev.ID), ev.Reason, ev.Nudge)
	case events.TaskCompletedEvent:
		fmt.Printf("%s %s %s done in %d iterations (%v)\n", ts, color.GreenString("✓"), shortID(ev.ID), ev.Iterations, ev.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		fmt.Printf("%s %s %s %s: %s\n", ts, color.RedString("✗"), shortID(ev.ID), ev.Reason, oneLine(ev.Err, 120))
	case events.TaskCancelledEvent:
		fmt.Printf("%s %s %s cancelled\n", ts, color.YellowString("⊘"), shortID(ev.ID))
	case events.ModelLoadedEvent:
		fmt.Printf("%s %s loaded %s (%.1fGB) in %v\n", ts, color.MagentaString("◆"), ev.Model, ev.VRAMGB, ev.LoadTime.Round(time.Millisecond))
	case events.ModelEvictedEvent:
		fmt.Printf("%s %s evicted %s\n", ts, color.MagentaString("◇"), ev.Model)
	}
	return nil
}

func printResult(res orchestrator.Result, stats orchestrator.Stats) {
	fmt.Println()
	if res.Success() {
		printStatus("✓", fmt.Sprintf("Run completed in %v", res.Duration.Round(time.Millisecond)), color.FgGreen)
		if res.Output != "" {
			fmt.Println()
			fmt.Println(res.Output)
			fmt.Println()
		}
	} else {
		printStatus("✗", fmt.Sprintf("Run %s: %s", res.Status, res.Error), color.FgRed)
		fmt.Println("  Inspect failures with: taskforge checkpoints list")
	}

	c := stats.Tasks
	fmt.Printf("Tasks: %d total, %d complete, %d failed, %d cancelled, %d blocked\n",
		c.Total, c.Complete, c.Failed, c.Cancelled, c.Blocked)
	fmt.Printf("Models: %d hits, %d misses (%.0f%% hit rate), %d evictions, avg load %v\n",
		stats.Cache.Hits, stats.Cache.Misses, stats.Cache.HitRate*100, stats.Cache.Evictions,
		stats.Cache.AvgLoadTime.Round(time.Millisecond))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// oneLine collapses whitespace and truncates s to at most limit runes.
func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}
