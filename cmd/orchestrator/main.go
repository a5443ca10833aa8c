package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Hierarchical multi-agent task engine for locally served models",
	Long: `taskforge breaks a request into a tree of tasks, each handled by a
specialised agent running on a locally served model. Agents delegate
subtasks to each other; a shared model cache keeps the models the current
work needs resident within the configured VRAM budget.

Failed tasks leave a checkpoint behind that can be inspected with
"taskforge checkpoints".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(tasksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the layered configuration and returns it with the paths it came from.
func loadConfig() (*config.OrchestratorConfig, string, string, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, "", "", err
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, "", "", err
	}
	return cfg, globalPath, projectPath, nil
}

// printStatus prints a status line with a coloured symbol.
func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
