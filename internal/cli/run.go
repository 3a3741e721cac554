package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/nara/pkg/budget"
	"github.com/harun/nara/pkg/engine"
	"github.com/harun/nara/pkg/heartbeat"
	"github.com/harun/nara/pkg/statestore"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a configured task once",
	Long: `Run one of the configured heartbeat tasks immediately and print the
result. The run shares the daemon's state file, so its outcome and
token spend show up in /tasks and /budget.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	var task heartbeat.Task
	found := false
	for _, t := range cfg.Heartbeat.Tasks {
		if t.Name == args[0] {
			task = t
			found = true
			break
		}
	}
	if !found {
		path, _ := loader.Path()
		return fmt.Errorf("no task named %q in %s", args[0], path)
	}

	store, err := statestore.New(cfg.StateFile())
	if err != nil {
		return err
	}
	tracker, err := budget.NewTracker(store, cfg.Budget.DailyLimit, cfg.Budget.WarnFraction)
	if err != nil {
		return err
	}
	spawner, err := engine.NewSpawner(cfg.Engine.Bin, time.Duration(cfg.Engine.TimeoutSeconds)*time.Second)
	if err != nil {
		return err
	}
	executor, err := heartbeat.NewExecutor(store, tracker, spawner)
	if err != nil {
		return err
	}

	record := executor.Execute(context.Background(), task)
	fmt.Printf("%s: %s\n", task.Name, record.Status)
	if record.Detail != "" {
		fmt.Println(record.Detail)
	}
	if record.OutputPreview != "" {
		fmt.Println(record.OutputPreview)
	}
	if record.Status == statestore.RunError {
		return fmt.Errorf("task %s failed", task.Name)
	}
	return nil
}
