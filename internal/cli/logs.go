package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/nara/pkg/runlog"
)

var (
	logsLines int
	logsTask  string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon logs or task run history",
	Long: `Show the tail of the daemon log file. With --task, show the recorded
run history of a scheduled task instead (--task all for every task).`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines or runs to show")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "show run history for a task")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if logsTask != "" {
		return printRunHistory(cfg.RunLogFile())
	}

	data, err := os.ReadFile(cfg.Logging.File)
	if os.IsNotExist(err) {
		fmt.Println("No log file yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > logsLines {
		lines = lines[len(lines)-logsLines:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func printRunHistory(path string) error {
	history, err := runlog.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer history.Close()

	task := logsTask
	if task == "all" {
		task = ""
	}
	entries, err := history.Recent(task, logsLines)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-20s %-8s %s\n", e.StartedAt.Format("2006-01-02 15:04:05"), e.Task, e.Status, e.Detail)
	}
	return nil
}
