package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/nara/internal/daemon"
	"github.com/harun/nara/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Nara daemon",
	Long: `Start the Nara daemon in the foreground.
The daemon connects its chat adapters, runs the task scheduler, and
blocks until SIGINT or SIGTERM. A previous instance holding the pid
file is terminated first.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer lg.Close()

	d, err := daemon.New(cfg, loader)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	return d.Run(context.Background())
}
