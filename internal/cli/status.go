package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/nara/internal/daemon"
	"github.com/harun/nara/pkg/statestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the Nara daemon is running, its uptime, and today's token spend.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	lm := daemon.NewLifecycleManager(cfg.PidFile())
	if !lm.IsRunning() {
		fmt.Println("Status: stopped")
		return nil
	}

	pid, err := lm.GetPID()
	if err != nil {
		return fmt.Errorf("failed to read pid file: %w", err)
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)

	store, err := statestore.New(cfg.StateFile())
	if err != nil {
		return err
	}
	state, err := store.Load()
	if err != nil {
		return err
	}
	if !state.StartedAt.IsZero() {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(state.StartedAt)))
	}
	fmt.Printf("Sessions: %d\n", len(state.Sessions))
	fmt.Printf("Budget: %d tokens used on %s\n", state.Budget.TokensUsed, state.Budget.Date)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
