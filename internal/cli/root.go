package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/nara/internal/config"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nara",
	Short: "Nara - personal assistant daemon",
	Long: `Nara is a personal assistant daemon that bridges chat channels to a
coding-agent engine. It keeps per-chat engine sessions, runs scheduled
heartbeat tasks, and enforces a daily token budget.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nara/nara.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig reads the config file named by --config or the default
// path. Commands that need a running setup call this and surface the
// missing-file case with a pointer at nara init.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if errors.Is(err, config.ErrNoConfigFile) {
		path, _ := loader.Path()
		return nil, nil, fmt.Errorf("no config file at %s, run \"nara init\" first", path)
	}
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
