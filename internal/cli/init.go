package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/nara/internal/config"
)

var initForce bool

const starterConfig = `# Nara configuration
# Every setting here can also come from the environment as NARA_<KEY>.

engine:
  bin: claude
  # model: claude-sonnet-4
  # allowed_tools: ["Bash", "Read", "Write"]
  timeout_seconds: 120

budget:
  daily_limit: 50000
  warn_fraction: 0.8

telegram:
  enabled: false
  bot_token: ""
  # allowlist: [123456789]
  # notify_chat: 123456789

feishu:
  enabled: false
  app_id: ""
  app_secret: ""

heartbeat:
  tick_seconds: 30
  tasks: []
  # tasks:
  #   - name: morning-digest
  #     prompt: Summarize my unread email.
  #     interval: 1d
  #     notify: true

logging:
  level: info
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a commented starter config file to the path named by --config,
or the default location. Refuses to overwrite an existing file unless
--force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path, err := loader.Path()
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Edit it, then start the daemon with: nara start")
	return nil
}
