package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nara/pkg/heartbeat"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nara.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileIsRefused(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  bin: claude
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, int64(50000), cfg.Budget.DailyLimit)
	assert.Equal(t, 0.8, cfg.Budget.WarnFraction)
	assert.Equal(t, 120, cfg.Engine.TimeoutSeconds)
	assert.Equal(t, 30, cfg.Heartbeat.TickSeconds)
	assert.Equal(t, 10, cfg.Dispatcher.CooldownSeconds)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/nara-test
engine:
  bin: /usr/local/bin/claude
  model: sonnet
  timeout_seconds: 90
budget:
  daily_limit: 20000
telegram:
  enabled: true
  bot_token: "123:abc"
  allowlist: [42]
heartbeat:
  tick_seconds: 15
  tasks:
    - name: daily-digest
      prompt: "what happened today?"
      interval: 1d
      notify: true
    - name: backup
      command: "rsync -a src dst"
      interval: 6h
    - name: report
      steps:
        - prompt: "gather"
        - prompt: "polish"
          optional: true
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/nara-test", cfg.DataDir)
	assert.Equal(t, int64(20000), cfg.Budget.DailyLimit)
	require.Len(t, cfg.Heartbeat.Tasks, 3)
	assert.Equal(t, heartbeat.KindPrompt, cfg.Heartbeat.Tasks[0].Kind())
	assert.Equal(t, heartbeat.KindScript, cfg.Heartbeat.Tasks[1].Kind())
	assert.Equal(t, heartbeat.KindWorkflow, cfg.Heartbeat.Tasks[2].Kind())
	assert.True(t, cfg.Heartbeat.Tasks[2].Steps[1].Optional)

	assert.Equal(t, filepath.Join("/tmp/nara-test", "state.json"), cfg.StateFile())
	assert.Equal(t, filepath.Join("/tmp/nara-test", "nara.pid"), cfg.PidFile())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing engine bin", func(c *Config) { c.Engine.Bin = "" }},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }},
		{"feishu without credentials", func(c *Config) { c.Feishu.Enabled = true }},
		{"negative budget", func(c *Config) { c.Budget.DailyLimit = -1 }},
		{"duplicate task names", func(c *Config) {
			c.Heartbeat.Tasks = []heartbeat.Task{
				{Name: "x", Prompt: "a"},
				{Name: "x", Prompt: "b"},
			}
		}},
		{"prompt task without prompt", func(c *Config) {
			c.Heartbeat.Tasks = []heartbeat.Task{{Name: "x", Type: "prompt"}}
		}},
		{"workflow without steps", func(c *Config) {
			c.Heartbeat.Tasks = []heartbeat.Task{{Name: "x", Type: "workflow"}}
		}},
		{"task without name", func(c *Config) {
			c.Heartbeat.Tasks = []heartbeat.Task{{Prompt: "a"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsGoodTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.Tasks = []heartbeat.Task{
		{Name: "digest", Prompt: "summarize", Interval: "1d", Notify: true},
		{Name: "clean", Command: "rm -rf /tmp/scratch/*", Cron: "0 3 * * *"},
		{Name: "flow", Steps: []heartbeat.Step{{Prompt: "one"}, {Skill: "mail", Prompt: "two", Optional: true}}},
	}
	assert.NoError(t, cfg.Validate())
}
