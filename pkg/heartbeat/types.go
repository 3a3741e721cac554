// Package heartbeat runs scheduled tasks against the engine: single
// prompts, plain shell scripts, and multi-step workflows that share
// one continued conversation.
package heartbeat

import (
	"errors"
	"time"
)

// Task kinds
const (
	KindPrompt   = "prompt"
	KindScript   = "script"
	KindWorkflow = "workflow"
)

// ErrPreconditionNotMet marks a zero-cost skip
var ErrPreconditionNotMet = errors.New("task precondition not met")

// ErrStepFailed marks a non-optional workflow step failure
var ErrStepFailed = errors.New("workflow step failed")

// Step is one unit of a workflow task
type Step struct {
	Skill    string `mapstructure:"skill" json:"skill"`
	Prompt   string `mapstructure:"prompt" json:"prompt"`
	Optional bool   `mapstructure:"optional" json:"optional"`
}

// Task is one configured heartbeat entry. Name is the join key with
// run history; renaming a task resets its history.
type Task struct {
	Name         string   `mapstructure:"name" json:"name"`
	Type         string   `mapstructure:"type" json:"type"`
	Prompt       string   `mapstructure:"prompt" json:"prompt,omitempty"`
	Command      string   `mapstructure:"command" json:"command,omitempty"`
	Steps        []Step   `mapstructure:"steps" json:"steps,omitempty"`
	Interval     string   `mapstructure:"interval" json:"interval,omitempty"`
	Cron         string   `mapstructure:"cron" json:"cron,omitempty"`
	Precondition string   `mapstructure:"precondition" json:"precondition,omitempty"`
	Model        string   `mapstructure:"model" json:"model,omitempty"`
	AllowedTools []string `mapstructure:"allowed_tools" json:"allowedTools,omitempty"`
	Notify       bool     `mapstructure:"notify" json:"notify"`
	Cwd          string   `mapstructure:"cwd" json:"cwd,omitempty"`
	// Timeout in seconds for the spawn, or per step for workflows
	Timeout int `mapstructure:"timeout" json:"timeout,omitempty"`
}

// Kind resolves the task type, inferring it from the populated fields
// when the config omits an explicit type.
func (t Task) Kind() string {
	if t.Type != "" {
		return t.Type
	}
	switch {
	case len(t.Steps) > 0:
		return KindWorkflow
	case t.Command != "":
		return KindScript
	default:
		return KindPrompt
	}
}

// SpawnTimeout converts the configured per-spawn timeout
func (t Task) SpawnTimeout() time.Duration {
	if t.Timeout <= 0 {
		return 0
	}
	return time.Duration(t.Timeout) * time.Second
}
