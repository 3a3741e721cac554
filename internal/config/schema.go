package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/nara/pkg/heartbeat"
)

// taskListSchema validates the heartbeat task list before a config is
// accepted. A reload is all-or-nothing; a schema violation keeps the
// previous configuration active.
const taskListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name"],
		"properties": {
			"name":         {"type": "string", "minLength": 1},
			"type":         {"enum": ["prompt", "script", "workflow", ""]},
			"prompt":       {"type": "string"},
			"command":      {"type": "string"},
			"interval":     {"type": "string"},
			"cron":         {"type": "string"},
			"precondition": {"type": "string"},
			"model":        {"type": "string"},
			"allowedTools": {"type": "array", "items": {"type": "string"}},
			"notify":       {"type": "boolean"},
			"cwd":          {"type": "string"},
			"timeout":      {"type": "integer", "minimum": 0},
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["prompt"],
					"properties": {
						"skill":    {"type": "string"},
						"prompt":   {"type": "string", "minLength": 1},
						"optional": {"type": "boolean"}
					}
				}
			}
		}
	}
}`

func validateTasks(tasks []heartbeat.Task) error {
	doc, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(taskListSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to run schema validation: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.Name] {
			return fmt.Errorf("duplicate task name %q", task.Name)
		}
		seen[task.Name] = true

		switch task.Kind() {
		case heartbeat.KindPrompt:
			if task.Prompt == "" {
				return fmt.Errorf("task %q: prompt is required", task.Name)
			}
		case heartbeat.KindScript:
			if task.Command == "" {
				return fmt.Errorf("task %q: command is required", task.Name)
			}
		case heartbeat.KindWorkflow:
			if len(task.Steps) == 0 {
				return fmt.Errorf("task %q: steps are required", task.Name)
			}
		default:
			return fmt.Errorf("task %q: unknown type %q", task.Name, task.Type)
		}
	}
	return nil
}
