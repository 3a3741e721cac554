package statestore

import "time"

// Session links a chat identity to one engine conversation
type Session struct {
	ChatID          string    `json:"chatId"`
	EngineSessionID string    `json:"engineSessionId"`
	Cwd             string    `json:"cwd"`
	Name            string    `json:"name,omitempty"`
	Started         bool      `json:"started"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

// ContinueSentinel marks a session that delegates to the engine's own
// most-recent-conversation lookup instead of resuming a known id.
const ContinueSentinel = "__continue__"

// RunStatus is the terminal state of one task execution
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
)

// RunRecord is the last-run snapshot kept per task name
type RunRecord struct {
	LastRun        time.Time `json:"lastRun"`
	Status         RunStatus `json:"status"`
	Detail         string    `json:"detail,omitempty"`
	OutputPreview  string    `json:"outputPreview,omitempty"`
	StepsCompleted int       `json:"stepsCompleted,omitempty"`
	StepsTotal     int       `json:"stepsTotal,omitempty"`
}

// Budget tracks token spend within one calendar day
type Budget struct {
	Date       string `json:"date"`
	TokensUsed int64  `json:"tokensUsed"`
}

// DaemonState is the full persisted snapshot shared by the daemon and
// one-shot CLI invocations
type DaemonState struct {
	PID          int                   `json:"pid,omitempty"`
	StartedAt    time.Time             `json:"startedAt,omitempty"`
	Budget       Budget                `json:"budget"`
	Tasks        map[string]RunRecord  `json:"tasks,omitempty"`
	Sessions     map[string]*Session   `json:"sessions,omitempty"`
	SessionNames map[string]string     `json:"sessionNames,omitempty"`
	Quiet        map[string]bool       `json:"quiet,omitempty"`
}

func (s *DaemonState) ensureMaps() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]RunRecord)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]*Session)
	}
	if s.SessionNames == nil {
		s.SessionNames = make(map[string]string)
	}
	if s.Quiet == nil {
		s.Quiet = make(map[string]bool)
	}
}
