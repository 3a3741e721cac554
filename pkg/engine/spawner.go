// Package engine wraps the external conversational engine as a child
// process. The engine is a black box with a print-mode flag, a
// resume-by-id contract, and the prompt delivered over stdin.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a spawn when the invocation carries none
const DefaultTimeout = 120 * time.Second

// Invocation describes one engine call
type Invocation struct {
	Prompt string

	// Exactly one of SessionID, Resume, Continue selects the session
	// mode. SessionID creates a conversation under a caller-chosen id,
	// Resume reopens an existing one, Continue lets the engine pick
	// its own most recent conversation.
	SessionID string
	Resume    string
	Continue  bool

	Model        string
	AllowedTools []string
	Dir          string
	Timeout      time.Duration
}

// Result carries the combined output of a finished spawn
type Result struct {
	Output   string
	Duration time.Duration
	Err      error
}

// Spawner invokes the engine binary. Safe for concurrent use; every
// call runs its own child process.
type Spawner struct {
	bin            string
	defaultTimeout time.Duration
}

// NewSpawner creates a spawner for the given engine binary
func NewSpawner(bin string, defaultTimeout time.Duration) (*Spawner, error) {
	if bin == "" {
		return nil, fmt.Errorf("engine binary is required")
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Spawner{bin: bin, defaultTimeout: defaultTimeout}, nil
}

func (s *Spawner) args(inv Invocation) []string {
	args := []string{"-p"}
	switch {
	case inv.SessionID != "":
		args = append(args, "--session-id", inv.SessionID)
	case inv.Resume != "":
		args = append(args, "--resume", inv.Resume)
	case inv.Continue:
		args = append(args, "--continue")
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	for _, tool := range inv.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}

// Run executes one engine call and blocks until it finishes or the
// timeout force-kills it. Exit code 0 with nonempty output is success;
// anything else is failure, with the output parsed for the expired
// session marker.
func (s *Spawner) Run(ctx context.Context, inv Invocation) Result {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin, s.args(inv)...)
	cmd.Dir = inv.Dir
	cmd.Stdin = strings.NewReader(inv.Prompt)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	output := strings.TrimSpace(combined.String())

	res := Result{Output: output, Duration: elapsed}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.Err = fmt.Errorf("%w after %s", ErrSpawnTimeout, timeout)
	case runErr != nil:
		if outputIndicatesMissingSession(output) {
			res.Err = fmt.Errorf("%w: %s", ErrSessionNotFound, firstLine(output))
		} else {
			res.Err = fmt.Errorf("engine call failed: %w: %s", runErr, firstLine(output))
		}
	case output == "":
		res.Err = fmt.Errorf("engine call produced no output")
	}

	log.Debug().
		Str("bin", s.bin).
		Dur("duration", elapsed).
		Bool("ok", res.Err == nil).
		Msg("Engine spawn finished")

	return res
}

// Start launches the call without blocking and delivers the result on
// the returned channel. Each call owns its own child process, so
// concurrent chats never serialize on one spawn.
func (s *Spawner) Start(ctx context.Context, inv Invocation) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- s.Run(ctx, inv)
	}()
	return ch
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
