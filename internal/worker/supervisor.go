// Package worker spawns and supervises engine processes. Each worker runs
// one conversation turn: the prompt goes in on the command line, events
// stream back as NDJSON on stdout, and the process exits when the turn
// completes. Aborting a turn means terminating its worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/workspace/agent-gateway/internal/engine"
)

const (
	// DefaultGracePeriod is how long a worker gets to exit on its own after
	// an abort before it is force-killed.
	DefaultGracePeriod = 2 * time.Second

	// eventBufferSize is the channel buffer between the stdout reader and
	// the consumer. Consumers must drain Events until it closes.
	eventBufferSize = 256

	// maxStderrBytes caps how much stderr is retained for error reporting.
	maxStderrBytes = 4096
)

// Config holds supervisor settings.
type Config struct {
	// Command is the engine binary to invoke.
	Command string

	// ExtraArgs are appended after the supervisor's own arguments.
	ExtraArgs []string

	// GracePeriod is the wait between the graceful stop signal and the
	// forced kill. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Timeout bounds a single turn. Zero means no limit. A worker that
	// exceeds it is terminated and reports TimedOut.
	Timeout time.Duration

	// Env entries are appended to the inherited environment of each worker.
	Env []string
}

// Supervisor starts workers with a shared engine configuration.
type Supervisor struct {
	command     string
	extraArgs   []string
	gracePeriod time.Duration
	timeout     time.Duration
	env         []string
}

// SpawnRequest describes one conversation turn.
type SpawnRequest struct {
	// Prompt is the user message for this turn. Required.
	Prompt string

	// EngineSessionID, when set, asks the engine to resume that
	// conversation. The engine assigns a fresh id to the resumed
	// conversation; callers pick it up from the first streamed event.
	EngineSessionID string

	// Dir is the working directory the engine runs in. Required.
	Dir string

	// Env entries are appended after the supervisor's environment.
	Env []string
}

// NewSupervisor creates a supervisor for the given engine configuration.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Supervisor{
		command:     cfg.Command,
		extraArgs:   cfg.ExtraArgs,
		gracePeriod: cfg.GracePeriod,
		timeout:     cfg.Timeout,
		env:         cfg.Env,
	}
}

// Spawn starts an engine process for one turn and begins streaming its
// events. The returned worker is already running; callers must drain
// Events until it closes. A non-nil error means no process was started.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	if req.Dir == "" {
		return nil, fmt.Errorf("working directory must not be empty")
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.EngineSessionID != "" {
		args = append(args, "--resume", req.EngineSessionID)
	}
	args = append(args, s.extraArgs...)

	cmd := exec.Command(s.command, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), append(s.env, req.Env...)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}

	w := &Worker{
		cmd:       cmd,
		stdin:     stdin,
		grace:     s.gracePeriod,
		events:    make(chan engine.Event, eventBufferSize),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}

	w.pipes.Add(2)
	go w.readEvents(stdout)
	go w.collectStderr(stderr)
	go w.reap()

	if s.timeout > 0 {
		go w.watchTimeout(s.timeout)
	}

	slog.Debug("Worker started",
		"pid", cmd.Process.Pid,
		"dir", req.Dir,
		"resuming", req.EngineSessionID != "")
	return w, nil
}
