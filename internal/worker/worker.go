package worker

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/workspace/agent-gateway/internal/engine"
)

// maxLineBytes bounds a single stdout line. Assistant events resend the
// full accumulated message, so lines grow with the conversation.
const maxLineBytes = 1024 * 1024

// Worker is a running engine process for a single turn.
//
// Events delivers the parsed stdout stream and closes when the process
// exits; Done closes after Events. Consumers must drain Events until it
// closes, even after calling Abort.
type Worker struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	grace     time.Duration
	events    chan engine.Event
	done      chan struct{}
	startTime time.Time
	pipes     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	aborted  bool
	timedOut bool
	waitErr  error

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// Events returns the worker's event stream. It closes when the process
// exits; partial output before a crash is still delivered.
func (w *Worker) Events() <-chan engine.Event {
	return w.events
}

// Done returns a channel closed after the process has exited and all
// events have been delivered.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the process exit error. Only meaningful after Done closes;
// nil means a clean exit.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitErr
}

// Aborted reports whether Abort was called before the process exited.
func (w *Worker) Aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

// TimedOut reports whether the worker was terminated for exceeding the
// supervisor's turn timeout.
func (w *Worker) TimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timedOut
}

// Stderr returns the captured stderr output, capped at maxStderrBytes.
// Useful for explaining a failed turn.
func (w *Worker) Stderr() string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()
	return w.stderrBuf.String()
}

// Abort asks the engine to stop, escalating to a kill if the process is
// still running after the grace period. It returns without waiting; use
// Done to observe the exit. Safe to call repeatedly and after exit.
func (w *Worker) Abort() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.aborted = true
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	slog.Debug("Worker abort requested", "pid", w.cmd.Process.Pid)
	w.terminate()
}

// terminate closes stdin and signals SIGTERM, then kills the process if
// it has not exited within the grace period.
func (w *Worker) terminate() {
	_ = w.stdin.Close()
	proc := w.cmd.Process
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	go func() {
		timer := time.NewTimer(w.grace)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			slog.Warn("Worker ignored stop signal, killing", "pid", proc.Pid, "grace", w.grace)
			_ = proc.Kill()
		}
	}()
}

// watchTimeout terminates the worker when the turn exceeds its limit.
func (w *Worker) watchTimeout(limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.stopped = true
		w.timedOut = true
		w.mu.Unlock()
		slog.Warn("Worker exceeded turn timeout, terminating", "pid", w.cmd.Process.Pid, "limit", limit)
		w.terminate()
	}
}

// readEvents parses stdout NDJSON into events. Unparseable lines are
// skipped; the stream they arrived in stays live.
func (w *Worker) readEvents(stdout io.Reader) {
	defer w.pipes.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := engine.ParseEvent(line)
		if err != nil {
			slog.Debug("Worker: skipping unparseable stdout line", "error", err)
			continue
		}
		w.events <- ev
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Worker: stdout read ended", "error", err)
	}
}

// collectStderr retains a bounded copy of stderr for error reporting.
func (w *Worker) collectStderr(stderr io.Reader) {
	defer w.pipes.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Warn("Engine stderr", "line", line)
		w.stderrMu.Lock()
		if w.stderrBuf.Len() < maxStderrBytes {
			if w.stderrBuf.Len() > 0 {
				w.stderrBuf.WriteByte('\n')
			}
			w.stderrBuf.WriteString(line)
		}
		w.stderrMu.Unlock()
	}
}

// reap waits for both pipes to drain, reaps the process, and closes the
// worker's channels in order: events first, then done.
func (w *Worker) reap() {
	w.pipes.Wait()
	err := w.cmd.Wait()

	w.mu.Lock()
	w.waitErr = err
	w.mu.Unlock()

	close(w.events)
	close(w.done)

	uptime := time.Since(w.startTime).Round(time.Millisecond)
	if err != nil {
		slog.Info("Engine process exited", "uptime", uptime, "error", err)
	} else {
		slog.Info("Engine process exited", "uptime", uptime)
	}
}
