// Package transcript reads conversation history from the engine's
// append-only JSONL transcript files.
//
// The engine writes one file per engine session under a root directory,
// grouped into project directories derived from the working directory the
// session ran in. Records are one JSON object per line in the shape of
// engine.Event; the engine interleaves bookkeeping records (summaries,
// file snapshots) that are not part of the conversation.
package transcript

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/workspace/agent-gateway/internal/engine"
)

// MaxEvents caps the number of events replayed from a single transcript.
// When a file holds more, the most recent MaxEvents are kept.
var MaxEvents = envInt("TRANSCRIPT_MAX_EVENTS", 1000)

// MaxLineBytes caps the size of a single transcript record.
var MaxLineBytes = envInt("TRANSCRIPT_MAX_LINE_BYTES", 1024*1024)

// sessionIDPattern matches engine session ids. Ids arrive from engine
// events and the durable store; anything else must not reach the filesystem.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Reader locates and parses engine transcripts under a fixed root.
type Reader struct {
	root string
}

// NewReader creates a Reader over the given transcript root directory.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Read returns the conversation history for an engine session, searching
// the project directories derived from the given working directories. A
// missing transcript is normal (the engine may have discarded it) and
// yields an empty history, not an error.
func (r *Reader) Read(engineSessionID string, workDirs ...string) ([]engine.Event, error) {
	path, err := r.Locate(engineSessionID, workDirs...)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return ParseFile(path)
}

// Locate returns the transcript file path for an engine session, or "" when
// no candidate location has one. The search is a bounded set of direct
// lookups, never a recursive scan.
func (r *Reader) Locate(engineSessionID string, workDirs ...string) (string, error) {
	if !sessionIDPattern.MatchString(engineSessionID) {
		return "", fmt.Errorf("invalid engine session id %q", engineSessionID)
	}

	for _, dir := range workDirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(r.root, ProjectDirName(dir), engineSessionID+".jsonl")
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", nil
}

// ParseFile reads a transcript file into conversation events, preserving
// file order. Malformed lines and non-conversational records are skipped
// silently; a partially written final line never poisons the rest.
func ParseFile(path string) ([]engine.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var events []engine.Event
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := engine.ParseEvent(line)
		if err != nil {
			skipped++
			continue
		}
		if !ev.Conversational() {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		// A torn tail or oversized record truncates the history rather
		// than failing the resume.
		slog.Warn("Transcript scan stopped early", "path", path, "error", err)
	}
	if skipped > 0 {
		slog.Debug("Skipped malformed transcript lines", "path", path, "count", skipped)
	}

	if len(events) > MaxEvents {
		events = events[len(events)-MaxEvents:]
	}
	return events, nil
}

// ProjectDirName derives the engine's project directory name for a working
// directory: every byte outside [a-zA-Z0-9] becomes '-'.
func ProjectDirName(workDir string) string {
	out := make([]byte, len(workDir))
	for i := 0; i < len(workDir); i++ {
		c := workDir[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '-'
		}
	}
	return string(out)
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
