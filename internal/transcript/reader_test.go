package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTranscript(t *testing.T, root, workDir, sessionID, content string) string {
	t.Helper()
	dir := filepath.Join(root, ProjectDirName(workDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestReadParsesTranscriptInOrder(t *testing.T) {
	root := t.TempDir()
	workDir := "/home/alice/projects/demo"
	content := `{"type":"user","message":{"role":"user","content":"hello"}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}
{not valid json
`
	writeTranscript(t, root, workDir, "sess-1", content)

	r := NewReader(root)
	events, err := r.Read("sess-1", workDir)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events)=%d, want 2", len(events))
	}
	if events[0].Type != "user" || events[1].Type != "assistant" {
		t.Fatalf("events out of order: %q then %q", events[0].Type, events[1].Type)
	}
	if got := events[1].Text(); got != "hi there" {
		t.Errorf("assistant text=%q, want %q", got, "hi there")
	}
}

func TestReadMissingTranscript(t *testing.T) {
	r := NewReader(t.TempDir())

	events, err := r.Read("nope", "/some/dir")
	if err != nil {
		t.Fatalf("missing transcript should not error, got: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events)=%d, want 0", len(events))
	}
}

func TestReadChecksAllCandidateDirs(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "/second/dir", "sess-2", `{"type":"user","message":{"content":"x"}}`+"\n")

	r := NewReader(root)
	events, err := r.Read("sess-2", "/first/dir", "/second/dir")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events)=%d, want 1", len(events))
	}
}

func TestLocateRejectsUnsafeSessionID(t *testing.T) {
	r := NewReader(t.TempDir())

	for _, id := range []string{"", "../../etc/passwd", "a/b", ".hidden"} {
		if _, err := r.Locate(id, "/dir"); err == nil {
			t.Errorf("Locate(%q) should reject unsafe id", id)
		}
	}
}

func TestParseFileFiltersBookkeeping(t *testing.T) {
	root := t.TempDir()
	content := `{"type":"summary","summary":"Earlier chat"}
{"type":"user","message":{"role":"user","content":"question"}}
{"type":"file-history-snapshot","messageId":"m1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"answer"}]}}
`
	path := writeTranscript(t, root, "/w", "sess-3", content)

	events, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events)=%d, want 2 conversational events", len(events))
	}
	for _, ev := range events {
		if ev.Type != "user" && ev.Type != "assistant" {
			t.Errorf("unexpected event type %q after filtering", ev.Type)
		}
	}
}

func TestParseFileKeepsMostRecentWhenOverCap(t *testing.T) {
	oldMax := MaxEvents
	MaxEvents = 2
	defer func() { MaxEvents = oldMax }()

	root := t.TempDir()
	content := `{"type":"user","message":{"content":"one"}}
{"type":"user","message":{"content":"two"}}
{"type":"user","message":{"content":"three"}}
`
	path := writeTranscript(t, root, "/w", "sess-4", content)

	events, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events)=%d, want 2", len(events))
	}
	if got := events[0].Text(); got != "two" {
		t.Errorf("first kept event text=%q, want %q", got, "two")
	}
	if got := events[1].Text(); got != "three" {
		t.Errorf("last kept event text=%q, want %q", got, "three")
	}
}

func TestProjectDirName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"/home/alice/projects/demo", "-home-alice-projects-demo"},
		{"/tmp/a.b_c", "-tmp-a-b-c"},
		{"relative/path", "relative-path"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := ProjectDirName(tc.in); got != tc.want {
			t.Errorf("ProjectDirName(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
