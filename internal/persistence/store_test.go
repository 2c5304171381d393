package persistence

import (
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUpsertAndGetSession(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	err = store.UpsertSession(SessionRecord{
		WorkspaceID:     "ws-1",
		UserID:          "user-a",
		EngineSessionID: "eng-1",
		WorkDir:         "/data/user-a/ws-1",
		Title:           "Fix the tests",
	})
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	rec, err := store.GetSession("ws-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec == nil {
		t.Fatal("GetSession returned nil for existing session")
	}
	if rec.EngineSessionID != "eng-1" {
		t.Errorf("EngineSessionID=%q, want eng-1", rec.EngineSessionID)
	}
	if rec.Title != "Fix the tests" {
		t.Errorf("Title=%q, want %q", rec.Title, "Fix the tests")
	}
	if rec.CreatedAt == "" || rec.UpdatedAt == "" {
		t.Error("timestamps should be filled on upsert")
	}
}

func TestGetSessionMissing(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rec, err := store.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec != nil {
		t.Fatalf("GetSession returned %+v for missing session, want nil", rec)
	}
}

func TestUpdateEngineSessionIDLastWriteWins(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.UpsertSession(SessionRecord{WorkspaceID: "ws-1", UserID: "u", EngineSessionID: "eng-old"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := store.UpdateEngineSessionID("ws-1", "eng-new"); err != nil {
		t.Fatalf("UpdateEngineSessionID: %v", err)
	}
	if err := store.UpdateEngineSessionID("ws-1", "eng-newest"); err != nil {
		t.Fatalf("UpdateEngineSessionID: %v", err)
	}

	rec, err := store.GetSession("ws-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.EngineSessionID != "eng-newest" {
		t.Errorf("EngineSessionID=%q, want eng-newest", rec.EngineSessionID)
	}
	// An engine id update never touches the workspace id
	if rec.WorkspaceID != "ws-1" {
		t.Errorf("WorkspaceID=%q, want ws-1", rec.WorkspaceID)
	}
}

func TestUpdateTitle(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.UpsertSession(SessionRecord{WorkspaceID: "ws-1", UserID: "u"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := store.UpdateTitle("ws-1", "Refactor the config loader"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}

	rec, _ := store.GetSession("ws-1")
	if rec.Title != "Refactor the config loader" {
		t.Errorf("Title=%q, want updated title", rec.Title)
	}
}

func TestListSessionsScopedToUser(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	records := []SessionRecord{
		{WorkspaceID: "ws-1", UserID: "alice", CreatedAt: "2026-08-20T10:00:00Z"},
		{WorkspaceID: "ws-2", UserID: "alice", CreatedAt: "2026-08-21T10:00:00Z"},
		{WorkspaceID: "ws-3", UserID: "bob", CreatedAt: "2026-08-22T10:00:00Z"},
	}
	for _, rec := range records {
		if err := store.UpsertSession(rec); err != nil {
			t.Fatalf("UpsertSession(%s): %v", rec.WorkspaceID, err)
		}
	}

	got, err := store.ListSessions("alice")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", len(got))
	}
	// Newest first
	if got[0].WorkspaceID != "ws-2" || got[1].WorkspaceID != "ws-1" {
		t.Errorf("order = [%s %s], want [ws-2 ws-1]", got[0].WorkspaceID, got[1].WorkspaceID)
	}

	empty, err := store.ListSessions("nobody")
	if err != nil {
		t.Fatalf("ListSessions unknown user: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected 0 sessions for unknown user, got %d", len(empty))
	}
}

func TestDeleteSession(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.UpsertSession(SessionRecord{WorkspaceID: "ws-1", UserID: "u"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := store.DeleteSession("ws-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	rec, err := store.GetSession("ws-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec != nil {
		t.Fatal("session still present after delete")
	}

	// Deleting a non-existent session should not error
	if err := store.DeleteSession("ws-1"); err != nil {
		t.Fatalf("repeat DeleteSession: %v", err)
	}
}

func TestSessionsSurviveReopen(t *testing.T) {
	path := tempDBPath(t)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.UpsertSession(SessionRecord{WorkspaceID: "ws-1", UserID: "u", EngineSessionID: "eng-1"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.GetSession("ws-1")
	if err != nil {
		t.Fatalf("GetSession after reopen: %v", err)
	}
	if rec == nil || rec.EngineSessionID != "eng-1" {
		t.Fatalf("record not preserved across reopen: %+v", rec)
	}
}

func TestSessionCount(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	count, err := store.SessionCount("u")
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("count=%d, want 0", count)
	}

	for _, id := range []string{"ws-1", "ws-2"} {
		if err := store.UpsertSession(SessionRecord{WorkspaceID: id, UserID: "u"}); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
	}

	count, err = store.SessionCount("u")
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("count=%d, want 2", count)
	}
}
