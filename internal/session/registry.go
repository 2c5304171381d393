// Package session tracks workspace sessions and the mapping between the
// two identifier spaces in play: workspace session ids, minted by the
// gateway and stable for the life of a conversation, and engine session
// ids, minted by the engine and reassigned whenever a conversation is
// resumed. Clients only ever see workspace ids.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-gateway/internal/persistence"
)

// ErrNotFound is returned when a workspace session id is not known to the
// registry or its durable mirror.
var ErrNotFound = errors.New("session not found")

// ErrForbidden is returned when a workspace session exists but belongs to a
// different user.
var ErrForbidden = errors.New("session belongs to another user")

// Session is a workspace session: one durable conversation.
type Session struct {
	WorkspaceID     string    `json:"workspaceId"`
	UserID          string    `json:"userId"`
	EngineSessionID string    `json:"engineSessionId,omitempty"`
	WorkDir         string    `json:"workDir"`
	Title           string    `json:"title,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// MetadataStore is the durable mirror of the registry. *persistence.Store
// satisfies it; tests substitute lighter fakes.
type MetadataStore interface {
	UpsertSession(rec persistence.SessionRecord) error
	GetSession(workspaceID string) (*persistence.SessionRecord, error)
	UpdateEngineSessionID(workspaceID, engineSessionID string) error
	UpdateTitle(workspaceID, title string) error
	ListSessions(userID string) ([]persistence.SessionRecord, error)
	DeleteSession(workspaceID string) error
}

// Registry owns the in-memory session table and keeps the durable mirror
// in sync. Reads are memory-first; a miss falls back to the mirror and
// hydrates memory. Mirror write failures are logged and tolerated: memory
// stays authoritative for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session // workspace id -> session
	byEngine map[string]string  // engine id -> workspace id
	store    MetadataStore      // may be nil
}

// NewRegistry creates a Registry backed by the given durable store.
// A nil store leaves the registry memory-only.
func NewRegistry(store MetadataStore) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		byEngine: make(map[string]string),
		store:    store,
	}
}

// Mint creates a fresh workspace session for a user. The workspace id is a
// new UUID; it is never derived from any engine identifier.
func (r *Registry) Mint(userID, workDir string) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("user ID is required")
	}

	now := time.Now().UTC()
	sess := Session{
		WorkspaceID: uuid.NewString(),
		UserID:      userID,
		WorkDir:     workDir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.WorkspaceID] = sess
	r.persistUpsert(sess)
	return sess, nil
}

// Ensure returns the user's session for a workspace id, adopting the id as
// a fresh conversation when it is unknown everywhere. Resuming an id the
// gateway has never seen starts over under that same id rather than
// failing, so clients keep a stable identifier across gateway resets.
func (r *Registry) Ensure(workspaceID, userID string) (Session, error) {
	if workspaceID == "" || userID == "" {
		return Session{}, fmt.Errorf("workspace and user IDs are required")
	}

	if sess, ok := r.Resolve(workspaceID); ok {
		if sess.UserID != userID {
			return Session{}, fmt.Errorf("ensure %s: %w", workspaceID, ErrForbidden)
		}
		return sess, nil
	}

	now := time.Now().UTC()
	sess := Session{
		WorkspaceID: workspaceID,
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have adopted the id since the resolve.
	if existing, ok := r.sessions[workspaceID]; ok {
		if existing.UserID != userID {
			return Session{}, fmt.Errorf("ensure %s: %w", workspaceID, ErrForbidden)
		}
		return existing, nil
	}
	r.sessions[workspaceID] = sess
	r.persistUpsert(sess)
	return sess, nil
}

// Get returns the in-memory session for a workspace id.
func (r *Registry) Get(workspaceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[workspaceID]
	return sess, ok
}

// Resolve looks up a workspace session, memory first and then the durable
// mirror. A mirror hit is hydrated into memory so later lookups stay cheap.
// Returns false when the id is unknown everywhere; that is not an error.
func (r *Registry) Resolve(workspaceID string) (Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[workspaceID]
	r.mu.RUnlock()
	if ok {
		return sess, true
	}

	if r.store == nil {
		return Session{}, false
	}
	rec, err := r.store.GetSession(workspaceID)
	if err != nil {
		slog.Warn("Durable session lookup failed", "workspaceSessionId", workspaceID, "error", err)
		return Session{}, false
	}
	if rec == nil {
		return Session{}, false
	}

	sess = fromRecord(*rec)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have hydrated while we read the mirror.
	if existing, ok := r.sessions[workspaceID]; ok {
		return existing, true
	}
	r.sessions[workspaceID] = sess
	if sess.EngineSessionID != "" {
		r.byEngine[sess.EngineSessionID] = workspaceID
	}
	return sess, true
}

// RecordEngineID binds an engine session id to a workspace session. Last
// write wins; the engine mints a fresh id for every resumed conversation
// and the previous binding is dropped.
func (r *Registry) RecordEngineID(workspaceID, engineID string) error {
	if engineID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[workspaceID]
	if !ok {
		return fmt.Errorf("record engine id for %s: %w", workspaceID, ErrNotFound)
	}
	if sess.EngineSessionID == engineID {
		return nil
	}

	if sess.EngineSessionID != "" {
		delete(r.byEngine, sess.EngineSessionID)
	}
	sess.EngineSessionID = engineID
	sess.UpdatedAt = time.Now().UTC()
	r.sessions[workspaceID] = sess
	r.byEngine[engineID] = workspaceID

	if r.store != nil {
		if err := r.store.UpdateEngineSessionID(workspaceID, engineID); err != nil {
			slog.Warn("Failed to persist engine session id", "workspaceSessionId", workspaceID, "error", err)
		}
	}
	return nil
}

// WorkspaceForEngine returns the workspace session currently bound to an
// engine id.
func (r *Registry) WorkspaceForEngine(engineID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wsID, ok := r.byEngine[engineID]
	return wsID, ok
}

// SetWorkDir records a session's provisioned working directory. The
// directory is only known after the workspace id has been minted, so this
// always runs as a second step.
func (r *Registry) SetWorkDir(workspaceID, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[workspaceID]
	if !ok {
		return fmt.Errorf("set work dir for %s: %w", workspaceID, ErrNotFound)
	}
	if sess.WorkDir == dir {
		return nil
	}
	sess.WorkDir = dir
	sess.UpdatedAt = time.Now().UTC()
	r.sessions[workspaceID] = sess
	r.persistUpsert(sess)
	return nil
}

// SetTitle sets a session's display title.
func (r *Registry) SetTitle(workspaceID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[workspaceID]
	if !ok {
		return fmt.Errorf("set title for %s: %w", workspaceID, ErrNotFound)
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	r.sessions[workspaceID] = sess

	if r.store != nil {
		if err := r.store.UpdateTitle(workspaceID, title); err != nil {
			slog.Warn("Failed to persist session title", "workspaceSessionId", workspaceID, "error", err)
		}
	}
	return nil
}

// List returns a user's sessions, newest first. The durable mirror is
// authoritative when present so that sessions from earlier gateway runs
// appear; otherwise the in-memory table is used.
func (r *Registry) List(userID string) []Session {
	if r.store != nil {
		recs, err := r.store.ListSessions(userID)
		if err == nil {
			result := make([]Session, 0, len(recs))
			for _, rec := range recs {
				result = append(result, fromRecord(rec))
			}
			return result
		}
		slog.Warn("Durable session list failed, serving memory", "userId", userID, "error", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Session, 0)
	for _, sess := range r.sessions {
		if sess.UserID == userID {
			result = append(result, sess)
		}
	}
	// Newest first to match the durable ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Forget removes a session from the registry and the durable mirror.
func (r *Registry) Forget(workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[workspaceID]; ok {
		if sess.EngineSessionID != "" {
			delete(r.byEngine, sess.EngineSessionID)
		}
		delete(r.sessions, workspaceID)
	}

	if r.store != nil {
		if err := r.store.DeleteSession(workspaceID); err != nil {
			return fmt.Errorf("forget session: %w", err)
		}
	}
	return nil
}

// persistUpsert mirrors a session to the durable store. Callers hold r.mu.
func (r *Registry) persistUpsert(sess Session) {
	if r.store == nil {
		return
	}
	rec := persistence.SessionRecord{
		WorkspaceID:     sess.WorkspaceID,
		UserID:          sess.UserID,
		EngineSessionID: sess.EngineSessionID,
		WorkDir:         sess.WorkDir,
		Title:           sess.Title,
		CreatedAt:       sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       sess.UpdatedAt.Format(time.RFC3339),
	}
	if err := r.store.UpsertSession(rec); err != nil {
		slog.Warn("Failed to persist session", "workspaceSessionId", sess.WorkspaceID, "error", err)
	}
}

func fromRecord(rec persistence.SessionRecord) Session {
	createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, rec.UpdatedAt)
	return Session{
		WorkspaceID:     rec.WorkspaceID,
		UserID:          rec.UserID,
		EngineSessionID: rec.EngineSessionID,
		WorkDir:         rec.WorkDir,
		Title:           rec.Title,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
}
