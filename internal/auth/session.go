// Package auth provides session cookie management for the gateway.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// Session represents an authenticated user session.
type Session struct {
	ID        string
	UserID    string
	Claims    *Claims
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManagerConfig holds session manager settings.
type SessionManagerConfig struct {
	CookieName      string
	Secure          bool
	TTL             time.Duration
	CleanupInterval time.Duration

	// MaxSessions caps the number of live sessions. When exceeded, the
	// oldest session is evicted. Zero means no cap.
	MaxSessions int
}

// SessionManager manages user sessions.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	cookieName  string
	secure      bool
	ttl         time.Duration
	maxSessions int
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSessionManager creates a new session manager and starts its expiry
// cleanup loop. Call Close to stop it.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.CookieName == "" {
		cfg.CookieName = "agent_session"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	sm := &SessionManager{
		sessions:    make(map[string]*Session),
		cookieName:  cfg.CookieName,
		secure:      cfg.Secure,
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		done:        make(chan struct{}),
	}

	go sm.cleanup(cfg.CleanupInterval)

	return sm
}

// CreateSession creates a new session for the given claims.
func (sm *SessionManager) CreateSession(claims *Claims) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		UserID:    claims.Subject,
		Claims:    claims,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}

	sm.mu.Lock()
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.evictOldestLocked()
	}
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by ID. Expired sessions are treated as
// missing.
func (sm *SessionManager) GetSession(sessionID string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return nil
	}

	if time.Now().After(session.ExpiresAt) {
		return nil
	}

	return session
}

// GetSessionFromRequest retrieves a session from the request cookie.
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return nil
	}
	return sm.GetSession(cookie.Value)
}

// DeleteSession removes a session.
func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.mu.Lock()
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
}

// SetCookie sets the session cookie on the response.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie clears the session cookie.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ActiveSessions returns the number of active sessions.
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Close stops the cleanup loop.
func (sm *SessionManager) Close() {
	sm.closeOnce.Do(func() { close(sm.done) })
}

// cleanup periodically removes expired sessions.
func (sm *SessionManager) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.mu.Lock()
			now := time.Now()
			for id, session := range sm.sessions {
				if now.After(session.ExpiresAt) {
					delete(sm.sessions, id)
				}
			}
			sm.mu.Unlock()
		}
	}
}

// evictOldestLocked removes the oldest session. Caller must hold sm.mu.
func (sm *SessionManager) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, session := range sm.sessions {
		if oldestID == "" || session.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = session.CreatedAt
		}
	}
	if oldestID != "" {
		delete(sm.sessions, oldestID)
	}
}

// generateSessionID generates a random session ID.
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
