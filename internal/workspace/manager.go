// Package workspace provisions the isolated working directories that
// worker processes run in. Every session gets its own directory under a
// fixed root, namespaced by user and workspace session id, so no prompt
// can reach another user's files through the engine.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxIDLen bounds a sanitized path component.
const maxIDLen = 64

// sharedConfigExts are the engine config files exposed into each session
// directory. Only top-level regular files are considered.
var sharedConfigExts = map[string]bool{
	".json": true,
	".md":   true,
}

// Manager provisions per-session directories under a fixed root.
type Manager struct {
	root         string
	configSource string
}

// NewManager creates a Manager. root is the directory all session dirs
// live under; configSource is the user home area holding shared engine
// configuration, "" to disable config exposure.
func NewManager(root, configSource string) *Manager {
	return &Manager{root: root, configSource: configSource}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// SessionDir returns the directory a session would be provisioned at
// without creating anything.
func (m *Manager) SessionDir(userID, workspaceID string) string {
	return filepath.Join(m.root, SanitizeID(userID), SanitizeID(workspaceID))
}

// Provision creates a session's working directory and exposes the shared
// engine configuration into it. It is idempotent: re-provisioning an
// existing session directory leaves its contents alone.
func (m *Manager) Provision(userID, workspaceID string) (string, error) {
	if userID == "" || workspaceID == "" {
		return "", fmt.Errorf("user id and workspace id are required")
	}

	dir := m.SessionDir(userID, workspaceID)

	// Sanitized components cannot contain separators or dot-dot, so the
	// join stays under the root. Verify anyway before touching the disk.
	rootPrefix := filepath.Clean(m.root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(dir), rootPrefix) {
		return "", fmt.Errorf("session dir %q escapes workspace root", dir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	if err := m.exposeSharedConfig(dir); err != nil {
		return "", fmt.Errorf("expose shared config: %w", err)
	}

	return dir, nil
}

// Remove deletes a session's working directory.
func (m *Manager) Remove(userID, workspaceID string) error {
	dir := m.SessionDir(userID, workspaceID)
	rootPrefix := filepath.Clean(m.root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(dir), rootPrefix) {
		return fmt.Errorf("session dir %q escapes workspace root", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// exposeSharedConfig copies the shared engine config files into a session
// directory as read-only snapshots. The session directory must never hold
// a writable path back into the user's home area, so the files are copied
// instead of linked.
func (m *Manager) exposeSharedConfig(dir string) error {
	if m.configSource == "" {
		return nil
	}
	entries, err := os.ReadDir(m.configSource)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config source: %w", err)
	}

	destDir := filepath.Join(dir, filepath.Base(m.configSource))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !sharedConfigExts[filepath.Ext(entry.Name())] {
			continue
		}
		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		dest := filepath.Join(destDir, entry.Name())
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := copyFileReadOnly(filepath.Join(m.configSource, entry.Name()), dest); err != nil {
			return err
		}
	}
	return nil
}

func copyFileReadOnly(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o444)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

// SanitizeID maps an arbitrary identity string to a single path-safe
// component. Letters are lowercased, anything outside [a-z0-9-_] becomes
// '-', and the result is length-capped. When sanitizing changed the input,
// a short hash of the original is appended so distinct inputs can never
// collapse into the same directory.
func SanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}

	clean := strings.Trim(b.String(), "-")
	if len(clean) > maxIDLen {
		clean = clean[:maxIDLen]
	}
	if clean == s && clean != "" {
		return clean
	}

	sum := sha256.Sum256([]byte(s))
	suffix := hex.EncodeToString(sum[:4])
	if clean == "" {
		return "id-" + suffix
	}
	return clean + "-" + suffix
}
