// Package workspace manages the on-disk layout of sandbox roots. Every
// sandbox lives in its own directory under a single base directory
// (default /tmp), named after its sanitized session identifier, with a
// conventional writable workspace subdirectory inside.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// sandboxPrefix namespaces sandbox directories under the base dir so a
// sweep can never touch unrelated files.
const sandboxPrefix = "noxrunner_sandbox_"

// Layout manages sandbox root directories under a base directory.
type Layout struct {
	Base string

	mu      sync.Mutex
	created map[string]bool // directories already ensured
}

// New creates a Layout rooted at base. It resolves ~ to the user's home
// directory and creates the base directory if it does not exist.
func New(base string) (*Layout, error) {
	resolved, err := resolvePath(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory %q: %w", base, err)
	}

	l := &Layout{
		Base:    resolved,
		created: make(map[string]bool),
	}
	if err := l.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return l, nil
}

// SandboxRoot returns the root directory path for a session without
// creating it.
func (l *Layout) SandboxRoot(sessionID string) string {
	return filepath.Join(l.Base, sandboxPrefix+SanitizeSessionID(sessionID))
}

// Ensure creates the sandbox root for a session, including its workspace
// subdirectory, and returns the root path.
func (l *Layout) Ensure(sessionID, workspaceName string) (string, error) {
	root := l.SandboxRoot(sessionID)
	if err := l.ensureDir(root, 0750); err != nil {
		return "", fmt.Errorf("creating sandbox root: %w", err)
	}
	if err := l.ensureDir(filepath.Join(root, workspaceName), 0750); err != nil {
		return "", fmt.Errorf("creating workspace directory: %w", err)
	}
	return root, nil
}

// Remove deletes a sandbox root and forgets it from the creation cache.
// Removing a root that does not exist is not an error.
func (l *Layout) Remove(root string) error {
	l.mu.Lock()
	for p := range l.created {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			delete(l.created, p)
		}
	}
	l.mu.Unlock()
	return os.RemoveAll(root)
}

// SanitizeSessionID reduces a session identifier to characters safe for a
// directory name. Everything but alphanumerics, '-' and '_' is dropped;
// an identifier with nothing left becomes "default".
func SanitizeSessionID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// ensureDir creates a directory if it doesn't already exist. Uses a cache
// to avoid redundant stat/mkdir calls.
func (l *Layout) ensureDir(path string, perm os.FileMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	l.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
