// Package security implements the two pure policy checks every sandbox
// operation passes through before touching the filesystem or spawning a
// process: path sanitization (containment) and command validation
// (allow/deny lists).
package security

import (
	"path/filepath"
	"strings"
)

// Sanitize maps an arbitrary caller-supplied path to a location guaranteed
// to be inside the sandbox rooted at root. It is total: unsafe or ambiguous
// input resolves to the workspace root rather than failing.
//
// Absolute paths are resolved (symlinks included) and kept only when the
// result stays under root. Relative paths are rebuilt segment by segment
// under <root>/<workspaceName>; any parent-reference segment rejects the
// whole input. The constructed path is re-verified by resolution before
// being returned.
func Sanitize(raw, root, workspaceName string) string {
	rootResolved, err := resolvePath(root)
	if err != nil {
		rootResolved = filepath.Clean(root)
	}
	workspaceRoot := filepath.Join(rootResolved, workspaceName)

	if filepath.IsAbs(raw) {
		resolved, err := resolvePath(raw)
		if err != nil {
			return workspaceRoot
		}
		if isDescendant(resolved, rootResolved) {
			return resolved
		}
		return workspaceRoot
	}

	// Relative path: split on both slash styles and inspect every segment.
	segments := strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg == "" || seg == ".":
			continue
		case isAllDots(seg):
			// "..", "...", "...." and longer runs are all treated as
			// traversal attempts. No partial traversal is tolerated:
			// one bad segment rejects the entire input.
			return workspaceRoot
		default:
			// Segments that merely contain dots ("file..txt", "....txt")
			// are legitimate filenames and pass through verbatim.
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return workspaceRoot
	}

	candidate := filepath.Join(workspaceRoot, filepath.Join(kept...))

	// Re-verify: resolve the constructed path and confirm containment.
	// Any failure here (unresolvable symlink, race) falls back to the
	// workspace root.
	resolved, err := resolvePath(candidate)
	if err != nil || !isDescendant(resolved, rootResolved) {
		return workspaceRoot
	}
	return candidate
}

// SanitizeFilename strips every directory component from name, returning
// only the final path segment. Used when a per-entry filename is the only
// untrusted value.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

// EnsureContained reports whether path, after resolving symlinks and
// relative segments, is root itself or a descendant of root.
func EnsureContained(path, root string) bool {
	resolvedPath, err := resolvePath(path)
	if err != nil {
		return false
	}
	resolvedRoot, err := resolvePath(root)
	if err != nil {
		return false
	}
	return isDescendant(resolvedPath, resolvedRoot)
}

// isAllDots reports whether seg is non-empty and consists solely of '.'
// characters with length >= 2 ("..", "...", ...).
func isAllDots(seg string) bool {
	if len(seg) < 2 {
		return false
	}
	return strings.Trim(seg, ".") == ""
}

// isDescendant is the lexical containment check over already-resolved
// paths. A path equal to root counts as contained.
func isDescendant(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolvePath resolves symlinks in p, tolerating components that do not
// exist yet: the deepest existing ancestor is resolved and the remaining
// suffix re-attached lexically.
func resolvePath(p string) (string, error) {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	}
	dir := p
	rest := ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
	}
	return p, nil
}
