// Package boundary validates user-supplied filesystem paths against the
// configured root. Every path that enters the server through a route
// parameter or an MCP tool argument goes through Guard.Validate before any
// filesystem access.
package boundary

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

// Guard checks path containment against a single root directory.
type Guard struct {
	root string // absolute, symlink-resolved
}

// New creates a Guard rooted at root. The root itself is resolved once; a
// root that does not exist yet is resolved lexically.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Guard{root: abs}, nil
}

// Root returns the resolved boundary root.
func (g *Guard) Root() string { return g.root }

// Validate resolves path (symlinks included) and checks it is contained
// within the root. It returns the resolved absolute path on success and a
// BOUNDARY_VIOLATION error otherwise. Paths that do not exist yet are
// resolved through their deepest existing ancestor so symlinked parents
// cannot smuggle a path outside the root.
func (g *Guard) Validate(path string) (string, error) {
	if path == "" {
		return "", dorkerr.New(dorkerr.CodeValidationFailed, "empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", dorkerr.Wrap(dorkerr.CodeValidationFailed, err, "bad path %q", path)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", dorkerr.Wrap(dorkerr.CodeBoundaryViolation, err, "cannot resolve %q", path).
			WithDetail("path", path)
	}

	if !contains(g.root, resolved) {
		return "", dorkerr.New(dorkerr.CodeBoundaryViolation, "path %q is outside the boundary", path).
			WithDetail("path", path)
	}
	return resolved, nil
}

// resolveExisting resolves symlinks for abs. If abs does not exist, the
// deepest existing ancestor is resolved and the remaining suffix is
// re-joined lexically.
func resolveExisting(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir := abs
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			parts := append([]string{r}, suffix...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
	}
	return filepath.Clean(abs), nil
}

func contains(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
