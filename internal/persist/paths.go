// Package persist provides the per-user JSON persistence kit: atomic writes
// with .bak fallback, per-path write serialization, advisory lockfiles, and
// user-scoped path resolution.
package persist

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	userContextDirName = "user-context"
	agentDirName       = ".agent"
	maxUserIDLen       = 96
)

var (
	userIDAllowed  = regexp.MustCompile(`[^a-z0-9_-]+`)
	userIDCollapse = regexp.MustCompile(`-{2,}`)
)

// SanitizeUserID normalizes an external user identifier into a filesystem-safe
// tenant key: lowercase, [a-z0-9_-] only, collapsed dashes, max 96 chars.
// Returns "" for inputs that reduce to nothing; callers must refuse I/O then.
func SanitizeUserID(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = userIDAllowed.ReplaceAllString(v, "-")
	v = userIDCollapse.ReplaceAllString(v, "-")
	v = strings.Trim(v, "-")
	if len(v) > maxUserIDLen {
		v = v[:maxUserIDLen]
	}
	return v
}

// Paths resolves workspace-relative storage locations. The zero value is not
// usable; construct via NewPaths.
type Paths struct {
	root string
}

// NewPaths resolves the workspace root. If the current working directory (or
// any ancestor) contains a directory named "hud", the parent of that directory
// is the root; otherwise the CWD is used. An explicit override wins.
func NewPaths(override string) *Paths {
	if override != "" {
		return &Paths{root: override}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return &Paths{root: "."}
	}
	for dir := cwd; ; {
		if st, err := os.Stat(filepath.Join(dir, "hud")); err == nil && st.IsDir() {
			return &Paths{root: dir}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return &Paths{root: cwd}
}

// Root returns the resolved workspace root.
func (p *Paths) Root() string { return p.root }

// UserRoot returns the per-user storage root for a raw user id, or "" when the
// id sanitizes to empty.
func (p *Paths) UserRoot(userID string) string {
	uid := SanitizeUserID(userID)
	if uid == "" {
		return ""
	}
	return filepath.Join(p.root, agentDirName, userContextDirName, uid)
}

// UserFile joins path elements under the user root. Returns "" for an
// unresolvable user.
func (p *Paths) UserFile(userID string, elem ...string) string {
	root := p.UserRoot(userID)
	if root == "" {
		return ""
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// LegacyFile resolves a path under the legacy global store (pre user scoping).
func (p *Paths) LegacyFile(elem ...string) string {
	return filepath.Join(append([]string{p.root, agentDirName}, elem...)...)
}
