package governance

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RolePaths holds the ordered glob patterns for one role.
// Denied patterns take precedence over allowed ones.
type RolePaths struct {
	Allowed []string
	Denied  []string
}

// PathPolicy maps roles to their file path rules for mutating tools.
type PathPolicy struct {
	roles map[string]RolePaths
}

// NewPathPolicy creates a policy from per-role pattern sets.
// Patterns must be valid doublestar globs.
func NewPathPolicy(roles map[string]RolePaths) (*PathPolicy, error) {
	for role, paths := range roles {
		for _, pattern := range append(append([]string{}, paths.Allowed...), paths.Denied...) {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid glob pattern %q for role %s", pattern, role)
			}
		}
	}
	return &PathPolicy{roles: roles}, nil
}

// normalizePath resolves dot segments and strips the leading separator
// so absolute workspace paths match workspace-relative patterns.
// Rooting before Clean keeps ".." from escaping the workspace.
func normalizePath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Validate checks a path against the role's patterns.
//
// A denied-pattern match denies regardless of any allowed match. A path
// matching no allowed pattern is also denied. Roles absent from the
// policy have no allowed patterns and therefore cannot write anywhere.
func (p *PathPolicy) Validate(path, role string) ValidationResult {
	normalized := normalizePath(path)
	paths := p.roles[role]

	for _, pattern := range paths.Denied {
		if match, _ := doublestar.Match(pattern, normalized); match {
			return Deny(fmt.Sprintf("Path %s matches denied pattern %s for %s role", path, pattern, role))
		}
	}

	for _, pattern := range paths.Allowed {
		if match, _ := doublestar.Match(pattern, normalized); match {
			return Allow()
		}
	}

	return Deny(fmt.Sprintf("Path %s does not match any allowed pattern for %s role", path, role))
}
