package governance

import (
	"fmt"
	"sort"
)

// ToolDescriptor describes one capability in the closed registry.
type ToolDescriptor struct {
	Name        string
	Description string

	// Roles that may invoke this tool.
	Roles []string

	// InputSchema is the JSON Schema advertised to the provider.
	InputSchema string

	// Executor runs the call once it passes validation. May be nil for
	// tools executed by the host rather than the daemon.
	Executor Executor
}

// AllowsRole reports whether role may invoke this tool.
func (d *ToolDescriptor) AllowsRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Registry is a closed set of tool descriptors. Registration happens at
// construction time; lookups at validation time are read-only.
type Registry struct {
	tools map[string]*ToolDescriptor
}

// NewRegistry creates a registry from the given descriptors.
// Duplicate names are an error.
func NewRegistry(descriptors ...*ToolDescriptor) (*Registry, error) {
	r := &Registry{tools: make(map[string]*ToolDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("tool descriptor missing name")
		}
		if _, exists := r.tools[d.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %s", d.Name)
		}
		r.tools[d.Name] = d
	}
	return r, nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*ToolDescriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// ForRole returns the descriptors available to a role, sorted by name.
func (r *Registry) ForRole(role string) []*ToolDescriptor {
	var out []*ToolDescriptor
	for _, d := range r.tools {
		if d.AllowsRole(role) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
