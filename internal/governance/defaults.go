package governance

// allRoles lists every agent role.
var allRoles = []string{RoleOrchestrator, RoleDesign, RoleImpl, RoleReview, RoleIdeation}

// DefaultToolDescriptors returns the standard tool set.
//
// Executors are left nil; the session layer binds them before building a
// gate for live use. Validation does not require executors.
func DefaultToolDescriptors() []*ToolDescriptor {
	return []*ToolDescriptor{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace",
			Roles:       allRoles,
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
		},
		{
			Name:        "list_files",
			Description: "List files under a workspace directory",
			Roles:       allRoles,
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"}}}`,
		},
		{
			Name:        "write_file",
			Description: "Write a file in the workspace, subject to path policy",
			Roles:       []string{RoleOrchestrator, RoleDesign, RoleImpl},
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`,
		},
		{
			Name:        "run_command",
			Description: "Run a shell command in the workspace",
			Roles:       []string{RoleOrchestrator, RoleImpl},
			InputSchema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
		},
		{
			Name:        "post_message",
			Description: "Post a message to the workflow audit trail",
			Roles:       allRoles,
			InputSchema: `{"type":"object","properties":{"content":{"type":"string"}},"required":["content"]}`,
		},
		{
			Name:        "task:start",
			Description: "Mark a task as started",
			Roles:       []string{RoleOrchestrator, RoleImpl},
			InputSchema: `{"type":"object","properties":{"taskId":{"type":"string"}},"required":["taskId"]}`,
		},
		{
			Name:        "task:complete",
			Description: "Mark a task as complete",
			Roles:       []string{RoleOrchestrator, RoleImpl},
			InputSchema: `{"type":"object","properties":{"taskId":{"type":"string"}},"required":["taskId"]}`,
		},
		{
			Name:        "task:approve",
			Description: "Approve a completed task",
			Roles:       []string{RoleOrchestrator, RoleReview},
			InputSchema: `{"type":"object","properties":{"taskId":{"type":"string"}},"required":["taskId"]}`,
		},
		{
			Name:        "spawn_agent",
			Description: "Delegate work to a nested implementation agent",
			Roles:       []string{RoleOrchestrator, RoleDesign},
			InputSchema: `{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"]}`,
		},
	}
}

// DefaultPathPolicy returns the standard role path rules.
//
// Implementation agents own source trees but may not touch architecture
// decision records or change-request documents; those belong to design.
// Review agents do not write at all.
func DefaultPathPolicy() *PathPolicy {
	policy, err := NewPathPolicy(map[string]RolePaths{
		RoleOrchestrator: {
			Allowed: []string{"**"},
			Denied:  []string{".git/**"},
		},
		RoleDesign: {
			Allowed: []string{"docs/**"},
			Denied:  []string{".git/**"},
		},
		RoleImpl: {
			Allowed: []string{"src/**", "lib/**", "internal/**", "cmd/**", "pkg/**", "test/**", "tests/**", "docs/**"},
			Denied:  []string{"docs/adr/**", "docs/cr/**", ".git/**"},
		},
		RoleIdeation: {
			Allowed: []string{"docs/ideas/**"},
			Denied:  []string{".git/**"},
		},
	})
	if err != nil {
		// Static patterns above are known-valid.
		panic(err)
	}
	return policy
}
