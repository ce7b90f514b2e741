package session

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/llm"
)

var rolePrompts = map[string]string{
	governance.RoleOrchestrator: "You coordinate a change-request workflow. Drive stages forward, delegate implementation work, and keep the audit trail current.",
	governance.RoleDesign:       "You are a design agent. Produce and refine design documents for the current change request. You may only write under docs/.",
	governance.RoleImpl:         "You are an implementation agent. Make the source changes the current task describes, keeping edits inside your chain's scope.",
	governance.RoleReview:       "You are a review agent. Inspect the completed work, post findings as messages, and approve tasks that meet the bar.",
	governance.RoleIdeation:     "You are an ideation agent. Explore the problem space and capture ideas under docs/ideas/.",
}

// systemPrompt builds the role-and-stage-scoped system prompt, listing
// the tools the role may use.
func systemPrompt(role, stageName string, tools []*governance.ToolDescriptor) string {
	var b strings.Builder

	base, ok := rolePrompts[role]
	if !ok {
		base = fmt.Sprintf("You are a %s agent in a change-request workflow.", role)
	}
	b.WriteString(base)

	if stageName != "" {
		fmt.Fprintf(&b, "\n\nCurrent workflow stage: %s.", stageName)
	}

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools:")
		for _, tool := range tools {
			fmt.Fprintf(&b, "\n- %s: %s", tool.Name, tool.Description)
		}
	}

	b.WriteString("\n\nWhen a tool call is denied, read the reason and adjust instead of repeating the call.")
	return b.String()
}

// providerTools maps registry descriptors to the provider tool schema.
func providerTools(descriptors []*governance.ToolDescriptor) []llm.Tool {
	tools := make([]llm.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: []byte(d.InputSchema),
		})
	}
	return tools
}
