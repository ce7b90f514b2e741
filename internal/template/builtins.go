package template

// Builtins returns the built-in blueprints. They are immutable: the
// store rejects updates and deletes against them, and every call returns
// fresh copies.
func Builtins() []*Template {
	return []*Template{standardTemplate(), hotfixTemplate(), ideationTemplate()}
}

// standardTemplate is the full change-request lifecycle.
func standardTemplate() *Template {
	return &Template{
		Name:        "standard",
		Description: "Full change-request lifecycle: request, design, implementation, verification, review",
		Builtin:     true,
		Version:     1,
		Stages: []StageTemplate{
			{
				Name: "Request",
				Type: StageRequest,
				Gate: GateTemplate{
					Type:   GateHumanApproval,
					Prompt: "Approve this change request to begin design.",
				},
			},
			{
				Name: "Design",
				Type: StageDesign,
				Gate: GateTemplate{
					Type:   GateHumanApproval,
					Prompt: "Approve the design to begin implementation.",
				},
			},
			{
				Name: "Implementation",
				Type: StageImplementation,
				Gate: GateTemplate{Type: GateChainComplete},
			},
			{
				Name: "Verification",
				Type: StageVerification,
				Gate: GateTemplate{
					Type:     GateVerificationPass,
					Commands: []string{"make test", "make lint"},
				},
			},
			{
				Name: "Review",
				Type: StageReview,
				Gate: GateTemplate{
					Type:   GateHumanApproval,
					Prompt: "Approve the completed work to close this workflow.",
				},
			},
		},
	}
}

// hotfixTemplate skips design and review for urgent fixes.
func hotfixTemplate() *Template {
	return &Template{
		Name:        "hotfix",
		Description: "Expedited fix: implementation and verification only",
		Builtin:     true,
		Version:     1,
		Stages: []StageTemplate{
			{
				Name: "Implementation",
				Type: StageImplementation,
				Gate: GateTemplate{Type: GateChainComplete},
			},
			{
				Name: "Verification",
				Type: StageVerification,
				Gate: GateTemplate{
					Type:     GateVerificationPass,
					Commands: []string{"make test"},
				},
			},
		},
	}
}

// ideationTemplate captures exploratory work with no delivery gates.
func ideationTemplate() *Template {
	return &Template{
		Name:        "ideation",
		Description: "Exploratory ideation with a closing human review",
		Builtin:     true,
		Version:     1,
		Stages: []StageTemplate{
			{
				Name: "Ideation",
				Type: StageIdeation,
				Gate: GateTemplate{Type: GateAuto},
			},
			{
				Name: "Review",
				Type: StageReview,
				Gate: GateTemplate{
					Type:   GateHumanApproval,
					Prompt: "Keep or discard the ideas captured in this workflow.",
				},
			},
		},
	}
}
