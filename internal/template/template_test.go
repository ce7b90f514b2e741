package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/hooks"
)

func TestBuiltins(t *testing.T) {
	builtins := Builtins()
	require.Len(t, builtins, 3)

	byName := make(map[string]*Template)
	for _, tpl := range builtins {
		assert.True(t, tpl.Builtin)
		assert.NoError(t, tpl.Validate())
		byName[tpl.Name] = tpl
	}

	standard := byName["standard"]
	require.NotNil(t, standard)
	require.Len(t, standard.Stages, 5)
	assert.Equal(t, StageRequest, standard.Stages[0].Type)
	assert.Equal(t, GateHumanApproval, standard.Stages[0].Gate.Type)
	assert.Equal(t, GateChainComplete, standard.Stages[2].Gate.Type)
	assert.Equal(t, []string{"make test", "make lint"}, standard.Stages[3].Gate.Commands)
	assert.Equal(t, GateHumanApproval, standard.Stages[4].Gate.Type)

	hotfix := byName["hotfix"]
	require.NotNil(t, hotfix)
	assert.Len(t, hotfix.Stages, 2)

	ideation := byName["ideation"]
	require.NotNil(t, ideation)
	assert.Equal(t, GateAuto, ideation.Stages[0].Gate.Type)
}

func TestTemplateValidate(t *testing.T) {
	valid := func() *Template {
		return &Template{
			Name:    "custom",
			Version: 1,
			Stages: []StageTemplate{
				{Name: "Design", Type: StageDesign, Gate: GateTemplate{Type: GateHumanApproval}},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		tpl := valid()
		tpl.Name = ""
		assert.ErrorContains(t, tpl.Validate(), "name is required")
	})

	t.Run("no stages", func(t *testing.T) {
		tpl := valid()
		tpl.Stages = nil
		assert.ErrorContains(t, tpl.Validate(), "has no stages")
	})

	t.Run("zero version", func(t *testing.T) {
		tpl := valid()
		tpl.Version = 0
		assert.ErrorContains(t, tpl.Validate(), "version must be >= 1")
	})

	t.Run("unnamed stage", func(t *testing.T) {
		tpl := valid()
		tpl.Stages[0].Name = ""
		assert.ErrorContains(t, tpl.Validate(), "has no name")
	})

	t.Run("invalid stage type", func(t *testing.T) {
		tpl := valid()
		tpl.Stages[0].Type = "deploy"
		assert.ErrorContains(t, tpl.Validate(), `invalid type "deploy"`)
	})

	t.Run("invalid gate type", func(t *testing.T) {
		tpl := valid()
		tpl.Stages[0].Gate.Type = "manual"
		assert.ErrorContains(t, tpl.Validate(), `invalid gate type "manual"`)
	})

	t.Run("verification gate without commands", func(t *testing.T) {
		tpl := valid()
		tpl.Stages[0].Type = StageVerification
		tpl.Stages[0].Gate = GateTemplate{Type: GateVerificationPass}
		assert.ErrorContains(t, tpl.Validate(), "verification gate has no commands")
	})

	t.Run("hook action without kind", func(t *testing.T) {
		tpl := valid()
		tpl.Stages[0].Hooks = &HookSet{OnEnter: []hooks.Action{{}}}
		assert.ErrorContains(t, tpl.Validate(), "hook action with no kind")
	})
}

func TestTemplateClone(t *testing.T) {
	original := &Template{
		Name:    "custom",
		Version: 2,
		Stages: []StageTemplate{
			{
				Name: "Verification",
				Type: StageVerification,
				Gate: GateTemplate{Type: GateVerificationPass, Commands: []string{"make test"}},
				Hooks: &HookSet{
					OnEnter: []hooks.Action{{Kind: hooks.KindCommand, Command: "echo start"}},
				},
			},
		},
	}

	clone := original.Clone()
	clone.Stages[0].Gate.Commands[0] = "make bench"
	clone.Stages[0].Hooks.OnEnter[0].Command = "echo changed"
	clone.Stages[0].Name = "Renamed"

	assert.Equal(t, "make test", original.Stages[0].Gate.Commands[0])
	assert.Equal(t, "echo start", original.Stages[0].Hooks.OnEnter[0].Command)
	assert.Equal(t, "Verification", original.Stages[0].Name)
}

func TestParse(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		doc := []byte(`
name: docs-only
description: Documentation changes
stages:
  - name: Design
    type: design
    gate:
      type: human_approval
      prompt: Approve the doc plan.
  - name: Review
    type: review
    gate:
      type: auto
    hooks:
      onExit:
        - kind: post_message
          message: "docs updated for {{workflowId}}"
`)
		tpl, err := Parse(doc)
		require.NoError(t, err)
		assert.Equal(t, "docs-only", tpl.Name)
		assert.Equal(t, 1, tpl.Version)
		require.Len(t, tpl.Stages, 2)
		assert.Equal(t, "Approve the doc plan.", tpl.Stages[0].Gate.Prompt)
		require.NotNil(t, tpl.Stages[1].Hooks)
		require.Len(t, tpl.Stages[1].Hooks.OnExit, 1)
		assert.Equal(t, hooks.KindPostMessage, tpl.Stages[1].Hooks.OnExit[0].Kind)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("name: [unclosed"))
		assert.ErrorContains(t, err, "failed to parse template")
	})

	t.Run("invalid content", func(t *testing.T) {
		_, err := Parse([]byte("name: empty\nstages: []\n"))
		assert.ErrorContains(t, err, "has no stages")
	})
}
