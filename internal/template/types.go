// Package template manages workflow blueprints.
//
// Templates come from two sources: immutable built-in defaults and
// project-local YAML definitions. Project templates are versioned; every
// update publishes a new version and persists an immutable snapshot of
// the previous content.
package template

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/hooks"
)

// Stage types.
const (
	StageRequest        = "request"
	StageDesign         = "design"
	StageReview         = "review"
	StageImplementation = "implementation"
	StageVerification   = "verification"
	StageIdeation       = "ideation"
)

// Gate types.
const (
	GateAuto             = "auto"
	GateHumanApproval    = "human_approval"
	GateChainComplete    = "chain_complete"
	GateVerificationPass = "verification_pass"
	GatePostCommit       = "post_commit"
)

var validStageTypes = map[string]bool{
	StageRequest:        true,
	StageDesign:         true,
	StageReview:         true,
	StageImplementation: true,
	StageVerification:   true,
	StageIdeation:       true,
}

var validGateTypes = map[string]bool{
	GateAuto:             true,
	GateHumanApproval:    true,
	GateChainComplete:    true,
	GateVerificationPass: true,
	GatePostCommit:       true,
}

// Sentinel errors.
var (
	ErrNotFound          = errors.New("template not found")
	ErrTemplateImmutable = errors.New("built-in templates cannot be modified")
	ErrAlreadyExists     = errors.New("template already exists")
	ErrVersionNotFound   = errors.New("template version not found")
)

// GateTemplate describes the gate a stage instance starts with.
type GateTemplate struct {
	Type string `yaml:"type" json:"type"`

	// Prompt is shown when a human_approval gate blocks advancement.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// ChainID binds a chain_complete gate to an implementation chain.
	// Usually empty in the template and bound at runtime.
	ChainID string `yaml:"chainId,omitempty" json:"chainId,omitempty"`

	// Commands are run in order by verification_pass gates.
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// HookSet holds the transition hooks for one stage.
type HookSet struct {
	OnEnter []hooks.Action `yaml:"onEnter,omitempty" json:"onEnter,omitempty"`
	OnExit  []hooks.Action `yaml:"onExit,omitempty" json:"onExit,omitempty"`
}

// StageTemplate is one stage definition in a blueprint.
type StageTemplate struct {
	Name  string       `yaml:"name" json:"name"`
	Type  string       `yaml:"type" json:"type"`
	Gate  GateTemplate `yaml:"gate" json:"gate"`
	Hooks *HookSet     `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// Template is a versioned workflow blueprint.
type Template struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Builtin     bool            `yaml:"builtin,omitempty" json:"builtin"`
	Version     int             `yaml:"version" json:"version"`
	Stages      []StageTemplate `yaml:"stages" json:"stages"`
	CreatedAt   time.Time       `yaml:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt   time.Time       `yaml:"updatedAt,omitempty" json:"updatedAt"`
}

// VersionRecord is one immutable snapshot in a template's history.
type VersionRecord struct {
	Version     int       `yaml:"version" json:"version"`
	ChangedBy   string    `yaml:"changedBy" json:"changedBy"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `yaml:"createdAt" json:"createdAt"`
	Template    Template  `yaml:"template" json:"template"`
}

// Validate enforces the structural invariants of a blueprint.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s has no stages", t.Name)
	}
	if t.Version < 1 {
		return fmt.Errorf("template %s version must be >= 1, got %d", t.Name, t.Version)
	}

	for i, stage := range t.Stages {
		if stage.Name == "" {
			return fmt.Errorf("template %s stage %d has no name", t.Name, i)
		}
		if !validStageTypes[stage.Type] {
			return fmt.Errorf("template %s stage %q has invalid type %q", t.Name, stage.Name, stage.Type)
		}
		if !validGateTypes[stage.Gate.Type] {
			return fmt.Errorf("template %s stage %q has invalid gate type %q", t.Name, stage.Name, stage.Gate.Type)
		}
		if stage.Gate.Type == GateVerificationPass && len(stage.Gate.Commands) == 0 {
			return fmt.Errorf("template %s stage %q verification gate has no commands", t.Name, stage.Name)
		}
		if stage.Hooks != nil {
			for _, action := range append(append([]hooks.Action{}, stage.Hooks.OnEnter...), stage.Hooks.OnExit...) {
				if action.Kind == "" {
					return fmt.Errorf("template %s stage %q has a hook action with no kind", t.Name, stage.Name)
				}
			}
		}
	}

	return nil
}

// Clone deep-copies the template so callers can mutate safely.
func (t *Template) Clone() *Template {
	out := *t
	out.Stages = make([]StageTemplate, len(t.Stages))
	for i, stage := range t.Stages {
		cloned := stage
		cloned.Gate.Commands = append([]string(nil), stage.Gate.Commands...)
		if stage.Hooks != nil {
			hookSet := HookSet{
				OnEnter: append([]hooks.Action(nil), stage.Hooks.OnEnter...),
				OnExit:  append([]hooks.Action(nil), stage.Hooks.OnExit...),
			}
			cloned.Hooks = &hookSet
		}
		out.Stages[i] = cloned
	}
	return &out
}
