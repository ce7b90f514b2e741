package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/template"
)

// ChainStatusLookup reports the status of an implementation chain.
// An empty status means the chain is unknown.
type ChainStatusLookup interface {
	Status(ctx context.Context, chainID string) (string, error)
}

// chainDone is the chain status that satisfies a chain_complete gate.
const chainDone = "done"

// evaluateGate decides whether the stage's gate permits advancement.
// Already-satisfied gates pass unconditionally. For gates that satisfy
// through evaluation (auto, chain_complete, verification_pass) the gate
// is marked satisfied in place; human_approval and post_commit gates
// only ever satisfy through their external paths.
//
// The returned reason is non-empty exactly when the gate holds the
// advance back; err reports collaborator failures and unknown gate
// types.
func (e *Engine) evaluateGate(ctx context.Context, wf *Workflow, stage *Stage) (reason string, err error) {
	gate := &stage.Gate
	if gate.Satisfied {
		return "", nil
	}

	switch gate.Type {
	case template.GateAuto:
		satisfy(gate, "auto")
		return "", nil

	case template.GateHumanApproval:
		return fmt.Sprintf("stage %q is awaiting human approval", stage.Name), nil

	case template.GateChainComplete:
		chainID := gate.ChainID
		if chainID == "" {
			chainID = stage.ChainID
		}
		if chainID == "" {
			return fmt.Sprintf("stage %q has no chain bound to its gate", stage.Name), nil
		}
		if e.chains == nil {
			return "", fmt.Errorf("no chain status lookup configured")
		}
		status, err := e.chains.Status(ctx, chainID)
		if err != nil {
			return "", fmt.Errorf("failed to look up chain %s: %w", chainID, err)
		}
		if status != chainDone {
			return fmt.Sprintf("chain %s is not done", chainID), nil
		}
		satisfy(gate, "chain:"+chainID)
		return "", nil

	case template.GateVerificationPass:
		if e.commands == nil {
			return "", fmt.Errorf("no command runner configured for verification gates")
		}
		for _, command := range gate.Commands {
			result, err := e.commands.Run(ctx, command)
			if err != nil {
				return "", fmt.Errorf("verification command %q failed to run: %w", command, err)
			}
			if result.ExitCode != 0 {
				return fmt.Sprintf("verification command %q failed with exit code %d", command, result.ExitCode), nil
			}
		}
		satisfy(gate, "verification")
		return "", nil

	case template.GatePostCommit:
		if gate.Commit == nil {
			return fmt.Sprintf("stage %q is awaiting a commit", stage.Name), nil
		}
		satisfy(gate, "commit:"+gate.Commit.SHA)
		return "", nil

	default:
		return "", fmt.Errorf("unknown gate type %q on stage %q", gate.Type, stage.Name)
	}
}

func satisfy(gate *Gate, by string) {
	now := time.Now().UTC()
	gate.Satisfied = true
	gate.SatisfiedBy = by
	gate.SatisfiedAt = &now
}
