package engine

import (
	"context"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// branchProgress is the evaluated state of one fork branch.
type branchProgress struct {
	branchID string
	done     bool
	outcome  ticket.StepState
}

// handleRejection applies the failure policy when a step lands REJECTED.
// Steps inside a fork branch consult the fork's policy; steps inside a
// sub-instance reject the parent; anything else rejects the ticket.
func (e *Engine) handleRejection(ctx context.Context, ec *evalCtx, step *ticket.Step) error {
	if step.BranchID != "" {
		fork := ec.forkInstance(step)
		if fork == nil {
			return Errorf(CodeEngine, "fork %s has no instance", step.ParentForkStepID)
		}
		switch fork.Data.FailurePolicy {
		case workflow.ContinueOthers:
			ec.tx.audit(ec.t.TicketID, audit.EventBranchCompleted, map[string]any{
				"fork_step_id": fork.StepID,
				"branch_id":    step.BranchID,
				"outcome":      string(ticket.StateRejected),
			})
			return e.evaluateJoin(ctx, ec, fork)

		case workflow.CancelOthers:
			if err := e.cancelOtherBranches(ctx, ec, fork, step.BranchID); err != nil {
				return err
			}
			return e.evaluateJoin(ctx, ec, fork)

		default: // FAIL_ALL
			if fork.ParentSubWorkflowStepID != "" {
				if err := e.cancelScopeLive(ctx, ec, fork.ParentSubWorkflowStepID, step.TicketStepID); err != nil {
					return err
				}
				return e.checkSubCompletion(ctx, ec, fork.ParentSubWorkflowStepID)
			}
			return e.rejectTicket(ctx, ec)
		}
	}

	if step.ParentSubWorkflowStepID != "" {
		if err := e.cancelScopeLive(ctx, ec, step.ParentSubWorkflowStepID, step.TicketStepID); err != nil {
			return err
		}
		return e.checkSubCompletion(ctx, ec, step.ParentSubWorkflowStepID)
	}
	return e.rejectTicket(ctx, ec)
}

// cancelOtherBranches cancels live steps in every branch of the fork
// except the one named.
func (e *Engine) cancelOtherBranches(ctx context.Context, ec *evalCtx, fork *ticket.Step, exceptBranchID string) error {
	for _, s := range ec.steps {
		if s.ParentForkStepID != fork.StepID || s.BranchID == exceptBranchID {
			continue
		}
		if s.State.Live() {
			if err := e.markTerminal(ctx, ec, s, ticket.StateCancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

// cancelScopeLive cancels every live step materialized under the given
// sub-workflow parent, except the step that triggered the cancellation.
func (e *Engine) cancelScopeLive(ctx context.Context, ec *evalCtx, parentSubWorkflowStepID, exceptTicketStepID string) error {
	for _, s := range ec.steps {
		if s.ParentSubWorkflowStepID != parentSubWorkflowStepID || s.TicketStepID == exceptTicketStepID {
			continue
		}
		if s.State.Live() {
			if err := e.markTerminal(ctx, ec, s, ticket.StateCancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateJoin checks whether the join sourced from the fork can fire,
// per its join mode, and fires it with the computed outcome.
func (e *Engine) evaluateJoin(ctx context.Context, ec *evalCtx, fork *ticket.Step) error {
	def, err := e.definitionFor(ctx, ec.t, fork)
	if err != nil {
		return err
	}
	joinDef := def.JoinFor(fork.StepID)
	if joinDef == nil {
		return nil
	}
	join := findInstance(ec.steps, joinDef.StepID, fork.ParentSubWorkflowStepID)
	if join == nil || join.State.Terminal() {
		return nil
	}

	progress := e.branchProgress(ec, fork)
	total := len(progress)
	if total == 0 {
		return nil
	}

	doneCount := 0
	completedDone := 0
	var firstDone *branchProgress
	for i := range progress {
		p := &progress[i]
		if !p.done {
			continue
		}
		doneCount++
		if p.outcome == ticket.StateCompleted {
			completedDone++
		}
		if firstDone == nil {
			firstDone = p
		}
	}

	switch join.Data.JoinMode {
	case workflow.JoinAny:
		if firstDone == nil {
			return nil
		}
		if err := e.cancelOtherBranches(ctx, ec, fork, firstDone.branchID); err != nil {
			return err
		}
		return e.fireJoin(ctx, ec, join, firstDone.outcome)

	case workflow.JoinMajority:
		if completedDone*2 > total {
			return e.fireJoin(ctx, ec, join, ticket.StateCompleted)
		}
		if doneCount == total {
			// Every branch finished without a majority of successes.
			return e.fireJoin(ctx, ec, join, ticket.StateRejected)
		}
		return nil

	default: // ALL
		if doneCount < total {
			return nil
		}
		// A rejected branch under CONTINUE_OTHERS does not doom the
		// join; any successful branch completes it.
		outcome := ticket.StateRejected
		if completedDone > 0 {
			outcome = ticket.StateCompleted
		}
		return e.fireJoin(ctx, ec, join, outcome)
	}
}

// fireJoin finishes the join with the given outcome and drives the flow
// past it: advancement on success, the rejection path otherwise.
func (e *Engine) fireJoin(ctx context.Context, ec *evalCtx, join *ticket.Step, outcome ticket.StepState) error {
	now := e.now().UTC()
	if join.ActivatedAt == nil {
		join.ActivatedAt = &now
	}
	join.Data.JoinOutcome = outcome

	ec.tx.audit(ec.t.TicketID, audit.EventJoinCompleted, map[string]any{
		"ticket_step_id": join.TicketStepID,
		"step_id":        join.StepID,
		"outcome":        string(outcome),
	})

	if outcome == ticket.StateCompleted {
		return e.completeStep(ctx, ec, join, ticket.StateCompleted, workflow.EventJoinComplete)
	}
	if err := e.markTerminal(ctx, ec, join, ticket.StateRejected); err != nil {
		return err
	}
	return e.handleRejection(ctx, ec, join)
}

// branchProgress evaluates each branch thread of the fork: a branch is
// done once it has started and has no live step left; its outcome is
// REJECTED if any step rejected, COMPLETED if any step finished, else
// CANCELLED.
func (e *Engine) branchProgress(ec *evalCtx, fork *ticket.Step) []branchProgress {
	out := make([]branchProgress, 0, len(fork.Data.Branches))
	for _, branch := range fork.Data.Branches {
		p := branchProgress{branchID: branch.BranchID, outcome: ticket.StateCancelled}
		started, live := false, false
		anyCompleted, anyRejected := false, false
		for _, s := range ec.steps {
			if s.ParentForkStepID != fork.StepID || s.BranchID != branch.BranchID {
				continue
			}
			if s.State != ticket.StateNotStarted {
				started = true
			}
			if s.State.Live() {
				live = true
			}
			switch s.State {
			case ticket.StateCompleted, ticket.StateSkipped:
				anyCompleted = true
			case ticket.StateRejected:
				anyRejected = true
			}
		}
		p.done = started && !live
		switch {
		case anyRejected:
			p.outcome = ticket.StateRejected
		case anyCompleted:
			p.outcome = ticket.StateCompleted
		}
		out = append(out, p)
	}
	return out
}
