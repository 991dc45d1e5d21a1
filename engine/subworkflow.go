package engine

import (
	"context"
	"errors"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// expandSubWorkflow activates a SUB_WORKFLOW_STEP: the embedded version's
// steps are materialized as children of this instance and the embedded
// start step activates. The Expanded flag makes re-activation a no-op.
func (e *Engine) expandSubWorkflow(ctx context.Context, ec *evalCtx, parent *ticket.Step) error {
	parent.State = ticket.StateActive
	if parent.Data.Expanded {
		return e.stores.Steps.Update(ctx, parent)
	}

	version, err := e.stores.Versions.Get(ctx, parent.Data.SubWorkflowID, parent.Data.SubWorkflowVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return Errorf(CodeEngine, "embedded workflow %s v%d not found",
			parent.Data.SubWorkflowID, parent.Data.SubWorkflowVersion)
	}
	if err != nil {
		return err
	}
	def := version.Definition

	// The validator rejects nesting at publish time; a stored version that
	// slipped through must not expand recursively.
	for i := range def.Steps {
		if def.Steps[i].StepType == workflow.StepTypeSubWorkflow {
			return Errorf(CodeEngine, "embedded workflow %s v%d nests another sub-workflow",
				parent.Data.SubWorkflowID, parent.Data.SubWorkflowVersion)
		}
	}

	link := &subLink{
		parentStepID:     parent.TicketStepID,
		workflowID:       parent.Data.SubWorkflowID,
		version:          parent.Data.SubWorkflowVersion,
		name:             parent.Data.SubWorkflowName,
		branchID:         parent.BranchID,
		branchName:       parent.BranchName,
		parentForkStepID: parent.ParentForkStepID,
	}
	children := materializeSteps(def, ec.t, link, e.now().UTC())
	for _, child := range children {
		if err := e.stores.Steps.Create(ctx, child); err != nil {
			return err
		}
		ec.steps = append(ec.steps, child)
	}

	parent.Data.Expanded = true
	if err := e.stores.Steps.Update(ctx, parent); err != nil {
		return err
	}

	start, err := def.Start()
	if err != nil {
		return Errorf(CodeEngine, "embedded workflow %s v%d: %v",
			parent.Data.SubWorkflowID, parent.Data.SubWorkflowVersion, err)
	}
	startInstance := findInstance(ec.steps, start.StepID, parent.TicketStepID)
	if startInstance == nil {
		return Errorf(CodeEngine, "embedded start step %s has no instance", start.StepID)
	}
	return e.activateInstance(ctx, ec, startInstance, def)
}

// checkSubCompletion finishes the parent SUB_WORKFLOW_STEP once no child
// is live anymore: REJECTED if any child rejected, COMPLETED if any child
// finished, CANCELLED when everything was torn down. A rejection absorbed
// by an inner CONTINUE_OTHERS fork does not count against the parent; the
// inner join's outcome speaks for that branch set.
func (e *Engine) checkSubCompletion(ctx context.Context, ec *evalCtx, parentStepID string) error {
	parent := ec.byInstanceID(parentStepID)
	if parent == nil {
		return Errorf(CodeEngine, "sub-workflow instance %s not found", parentStepID)
	}
	if parent.State.Terminal() {
		return nil
	}

	started, live := false, false
	anyCompleted, anyRejected := false, false
	for _, s := range ec.steps {
		if s.ParentSubWorkflowStepID != parentStepID {
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
			if !rejectionContained(ec.steps, s, parentStepID) {
				anyRejected = true
			}
		}
	}
	if !started || live {
		return nil
	}

	outcome := ticket.StateCancelled
	switch {
	case anyRejected:
		outcome = ticket.StateRejected
	case anyCompleted:
		outcome = ticket.StateCompleted
	}

	ec.tx.audit(ec.t.TicketID, audit.EventSubWorkflowDone, map[string]any{
		"ticket_step_id":  parent.TicketStepID,
		"sub_workflow_id": parent.Data.SubWorkflowID,
		"outcome":         string(outcome),
	})

	if outcome == ticket.StateCompleted {
		return e.completeStep(ctx, ec, parent, ticket.StateCompleted, workflow.EventCompleteTask)
	}
	if err := e.markTerminal(ctx, ec, parent, outcome); err != nil {
		return err
	}
	if outcome == ticket.StateRejected {
		return e.handleRejection(ctx, ec, parent)
	}
	return nil
}

// rejectionContained reports whether a rejected child sits in an inner
// fork whose CONTINUE_OTHERS policy already absorbed the failure. The
// fork instance is resolved within the same sub-instance scope; a child
// that merely inherited the parent's outer branch linkage resolves to no
// inner fork and its rejection counts.
func rejectionContained(steps []*ticket.Step, s *ticket.Step, parentStepID string) bool {
	if s.ParentForkStepID == "" {
		return false
	}
	fork := findInstance(steps, s.ParentForkStepID, parentStepID)
	return fork != nil && fork.Data.FailurePolicy == workflow.ContinueOthers
}
