package engine

import (
	"context"
	"time"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/notify"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// evalCtx is the working set of one event: the ticket, every step
// instance, and the side-effect accumulator. It is rebuilt from storage
// on each retry attempt.
type evalCtx struct {
	tx    *txn
	t     *ticket.Ticket
	steps []*ticket.Step
}

// loadEval reads the ticket and all its step instances.
func (e *Engine) loadEval(ctx context.Context, rctx RequestContext, ticketID string) (*evalCtx, error) {
	t, err := e.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	steps, err := e.stores.Steps.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return &evalCtx{tx: newTxn(rctx), t: t, steps: steps}, nil
}

// byInstanceID returns the step instance with the given ticket step ID.
func (ec *evalCtx) byInstanceID(ticketStepID string) *ticket.Step {
	for _, s := range ec.steps {
		if s.TicketStepID == ticketStepID {
			return s
		}
	}
	return nil
}

// forkInstance resolves the fork a branch step belongs to: same
// sub-workflow scope first, the outer scope as fallback (sub children
// inherit the outer branch when the parent sits in one).
func (ec *evalCtx) forkInstance(step *ticket.Step) *ticket.Step {
	if f := findInstance(ec.steps, step.ParentForkStepID, step.ParentSubWorkflowStepID); f != nil {
		return f
	}
	return findInstance(ec.steps, step.ParentForkStepID, "")
}

// selectSuccessor picks the transition to follow when a step completes
// on an event: filter by evaluated condition, then highest priority,
// then declaration order. Two passing transitions at the same priority
// are a malformed definition.
func selectSuccessor(def *workflow.Definition, stepID string, event workflow.EventType, values map[string]any) (*workflow.TransitionDef, error) {
	candidates := def.TransitionsFrom(stepID, event)
	var passing []workflow.TransitionDef
	for _, tr := range candidates {
		ok, err := tr.Condition.Evaluate(values)
		if err != nil {
			return nil, Errorf(CodeEngine, "condition on transition %s: %v", tr.TransitionID, err)
		}
		if ok {
			passing = append(passing, tr)
		}
	}
	if len(passing) == 0 {
		return nil, Errorf(CodeEngine, "no transition from step %s on event %s", stepID, event)
	}
	if len(passing) > 1 && passing[0].Priority == passing[1].Priority {
		return nil, Errorf(CodeEngine, "ambiguous transitions from step %s on event %s", stepID, event)
	}
	return &passing[0], nil
}

// markTerminal moves a step into a terminal state and persists it.
func (e *Engine) markTerminal(ctx context.Context, ec *evalCtx, step *ticket.Step, state ticket.StepState) error {
	now := e.now().UTC()
	step.State = state
	step.CompletedAt = &now
	return e.stores.Steps.Update(ctx, step)
}

// completeStep finishes a step in a terminal state and drives everything
// that follows: advancement, fork policy, join evaluation, sub-workflow
// completion, ticket termination.
func (e *Engine) completeStep(ctx context.Context, ec *evalCtx, step *ticket.Step, state ticket.StepState, event workflow.EventType) error {
	if err := e.markTerminal(ctx, ec, step, state); err != nil {
		return err
	}
	return e.afterTerminal(ctx, ec, step, event)
}

func (e *Engine) afterTerminal(ctx context.Context, ec *evalCtx, step *ticket.Step, event workflow.EventType) error {
	switch step.State {
	case ticket.StateCompleted, ticket.StateSkipped:
		if err := e.advanceFrom(ctx, ec, step, event); err != nil {
			return err
		}
	case ticket.StateRejected:
		if err := e.handleRejection(ctx, ec, step); err != nil {
			return err
		}
	}
	if step.ParentSubWorkflowStepID != "" {
		return e.checkSubCompletion(ctx, ec, step.ParentSubWorkflowStepID)
	}
	return nil
}

// advanceFrom follows the completed step's outgoing transition and
// activates the successor. A terminal definition step closes its scope
// instead: the ticket, or the owning sub-instance.
func (e *Engine) advanceFrom(ctx context.Context, ec *evalCtx, step *ticket.Step, event workflow.EventType) error {
	def, err := e.definitionFor(ctx, ec.t, step)
	if err != nil {
		return err
	}
	defStep := def.Step(step.StepID)
	if defStep == nil {
		return Errorf(CodeEngine, "step %s not in definition", step.StepID)
	}
	if defStep.IsTerminal {
		return e.finishScope(ctx, ec, step)
	}

	tr, err := selectSuccessor(def, step.StepID, event, ec.t.FormValues)
	if err != nil {
		return err
	}
	target := findInstance(ec.steps, tr.ToStepID, step.ParentSubWorkflowStepID)
	if target == nil {
		return Errorf(CodeEngine, "step %s has no materialized instance", tr.ToStepID)
	}
	return e.activateInstance(ctx, ec, target, def)
}

// activateInstance brings a NOT_STARTED step to life according to its
// type. Re-activating an already started join re-evaluates it; anything
// else already started is left alone (idempotence under retries).
func (e *Engine) activateInstance(ctx context.Context, ec *evalCtx, step *ticket.Step, def *workflow.Definition) error {
	if step.State != ticket.StateNotStarted {
		if step.StepType == workflow.StepTypeJoin {
			if fork := findInstance(ec.steps, step.Data.SourceForkStepID, step.ParentSubWorkflowStepID); fork != nil {
				return e.evaluateJoin(ctx, ec, fork)
			}
		}
		return nil
	}

	defStep := def.Step(step.StepID)
	if defStep == nil {
		return Errorf(CodeEngine, "step %s not in definition", step.StepID)
	}

	now := e.now().UTC()
	step.ActivatedAt = &now
	if defStep.DueInMinutes > 0 {
		due := now.Add(time.Duration(defStep.DueInMinutes) * time.Minute)
		step.DueAt = &due
	}

	ec.tx.audit(ec.t.TicketID, audit.EventStepActivated, map[string]any{
		"ticket_step_id": step.TicketStepID,
		"step_id":        step.StepID,
		"step_type":      string(step.StepType),
	})

	switch step.StepType {
	case workflow.StepTypeForm:
		step.State = ticket.StateActive
		requester := ec.t.Requester
		step.AssignedTo = &requester
		return e.stores.Steps.Update(ctx, step)

	case workflow.StepTypeApproval:
		return e.activateApproval(ctx, ec, step, defStep)

	case workflow.StepTypeTask:
		step.State = ticket.StateWaitingAssignment
		return e.stores.Steps.Update(ctx, step)

	case workflow.StepTypeNotify:
		recipients := resolveRecipients(step.Data.Recipients, ec.t, step)
		ec.tx.notify(ec.t.TicketID, step.Data.TemplateKey, recipients, stepPayload(ec.t, step))
		if defStep.Notify != nil && defStep.Notify.AutoAdvance {
			return e.completeStep(ctx, ec, step, ticket.StateCompleted, workflow.EventCompleteTask)
		}
		step.State = ticket.StateActive
		return e.stores.Steps.Update(ctx, step)

	case workflow.StepTypeFork:
		return e.activateFork(ctx, ec, step, def)

	case workflow.StepTypeJoin:
		step.State = ticket.StateActive
		if err := e.stores.Steps.Update(ctx, step); err != nil {
			return err
		}
		if fork := findInstance(ec.steps, step.Data.SourceForkStepID, step.ParentSubWorkflowStepID); fork != nil {
			return e.evaluateJoin(ctx, ec, fork)
		}
		return nil

	case workflow.StepTypeSubWorkflow:
		return e.expandSubWorkflow(ctx, ec, step)
	}
	return Errorf(CodeEngine, "unknown step type %s", step.StepType)
}

func (e *Engine) activateApproval(ctx context.Context, ec *evalCtx, step *ticket.Step, defStep *workflow.StepDef) error {
	step.State = ticket.StateWaitingForApproval

	approvers, err := e.resolveApprovers(ctx, ec, defStep, step)
	if err != nil {
		// The step parks with an empty approver set for operator
		// intervention; the triggering user action still succeeds.
		step.Data.ResolutionFailed = true
		ec.tx.audit(ec.t.TicketID, audit.EventApproverUnset, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"error":          err.Error(),
		})
		e.log(ec.tx.rctx).Warn("Approver resolution failed",
			"ticket_id", ec.t.TicketID, "step", step.StepID, "error", err)
		return e.stores.Steps.Update(ctx, step)
	}

	step.Data.Approvers = approvers
	if err := e.stores.Steps.Update(ctx, step); err != nil {
		return err
	}

	if step.Data.ParallelMode != "" {
		now := e.now().UTC()
		for _, approver := range approvers {
			task := &ticket.ApprovalTask{
				ApprovalTaskID: ticket.NewApprovalTaskID(),
				TicketID:       ec.t.TicketID,
				TicketStepID:   step.TicketStepID,
				Approver:       approver,
				Status:         ticket.ApprovalPending,
				CreatedAt:      now,
			}
			if err := e.stores.Approvals.Create(ctx, task); err != nil {
				return err
			}
		}
	}

	ec.tx.notifyApprovalPending(ec.t, step)
	return nil
}

// resolveApprovers applies the step's resolution strategy. Directory
// failures and unresolvable references return errors; the caller decides
// whether the step parks or the call fails.
func (e *Engine) resolveApprovers(ctx context.Context, ec *evalCtx, defStep *workflow.StepDef, step *ticket.Step) ([]directory.UserSnapshot, error) {
	cfg := defStep.Approval
	if cfg == nil {
		return nil, Errorf(CodeEngine, "approval step %s has no config", defStep.StepID)
	}

	if cfg.ParallelApproval != "" {
		approvers := make([]directory.UserSnapshot, 0, len(cfg.ParallelApprovers))
		for _, email := range cfg.ParallelApprovers {
			approvers = append(approvers, e.lookupUser(ctx, email))
		}
		if len(approvers) == 0 {
			return nil, Errorf(CodeEngine, "parallel approval on %s has no approvers", defStep.StepID)
		}
		return approvers, nil
	}

	switch cfg.Resolution {
	case workflow.ResolveRequesterManager:
		if ec.t.ManagerSnapshot.IsZero() || ec.t.ManagerSnapshot.Unresolved {
			return nil, Errorf(CodeEngine, "requester manager could not be resolved")
		}
		return []directory.UserSnapshot{ec.t.ManagerSnapshot}, nil

	case workflow.ResolveSpecificEmail:
		return []directory.UserSnapshot{e.lookupUser(ctx, cfg.SpecificApproverEmail)}, nil

	case workflow.ResolveSpocEmail:
		return []directory.UserSnapshot{e.lookupUser(ctx, cfg.SpocEmail)}, nil

	case workflow.ResolveConditional:
		for _, rule := range cfg.ConditionalRules {
			match, err := rule.Condition.Evaluate(ec.t.FormValues)
			if err != nil {
				return nil, Errorf(CodeEngine, "conditional approver rule: %v", err)
			}
			if match {
				return []directory.UserSnapshot{e.lookupUser(ctx, rule.ApproverEmail)}, nil
			}
		}
		fallback := cfg.ConditionalFallbackApprover
		if fallback == "" {
			return nil, Errorf(CodeEngine, "no conditional approver rule matched and no fallback set")
		}
		if fallback == "direct_manager" {
			if ec.t.ManagerSnapshot.IsZero() || ec.t.ManagerSnapshot.Unresolved {
				return nil, Errorf(CodeEngine, "fallback manager could not be resolved")
			}
			return []directory.UserSnapshot{ec.t.ManagerSnapshot}, nil
		}
		return []directory.UserSnapshot{e.lookupUser(ctx, fallback)}, nil

	case workflow.ResolveStepAssignee:
		source := findInstance(ec.steps, cfg.StepAssigneeStepID, step.ParentSubWorkflowStepID)
		if source == nil || source.AssignedTo == nil {
			return nil, Errorf(CodeEngine, "step %s has no assignee to approve", cfg.StepAssigneeStepID)
		}
		return []directory.UserSnapshot{*source.AssignedTo}, nil
	}
	return nil, Errorf(CodeEngine, "unknown approver resolution %s", cfg.Resolution)
}

// lookupUser resolves an email through the directory, degrading to a
// bare snapshot when the user is unknown or the directory is down.
func (e *Engine) lookupUser(ctx context.Context, email string) directory.UserSnapshot {
	user, err := e.directory.GetUser(ctx, email)
	if err != nil || user == nil {
		return directory.UserSnapshot{Email: email, DisplayName: email}
	}
	return *user
}

// activateFork starts every branch thread and completes the fork itself.
func (e *Engine) activateFork(ctx context.Context, ec *evalCtx, step *ticket.Step, def *workflow.Definition) error {
	now := e.now().UTC()
	step.State = ticket.StateCompleted
	step.CompletedAt = &now
	if err := e.stores.Steps.Update(ctx, step); err != nil {
		return err
	}
	for _, branch := range step.Data.Branches {
		start := findInstance(ec.steps, branch.StartStepID, step.ParentSubWorkflowStepID)
		if start == nil {
			return Errorf(CodeEngine, "branch %s start step %s has no instance", branch.BranchID, branch.StartStepID)
		}
		if err := e.activateInstance(ctx, ec, start, def); err != nil {
			return err
		}
	}
	return nil
}

// finishScope closes the scope a terminal step belongs to: the owning
// sub-instance for materialized children, the ticket otherwise.
func (e *Engine) finishScope(ctx context.Context, ec *evalCtx, step *ticket.Step) error {
	if step.ParentSubWorkflowStepID != "" {
		return e.checkSubCompletion(ctx, ec, step.ParentSubWorkflowStepID)
	}
	return e.completeTicket(ctx, ec)
}

// completeTicket finalizes a successful ticket: stragglers are closed so
// no step stays live or unstarted on a finished ticket.
func (e *Engine) completeTicket(ctx context.Context, ec *evalCtx) error {
	if ec.t.Status.Terminal() {
		return nil
	}
	if err := e.closeRemaining(ctx, ec, ticket.StateCancelled, ticket.StateSkipped); err != nil {
		return err
	}
	ec.t.Status = ticket.StatusCompleted
	if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
		return err
	}
	ec.tx.audit(ec.t.TicketID, audit.EventTicketCompleted, nil)
	ec.tx.notify(ec.t.TicketID, notify.KeyTicketCompleted,
		resolveRecipients([]string{recipientRequester}, ec.t, nil), ticketPayload(ec.t))
	return nil
}

// rejectTicket finalizes a rejected ticket. Every non-terminal step goes
// to CANCELLED.
func (e *Engine) rejectTicket(ctx context.Context, ec *evalCtx) error {
	if ec.t.Status.Terminal() {
		return nil
	}
	if err := e.closeRemaining(ctx, ec, ticket.StateCancelled, ticket.StateCancelled); err != nil {
		return err
	}
	ec.t.Status = ticket.StatusRejected
	if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
		return err
	}
	ec.tx.audit(ec.t.TicketID, audit.EventTicketRejected, nil)
	ec.tx.notify(ec.t.TicketID, notify.KeyTicketRejected,
		resolveRecipients([]string{recipientRequester}, ec.t, nil), ticketPayload(ec.t))
	return nil
}

// closeRemaining moves live steps to liveState and never-started steps
// to notStartedState.
func (e *Engine) closeRemaining(ctx context.Context, ec *evalCtx, liveState, notStartedState ticket.StepState) error {
	for _, s := range ec.steps {
		switch {
		case s.State.Live():
			if err := e.markTerminal(ctx, ec, s, liveState); err != nil {
				return err
			}
		case s.State == ticket.StateNotStarted:
			if err := e.markTerminal(ctx, ec, s, notStartedState); err != nil {
				return err
			}
		}
	}
	return nil
}
