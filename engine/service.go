package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/notify"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// run loads the ticket's working set, applies fn under the conflict
// retry, and flushes accumulated side effects once the mutations stick.
func (e *Engine) run(ctx context.Context, rctx RequestContext, ticketID string, fn func(*evalCtx) error) error {
	var ec *evalCtx
	err := e.withRetry(ctx, rctx, func() error {
		var err error
		ec, err = e.loadEval(ctx, rctx, ticketID)
		if err != nil {
			return err
		}
		return fn(ec)
	})
	if err != nil {
		return err
	}
	return e.flush(ctx, ec.tx)
}

// step resolves a ticket step instance from the working set.
func (ec *evalCtx) step(ticketStepID string) (*ticket.Step, error) {
	s := ec.byInstanceID(ticketStepID)
	if s == nil {
		return nil, Errorf(CodeNotFound, "step %s not found on ticket %s", ticketStepID, ec.t.TicketID)
	}
	return s, nil
}

func actorIs(rctx RequestContext, email string) bool {
	return email != "" && strings.EqualFold(rctx.Actor.Email, email)
}

// CreateTicketRequest opens a new ticket against a published workflow.
type CreateTicketRequest struct {
	WorkflowID  string `json:"workflow_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// InitialFormValues seed the ticket's form values at creation. They
	// pass the same per-field coercion as a submission, but required
	// fields are not enforced; the form steps still collect their own.
	InitialFormValues map[string]any `json:"initial_form_values,omitempty"`
}

// CreateTicket instantiates the workflow's current published version:
// every definition step is materialized up front and the start step
// activates. The requester's manager is snapshotted at creation so later
// org changes do not reroute an in-flight approval.
func (e *Engine) CreateTicket(ctx context.Context, rctx RequestContext, req CreateTicketRequest) (*ticket.Ticket, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, Errorf(CodeValidation, "title is required")
	}

	tmpl, err := e.stores.Templates.Get(ctx, req.WorkflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeNotFound, "workflow %s not found", req.WorkflowID)
	}
	if err != nil {
		return nil, err
	}
	if tmpl.CurrentVersion == 0 {
		return nil, Errorf(CodeValidation, "workflow %s has no published version", req.WorkflowID)
	}
	version, err := e.stores.Versions.Get(ctx, tmpl.WorkflowID, tmpl.CurrentVersion)
	if err != nil {
		return nil, Errorf(CodeEngine, "workflow %s v%d not found", tmpl.WorkflowID, tmpl.CurrentVersion)
	}
	def := version.Definition

	manager := directory.Unresolved("", directory.UnresolvedManagerName)
	if m, err := e.directory.GetManager(ctx, rctx.Actor.Email); err != nil {
		e.log(rctx).Warn("Manager lookup failed", "requester", rctx.Actor.Email, "error", err)
	} else if m != nil {
		manager = *m
	}

	now := e.now().UTC()
	seeded, ferr := seedFormValues(def, req.InitialFormValues, now)
	if ferr != nil {
		return nil, ferr
	}

	t := &ticket.Ticket{
		TicketID:              ticket.NewTicketID(),
		WorkflowID:            tmpl.WorkflowID,
		WorkflowVersionNumber: tmpl.CurrentVersion,
		Title:                 req.Title,
		Description:           req.Description,
		Status:                ticket.StatusOpen,
		Requester:             rctx.Actor.UserSnapshot,
		ManagerSnapshot:       manager,
		FormValues:            seeded,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.stores.Tickets.Create(ctx, t); err != nil {
		return nil, err
	}

	ec := &evalCtx{tx: newTxn(rctx), t: t}
	for _, step := range materializeSteps(def, t, nil, now) {
		if err := e.stores.Steps.Create(ctx, step); err != nil {
			return nil, err
		}
		ec.steps = append(ec.steps, step)
	}

	ec.tx.audit(t.TicketID, audit.EventTicketCreated, map[string]any{
		"workflow_id": t.WorkflowID,
		"version":     t.WorkflowVersionNumber,
	})
	ec.tx.notify(t.TicketID, notify.KeyTicketCreated,
		resolveRecipients([]string{recipientRequester}, t, nil), ticketPayload(t))

	start, err := def.Start()
	if err != nil {
		return nil, Errorf(CodeEngine, "workflow %s v%d: %v", t.WorkflowID, t.WorkflowVersionNumber, err)
	}
	startInstance := findInstance(ec.steps, start.StepID, "")
	if startInstance == nil {
		return nil, Errorf(CodeEngine, "start step %s has no instance", start.StepID)
	}
	if err := e.activateInstance(ctx, ec, startInstance, def); err != nil {
		return nil, err
	}

	if err := e.flush(ctx, ec.tx); err != nil {
		return nil, err
	}
	return t, nil
}

// SubmitForm validates and applies a form step's values, merging them
// into the ticket, and advances past the step.
func (e *Engine) SubmitForm(ctx context.Context, rctx RequestContext, ticketID, ticketStepID string, values map[string]any) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if step.StepType != workflow.StepTypeForm || step.State != ticket.StateActive {
			return Errorf(CodeInvalidState, "step %s is not an active form step", ticketStepID)
		}
		if !rctx.Actor.HasRole(RoleAdmin) &&
			!actorIs(rctx, ec.t.Requester.Email) &&
			!(step.AssignedTo != nil && actorIs(rctx, step.AssignedTo.Email)) {
			return Errorf(CodeAuthorization, "only the requester can submit this form")
		}
		if err := e.requireNoOpenInfoRequest(ctx, step); err != nil {
			return err
		}

		def, err := e.definitionFor(ctx, ec.t, step)
		if err != nil {
			return err
		}
		defStep := def.Step(step.StepID)
		if defStep == nil {
			return Errorf(CodeEngine, "step %s not in definition", step.StepID)
		}
		coerced, ferr := validateForm(defStep.Form, values, ec.t.FormValues, e.now().UTC())
		if ferr != nil {
			return ferr
		}

		if ec.t.FormValues == nil {
			ec.t.FormValues = map[string]any{}
		}
		for k, v := range coerced {
			ec.t.FormValues[k] = v
		}
		if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
			return err
		}

		ec.tx.audit(ec.t.TicketID, audit.EventFormSubmitted, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"field_count":    len(coerced),
		})
		return e.completeStep(ctx, ec, step, ticket.StateCompleted, workflow.EventSubmitForm)
	})
}

// Approve records an approval decision on a waiting approval step.
func (e *Engine) Approve(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, comment string) error {
	return e.decide(ctx, rctx, ticketID, ticketStepID, comment, true)
}

// Reject records a rejection on a waiting approval step.
func (e *Engine) Reject(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, comment string) error {
	return e.decide(ctx, rctx, ticketID, ticketStepID, comment, false)
}

func (e *Engine) decide(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, comment string, approve bool) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if step.StepType != workflow.StepTypeApproval || step.State != ticket.StateWaitingForApproval {
			return Errorf(CodeInvalidState, "step %s is not waiting for approval", ticketStepID)
		}
		if !rctx.Actor.HasRole(RoleAdmin) && !isApprover(step, rctx.Actor.Email) {
			return Errorf(CodeAuthorization, "%s is not an approver on step %s", rctx.Actor.Email, ticketStepID)
		}
		if err := e.requireNoOpenInfoRequest(ctx, step); err != nil {
			return err
		}

		if step.Data.ParallelMode != "" {
			return e.recordVote(ctx, ec, step, rctx.Actor.UserSnapshot, comment, approve)
		}

		actor := rctx.Actor.UserSnapshot
		step.Data.DecidedBy = &actor
		step.Data.DecisionComment = comment
		if approve {
			return e.approveStep(ctx, ec, step, actor, comment)
		}
		return e.rejectStep(ctx, ec, step, actor, comment)
	})
}

func isApprover(step *ticket.Step, email string) bool {
	for _, a := range step.Data.Approvers {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

func (e *Engine) approveStep(ctx context.Context, ec *evalCtx, step *ticket.Step, actor directory.UserSnapshot, comment string) error {
	ec.tx.audit(ec.t.TicketID, audit.EventApproved, map[string]any{
		"ticket_step_id": step.TicketStepID,
		"comment":        comment,
	})
	payload := stepPayload(ec.t, step)
	payload["approver"] = actor.Email
	payload["comment"] = comment
	ec.tx.notify(ec.t.TicketID, notify.KeyApproved,
		resolveRecipients([]string{recipientRequester}, ec.t, step), payload)
	return e.completeStep(ctx, ec, step, ticket.StateCompleted, workflow.EventApprove)
}

func (e *Engine) rejectStep(ctx context.Context, ec *evalCtx, step *ticket.Step, actor directory.UserSnapshot, comment string) error {
	ec.tx.audit(ec.t.TicketID, audit.EventRejected, map[string]any{
		"ticket_step_id": step.TicketStepID,
		"comment":        comment,
	})
	payload := stepPayload(ec.t, step)
	payload["approver"] = actor.Email
	payload["comment"] = comment
	ec.tx.notify(ec.t.TicketID, notify.KeyRejected,
		resolveRecipients([]string{recipientRequester}, ec.t, step), payload)
	return e.completeStep(ctx, ec, step, ticket.StateRejected, workflow.EventReject)
}

// recordVote applies one member's decision to a parallel approval step
// and closes the step when the voting mode is satisfied. A second vote
// from the same member is recorded as ignored, not an error.
func (e *Engine) recordVote(ctx context.Context, ec *evalCtx, step *ticket.Step, actor directory.UserSnapshot, comment string, approve bool) error {
	tasks, err := e.stores.Approvals.ListByStep(ctx, step.TicketStepID)
	if err != nil {
		return err
	}
	var mine *ticket.ApprovalTask
	for _, task := range tasks {
		if strings.EqualFold(task.Approver.Email, actor.Email) {
			mine = task
			break
		}
	}
	if mine == nil {
		return Errorf(CodeAuthorization, "%s has no vote on step %s", actor.Email, step.TicketStepID)
	}
	if mine.Status != ticket.ApprovalPending {
		ec.tx.audit(ec.t.TicketID, audit.EventVoteIgnored, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"voter":          actor.Email,
		})
		return nil
	}

	now := e.now().UTC()
	mine.Status = ticket.ApprovalApproved
	if !approve {
		mine.Status = ticket.ApprovalRejected
	}
	mine.Comment = comment
	mine.DecidedAt = &now
	if err := e.stores.Approvals.Update(ctx, mine); err != nil {
		return err
	}
	ec.tx.audit(ec.t.TicketID, audit.EventVoteRecorded, map[string]any{
		"ticket_step_id": step.TicketStepID,
		"voter":          actor.Email,
		"decision":       string(mine.Status),
	})

	approved, rejected, pending := 0, 0, 0
	for _, task := range tasks {
		switch task.Status {
		case ticket.ApprovalApproved:
			approved++
		case ticket.ApprovalRejected:
			rejected++
		case ticket.ApprovalPending:
			pending++
		}
	}

	decideApprove := func() error {
		if err := e.cancelPendingVotes(ctx, tasks, now); err != nil {
			return err
		}
		step.Data.DecidedBy = &actor
		step.Data.DecisionComment = comment
		return e.approveStep(ctx, ec, step, actor, comment)
	}
	decideReject := func() error {
		if err := e.cancelPendingVotes(ctx, tasks, now); err != nil {
			return err
		}
		step.Data.DecidedBy = &actor
		step.Data.DecisionComment = comment
		return e.rejectStep(ctx, ec, step, actor, comment)
	}

	switch step.Data.ParallelMode {
	case workflow.ParallelAny:
		// First approval wins; rejection only closes the step once
		// every member has rejected.
		if approve {
			return decideApprove()
		}
		if pending == 0 && approved == 0 {
			return decideReject()
		}
	default: // ALL
		if !approve {
			return decideReject()
		}
		if pending == 0 && rejected == 0 {
			return decideApprove()
		}
	}
	return nil
}

func (e *Engine) cancelPendingVotes(ctx context.Context, tasks []*ticket.ApprovalTask, now time.Time) error {
	for _, task := range tasks {
		if task.Status != ticket.ApprovalPending {
			continue
		}
		task.Status = ticket.ApprovalCancelled
		task.DecidedAt = &now
		if err := e.stores.Approvals.Update(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// Skip lets an administrator bypass a stuck step. The skipped step counts
// as a success for routing, branch outcomes, and sub-workflow completion.
func (e *Engine) Skip(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, reason string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) {
			return Errorf(CodeAuthorization, "only administrators can skip steps")
		}
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if !step.State.Live() {
			return Errorf(CodeInvalidState, "step %s is %s and cannot be skipped", ticketStepID, step.State)
		}
		switch step.StepType {
		case workflow.StepTypeFork, workflow.StepTypeJoin, workflow.StepTypeSubWorkflow:
			return Errorf(CodeInvalidState, "%s steps cannot be skipped", step.StepType)
		}

		ec.tx.audit(ec.t.TicketID, audit.EventSkipped, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"reason":         reason,
		})
		return e.completeStep(ctx, ec, step, ticket.StateSkipped, workflow.CompletionEvent(step.StepType))
	})
}

// CompleteTask finishes an assigned task step, recording execution notes
// and declared output values. Outputs land in the ticket's form values
// under "{step_id}." prefixed keys so later conditions can route on them.
func (e *Engine) CompleteTask(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, notes string, outputs map[string]any) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if step.StepType != workflow.StepTypeTask || step.State != ticket.StateActive {
			return Errorf(CodeInvalidState, "step %s is not an active task", ticketStepID)
		}
		if !rctx.Actor.HasRole(RoleAdmin) &&
			!(step.AssignedTo != nil && actorIs(rctx, step.AssignedTo.Email)) {
			return Errorf(CodeAuthorization, "only the assigned agent can complete step %s", ticketStepID)
		}
		if err := e.requireNoOpenInfoRequest(ctx, step); err != nil {
			return err
		}
		if step.Data.RequireExecutionNotes && strings.TrimSpace(notes) == "" {
			return Errorf(CodeValidation, "execution notes are required on step %s", ticketStepID)
		}

		coerced, ferr := validateOutputs(step.Data.OutputFields, outputs, e.now().UTC())
		if ferr != nil {
			return ferr
		}

		step.Data.ExecutionNotes = notes
		step.Data.OutputValues = coerced
		if len(coerced) > 0 {
			if ec.t.FormValues == nil {
				ec.t.FormValues = map[string]any{}
			}
			for k, v := range coerced {
				ec.t.FormValues[fmt.Sprintf("%s.%s", step.StepID, k)] = v
			}
			if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
				return err
			}
		}

		ec.tx.audit(ec.t.TicketID, audit.EventTaskCompleted, map[string]any{
			"ticket_step_id": step.TicketStepID,
		})
		payload := stepPayload(ec.t, step)
		payload["agent"] = rctx.Actor.Email
		ec.tx.notify(ec.t.TicketID, notify.KeyTaskCompleted,
			resolveRecipients([]string{recipientRequester}, ec.t, step), payload)
		return e.completeStep(ctx, ec, step, ticket.StateCompleted, workflow.EventCompleteTask)
	})
}

// validateOutputs checks declared task outputs the same way form fields
// are checked.
func validateOutputs(fields []workflow.FormField, outputs map[string]any, now time.Time) (map[string]any, *FormError) {
	coerced := map[string]any{}
	var fieldErrs []FieldError
	for _, field := range fields {
		value, present := outputs[field.FieldKey]
		if !present || isBlank(value) {
			if field.Required {
				fieldErrs = append(fieldErrs, FieldError{field.FieldKey, "value is required"})
			}
			continue
		}
		out, msg := coerceValue(field, value, now)
		if msg != "" {
			fieldErrs = append(fieldErrs, FieldError{field.FieldKey, msg})
			continue
		}
		coerced[field.FieldKey] = out
	}
	if len(fieldErrs) > 0 {
		return nil, &FormError{Fields: fieldErrs}
	}
	return coerced, nil
}

// AssignAgent puts an agent on a task waiting for assignment.
func (e *Engine) AssignAgent(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, agentEmail string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) && !rctx.Actor.HasRole(RoleManager) {
			return Errorf(CodeAuthorization, "only managers can assign agents")
		}
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if step.StepType != workflow.StepTypeTask || step.State != ticket.StateWaitingAssignment {
			return Errorf(CodeInvalidState, "step %s is not waiting for assignment", ticketStepID)
		}

		agent := e.lookupUser(ctx, agentEmail)
		step.AssignedTo = &agent
		step.State = ticket.StateActive
		if err := e.stores.Steps.Update(ctx, step); err != nil {
			return err
		}

		record := &ticket.Assignment{
			AssignmentID: ticket.NewAssignmentID(),
			TicketID:     ec.t.TicketID,
			TicketStepID: step.TicketStepID,
			Agent:        agent,
			AssignedBy:   rctx.Actor.UserSnapshot,
			Active:       true,
			CreatedAt:    e.now().UTC(),
		}
		if err := e.stores.Assignments.Create(ctx, record); err != nil {
			return err
		}

		ec.tx.audit(ec.t.TicketID, audit.EventTaskAssigned, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"agent":          agent.Email,
		})
		ec.tx.notify(ec.t.TicketID, notify.KeyTaskAssigned,
			[]string{agent.Email}, stepPayload(ec.t, step))
		return nil
	})
}

// ReassignAgent moves an active task to a different agent, keeping the
// previous assignment as inactive history.
func (e *Engine) ReassignAgent(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, agentEmail, reason string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) && !rctx.Actor.HasRole(RoleManager) {
			return Errorf(CodeAuthorization, "only managers can reassign agents")
		}
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if step.StepType != workflow.StepTypeTask || step.State != ticket.StateActive || step.AssignedTo == nil {
			return Errorf(CodeInvalidState, "step %s has no active assignment", ticketStepID)
		}

		history, err := e.stores.Assignments.ListByStep(ctx, step.TicketStepID)
		if err != nil {
			return err
		}
		for _, a := range history {
			if !a.Active {
				continue
			}
			a.Active = false
			if err := e.stores.Assignments.Update(ctx, a); err != nil {
				return err
			}
		}

		agent := e.lookupUser(ctx, agentEmail)
		previous := step.AssignedTo.Email
		step.AssignedTo = &agent
		if err := e.stores.Steps.Update(ctx, step); err != nil {
			return err
		}

		record := &ticket.Assignment{
			AssignmentID: ticket.NewAssignmentID(),
			TicketID:     ec.t.TicketID,
			TicketStepID: step.TicketStepID,
			Agent:        agent,
			AssignedBy:   rctx.Actor.UserSnapshot,
			Reason:       reason,
			Active:       true,
			CreatedAt:    e.now().UTC(),
		}
		if err := e.stores.Assignments.Create(ctx, record); err != nil {
			return err
		}

		ec.tx.audit(ec.t.TicketID, audit.EventTaskReassigned, map[string]any{
			"ticket_step_id": step.TicketStepID,
			"from":           previous,
			"to":             agent.Email,
			"reason":         reason,
		})
		payload := stepPayload(ec.t, step)
		payload["agent"] = agent.Email
		payload["reason"] = reason
		ec.tx.notify(ec.t.TicketID, notify.KeyTaskReassigned, []string{agent.Email}, payload)
		return nil
	})
}

// RequestInfo parks a live step behind a question. The step holds until
// the addressed user responds.
func (e *Engine) RequestInfo(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, question, fromEmail string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		if !step.State.Live() || step.State == ticket.StateOnHold {
			return Errorf(CodeInvalidState, "step %s cannot take an info request in state %s", ticketStepID, step.State)
		}
		if !rctx.Actor.HasRole(RoleAdmin) &&
			!isApprover(step, rctx.Actor.Email) &&
			!(step.AssignedTo != nil && actorIs(rctx, step.AssignedTo.Email)) {
			return Errorf(CodeAuthorization, "%s cannot request information on step %s", rctx.Actor.Email, ticketStepID)
		}
		if err := e.requireNoOpenInfoRequest(ctx, step); err != nil {
			return err
		}
		if strings.TrimSpace(question) == "" {
			return Errorf(CodeValidation, "question is required")
		}

		from := ec.t.Requester
		if fromEmail != "" {
			from = e.lookupUser(ctx, fromEmail)
		}
		request := &ticket.InfoRequest{
			InfoRequestID: ticket.NewInfoRequestID(),
			TicketID:      ec.t.TicketID,
			TicketStepID:  step.TicketStepID,
			Question:      question,
			RequestedBy:   rctx.Actor.UserSnapshot,
			RequestedFrom: from,
			Status:        ticket.InfoOpen,
			CreatedAt:     e.now().UTC(),
		}
		if err := e.stores.InfoRequests.Create(ctx, request); err != nil {
			return err
		}

		step.Data.HeldFromState = step.State
		step.State = ticket.StateOnHold
		if err := e.stores.Steps.Update(ctx, step); err != nil {
			return err
		}

		ec.tx.audit(ec.t.TicketID, audit.EventInfoRequested, map[string]any{
			"ticket_step_id":  step.TicketStepID,
			"info_request_id": request.InfoRequestID,
			"requested_from":  from.Email,
		})
		payload := stepPayload(ec.t, step)
		payload["requested_by"] = rctx.Actor.Email
		payload["question"] = question
		ec.tx.notify(ec.t.TicketID, notify.KeyInfoRequested, []string{from.Email}, payload)
		return nil
	})
}

// RespondInfo answers the step's open info request and restores the step
// to the state it held before the question.
func (e *Engine) RespondInfo(ctx context.Context, rctx RequestContext, ticketID, ticketStepID, response string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if err := requireOpen(ec.t); err != nil {
			return err
		}
		step, err := ec.step(ticketStepID)
		if err != nil {
			return err
		}
		request, err := e.stores.InfoRequests.OpenRequest(ctx, step.TicketStepID)
		if err != nil {
			return err
		}
		if request == nil {
			return Errorf(CodeInvalidState, "step %s has no open info request", ticketStepID)
		}
		if !rctx.Actor.HasRole(RoleAdmin) && !actorIs(rctx, request.RequestedFrom.Email) {
			return Errorf(CodeAuthorization, "only %s can respond to this request", request.RequestedFrom.Email)
		}

		now := e.now().UTC()
		request.Response = response
		request.Status = ticket.InfoResponded
		request.RespondedAt = &now
		if err := e.stores.InfoRequests.Update(ctx, request); err != nil {
			return err
		}

		if step.State == ticket.StateOnHold {
			restored := step.Data.HeldFromState
			if restored == "" {
				restored = ticket.StateActive
			}
			step.State = restored
			step.Data.HeldFromState = ""
			if err := e.stores.Steps.Update(ctx, step); err != nil {
				return err
			}
		}

		ec.tx.audit(ec.t.TicketID, audit.EventInfoResponded, map[string]any{
			"ticket_step_id":  step.TicketStepID,
			"info_request_id": request.InfoRequestID,
		})
		payload := stepPayload(ec.t, step)
		payload["responded_by"] = rctx.Actor.Email
		ec.tx.notify(ec.t.TicketID, notify.KeyInfoResponded, []string{request.RequestedBy.Email}, payload)
		return nil
	})
}

// CancelTicket withdraws an open ticket. Every non-terminal step is
// cancelled.
func (e *Engine) CancelTicket(ctx context.Context, rctx RequestContext, ticketID, reason string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) && !actorIs(rctx, ec.t.Requester.Email) {
			return Errorf(CodeAuthorization, "only the requester can cancel ticket %s", ticketID)
		}
		if ec.t.Status.Terminal() {
			return Errorf(CodeInvalidState, "ticket %s is already %s", ticketID, ec.t.Status)
		}
		if err := e.closeRemaining(ctx, ec, ticket.StateCancelled, ticket.StateCancelled); err != nil {
			return err
		}
		ec.t.Status = ticket.StatusCancelled
		ec.t.CancelReason = reason
		if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
			return err
		}
		ec.tx.audit(ec.t.TicketID, audit.EventTicketCancelled, map[string]any{"reason": reason})
		payload := ticketPayload(ec.t)
		payload["reason"] = reason
		ec.tx.notify(ec.t.TicketID, notify.KeyTicketCancelled,
			resolveRecipients([]string{recipientRequester}, ec.t, nil), payload)
		return nil
	})
}

// HoldTicket pauses an open ticket; no step events apply until resumed.
func (e *Engine) HoldTicket(ctx context.Context, rctx RequestContext, ticketID, reason string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) && !actorIs(rctx, ec.t.Requester.Email) {
			return Errorf(CodeAuthorization, "only the requester can hold ticket %s", ticketID)
		}
		if ec.t.Status != ticket.StatusOpen {
			return Errorf(CodeInvalidState, "ticket %s is %s, not OPEN", ticketID, ec.t.Status)
		}
		ec.t.Status = ticket.StatusOnHold
		if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
			return err
		}
		ec.tx.audit(ec.t.TicketID, audit.EventTicketHeld, map[string]any{"reason": reason})
		return nil
	})
}

// ResumeTicket reopens a held ticket.
func (e *Engine) ResumeTicket(ctx context.Context, rctx RequestContext, ticketID string) error {
	return e.run(ctx, rctx, ticketID, func(ec *evalCtx) error {
		if !rctx.Actor.HasRole(RoleAdmin) && !actorIs(rctx, ec.t.Requester.Email) {
			return Errorf(CodeAuthorization, "only the requester can resume ticket %s", ticketID)
		}
		if ec.t.Status != ticket.StatusOnHold {
			return Errorf(CodeInvalidState, "ticket %s is %s, not ON_HOLD", ticketID, ec.t.Status)
		}
		ec.t.Status = ticket.StatusOpen
		if err := e.stores.Tickets.Update(ctx, ec.t); err != nil {
			return err
		}
		ec.tx.audit(ec.t.TicketID, audit.EventTicketResumed, nil)
		return nil
	})
}
