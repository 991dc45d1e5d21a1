// Package engine is the transition engine: it applies user and system
// events to ticket steps, activates successors, resolves approvers,
// enforces fork/join and sub-workflow semantics, and records audit and
// outbox entries for every committed event.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/outbox"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// Roles recognized by the authorization checks.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// Actor is the identity performing an engine call.
type Actor struct {
	directory.UserSnapshot
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries the role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContext carries the per-call correlation ID and actor through
// the engine; the logger decorates every record with both.
type RequestContext struct {
	CorrelationID string
	Actor         Actor
}

// Stores bundles the persistence the engine mutates.
type Stores struct {
	Tickets      *ticket.Store
	Steps        *ticket.StepStore
	Approvals    *ticket.ApprovalTaskStore
	Assignments  *ticket.AssignmentStore
	InfoRequests *ticket.InfoRequestStore
	Templates    *workflow.TemplateStore
	Versions     *workflow.VersionStore
	Outbox       *outbox.Repository
	Audit        *audit.Trail
}

// Engine applies events to tickets. All mutations go through revision
// compare-and-swap; conflicting events are retried whole.
type Engine struct {
	stores    Stores
	directory directory.Directory
	logger    *slog.Logger
	now       func() time.Time
}

// retryBudget bounds whole-event retries on revision conflicts.
const retryBudget = 3

// New creates the engine.
func New(stores Stores, dir directory.Directory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stores:    stores,
		directory: dir,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) log(rctx RequestContext) *slog.Logger {
	return e.logger.With(
		"correlation_id", rctx.CorrelationID,
		"actor", rctx.Actor.Email,
	)
}

// withRetry re-runs the whole event on revision conflicts. Every other
// error is fatal to the call; the CAS discipline means a failed attempt
// left no partial ticket/step mutation behind it depends on.
func (e *Engine) withRetry(ctx context.Context, rctx RequestContext, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryBudget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		e.log(rctx).Debug("Event hit revision conflict, retrying", "attempt", attempt+1)
	}
	return Errorf(CodeConcurrency, "event lost revision race %d times: %v", retryBudget, err)
}

// txn accumulates the side effects of one event: outbox entries and
// audit records are written only after the state mutations committed.
type txn struct {
	rctx          RequestContext
	notifications []*outbox.Entry
	audits        []*audit.Event
}

func newTxn(rctx RequestContext) *txn {
	return &txn{rctx: rctx}
}

func (t *txn) notify(ticketID, templateKey string, recipients []string, payload map[string]any) {
	if len(recipients) == 0 {
		return
	}
	t.notifications = append(t.notifications, &outbox.Entry{
		NotificationID: outbox.NewNotificationID(),
		TemplateKey:    templateKey,
		Recipients:     recipients,
		Payload:        payload,
		TicketID:       ticketID,
		Status:         outbox.StatusPending,
	})
}

func (t *txn) audit(ticketID, eventType string, details map[string]any) {
	t.audits = append(t.audits, &audit.Event{
		TicketID:      ticketID,
		Actor:         t.rctx.Actor.UserSnapshot,
		EventType:     eventType,
		Details:       details,
		CorrelationID: t.rctx.CorrelationID,
	})
}

// flush writes the accumulated side effects. Audit and outbox failures
// after a committed state change are logged, not surfaced: the user
// action itself succeeded.
func (e *Engine) flush(ctx context.Context, tx *txn) error {
	if len(tx.notifications) > 0 {
		if err := e.stores.Outbox.CreateMany(ctx, tx.notifications); err != nil {
			e.log(tx.rctx).Error("Outbox enqueue failed", "error", err)
		}
	}
	for _, a := range tx.audits {
		if err := e.stores.Audit.Append(ctx, a); err != nil {
			e.log(tx.rctx).Error("Audit append failed", "error", err)
		}
	}
	return nil
}

// loadTicket fetches a ticket or a typed NotFound.
func (e *Engine) loadTicket(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	t, err := e.stores.Tickets.Get(ctx, ticketID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeNotFound, "ticket %s not found", ticketID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// loadStep fetches a step instance of a ticket or a typed NotFound.
func (e *Engine) loadStep(ctx context.Context, ticketID, ticketStepID string) (*ticket.Step, error) {
	s, err := e.stores.Steps.Get(ctx, ticketID, ticketStepID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeNotFound, "step %s not found on ticket %s", ticketStepID, ticketID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// definitionFor returns the definition governing a step: the embedded
// version for materialized sub-workflow steps, the ticket's published
// version otherwise.
func (e *Engine) definitionFor(ctx context.Context, t *ticket.Ticket, step *ticket.Step) (*workflow.Definition, error) {
	workflowID, number := t.WorkflowID, t.WorkflowVersionNumber
	if step != nil && step.FromSubWorkflowID != "" {
		workflowID, number = step.FromSubWorkflowID, step.FromSubWorkflowVersion
	}
	version, err := e.stores.Versions.Get(ctx, workflowID, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeEngine, "workflow %s v%d not found", workflowID, number)
	}
	if err != nil {
		return nil, err
	}
	return version.Definition, nil
}

// requireOpen enforces the ticket-status precondition.
func requireOpen(t *ticket.Ticket) error {
	if t.Status != ticket.StatusOpen {
		return Errorf(CodeInvalidState, "ticket %s is %s, not OPEN", t.TicketID, t.Status)
	}
	return nil
}

// requireNoOpenInfoRequest blocks progression while a question is
// outstanding on the step.
func (e *Engine) requireNoOpenInfoRequest(ctx context.Context, step *ticket.Step) error {
	open, err := e.stores.InfoRequests.OpenRequest(ctx, step.TicketStepID)
	if err != nil {
		return err
	}
	if open != nil {
		return Errorf(CodeInvalidState, "step %s has an open info request", step.TicketStepID)
	}
	return nil
}

// findInstance locates a ticket's step instance for a definition step,
// scoped to the same sub-workflow expansion as the reference step so a
// step_id reused by an embedded definition never leaks across scopes.
func findInstance(steps []*ticket.Step, stepID, parentSubWorkflowStepID string) *ticket.Step {
	for _, s := range steps {
		if s.StepID == stepID && s.ParentSubWorkflowStepID == parentSubWorkflowStepID {
			return s
		}
	}
	return nil
}
