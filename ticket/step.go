package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/workflow"
)

// StepState is the runtime state of a step instance, distinct from the
// definition's static step type.
type StepState string

// Step states.
const (
	StateNotStarted         StepState = "NOT_STARTED"
	StateActive             StepState = "ACTIVE"
	StateWaitingForApproval StepState = "WAITING_FOR_APPROVAL"
	StateWaitingAssignment  StepState = "WAITING_ASSIGNMENT"
	StateCompleted          StepState = "COMPLETED"
	StateRejected           StepState = "REJECTED"
	StateSkipped            StepState = "SKIPPED"
	StateCancelled          StepState = "CANCELLED"
	StateOnHold             StepState = "ON_HOLD"
)

// Terminal reports whether the state never transitions again.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Live reports whether the step counts against the one-live-step-per-thread
// invariant: anything not terminal and already started.
func (s StepState) Live() bool {
	return !s.Terminal() && s != StateNotStarted
}

// StepData carries the type-specific runtime fields of a step instance.
// Only the fields matching the step's type are populated.
type StepData struct {
	// Approval runtime.
	Approvers        []directory.UserSnapshot `json:"approvers,omitempty"`
	ParallelMode     workflow.ParallelMode    `json:"parallel_mode,omitempty"`
	DecidedBy        *directory.UserSnapshot  `json:"decided_by,omitempty"`
	DecisionComment  string                   `json:"decision_comment,omitempty"`
	ResolutionFailed bool                     `json:"resolution_failed,omitempty"`

	// Task runtime.
	Instructions          string               `json:"instructions,omitempty"`
	RequireExecutionNotes bool                 `json:"require_execution_notes,omitempty"`
	OutputFields          []workflow.FormField `json:"output_fields,omitempty"`
	ExecutionNotes        string               `json:"execution_notes,omitempty"`
	OutputValues          map[string]any       `json:"output_values,omitempty"`

	// Fork runtime: a frozen copy of the branch layout at activation.
	Branches      []workflow.Branch      `json:"branches,omitempty"`
	FailurePolicy workflow.FailurePolicy `json:"failure_policy,omitempty"`

	// Join runtime.
	JoinMode         workflow.JoinMode `json:"join_mode,omitempty"`
	SourceForkStepID string            `json:"source_fork_step_id,omitempty"`
	JoinOutcome      StepState         `json:"join_outcome,omitempty"`

	// Sub-workflow runtime. Expanded guards against double expansion.
	SubWorkflowID      string `json:"sub_workflow_id,omitempty"`
	SubWorkflowVersion int    `json:"sub_workflow_version,omitempty"`
	SubWorkflowName    string `json:"sub_workflow_name,omitempty"`
	Expanded           bool   `json:"expanded,omitempty"`

	// Notify runtime.
	TemplateKey string   `json:"template_key,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`

	// Hold/resume: the state to restore when the blocking info request
	// is answered.
	HeldFromState StepState `json:"held_from_state,omitempty"`

	// SLA bookkeeping, persisted so multiple scheduler instances
	// deduplicate reminders and escalations.
	LastReminderAt   *time.Time `json:"last_reminder_at,omitempty"`
	LastEscalationAt *time.Time `json:"last_escalation_at,omitempty"`
	SLAAcknowledged  bool       `json:"sla_acknowledged,omitempty"`
}

// Step is a live step instance bound to a ticket.
type Step struct {
	TicketStepID string            `json:"ticket_step_id"`
	TicketID     string            `json:"ticket_id"`
	StepID       string            `json:"step_id"`
	StepName     string            `json:"step_name"`
	StepType     workflow.StepType `json:"step_type"`
	State        StepState         `json:"state"`

	AssignedTo *directory.UserSnapshot `json:"assigned_to,omitempty"`

	Data StepData `json:"data"`

	DueAt *time.Time `json:"due_at,omitempty"`

	// Branch linkage, set on every step activated inside a fork branch.
	BranchID         string `json:"branch_id,omitempty"`
	BranchName       string `json:"branch_name,omitempty"`
	ParentForkStepID string `json:"parent_fork_step_id,omitempty"`

	// Sub-workflow linkage, set on every step materialized from an
	// embedded workflow version.
	ParentSubWorkflowStepID string `json:"parent_sub_workflow_step_id,omitempty"`
	FromSubWorkflowID       string `json:"from_sub_workflow_id,omitempty"`
	FromSubWorkflowVersion  int    `json:"from_sub_workflow_version,omitempty"`
	FromSubWorkflowName     string `json:"from_sub_workflow_name,omitempty"`
	SubWorkflowStepOrder    int    `json:"sub_workflow_step_order,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Version uint64 `json:"-"` // KV revision
}

// NewStepID generates a ticket step ID.
func NewStepID() string {
	return fmt.Sprintf("stp-%s", uuid.New().String()[:8])
}

// StepStore persists step instances in the TICKET_STEPS bucket, keyed
// "{ticket_id}.{ticket_step_id}" so a ticket's steps share a key prefix.
type StepStore struct {
	kv storage.KV
}

// NewStepStore creates a step store over the given bucket.
func NewStepStore(kv storage.KV) *StepStore {
	return &StepStore{kv: kv}
}

func stepKey(ticketID, ticketStepID string) string {
	return fmt.Sprintf("%s.%s", ticketID, ticketStepID)
}

// Create inserts a new step instance.
func (s *StepStore) Create(ctx context.Context, step *Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	rev, err := s.kv.Create(ctx, stepKey(step.TicketID, step.TicketStepID), data)
	if err != nil {
		return fmt.Errorf("store step %s: %w", step.TicketStepID, err)
	}
	step.Version = rev
	return nil
}

// Get retrieves a step instance.
func (s *StepStore) Get(ctx context.Context, ticketID, ticketStepID string) (*Step, error) {
	entry, err := s.kv.Get(ctx, stepKey(ticketID, ticketStepID))
	if err != nil {
		return nil, err
	}
	var step Step
	if err := json.Unmarshal(entry.Value, &step); err != nil {
		return nil, fmt.Errorf("unmarshal step %s: %w", ticketStepID, err)
	}
	step.Version = entry.Revision
	return &step, nil
}

// Update writes a step back using its captured revision.
func (s *StepStore) Update(ctx context.Context, step *Step) error {
	step.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	rev, err := s.kv.Update(ctx, stepKey(step.TicketID, step.TicketStepID), data, step.Version)
	if err != nil {
		return err
	}
	step.Version = rev
	return nil
}

// ListByTicket returns every step instance of a ticket, in creation order.
func (s *StepStore) ListByTicket(ctx context.Context, ticketID string) ([]*Step, error) {
	steps, err := s.scan(ctx, ticketID+".")
	if err != nil {
		return nil, err
	}
	sortStepsByCreation(steps)
	return steps, nil
}

// List returns every step across tickets matching the filter. The SLA
// sweeps use this; the bucket scan is acceptable at ticket-system scale.
func (s *StepStore) List(ctx context.Context, filter func(*Step) bool) ([]*Step, error) {
	steps, err := s.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return steps, nil
	}
	out := steps[:0]
	for _, step := range steps {
		if filter(step) {
			out = append(out, step)
		}
	}
	return out, nil
}

func (s *StepStore) scan(ctx context.Context, prefix string) ([]*Step, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Step
	for _, key := range keys {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var step Step
		if err := json.Unmarshal(entry.Value, &step); err != nil {
			continue
		}
		step.Version = entry.Revision
		out = append(out, &step)
	}
	return out, nil
}

func sortStepsByCreation(steps []*Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
}
