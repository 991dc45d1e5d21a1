// Package workflow provides the workflow definition model: templates,
// published versions, the step/transition graph, and the static validator
// that gates publication.
package workflow

import (
	"fmt"
	"sort"
)

// StepType identifies the behavior of a definition step.
type StepType string

// Step types.
const (
	StepTypeForm        StepType = "FORM_STEP"
	StepTypeApproval    StepType = "APPROVAL_STEP"
	StepTypeTask        StepType = "TASK_STEP"
	StepTypeNotify      StepType = "NOTIFY_STEP"
	StepTypeFork        StepType = "FORK_STEP"
	StepTypeJoin        StepType = "JOIN_STEP"
	StepTypeSubWorkflow StepType = "SUB_WORKFLOW_STEP"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeForm, StepTypeApproval, StepTypeTask, StepTypeNotify,
		StepTypeFork, StepTypeJoin, StepTypeSubWorkflow:
		return true
	}
	return false
}

// EventType identifies the event that drives a transition.
type EventType string

// Transition events.
const (
	EventSubmitForm      EventType = "SUBMIT_FORM"
	EventApprove         EventType = "APPROVE"
	EventReject          EventType = "REJECT"
	EventCompleteTask    EventType = "COMPLETE_TASK"
	EventRespondInfo     EventType = "RESPOND_INFO"
	EventForkActivated   EventType = "FORK_ACTIVATED"
	EventBranchCompleted EventType = "BRANCH_COMPLETED"
	EventJoinComplete    EventType = "JOIN_COMPLETE"
)

// FailurePolicy controls how a fork reacts when one of its branches is
// rejected.
type FailurePolicy string

// Failure policies.
const (
	FailAll        FailurePolicy = "FAIL_ALL"
	ContinueOthers FailurePolicy = "CONTINUE_OTHERS"
	CancelOthers   FailurePolicy = "CANCEL_OTHERS"
)

// Valid reports whether p is a known failure policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailAll, ContinueOthers, CancelOthers:
		return true
	}
	return false
}

// JoinMode controls when a join step fires.
type JoinMode string

// Join modes.
const (
	JoinAll      JoinMode = "ALL"
	JoinAny      JoinMode = "ANY"
	JoinMajority JoinMode = "MAJORITY"
)

// Valid reports whether m is a known join mode.
func (m JoinMode) Valid() bool {
	switch m {
	case JoinAll, JoinAny, JoinMajority:
		return true
	}
	return false
}

// ApproverResolution identifies how an approval step finds its approver.
type ApproverResolution string

// Approver resolution strategies.
const (
	ResolveRequesterManager ApproverResolution = "REQUESTER_MANAGER"
	ResolveSpecificEmail    ApproverResolution = "SPECIFIC_EMAIL"
	ResolveSpocEmail        ApproverResolution = "SPOC_EMAIL"
	ResolveConditional      ApproverResolution = "CONDITIONAL"
	ResolveStepAssignee     ApproverResolution = "STEP_ASSIGNEE"
)

// Valid reports whether r is a known resolution strategy.
func (r ApproverResolution) Valid() bool {
	switch r {
	case ResolveRequesterManager, ResolveSpecificEmail, ResolveSpocEmail,
		ResolveConditional, ResolveStepAssignee:
		return true
	}
	return false
}

// ParallelMode controls multi-approver voting on a single approval step.
type ParallelMode string

// Parallel approval modes. Empty means a single approver.
const (
	ParallelAll ParallelMode = "ALL"
	ParallelAny ParallelMode = "ANY"
)

// Definition is the workflow graph: an ordered set of typed steps plus the
// event-gated transitions between them.
type Definition struct {
	Steps       []StepDef       `json:"steps"`
	Transitions []TransitionDef `json:"transitions"`
	StartStepID string          `json:"start_step_id,omitempty"`
}

// StepDef declares one step of a workflow. Exactly one of the type-specific
// config fields is set, matching StepType.
type StepDef struct {
	StepID     string   `json:"step_id"`
	StepName   string   `json:"step_name"`
	StepType   StepType `json:"step_type"`
	IsStart    bool     `json:"is_start,omitempty"`
	IsTerminal bool     `json:"is_terminal,omitempty"`
	Order      int      `json:"order"`

	// DueInMinutes sets the SLA window for the step once activated.
	// Zero means no SLA.
	DueInMinutes int `json:"due_in_minutes,omitempty"`

	Form        *FormConfig        `json:"form,omitempty"`
	Approval    *ApprovalConfig    `json:"approval,omitempty"`
	Task        *TaskConfig        `json:"task,omitempty"`
	Notify      *NotifyConfig      `json:"notify,omitempty"`
	Fork        *ForkConfig        `json:"fork,omitempty"`
	Join        *JoinConfig        `json:"join,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
}

// ApprovalConfig configures an APPROVAL_STEP.
type ApprovalConfig struct {
	Resolution ApproverResolution `json:"approver_resolution"`

	// SpecificApproverEmail backs SPECIFIC_EMAIL resolution.
	SpecificApproverEmail string `json:"specific_approver_email,omitempty"`

	// SpocEmail backs SPOC_EMAIL resolution.
	SpocEmail string `json:"spoc_email,omitempty"`

	// ConditionalRules back CONDITIONAL resolution; first matching rule
	// wins, in declaration order.
	ConditionalRules []ConditionalApproverRule `json:"conditional_approver_rules,omitempty"`

	// ConditionalFallbackApprover is used when no conditional rule
	// matches. "direct_manager" resolves to the requester's manager.
	ConditionalFallbackApprover string `json:"conditional_fallback_approver,omitempty"`

	// StepAssigneeStepID backs STEP_ASSIGNEE resolution: the approver is
	// whoever was assigned to this earlier TASK_STEP.
	StepAssigneeStepID string `json:"step_assignee_step_id,omitempty"`

	// ParallelApproval switches the step to multi-approver voting.
	ParallelApproval ParallelMode `json:"parallel_approval,omitempty"`

	// ParallelApprovers lists the voting members by email.
	ParallelApprovers []string `json:"parallel_approvers,omitempty"`
}

// ConditionalApproverRule routes approval by evaluating a condition against
// the ticket's form values.
type ConditionalApproverRule struct {
	Condition     ConditionGroup `json:"condition"`
	ApproverEmail string         `json:"approver_email"`
}

// TaskConfig configures a TASK_STEP.
type TaskConfig struct {
	Instructions string `json:"instructions,omitempty"`

	// RequireExecutionNotes forces COMPLETE_TASK to carry notes.
	RequireExecutionNotes bool `json:"require_execution_notes,omitempty"`

	// OutputFields declare values the agent records on completion. They
	// land in ticket form values under "{step_id}." prefixed keys.
	OutputFields []FormField `json:"output_fields,omitempty"`

	// LinkedRepeatingSource points the task at a repeating section
	// produced by an earlier form step.
	LinkedRepeatingSource *RepeatingSourceRef `json:"linked_repeating_source,omitempty"`
}

// RepeatingSourceRef references a repeating section of an earlier step.
type RepeatingSourceRef struct {
	StepID    string `json:"step_id"`
	SectionID string `json:"section_id"`
}

// NotifyConfig configures a NOTIFY_STEP.
type NotifyConfig struct {
	TemplateKey string `json:"template_key"`

	// Recipients holds symbolic names (requester, approvers,
	// assigned_agent, manager) or literal email addresses.
	Recipients []string `json:"recipients,omitempty"`

	// AutoAdvance completes the step immediately after enqueueing the
	// notification.
	AutoAdvance bool `json:"auto_advance,omitempty"`
}

// ForkConfig configures a FORK_STEP.
type ForkConfig struct {
	Branches      []Branch      `json:"branches"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
}

// Branch declares one parallel execution thread of a fork.
type Branch struct {
	BranchID    string `json:"branch_id"`
	BranchName  string `json:"branch_name"`
	StartStepID string `json:"start_step_id"`
}

// JoinConfig configures a JOIN_STEP.
type JoinConfig struct {
	JoinMode         JoinMode `json:"join_mode"`
	SourceForkStepID string   `json:"source_fork_step_id"`
}

// SubWorkflowConfig configures a SUB_WORKFLOW_STEP: an embedded published
// workflow version expanded in place at runtime.
type SubWorkflowConfig struct {
	SubWorkflowID      string `json:"sub_workflow_id"`
	SubWorkflowVersion int    `json:"sub_workflow_version"`
	SubWorkflowName    string `json:"sub_workflow_name,omitempty"`
}

// TransitionDef is a definition-time edge, activated by an event and gated
// by an optional condition.
type TransitionDef struct {
	TransitionID string          `json:"transition_id"`
	FromStepID   string          `json:"from_step_id"`
	ToStepID     string          `json:"to_step_id"`
	OnEvent      EventType       `json:"on_event"`
	Priority     int             `json:"priority,omitempty"`
	Condition    *ConditionGroup `json:"condition,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (d *Definition) Step(stepID string) *StepDef {
	for i := range d.Steps {
		if d.Steps[i].StepID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// Start resolves the start step: the explicit start_step_id if set, the
// step flagged is_start otherwise, or the first step as a last resort.
func (d *Definition) Start() (*StepDef, error) {
	if d.StartStepID != "" {
		if s := d.Step(d.StartStepID); s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("start step %s not found", d.StartStepID)
	}
	for i := range d.Steps {
		if d.Steps[i].IsStart {
			return &d.Steps[i], nil
		}
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("definition has no steps")
	}
	return &d.Steps[0], nil
}

// TransitionsFrom returns the transitions leaving stepID on event, ordered
// by descending priority then by declaration order.
func (d *Definition) TransitionsFrom(stepID string, event EventType) []TransitionDef {
	var out []TransitionDef
	for _, t := range d.Transitions {
		if t.FromStepID == stepID && t.OnEvent == event {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// JoinFor returns the join step sourced from the given fork, or nil.
func (d *Definition) JoinFor(forkStepID string) *StepDef {
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.StepType == StepTypeJoin && s.Join != nil && s.Join.SourceForkStepID == forkStepID {
			return s
		}
	}
	return nil
}

// CompletionEvent returns the event a step of the given type emits when it
// completes normally.
func CompletionEvent(t StepType) EventType {
	switch t {
	case StepTypeForm:
		return EventSubmitForm
	case StepTypeApproval:
		return EventApprove
	case StepTypeTask, StepTypeSubWorkflow:
		return EventCompleteTask
	case StepTypeNotify:
		return EventCompleteTask
	case StepTypeJoin:
		return EventJoinComplete
	case StepTypeFork:
		return EventForkActivated
	}
	return ""
}

// BranchOf returns the branch a step belongs to by walking the fork's
// branch threads through explicit transitions. It returns the owning fork
// step and branch, or nil when the step is not inside any branch.
func (d *Definition) BranchOf(stepID string) (*StepDef, *Branch) {
	for i := range d.Steps {
		fork := &d.Steps[i]
		if fork.StepType != StepTypeFork || fork.Fork == nil {
			continue
		}
		join := d.JoinFor(fork.StepID)
		for bi := range fork.Fork.Branches {
			branch := &fork.Fork.Branches[bi]
			if d.branchContains(branch, join, stepID) {
				return fork, branch
			}
		}
	}
	return nil, nil
}

// branchContains walks a branch thread from its start step, stopping at the
// join (which belongs to no branch).
func (d *Definition) branchContains(branch *Branch, join *StepDef, stepID string) bool {
	seen := map[string]bool{}
	frontier := []string{branch.StartStepID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		if join != nil && current == join.StepID {
			continue
		}
		if current == stepID {
			return true
		}
		for _, t := range d.Transitions {
			if t.FromStepID == current {
				frontier = append(frontier, t.ToStepID)
			}
		}
	}
	return false
}

// BranchTerminals returns, for each branch of the fork, the last interior
// step of the thread before the join (or before the thread dead-ends).
func (d *Definition) BranchTerminals(fork *StepDef, join *StepDef) map[string]string {
	out := map[string]string{}
	if fork.Fork == nil {
		return out
	}
	for _, branch := range fork.Fork.Branches {
		terminal := branch.StartStepID
		seen := map[string]bool{}
		for {
			if seen[terminal] {
				break
			}
			seen[terminal] = true
			next := ""
			for _, t := range d.Transitions {
				if t.FromStepID != terminal {
					continue
				}
				if join != nil && t.ToStepID == join.StepID {
					continue
				}
				next = t.ToStepID
				break
			}
			if next == "" {
				break
			}
			terminal = next
		}
		out[branch.BranchID] = terminal
	}
	return out
}

// EnsureBranchJoinEdges inserts the implicit edge from each branch's
// terminal step to the fork's join when the definition author left it out.
// The save path calls this before validation so authors do not have to
// wire the closing edges by hand.
func EnsureBranchJoinEdges(d *Definition) {
	for i := range d.Steps {
		fork := &d.Steps[i]
		if fork.StepType != StepTypeFork || fork.Fork == nil {
			continue
		}
		join := d.JoinFor(fork.StepID)
		if join == nil {
			continue
		}
		for branchID, terminalID := range d.BranchTerminals(fork, join) {
			terminal := d.Step(terminalID)
			if terminal == nil {
				continue
			}
			event := CompletionEvent(terminal.StepType)
			if event == "" {
				continue
			}
			if hasTransition(d, terminalID, join.StepID, event) {
				continue
			}
			d.Transitions = append(d.Transitions, TransitionDef{
				TransitionID: fmt.Sprintf("auto-%s-%s", branchID, terminalID),
				FromStepID:   terminalID,
				ToStepID:     join.StepID,
				OnEvent:      event,
			})
		}
	}
}

func hasTransition(d *Definition, from, to string, event EventType) bool {
	for _, t := range d.Transitions {
		if t.FromStepID == from && t.ToStepID == to && t.OnEvent == event {
			return true
		}
	}
	return false
}
