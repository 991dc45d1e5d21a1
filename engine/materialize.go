package engine

import (
	"time"

	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// subLink carries the linkage stamped on steps materialized from an
// embedded workflow version.
type subLink struct {
	parentStepID string
	workflowID   string
	version      int
	name         string

	// Outer branch the parent sub-workflow step sits in, inherited by
	// every child.
	branchID         string
	branchName       string
	parentForkStepID string
}

// materializeSteps builds one NOT_STARTED step instance per definition
// step. Branch linkage is computed from the definition graph so every
// step knows its owning fork before anything activates.
func materializeSteps(def *workflow.Definition, t *ticket.Ticket, link *subLink, now time.Time) []*ticket.Step {
	steps := make([]*ticket.Step, 0, len(def.Steps))
	for i := range def.Steps {
		ds := &def.Steps[i]
		step := &ticket.Step{
			TicketStepID: ticket.NewStepID(),
			TicketID:     t.TicketID,
			StepID:       ds.StepID,
			StepName:     ds.StepName,
			StepType:     ds.StepType,
			State:        ticket.StateNotStarted,
			Data:         stepData(ds),
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if fork, branch := def.BranchOf(ds.StepID); fork != nil {
			step.ParentForkStepID = fork.StepID
			step.BranchID = branch.BranchID
			step.BranchName = branch.BranchName
		}

		if link != nil {
			step.ParentSubWorkflowStepID = link.parentStepID
			step.FromSubWorkflowID = link.workflowID
			step.FromSubWorkflowVersion = link.version
			step.FromSubWorkflowName = link.name
			step.SubWorkflowStepOrder = ds.Order
			// A child not inside an inner fork inherits the parent's
			// outer branch so fork policies reach into the sub-instance.
			if step.BranchID == "" && link.branchID != "" {
				step.BranchID = link.branchID
				step.BranchName = link.branchName
				step.ParentForkStepID = link.parentForkStepID
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// stepData freezes the definition's type-specific config onto the
// instance so runtime decisions never depend on a re-read definition.
func stepData(ds *workflow.StepDef) ticket.StepData {
	var data ticket.StepData
	switch ds.StepType {
	case workflow.StepTypeApproval:
		if ds.Approval != nil {
			data.ParallelMode = ds.Approval.ParallelApproval
		}
	case workflow.StepTypeTask:
		if ds.Task != nil {
			data.Instructions = ds.Task.Instructions
			data.RequireExecutionNotes = ds.Task.RequireExecutionNotes
			data.OutputFields = ds.Task.OutputFields
		}
	case workflow.StepTypeNotify:
		if ds.Notify != nil {
			data.TemplateKey = ds.Notify.TemplateKey
			data.Recipients = ds.Notify.Recipients
		}
	case workflow.StepTypeFork:
		if ds.Fork != nil {
			data.Branches = ds.Fork.Branches
			data.FailurePolicy = ds.Fork.FailurePolicy
		}
	case workflow.StepTypeJoin:
		if ds.Join != nil {
			data.JoinMode = ds.Join.JoinMode
			data.SourceForkStepID = ds.Join.SourceForkStepID
		}
	case workflow.StepTypeSubWorkflow:
		if ds.SubWorkflow != nil {
			data.SubWorkflowID = ds.SubWorkflow.SubWorkflowID
			data.SubWorkflowVersion = ds.SubWorkflow.SubWorkflowVersion
			data.SubWorkflowName = ds.SubWorkflow.SubWorkflowName
		}
	}
	return data
}
