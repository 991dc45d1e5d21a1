package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/ticketflow/storage"
)

// simpleDef builds the smallest valid definition: form, approval, notify.
func simpleDef() *Definition {
	return &Definition{
		Steps: []StepDef{
			{
				StepID:   "request",
				StepName: "Request",
				StepType: StepTypeForm,
				IsStart:  true,
				Form: &FormConfig{Fields: []FormField{
					{FieldKey: "amount", Type: FieldNumber, Required: true},
					{FieldKey: "reason", Type: FieldTextArea},
				}},
			},
			{
				StepID:   "manager-approval",
				StepName: "Manager Approval",
				StepType: StepTypeApproval,
				Approval: &ApprovalConfig{Resolution: ResolveRequesterManager},
			},
			{
				StepID:     "done",
				StepName:   "Done",
				StepType:   StepTypeNotify,
				IsTerminal: true,
				Notify:     &NotifyConfig{TemplateKey: "TICKET_COMPLETED", AutoAdvance: true},
			},
		},
		Transitions: []TransitionDef{
			{TransitionID: "t1", FromStepID: "request", ToStepID: "manager-approval", OnEvent: EventSubmitForm},
			{TransitionID: "t2", FromStepID: "manager-approval", ToStepID: "done", OnEvent: EventApprove},
		},
	}
}

func errorTypes(result *ValidationResult) []string {
	types := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		types = append(types, e.Type)
	}
	return types
}

func TestValidateAcceptsSimpleDefinition(t *testing.T) {
	result := Validate(context.Background(), simpleDef(), nil)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateRejectsEmptyDefinition(t *testing.T) {
	result := Validate(context.Background(), &Definition{}, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeEmptySteps)
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	def := simpleDef()
	def.Steps = append(def.Steps, StepDef{StepID: "request", StepType: StepTypeForm})

	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeDuplicateStepID)
}

func TestValidateRejectsUnresolvedStart(t *testing.T) {
	def := simpleDef()
	def.StartStepID = "nope"

	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeMissingStart)
}

func TestValidateWarnsOnImplicitStart(t *testing.T) {
	def := simpleDef()
	def.Steps[0].IsStart = false

	result := Validate(context.Background(), def, nil)
	assert.True(t, result.IsValid, "implicit start is a warning, not an error")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarnTypeImplicitStart, result.Warnings[0].Type)
}

func TestValidateRejectsMultipleStarts(t *testing.T) {
	def := simpleDef()
	def.Steps[1].IsStart = true

	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeMultipleStart)
}

func TestValidateRequiresTerminalStep(t *testing.T) {
	def := simpleDef()
	def.Steps[2].IsTerminal = false

	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeNoTerminal)
}

func TestValidateRejectsUnknownStepType(t *testing.T) {
	def := simpleDef()
	def.Steps[1].StepType = "ESCALATION_STEP"

	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeUnknownStepType)
}

func TestValidateApprovalConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ApprovalConfig
	}{
		{"missing config", nil},
		{"specific email without address", &ApprovalConfig{Resolution: ResolveSpecificEmail}},
		{"spoc without address", &ApprovalConfig{Resolution: ResolveSpocEmail}},
		{"conditional without rules", &ApprovalConfig{Resolution: ResolveConditional}},
		{"step assignee without reference", &ApprovalConfig{Resolution: ResolveStepAssignee}},
		{"unknown resolution", &ApprovalConfig{Resolution: "OUIJA_BOARD"}},
		{"parallel without approvers", &ApprovalConfig{
			Resolution:       ResolveRequesterManager,
			ParallelApproval: ParallelAll,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := simpleDef()
			def.Steps[1].Approval = tt.cfg

			result := Validate(context.Background(), def, nil)
			assert.False(t, result.IsValid)
			assert.Contains(t, errorTypes(result), ErrTypeStepConfig)
		})
	}
}

func TestValidateStepAssigneeMustReferenceEarlierTask(t *testing.T) {
	def := &Definition{
		Steps: []StepDef{
			{StepID: "request", StepType: StepTypeForm, IsStart: true},
			{
				StepID:   "review",
				StepType: StepTypeApproval,
				Approval: &ApprovalConfig{
					Resolution:         ResolveStepAssignee,
					StepAssigneeStepID: "provision",
				},
			},
			{StepID: "provision", StepType: StepTypeTask, Task: &TaskConfig{}},
			{StepID: "done", StepType: StepTypeNotify, IsTerminal: true, Notify: &NotifyConfig{TemplateKey: "TICKET_COMPLETED"}},
		},
		Transitions: []TransitionDef{
			{TransitionID: "t1", FromStepID: "request", ToStepID: "review", OnEvent: EventSubmitForm},
			{TransitionID: "t2", FromStepID: "review", ToStepID: "provision", OnEvent: EventApprove},
			{TransitionID: "t3", FromStepID: "provision", ToStepID: "done", OnEvent: EventCompleteTask},
		},
	}

	// The referenced task comes after the approval, so the assignee cannot
	// exist yet when the approval activates.
	result := Validate(context.Background(), def, nil)
	assert.False(t, result.IsValid)
	assert.Contains(t, errorTypes(result), ErrTypeStepConfig)
}

func TestValidateForkAndJoin(t *testing.T) {
	def := forkDef()
	result := Validate(context.Background(), def, nil)
	assert.True(t, result.IsValid, "errors: %v", result.Errors)

	t.Run("duplicate branch ids", func(t *testing.T) {
		bad := forkDef()
		bad.Steps[1].Fork.Branches[1].BranchID = "security"
		result := Validate(context.Background(), bad, nil)
		assert.False(t, result.IsValid)
	})

	t.Run("branch start does not resolve", func(t *testing.T) {
		bad := forkDef()
		bad.Steps[1].Fork.Branches[0].StartStepID = "ghost"
		result := Validate(context.Background(), bad, nil)
		assert.False(t, result.IsValid)
	})

	t.Run("join without source fork", func(t *testing.T) {
		bad := forkDef()
		bad.Steps[4].Join.SourceForkStepID = "not-a-fork"
		result := Validate(context.Background(), bad, nil)
		assert.False(t, result.IsValid)
	})
}

func TestValidateTransitions(t *testing.T) {
	t.Run("duplicate transition id", func(t *testing.T) {
		def := simpleDef()
		def.Transitions[1].TransitionID = "t1"
		result := Validate(context.Background(), def, nil)
		assert.False(t, result.IsValid)
		assert.Contains(t, errorTypes(result), ErrTypeTransition)
	})

	t.Run("endpoints must resolve", func(t *testing.T) {
		def := simpleDef()
		def.Transitions[0].ToStepID = "ghost"
		result := Validate(context.Background(), def, nil)
		assert.False(t, result.IsValid)
	})

	t.Run("event must be legal for source type", func(t *testing.T) {
		def := simpleDef()
		// A form step cannot emit APPROVE.
		def.Transitions[0].OnEvent = EventApprove
		result := Validate(context.Background(), def, nil)
		assert.False(t, result.IsValid)
		assert.Contains(t, errorTypes(result), ErrTypeTransition)
	})

	t.Run("condition field keys must exist", func(t *testing.T) {
		def := simpleDef()
		def.Transitions[1].Condition = &ConditionGroup{
			Logic:      LogicAnd,
			Conditions: []Condition{{Field: "no_such_field", Operator: OpEquals, Value: "x"}},
		}
		result := Validate(context.Background(), def, nil)
		assert.False(t, result.IsValid)
		assert.Contains(t, errorTypes(result), ErrTypeCondition)
	})

	t.Run("condition over declared fields passes", func(t *testing.T) {
		def := simpleDef()
		def.Transitions[1].Condition = &ConditionGroup{
			Logic:      LogicAnd,
			Conditions: []Condition{{Field: "amount", Operator: OpGreaterThan, Value: 1000}},
		}
		result := Validate(context.Background(), def, nil)
		assert.True(t, result.IsValid)
	})
}

func TestValidateWarnsOnUnreachableSteps(t *testing.T) {
	def := simpleDef()
	def.Steps = append(def.Steps, StepDef{
		StepID:   "island",
		StepType: StepTypeTask,
		Task:     &TaskConfig{},
	})

	result := Validate(context.Background(), def, nil)
	assert.True(t, result.IsValid, "unreachable steps warn, they do not block")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarnTypeUnreachableSteps, result.Warnings[0].Type)
	assert.Contains(t, result.Warnings[0].Message, "island")
}

func TestValidateSubWorkflowResolution(t *testing.T) {
	ctx := context.Background()
	versions := NewVersionStore(storage.NewMemKV())

	published := &Version{
		WorkflowVersionID: "wfv-sub00001",
		WorkflowID:        "wf-sub",
		VersionNumber:     1,
		Definition:        simpleDef(),
	}
	require.NoError(t, versions.Create(ctx, published))

	def := simpleDef()
	def.Steps = append(def.Steps, StepDef{
		StepID:      "embedded",
		StepType:    StepTypeSubWorkflow,
		SubWorkflow: &SubWorkflowConfig{SubWorkflowID: "wf-sub", SubWorkflowVersion: 1},
	})
	def.Transitions = append(def.Transitions,
		TransitionDef{TransitionID: "t3", FromStepID: "manager-approval", ToStepID: "embedded", OnEvent: EventReject},
		TransitionDef{TransitionID: "t4", FromStepID: "embedded", ToStepID: "done", OnEvent: EventCompleteTask},
	)

	t.Run("published version resolves", func(t *testing.T) {
		result := Validate(ctx, def, versions)
		assert.True(t, result.IsValid, "errors: %v", result.Errors)
	})

	t.Run("missing version rejected", func(t *testing.T) {
		bad := *def
		bad.Steps = append([]StepDef{}, def.Steps...)
		bad.Steps[3].SubWorkflow = &SubWorkflowConfig{SubWorkflowID: "wf-sub", SubWorkflowVersion: 9}
		result := Validate(ctx, &bad, versions)
		assert.False(t, result.IsValid)
		assert.Contains(t, errorTypes(result), ErrTypeSubWorkflow)
	})

	t.Run("nested sub-workflow rejected", func(t *testing.T) {
		nestedDef := simpleDef()
		nestedDef.Steps = append(nestedDef.Steps, StepDef{
			StepID:      "inner",
			StepType:    StepTypeSubWorkflow,
			SubWorkflow: &SubWorkflowConfig{SubWorkflowID: "wf-x", SubWorkflowVersion: 1},
		})
		require.NoError(t, versions.Create(ctx, &Version{
			WorkflowVersionID: "wfv-sub00002",
			WorkflowID:        "wf-nested",
			VersionNumber:     1,
			Definition:        nestedDef,
		}))

		bad := *def
		bad.Steps = append([]StepDef{}, def.Steps...)
		bad.Steps[3].SubWorkflow = &SubWorkflowConfig{SubWorkflowID: "wf-nested", SubWorkflowVersion: 1}
		result := Validate(ctx, &bad, versions)
		assert.False(t, result.IsValid)
		assert.Contains(t, errorTypes(result), ErrTypeSubWorkflow)
	})
}

// forkDef builds a definition with a two-branch fork joined with ALL mode.
func forkDef() *Definition {
	def := &Definition{
		Steps: []StepDef{
			{
				StepID: "request", StepType: StepTypeForm, IsStart: true,
				Form: &FormConfig{Fields: []FormField{{FieldKey: "item", Type: FieldText}}},
			},
			{
				StepID: "parallel-review", StepType: StepTypeFork,
				Fork: &ForkConfig{
					FailurePolicy: FailAll,
					Branches: []Branch{
						{BranchID: "security", BranchName: "Security", StartStepID: "security-approval"},
						{BranchID: "finance", BranchName: "Finance", StartStepID: "finance-approval"},
					},
				},
			},
			{
				StepID: "security-approval", StepType: StepTypeApproval,
				Approval: &ApprovalConfig{Resolution: ResolveSpecificEmail, SpecificApproverEmail: "sec@corp.example"},
			},
			{
				StepID: "finance-approval", StepType: StepTypeApproval,
				Approval: &ApprovalConfig{Resolution: ResolveSpecificEmail, SpecificApproverEmail: "fin@corp.example"},
			},
			{
				StepID: "reviews-done", StepType: StepTypeJoin,
				Join: &JoinConfig{JoinMode: JoinAll, SourceForkStepID: "parallel-review"},
			},
			{
				StepID: "done", StepType: StepTypeNotify, IsTerminal: true,
				Notify: &NotifyConfig{TemplateKey: "TICKET_COMPLETED", AutoAdvance: true},
			},
		},
		Transitions: []TransitionDef{
			{TransitionID: "t1", FromStepID: "request", ToStepID: "parallel-review", OnEvent: EventSubmitForm},
			{TransitionID: "t2", FromStepID: "reviews-done", ToStepID: "done", OnEvent: EventJoinComplete},
		},
	}
	EnsureBranchJoinEdges(def)
	return def
}
