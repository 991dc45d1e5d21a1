package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsFromOrdersByPriority(t *testing.T) {
	def := &Definition{
		Transitions: []TransitionDef{
			{TransitionID: "low", FromStepID: "a", ToStepID: "x", OnEvent: EventSubmitForm, Priority: 1},
			{TransitionID: "high", FromStepID: "a", ToStepID: "y", OnEvent: EventSubmitForm, Priority: 10},
			{TransitionID: "other-event", FromStepID: "a", ToStepID: "z", OnEvent: EventApprove},
			{TransitionID: "tie-first", FromStepID: "a", ToStepID: "p", OnEvent: EventSubmitForm, Priority: 5},
			{TransitionID: "tie-second", FromStepID: "a", ToStepID: "q", OnEvent: EventSubmitForm, Priority: 5},
		},
	}

	out := def.TransitionsFrom("a", EventSubmitForm)
	require.Len(t, out, 4)
	assert.Equal(t, "high", out[0].TransitionID)
	// Equal priorities keep declaration order.
	assert.Equal(t, "tie-first", out[1].TransitionID)
	assert.Equal(t, "tie-second", out[2].TransitionID)
	assert.Equal(t, "low", out[3].TransitionID)
}

func TestStartResolution(t *testing.T) {
	t.Run("explicit start_step_id wins", func(t *testing.T) {
		def := simpleDef()
		def.StartStepID = "manager-approval"
		start, err := def.Start()
		require.NoError(t, err)
		assert.Equal(t, "manager-approval", start.StepID)
	})

	t.Run("is_start flag", func(t *testing.T) {
		def := simpleDef()
		start, err := def.Start()
		require.NoError(t, err)
		assert.Equal(t, "request", start.StepID)
	})

	t.Run("first step fallback", func(t *testing.T) {
		def := simpleDef()
		def.Steps[0].IsStart = false
		start, err := def.Start()
		require.NoError(t, err)
		assert.Equal(t, "request", start.StepID)
	})
}

func TestBranchOf(t *testing.T) {
	def := forkDef()

	fork, branch := def.BranchOf("security-approval")
	require.NotNil(t, fork)
	require.NotNil(t, branch)
	assert.Equal(t, "parallel-review", fork.StepID)
	assert.Equal(t, "security", branch.BranchID)

	fork, branch = def.BranchOf("request")
	assert.Nil(t, fork)
	assert.Nil(t, branch)

	// The join itself belongs to no branch.
	fork, branch = def.BranchOf("reviews-done")
	assert.Nil(t, fork)
	assert.Nil(t, branch)
}

func TestEnsureBranchJoinEdges(t *testing.T) {
	def := &Definition{
		Steps: []StepDef{
			{StepID: "request", StepType: StepTypeForm, IsStart: true},
			{
				StepID: "split", StepType: StepTypeFork,
				Fork: &ForkConfig{
					FailurePolicy: FailAll,
					Branches: []Branch{
						{BranchID: "b1", StartStepID: "task-a"},
						{BranchID: "b2", StartStepID: "approval-b"},
					},
				},
			},
			{StepID: "task-a", StepType: StepTypeTask, Task: &TaskConfig{}},
			{StepID: "approval-b", StepType: StepTypeApproval, Approval: &ApprovalConfig{Resolution: ResolveRequesterManager}},
			{StepID: "merge", StepType: StepTypeJoin, Join: &JoinConfig{JoinMode: JoinAll, SourceForkStepID: "split"}},
			{StepID: "done", StepType: StepTypeNotify, IsTerminal: true, Notify: &NotifyConfig{TemplateKey: "TICKET_COMPLETED"}},
		},
		Transitions: []TransitionDef{
			{TransitionID: "t1", FromStepID: "request", ToStepID: "split", OnEvent: EventSubmitForm},
			{TransitionID: "t2", FromStepID: "merge", ToStepID: "done", OnEvent: EventJoinComplete},
		},
	}

	EnsureBranchJoinEdges(def)

	require.Len(t, def.Transitions, 4, "one closing edge per branch terminal")
	assert.True(t, hasTransition(def, "task-a", "merge", EventCompleteTask))
	assert.True(t, hasTransition(def, "approval-b", "merge", EventApprove))

	// Idempotent: calling again adds nothing.
	EnsureBranchJoinEdges(def)
	assert.Len(t, def.Transitions, 4)
}

func TestEnsureBranchJoinEdgesRespectsExplicitEdges(t *testing.T) {
	def := forkDef() // forkDef already ran EnsureBranchJoinEdges
	count := len(def.Transitions)
	EnsureBranchJoinEdges(def)
	assert.Len(t, def.Transitions, count)
}

func TestBranchTerminalsFollowsThread(t *testing.T) {
	// A branch with two chained steps terminates at the second.
	def := &Definition{
		Steps: []StepDef{
			{StepID: "split", StepType: StepTypeFork, Fork: &ForkConfig{
				FailurePolicy: ContinueOthers,
				Branches:      []Branch{{BranchID: "b1", StartStepID: "step-1"}},
			}},
			{StepID: "step-1", StepType: StepTypeTask, Task: &TaskConfig{}},
			{StepID: "step-2", StepType: StepTypeTask, Task: &TaskConfig{}},
			{StepID: "merge", StepType: StepTypeJoin, Join: &JoinConfig{JoinMode: JoinAll, SourceForkStepID: "split"}},
		},
		Transitions: []TransitionDef{
			{TransitionID: "t1", FromStepID: "step-1", ToStepID: "step-2", OnEvent: EventCompleteTask},
		},
	}

	terminals := def.BranchTerminals(def.Step("split"), def.Step("merge"))
	assert.Equal(t, map[string]string{"b1": "step-2"}, terminals)
}
