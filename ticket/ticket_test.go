package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/workflow"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusOpen.Terminal())
	assert.False(t, StatusOnHold.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStepStateClassification(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateSkipped.Terminal())
	assert.False(t, StateOnHold.Terminal())
	assert.False(t, StateNotStarted.Terminal())

	assert.True(t, StateActive.Live())
	assert.True(t, StateOnHold.Live())
	assert.False(t, StateNotStarted.Live())
	assert.False(t, StateCancelled.Live())
}

func TestTicketStoreCAS(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemKV())

	tkt := &Ticket{
		TicketID:   NewTicketID(),
		WorkflowID: "wf-demo0001",
		Title:      "Laptop",
		Status:     StatusOpen,
		Requester:  directory.UserSnapshot{Email: "user@corp.example"},
		FormValues: map[string]any{},
	}
	require.NoError(t, store.Create(ctx, tkt))

	stale, err := store.Get(ctx, tkt.TicketID)
	require.NoError(t, err)

	tkt.Status = StatusCompleted
	require.NoError(t, store.Update(ctx, tkt))

	stale.Status = StatusRejected
	assert.ErrorIs(t, store.Update(ctx, stale), storage.ErrConflict)

	final, err := store.Get(ctx, tkt.TicketID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestStepStoreListByTicket(t *testing.T) {
	ctx := context.Background()
	store := NewStepStore(storage.NewMemKV())

	base := time.Now().UTC()
	for i, id := range []string{"stp-aaa", "stp-bbb", "stp-ccc"} {
		require.NoError(t, store.Create(ctx, &Step{
			TicketStepID: id,
			TicketID:     "tkt-one",
			StepID:       "request",
			StepType:     workflow.StepTypeForm,
			State:        StateNotStarted,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.Create(ctx, &Step{
		TicketStepID: "stp-zzz",
		TicketID:     "tkt-other",
		StepID:       "request",
		StepType:     workflow.StepTypeForm,
		State:        StateActive,
		CreatedAt:    base,
	}))

	steps, err := store.ListByTicket(ctx, "tkt-one")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "stp-aaa", steps[0].TicketStepID)
	assert.Equal(t, "stp-ccc", steps[2].TicketStepID)

	active, err := store.List(ctx, func(s *Step) bool { return s.State == StateActive })
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "stp-zzz", active[0].TicketStepID)
}

func TestInfoRequestOpenRequest(t *testing.T) {
	ctx := context.Background()
	store := NewInfoRequestStore(storage.NewMemKV())

	closed := &InfoRequest{
		InfoRequestID: NewInfoRequestID(),
		TicketID:      "tkt-one",
		TicketStepID:  "stp-aaa",
		Question:      "Which model?",
		Status:        InfoResponded,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, closed))

	open, err := store.OpenRequest(ctx, "stp-aaa")
	require.NoError(t, err)
	assert.Nil(t, open)

	pending := &InfoRequest{
		InfoRequestID: NewInfoRequestID(),
		TicketID:      "tkt-one",
		TicketStepID:  "stp-aaa",
		Question:      "Budget code?",
		Status:        InfoOpen,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, pending))

	open, err = store.OpenRequest(ctx, "stp-aaa")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, pending.InfoRequestID, open.InfoRequestID)
}

func TestApprovalTaskStoreListByStep(t *testing.T) {
	ctx := context.Background()
	store := NewApprovalTaskStore(storage.NewMemKV())

	base := time.Now().UTC()
	for i, email := range []string{"a@corp.example", "b@corp.example"} {
		require.NoError(t, store.Create(ctx, &ApprovalTask{
			ApprovalTaskID: NewApprovalTaskID(),
			TicketID:       "tkt-one",
			TicketStepID:   "stp-approval",
			Approver:       directory.UserSnapshot{Email: email},
			Status:         ApprovalPending,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	tasks, err := store.ListByStep(ctx, "stp-approval")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a@corp.example", tasks[0].Approver.Email)
}
