package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/ticketflow/storage"
)

// fixedClock lets tests move time explicitly.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRepo(maxRetries int) (*Repository, *fixedClock) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := NewRepository(storage.NewMemKV(), maxRetries)
	repo.now = clock.now
	return repo, clock
}

func pendingEntry(id string, createdAt time.Time) *Entry {
	return &Entry{
		NotificationID: id,
		TemplateKey:    "APPROVAL_PENDING",
		Recipients:     []string{"manager@corp.example"},
		TicketID:       "tkt-one",
		Status:         StatusPending,
		CreatedAt:      createdAt,
	}
}

func TestCreateManyAndFetchPendingOrder(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)

	entries := []*Entry{
		pendingEntry("ntf-b", clock.now().Add(2*time.Second)),
		pendingEntry("ntf-a", clock.now()),
		pendingEntry("ntf-c", clock.now().Add(4*time.Second)),
	}
	require.NoError(t, repo.CreateMany(ctx, entries))

	got, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ntf-a", got[0].NotificationID, "oldest first")
	assert.Equal(t, "ntf-c", got[2].NotificationID)

	limited, err := repo.FetchPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAcquireLeaseExcludesEntryFromFetch(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	ok, err := repo.AcquireLease(ctx, "ntf-a", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second worker cannot claim it, and sweeps skip it.
	ok, err = repo.AcquireLease(ctx, "ntf-a", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Once the lease expires it is claimable again.
	clock.advance(2 * time.Minute)
	ok, err = repo.AcquireLease(ctx, "ntf-a", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLeaseIsHolderChecked(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	ok, err := repo.AcquireLease(ctx, "ntf-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A different holder cannot release it.
	require.NoError(t, repo.ReleaseLease(ctx, "ntf-a", "worker-2"))
	e, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", e.LockedBy)

	// The owner can.
	require.NoError(t, repo.ReleaseLease(ctx, "ntf-a", "worker-1"))
	e, err = repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Empty(t, e.LockedBy)
	assert.Nil(t, e.LockedUntil)
}

func TestAcquireThenReleaseRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	before, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)

	ok, err := repo.AcquireLease(ctx, "ntf-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ReleaseLease(ctx, "ntf-a", "worker-1"))

	after, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.Nil(t, after.LockedUntil)
	assert.Empty(t, after.LockedBy)
}

func TestCleanupStaleLeases(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{
		pendingEntry("ntf-stale", clock.now()),
		pendingEntry("ntf-fresh", clock.now()),
	}))

	ok, err := repo.AcquireLease(ctx, "ntf-stale", "crashed-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(15 * time.Minute)
	ok, err = repo.AcquireLease(ctx, "ntf-fresh", "live-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cleared, err := repo.CleanupStaleLeases(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	stale, err := repo.Get(ctx, "ntf-stale")
	require.NoError(t, err)
	assert.Empty(t, stale.LockedBy)

	fresh, err := repo.Get(ctx, "ntf-fresh")
	require.NoError(t, err)
	assert.Equal(t, "live-worker", fresh.LockedBy)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	require.NoError(t, repo.MarkSent(ctx, "ntf-a"))
	first, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	require.NotNil(t, first.SentAt)

	clock.advance(time.Hour)
	require.NoError(t, repo.MarkSent(ctx, "ntf-a"), "second call is a no-op")
	second, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, first.SentAt.Unix(), second.SentAt.Unix())
	assert.Equal(t, StatusSent, second.Status)
}

func TestMarkFailedBackoffProgression(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	sendErr := errors.New("smtp timeout")
	wantDelays := []time.Duration{1, 2, 4, 8} // minutes: 2^(n-1)
	for i, want := range wantDelays {
		require.NoError(t, repo.MarkFailed(ctx, "ntf-a", sendErr, false))
		e, err := repo.Get(ctx, "ntf-a")
		require.NoError(t, err)
		assert.Equal(t, i+1, e.RetryCount)
		assert.Equal(t, StatusPending, e.Status)
		require.NotNil(t, e.NextRetry)
		assert.Equal(t, clock.now().Add(want*time.Minute), *e.NextRetry)
		assert.Equal(t, "smtp timeout", e.LastError)
	}

	// The fifth failure exhausts the budget.
	require.NoError(t, repo.MarkFailed(ctx, "ntf-a", sendErr, false))
	e, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 5, e.RetryCount)
	assert.Nil(t, e.NextRetry)
}

func TestMarkFailedPermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	require.NoError(t, repo.MarkFailed(ctx, "ntf-a", errors.New("no such mailbox"), true))
	e, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
}

func TestRequeueFailedEntry(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(1)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{pendingEntry("ntf-a", clock.now())}))

	require.NoError(t, repo.MarkFailed(ctx, "ntf-a", errors.New("down"), false))
	e, err := repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, e.Status)

	require.NoError(t, repo.Requeue(ctx, "ntf-a"))
	e, err = repo.Get(ctx, "ntf-a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)

	// Requeue on a non-FAILED entry is rejected.
	assert.Error(t, repo.Requeue(ctx, "ntf-a"))
}

func TestFetchRetryReady(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(5)
	require.NoError(t, repo.CreateMany(ctx, []*Entry{
		pendingEntry("ntf-fresh", clock.now()),
		pendingEntry("ntf-retried", clock.now()),
	}))

	require.NoError(t, repo.MarkFailed(ctx, "ntf-retried", errors.New("blip"), false))

	// Backoff has not elapsed yet.
	ready, err := repo.FetchRetryReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	clock.advance(2 * time.Minute)
	ready, err = repo.FetchRetryReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "ntf-retried", ready[0].NotificationID, "never-failed entries stay on the main sweep")
}
