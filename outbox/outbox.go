// Package outbox is the durable notification queue: pending entries with
// per-record leases, exponential-backoff retry, and stale-lease recovery.
// Delivery is at-least-once; leases bound duplicate work, they do not
// eliminate it.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/storage"
)

// Status is the lifecycle state of an outbox entry.
type Status string

// Entry states. SENT is terminal; FAILED is terminal unless requeued.
const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Entry is one durable, retriable notification record.
type Entry struct {
	NotificationID string         `json:"notification_id"`
	TemplateKey    string         `json:"template_key"`
	Recipients     []string       `json:"recipients"`
	Payload        map[string]any `json:"payload,omitempty"`
	TicketID       string         `json:"ticket_id"`

	Status     Status     `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	NextRetry  *time.Time `json:"next_retry_at,omitempty"`

	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LockAcquiredAt *time.Time `json:"lock_acquired_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`

	Version uint64 `json:"-"` // KV revision
}

// NewNotificationID generates a notification ID.
func NewNotificationID() string {
	return fmt.Sprintf("ntf-%s", uuid.New().String()[:8])
}

// leased reports whether the entry holds an unexpired lease at now.
func (e *Entry) leased(now time.Time) bool {
	return e.LockedUntil != nil && e.LockedUntil.After(now)
}

// Repository persists outbox entries in the NOTIFICATION_OUTBOX bucket.
// Every lease mutation is a revision compare-and-swap, which is the only
// coordination multiple dispatcher instances need.
type Repository struct {
	kv         storage.KV
	maxRetries int
	now        func() time.Time
}

// NewRepository creates an outbox repository. maxRetries bounds MarkFailed
// before an entry goes terminally FAILED.
func NewRepository(kv storage.KV, maxRetries int) *Repository {
	return &Repository{kv: kv, maxRetries: maxRetries, now: time.Now}
}

// CreateMany inserts a batch of entries. IDs are caller-supplied so the
// engine can reference them before the write.
func (r *Repository) CreateMany(ctx context.Context, entries []*Entry) error {
	now := r.now().UTC()
	for _, e := range entries {
		if e.NotificationID == "" {
			e.NotificationID = NewNotificationID()
		}
		if e.Status == "" {
			e.Status = StatusPending
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal outbox entry: %w", err)
		}
		rev, err := r.kv.Create(ctx, e.NotificationID, data)
		if err != nil {
			return fmt.Errorf("store outbox entry %s: %w", e.NotificationID, err)
		}
		e.Version = rev
	}
	return nil
}

// Get retrieves an entry.
func (r *Repository) Get(ctx context.Context, notificationID string) (*Entry, error) {
	entry, err := r.kv.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(entry.Value, &e); err != nil {
		return nil, fmt.Errorf("unmarshal outbox entry %s: %w", notificationID, err)
	}
	e.Version = entry.Revision
	return &e, nil
}

// FetchPending returns up to limit PENDING entries that are due
// (next_retry_at elapsed or unset) and unleased, oldest first.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]*Entry, error) {
	now := r.now().UTC()
	return r.fetch(ctx, limit, func(e *Entry) bool {
		if e.Status != StatusPending || e.leased(now) {
			return false
		}
		return e.NextRetry == nil || !e.NextRetry.After(now)
	})
}

// FetchRetryReady returns up to limit entries already retried at least
// once whose backoff has elapsed, oldest first.
func (r *Repository) FetchRetryReady(ctx context.Context, limit int) ([]*Entry, error) {
	now := r.now().UTC()
	return r.fetch(ctx, limit, func(e *Entry) bool {
		if e.Status != StatusPending || e.RetryCount == 0 || e.leased(now) {
			return false
		}
		return e.NextRetry != nil && !e.NextRetry.After(now)
	})
}

func (r *Repository) fetch(ctx context.Context, limit int, match func(*Entry) bool) ([]*Entry, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, key := range keys {
		raw, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw.Value, &e); err != nil {
			continue
		}
		e.Version = raw.Revision
		if match(&e) {
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcquireLease claims an entry for the leaseholder. It succeeds only when
// the entry is PENDING and unleased or lease-expired; a losing racer gets
// false, never an error.
func (r *Repository) AcquireLease(ctx context.Context, notificationID, leaseholderID string, duration time.Duration) (bool, error) {
	e, err := r.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := r.now().UTC()
	if e.Status != StatusPending || e.leased(now) {
		return false, nil
	}

	until := now.Add(duration)
	e.LockedUntil = &until
	e.LockedBy = leaseholderID
	e.LockAcquiredAt = &now
	if err := r.update(ctx, e); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil // someone else won the race
		}
		return false, err
	}
	return true, nil
}

// ReleaseLease clears an entry's lease. With a non-empty leaseholderID the
// release only applies when it matches, so a slow worker never steals a
// lease reacquired by someone else.
func (r *Repository) ReleaseLease(ctx context.Context, notificationID, leaseholderID string) error {
	err := r.mutate(ctx, notificationID, func(e *Entry) bool {
		if e.LockedBy == "" {
			return false
		}
		if leaseholderID != "" && e.LockedBy != leaseholderID {
			return false
		}
		e.clearLease()
		return true
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// CleanupStaleLeases clears every lease acquired more than maxAge ago.
// Crash recovery: a dead worker's lease stops blocking its entries.
func (r *Repository) CleanupStaleLeases(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-maxAge)
	cleared := 0
	for _, key := range keys {
		err := r.mutate(ctx, key, func(e *Entry) bool {
			if e.LockAcquiredAt == nil || e.LockAcquiredAt.After(cutoff) {
				return false
			}
			e.clearLease()
			return true
		})
		if err == nil {
			cleared++
		} else if !errors.Is(err, errNoChange) && !errors.Is(err, storage.ErrNotFound) {
			return cleared, err
		}
	}
	return cleared, nil
}

// MarkSent finalizes an entry. Idempotent: marking an already-SENT entry
// is a no-op, so a duplicate delivery after lease loss cannot corrupt it.
func (r *Repository) MarkSent(ctx context.Context, notificationID string) error {
	err := r.mutate(ctx, notificationID, func(e *Entry) bool {
		if e.Status == StatusSent {
			return false
		}
		now := r.now().UTC()
		e.Status = StatusSent
		e.SentAt = &now
		e.LastError = ""
		e.clearLease()
		return true
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// MarkFailed records a delivery failure: the retry counter goes up, and
// the entry either backs off (2^(n-1) minutes) or goes terminally FAILED
// at the retry budget. permanent skips the remaining retries.
func (r *Repository) MarkFailed(ctx context.Context, notificationID string, sendErr error, permanent bool) error {
	err := r.mutate(ctx, notificationID, func(e *Entry) bool {
		if e.Status == StatusSent {
			return false
		}
		e.RetryCount++
		if sendErr != nil {
			e.LastError = sendErr.Error()
		}
		if permanent || e.RetryCount >= r.maxRetries {
			e.Status = StatusFailed
			e.NextRetry = nil
		} else {
			e.Status = StatusPending
			next := r.now().UTC().Add(backoff(e.RetryCount))
			e.NextRetry = &next
		}
		e.clearLease()
		return true
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// Requeue puts a FAILED entry back on the queue for immediate retry. An
// operator action, not part of the automatic path.
func (r *Repository) Requeue(ctx context.Context, notificationID string) error {
	err := r.mutate(ctx, notificationID, func(e *Entry) bool {
		if e.Status != StatusFailed {
			return false
		}
		now := r.now().UTC()
		e.Status = StatusPending
		e.NextRetry = &now
		return true
	})
	if errors.Is(err, errNoChange) {
		return fmt.Errorf("notification %s is not FAILED", notificationID)
	}
	return err
}

// backoff returns the exponential delay after the nth failure:
// 1, 2, 4, 8, ... minutes.
func backoff(retryCount int) time.Duration {
	return time.Duration(1<<(retryCount-1)) * time.Minute
}

var errNoChange = errors.New("no change")

// mutate applies fn to an entry under a small CAS retry loop. fn returns
// false to signal the entry should be left untouched.
func (r *Repository) mutate(ctx context.Context, notificationID string, fn func(*Entry) bool) error {
	for attempt := 0; attempt < 3; attempt++ {
		e, err := r.Get(ctx, notificationID)
		if err != nil {
			return err
		}
		if !fn(e) {
			return errNoChange
		}
		err = r.update(ctx, e)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("outbox update for %s: %w", notificationID, storage.ErrConflict)
}

func (r *Repository) update(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	rev, err := r.kv.Update(ctx, e.NotificationID, data, e.Version)
	if err != nil {
		return err
	}
	e.Version = rev
	return nil
}

func (e *Entry) clearLease() {
	e.LockedUntil = nil
	e.LockedBy = ""
	e.LockAcquiredAt = nil
}
