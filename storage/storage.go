// Package storage provides record storage for ticketflow using NATS KV.
//
// Every core collection lives in its own KV bucket and stores JSON
// documents. Writes that must be serialized use the bucket revision as an
// optimistic compare-and-swap: readers capture the revision alongside the
// document and Update fails with ErrConflict when another writer got there
// first.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each core collection.
const (
	BucketWorkflows        = "WORKFLOWS"
	BucketWorkflowVersions = "WORKFLOW_VERSIONS"
	BucketTickets          = "TICKETS"
	BucketTicketSteps      = "TICKET_STEPS"
	BucketApprovalTasks    = "APPROVAL_TASKS"
	BucketAssignments      = "ASSIGNMENTS"
	BucketInfoRequests     = "INFO_REQUESTS"
	BucketOutbox           = "NOTIFICATION_OUTBOX"
	BucketAuditEvents      = "AUDIT_EVENTS"
)

// Entry is a stored document together with the revision it was read at.
// The revision feeds back into Update for compare-and-swap writes.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is the narrow key-value contract the stores are written against.
// JetStreamKV adapts a jetstream.KeyValue bucket; MemKV provides an
// in-memory implementation for tests and local development.
type KV interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create inserts a new key and returns its revision. Returns
	// ErrConflict when the key already exists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Put writes a key unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes a key only when its current revision matches.
	// Returns ErrConflict on a revision mismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys in the bucket. An empty bucket yields an
	// empty slice, not an error.
	Keys(ctx context.Context) ([]string, error)
}

// JetStreamKV adapts a jetstream.KeyValue bucket to the KV contract,
// mapping the driver's errors onto the storage sentinels.
type JetStreamKV struct {
	kv jetstream.KeyValue
}

// NewJetStreamKV wraps an existing KV bucket.
func NewJetStreamKV(kv jetstream.KeyValue) *JetStreamKV {
	return &JetStreamKV{kv: kv}
}

// OpenBucket gets or creates the named KV bucket and wraps it.
func OpenBucket(ctx context.Context, js jetstream.JetStream, name string) (*JetStreamKV, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Ticketflow %s collection", strings.ToLower(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", name, err)
	}
	return NewJetStreamKV(kv), nil
}

// Get returns the entry for key.
func (j *JetStreamKV) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := j.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create inserts a new key.
func (j *JetStreamKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := j.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Put writes a key unconditionally.
func (j *JetStreamKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := j.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Update writes a key with a revision guard.
func (j *JetStreamKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := j.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongLastRevision(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key.
func (j *JetStreamKV) Delete(ctx context.Context, key string) error {
	if err := j.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all keys in the bucket.
func (j *JetStreamKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := j.kv.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// isWrongLastRevision reports whether err is the server's rejection of a
// compare-and-swap with a stale revision.
func isWrongLastRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
