// Package ticket holds the runtime model: live tickets, their step
// instances, and the satellite records (approval votes, assignments,
// info requests) the engine maintains alongside them.
package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/storage"
)

// Status is the lifecycle state of a ticket.
type Status string

// Ticket states.
const (
	StatusOpen      Status = "OPEN"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusOnHold    Status = "ON_HOLD"
)

// Terminal reports whether a ticket in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// Ticket is a live workflow instance.
type Ticket struct {
	TicketID              string `json:"ticket_id"`
	WorkflowID            string `json:"workflow_id"`
	WorkflowVersionNumber int    `json:"workflow_version_number"`
	Title                 string `json:"title"`
	Description           string `json:"description,omitempty"`
	Status                Status `json:"status"`

	Requester directory.UserSnapshot `json:"requester"`

	// ManagerSnapshot is resolved once at creation and may be the
	// unresolved fallback when the directory was unavailable.
	ManagerSnapshot directory.UserSnapshot `json:"manager_snapshot"`

	// FormValues is the shared value map every form and task step reads
	// and writes. Repeating sections store arrays of row maps keyed by
	// row_id; task outputs land under "{step_id}." prefixed keys.
	FormValues map[string]any `json:"form_values"`

	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Version uint64 `json:"-"` // KV revision
}

// NewTicketID generates a ticket ID.
func NewTicketID() string {
	return fmt.Sprintf("tkt-%s", uuid.New().String()[:8])
}

// Store persists tickets in the TICKETS bucket, keyed by ticket ID.
type Store struct {
	kv storage.KV
}

// NewStore creates a ticket store over the given bucket.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// Create inserts a new ticket.
func (s *Store) Create(ctx context.Context, t *Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	rev, err := s.kv.Create(ctx, t.TicketID, data)
	if err != nil {
		return fmt.Errorf("store ticket %s: %w", t.TicketID, err)
	}
	t.Version = rev
	return nil
}

// Get retrieves a ticket.
func (s *Store) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	entry, err := s.kv.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return nil, fmt.Errorf("unmarshal ticket %s: %w", ticketID, err)
	}
	t.Version = entry.Revision
	return &t, nil
}

// Update writes a ticket back using its captured revision.
func (s *Store) Update(ctx context.Context, t *Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	rev, err := s.kv.Update(ctx, t.TicketID, data, t.Version)
	if err != nil {
		return err
	}
	t.Version = rev
	return nil
}

// List returns every ticket matching the filter; a nil filter matches all.
func (s *Store) List(ctx context.Context, filter func(*Ticket) bool) ([]*Ticket, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var t Ticket
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			continue
		}
		t.Version = entry.Revision
		if filter == nil || filter(&t) {
			out = append(out, &t)
		}
	}
	return out, nil
}
