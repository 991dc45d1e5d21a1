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
)

// ApprovalTaskStatus is the lifecycle of a single parallel-approval vote.
type ApprovalTaskStatus string

// Approval task states.
const (
	ApprovalPending   ApprovalTaskStatus = "PENDING"
	ApprovalApproved  ApprovalTaskStatus = "APPROVED"
	ApprovalRejected  ApprovalTaskStatus = "REJECTED"
	ApprovalCancelled ApprovalTaskStatus = "CANCELLED"
)

// ApprovalTask is one voting member's slot on a parallel approval step.
type ApprovalTask struct {
	ApprovalTaskID string                 `json:"approval_task_id"`
	TicketID       string                 `json:"ticket_id"`
	TicketStepID   string                 `json:"ticket_step_id"`
	Approver       directory.UserSnapshot `json:"approver"`
	Status         ApprovalTaskStatus     `json:"status"`
	Comment        string                 `json:"comment,omitempty"`
	DecidedAt      *time.Time             `json:"decided_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`

	Version uint64 `json:"-"`
}

// Assignment records an agent being put on a task step, kept as history
// across reassignments.
type Assignment struct {
	AssignmentID string                 `json:"assignment_id"`
	TicketID     string                 `json:"ticket_id"`
	TicketStepID string                 `json:"ticket_step_id"`
	Agent        directory.UserSnapshot `json:"agent"`
	AssignedBy   directory.UserSnapshot `json:"assigned_by"`
	Reason       string                 `json:"reason,omitempty"`
	Active       bool                   `json:"active"`
	CreatedAt    time.Time              `json:"created_at"`

	Version uint64 `json:"-"`
}

// InfoRequestStatus is the lifecycle of an information request.
type InfoRequestStatus string

// Info request states. A step with an OPEN request cannot progress via
// its normal event until the request is responded to or cancelled.
const (
	InfoOpen      InfoRequestStatus = "OPEN"
	InfoResponded InfoRequestStatus = "RESPONDED"
	InfoCancelled InfoRequestStatus = "CANCELLED"
)

// InfoRequest is an outstanding question raised on a step.
type InfoRequest struct {
	InfoRequestID string                 `json:"info_request_id"`
	TicketID      string                 `json:"ticket_id"`
	TicketStepID  string                 `json:"ticket_step_id"`
	Question      string                 `json:"question"`
	Subject       string                 `json:"subject,omitempty"`
	RequestedBy   directory.UserSnapshot `json:"requested_by"`
	RequestedFrom directory.UserSnapshot `json:"requested_from"`
	Response      string                 `json:"response,omitempty"`
	Status        InfoRequestStatus      `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	RespondedAt   *time.Time             `json:"responded_at,omitempty"`

	Version uint64 `json:"-"`
}

// ID constructors for the satellite records.
func NewApprovalTaskID() string { return fmt.Sprintf("apt-%s", uuid.New().String()[:8]) }
func NewAssignmentID() string   { return fmt.Sprintf("asg-%s", uuid.New().String()[:8]) }
func NewInfoRequestID() string  { return fmt.Sprintf("ifr-%s", uuid.New().String()[:8]) }

// ApprovalTaskStore persists approval tasks keyed
// "{ticket_step_id}.{approval_task_id}".
type ApprovalTaskStore struct {
	kv storage.KV
}

// NewApprovalTaskStore creates the store over the given bucket.
func NewApprovalTaskStore(kv storage.KV) *ApprovalTaskStore {
	return &ApprovalTaskStore{kv: kv}
}

// Create inserts a new approval task.
func (s *ApprovalTaskStore) Create(ctx context.Context, t *ApprovalTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal approval task: %w", err)
	}
	key := fmt.Sprintf("%s.%s", t.TicketStepID, t.ApprovalTaskID)
	rev, err := s.kv.Create(ctx, key, data)
	if err != nil {
		return fmt.Errorf("store approval task %s: %w", t.ApprovalTaskID, err)
	}
	t.Version = rev
	return nil
}

// Update writes an approval task back using its captured revision.
func (s *ApprovalTaskStore) Update(ctx context.Context, t *ApprovalTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal approval task: %w", err)
	}
	key := fmt.Sprintf("%s.%s", t.TicketStepID, t.ApprovalTaskID)
	rev, err := s.kv.Update(ctx, key, data, t.Version)
	if err != nil {
		return err
	}
	t.Version = rev
	return nil
}

// ListByStep returns a step's approval tasks in creation order.
func (s *ApprovalTaskStore) ListByStep(ctx context.Context, ticketStepID string) ([]*ApprovalTask, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ApprovalTask
	for _, key := range keys {
		if !strings.HasPrefix(key, ticketStepID+".") {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var t ApprovalTask
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			continue
		}
		t.Version = entry.Revision
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AssignmentStore persists assignments keyed
// "{ticket_step_id}.{assignment_id}".
type AssignmentStore struct {
	kv storage.KV
}

// NewAssignmentStore creates the store over the given bucket.
func NewAssignmentStore(kv storage.KV) *AssignmentStore {
	return &AssignmentStore{kv: kv}
}

// Create inserts a new assignment record.
func (s *AssignmentStore) Create(ctx context.Context, a *Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	key := fmt.Sprintf("%s.%s", a.TicketStepID, a.AssignmentID)
	rev, err := s.kv.Create(ctx, key, data)
	if err != nil {
		return fmt.Errorf("store assignment %s: %w", a.AssignmentID, err)
	}
	a.Version = rev
	return nil
}

// Update writes an assignment back using its captured revision.
func (s *AssignmentStore) Update(ctx context.Context, a *Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	key := fmt.Sprintf("%s.%s", a.TicketStepID, a.AssignmentID)
	rev, err := s.kv.Update(ctx, key, data, a.Version)
	if err != nil {
		return err
	}
	a.Version = rev
	return nil
}

// ListByStep returns a step's assignment history in creation order.
func (s *AssignmentStore) ListByStep(ctx context.Context, ticketStepID string) ([]*Assignment, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Assignment
	for _, key := range keys {
		if !strings.HasPrefix(key, ticketStepID+".") {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var a Assignment
		if err := json.Unmarshal(entry.Value, &a); err != nil {
			continue
		}
		a.Version = entry.Revision
		out = append(out, &a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InfoRequestStore persists info requests keyed
// "{ticket_step_id}.{info_request_id}".
type InfoRequestStore struct {
	kv storage.KV
}

// NewInfoRequestStore creates the store over the given bucket.
func NewInfoRequestStore(kv storage.KV) *InfoRequestStore {
	return &InfoRequestStore{kv: kv}
}

// Create inserts a new info request.
func (s *InfoRequestStore) Create(ctx context.Context, r *InfoRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}
	key := fmt.Sprintf("%s.%s", r.TicketStepID, r.InfoRequestID)
	rev, err := s.kv.Create(ctx, key, data)
	if err != nil {
		return fmt.Errorf("store info request %s: %w", r.InfoRequestID, err)
	}
	r.Version = rev
	return nil
}

// Update writes an info request back using its captured revision.
func (s *InfoRequestStore) Update(ctx context.Context, r *InfoRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}
	key := fmt.Sprintf("%s.%s", r.TicketStepID, r.InfoRequestID)
	rev, err := s.kv.Update(ctx, key, data, r.Version)
	if err != nil {
		return err
	}
	r.Version = rev
	return nil
}

// ListByStep returns a step's info requests in creation order.
func (s *InfoRequestStore) ListByStep(ctx context.Context, ticketStepID string) ([]*InfoRequest, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*InfoRequest
	for _, key := range keys {
		if !strings.HasPrefix(key, ticketStepID+".") {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var r InfoRequest
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			continue
		}
		r.Version = entry.Revision
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// OpenRequest returns the step's OPEN info request, or nil.
func (s *InfoRequestStore) OpenRequest(ctx context.Context, ticketStepID string) (*InfoRequest, error) {
	requests, err := s.ListByStep(ctx, ticketStepID)
	if err != nil {
		return nil, err
	}
	for _, r := range requests {
		if r.Status == InfoOpen {
			return r, nil
		}
	}
	return nil, nil
}
