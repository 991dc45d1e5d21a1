// Package audit records one append-only event per engine-observable
// action and fans each event out on the audit stream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/storage"
)

// Event types recorded by the engine.
const (
	EventTicketCreated    = "TICKET_CREATED"
	EventFormSubmitted    = "FORM_SUBMITTED"
	EventStepActivated    = "STEP_ACTIVATED"
	EventApproved         = "APPROVED"
	EventRejected         = "REJECTED"
	EventSkipped          = "SKIPPED"
	EventVoteRecorded     = "VOTE_RECORDED"
	EventVoteIgnored      = "VOTE_IGNORED"
	EventTaskAssigned     = "TASK_ASSIGNED"
	EventTaskReassigned   = "TASK_REASSIGNED"
	EventTaskCompleted    = "TASK_COMPLETED"
	EventInfoRequested    = "INFO_REQUESTED"
	EventInfoResponded    = "INFO_RESPONDED"
	EventBranchCompleted  = "BRANCH_COMPLETED"
	EventJoinCompleted    = "JOIN_COMPLETED"
	EventSubWorkflowDone  = "SUB_WORKFLOW_COMPLETED"
	EventTicketCompleted  = "TICKET_COMPLETED"
	EventTicketRejected   = "TICKET_REJECTED"
	EventTicketCancelled  = "TICKET_CANCELLED"
	EventTicketHeld       = "TICKET_HELD"
	EventTicketResumed    = "TICKET_RESUMED"
	EventApproverUnset    = "APPROVER_RESOLUTION_FAILED"
	EventSLAReminder      = "SLA_REMINDER"
	EventSLAEscalation    = "SLA_ESCALATION"
	EventNotificationSent = "NOTIFICATION_ENQUEUED"
)

// Event is one append-only audit record.
type Event struct {
	AuditEventID  string                 `json:"audit_event_id"`
	TicketID      string                 `json:"ticket_id"`
	Seq           int                    `json:"seq"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         directory.UserSnapshot `json:"actor"`
	EventType     string                 `json:"event_type"`
	Details       map[string]any         `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewEventID generates an audit event ID.
func NewEventID() string {
	return fmt.Sprintf("aud-%s", uuid.New().String()[:8])
}

// Publisher fans audit events out on a stream. natsclient.Client's
// PublishToStream satisfies it; a nil publisher disables fan-out.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Trail persists audit events keyed "{ticket_id}.{seq}" so a ticket's
// history shares a key prefix and sorts by sequence.
type Trail struct {
	kv        storage.KV
	publisher Publisher
}

// NewTrail creates an audit trail over the given bucket. publisher may be
// nil when stream fan-out is not wired (unit tests, offline tooling).
func NewTrail(kv storage.KV, publisher Publisher) *Trail {
	return &Trail{kv: kv, publisher: publisher}
}

func eventKey(ticketID string, seq int) string {
	return fmt.Sprintf("%s.%06d", ticketID, seq)
}

// Append records an event, allocating the next sequence number for the
// ticket. Concurrent appenders race on Create and retry.
func (t *Trail) Append(ctx context.Context, e *Event) error {
	if e.AuditEventID == "" {
		e.AuditEventID = NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for attempt := 0; attempt < 5; attempt++ {
		seq, err := t.nextSeq(ctx, e.TicketID)
		if err != nil {
			return err
		}
		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		_, err = t.kv.Create(ctx, eventKey(e.TicketID, seq), data)
		if errors.Is(err, storage.ErrConflict) {
			continue // another appender took this seq
		}
		if err != nil {
			return fmt.Errorf("store audit event: %w", err)
		}
		t.publish(ctx, e, data)
		return nil
	}
	return fmt.Errorf("audit append for %s: %w", e.TicketID, storage.ErrConflict)
}

func (t *Trail) nextSeq(ctx context.Context, ticketID string) (int, error) {
	keys, err := t.kv.Keys(ctx)
	if err != nil {
		return 0, err
	}
	max := 0
	prefix := ticketID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(strings.TrimPrefix(key, prefix), "%d", &seq); err == nil && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

func (t *Trail) publish(ctx context.Context, e *Event, data []byte) {
	if t.publisher == nil {
		return
	}
	subject := fmt.Sprintf("ticket.audit.%s", e.TicketID)
	// Fan-out is best effort: the KV record is the durable copy.
	_ = t.publisher.PublishToStream(ctx, subject, data)
}

// List returns a ticket's audit history in sequence order.
func (t *Trail) List(ctx context.Context, ticketID string) ([]*Event, error) {
	keys, err := t.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, key := range keys {
		if !strings.HasPrefix(key, ticketID+".") {
			continue
		}
		entry, err := t.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Event
		if err := json.Unmarshal(entry.Value, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
