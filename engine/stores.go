package engine

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/outbox"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

// OpenStores opens or creates every core KV bucket and wires the store
// layer over them. publisher carries audit fan-out and may be nil.
func OpenStores(ctx context.Context, js jetstream.JetStream, publisher audit.Publisher, maxNotifyRetries int) (Stores, error) {
	buckets := map[string]*storage.JetStreamKV{}
	for _, name := range []string{
		storage.BucketWorkflows,
		storage.BucketWorkflowVersions,
		storage.BucketTickets,
		storage.BucketTicketSteps,
		storage.BucketApprovalTasks,
		storage.BucketAssignments,
		storage.BucketInfoRequests,
		storage.BucketOutbox,
		storage.BucketAuditEvents,
	} {
		kv, err := storage.OpenBucket(ctx, js, name)
		if err != nil {
			return Stores{}, err
		}
		buckets[name] = kv
	}

	return Stores{
		Tickets:      ticket.NewStore(buckets[storage.BucketTickets]),
		Steps:        ticket.NewStepStore(buckets[storage.BucketTicketSteps]),
		Approvals:    ticket.NewApprovalTaskStore(buckets[storage.BucketApprovalTasks]),
		Assignments:  ticket.NewAssignmentStore(buckets[storage.BucketAssignments]),
		InfoRequests: ticket.NewInfoRequestStore(buckets[storage.BucketInfoRequests]),
		Templates:    workflow.NewTemplateStore(buckets[storage.BucketWorkflows]),
		Versions:     workflow.NewVersionStore(buckets[storage.BucketWorkflowVersions]),
		Outbox:       outbox.NewRepository(buckets[storage.BucketOutbox], maxNotifyRetries),
		Audit:        audit.NewTrail(buckets[storage.BucketAuditEvents], publisher),
	}, nil
}
