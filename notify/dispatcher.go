package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/ticketflow/outbox"
)

// Dispatcher drains the outbox: it leases pending entries, renders them
// through the template registry, and hands the messages to the transport.
// Safe to run on multiple instances concurrently; the per-entry lease is
// the only coordination.
type Dispatcher struct {
	repo      *outbox.Repository
	registry  *Registry
	transport Transport
	logger    *slog.Logger

	// holder identifies this instance on leases.
	holder string

	leaseFor  time.Duration
	batchSize int
}

// NewDispatcher creates a dispatcher with a 60s lease and a batch of 50.
func NewDispatcher(repo *outbox.Repository, registry *Registry, transport Transport, logger *slog.Logger, holder string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:      repo,
		registry:  registry,
		transport: transport,
		logger:    logger,
		holder:    holder,
		leaseFor:  60 * time.Second,
		batchSize: 50,
	}
}

// ProcessPending delivers one batch of due entries. It returns how many
// were sent and how many failed this pass; an error means the batch
// itself could not be fetched.
func (d *Dispatcher) ProcessPending(ctx context.Context) (sent, failed int, err error) {
	entries, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch pending notifications: %w", err)
	}
	return d.deliver(ctx, entries)
}

// ProcessRetries redelivers one batch of entries whose retry backoff has
// elapsed, on the same per-entry path ProcessPending uses.
func (d *Dispatcher) ProcessRetries(ctx context.Context) (sent, failed int, err error) {
	entries, err := d.repo.FetchRetryReady(ctx, d.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch retry-ready notifications: %w", err)
	}
	return d.deliver(ctx, entries)
}

func (d *Dispatcher) deliver(ctx context.Context, entries []*outbox.Entry) (sent, failed int, err error) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		ok, err := d.dispatch(ctx, entry)
		if err != nil {
			d.logger.Error("Notification dispatch failed",
				"notification_id", entry.NotificationID,
				"template_key", entry.TemplateKey,
				"error", err)
			failed++
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, failed, nil
}

// dispatch delivers a single entry. (false, nil) means another instance
// holds the lease; (true, nil) means the entry was marked SENT.
func (d *Dispatcher) dispatch(ctx context.Context, entry *outbox.Entry) (bool, error) {
	acquired, err := d.repo.AcquireLease(ctx, entry.NotificationID, d.holder, d.leaseFor)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	subject, body, err := d.registry.Render(entry.TemplateKey, entry.Payload)
	if err != nil {
		// A template that cannot render will not render on retry either.
		if markErr := d.repo.MarkFailed(ctx, entry.NotificationID, err, true); markErr != nil {
			return false, markErr
		}
		return false, err
	}

	msg := &Message{
		MessageID:      MessageID(entry.NotificationID),
		NotificationID: entry.NotificationID,
		TemplateKey:    entry.TemplateKey,
		TicketID:       entry.TicketID,
		Recipients:     entry.Recipients,
		Subject:        subject,
		Body:           body,
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		if markErr := d.repo.MarkFailed(ctx, entry.NotificationID, err, IsPermanent(err)); markErr != nil {
			return false, markErr
		}
		return false, err
	}
	if err := d.repo.MarkSent(ctx, entry.NotificationID); err != nil {
		return false, err
	}
	return true, nil
}
