package engine

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/notify"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
)

// SLAPolicy controls the overdue sweep cadence: how often a reminder
// repeats, how overdue a step must be before escalating, and how often
// the escalation repeats.
type SLAPolicy struct {
	ReminderEvery time.Duration
	EscalateAfter time.Duration
	EscalateEvery time.Duration
}

// DefaultSLAPolicy returns the production cadence.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		ReminderEvery: 30 * time.Minute,
		EscalateAfter: 2 * time.Hour,
		EscalateEvery: 4 * time.Hour,
	}
}

// SLAReport summarizes one sweep for logging and metrics.
type SLAReport struct {
	Overdue     int
	Reminders   int
	Escalations int
}

// SweepSLA walks every live, overdue step and enqueues reminders and
// escalations. The dedup markers live on the step record, so concurrent
// scheduler instances converge: the loser of the revision race skips the
// step this round.
func (e *Engine) SweepSLA(ctx context.Context, rctx RequestContext, policy SLAPolicy) (SLAReport, error) {
	var report SLAReport
	now := e.now().UTC()

	steps, err := e.stores.Steps.List(ctx, func(s *ticket.Step) bool {
		return s.State.Live() && s.State != ticket.StateOnHold &&
			s.DueAt != nil && s.DueAt.Before(now)
	})
	if err != nil {
		return report, err
	}

	tx := newTxn(rctx)
	tickets := map[string]*ticket.Ticket{}
	for _, step := range steps {
		t, ok := tickets[step.TicketID]
		if !ok {
			t, err = e.stores.Tickets.Get(ctx, step.TicketID)
			if err != nil {
				continue
			}
			tickets[step.TicketID] = t
		}
		if t.Status != ticket.StatusOpen {
			continue
		}
		report.Overdue++

		overdue := now.Sub(*step.DueAt)
		changed := false

		if step.Data.LastReminderAt == nil || now.Sub(*step.Data.LastReminderAt) >= policy.ReminderEvery {
			recipients := resolveRecipients(overdueRecipients(step), t, step)
			if len(recipients) > 0 {
				payload := stepPayload(t, step)
				payload["overdue_minutes"] = int(overdue.Minutes())
				tx.notify(t.TicketID, notify.KeySLAReminder, recipients, payload)
				tx.audit(t.TicketID, audit.EventSLAReminder, map[string]any{
					"ticket_step_id": step.TicketStepID,
				})
				reminderAt := now
				step.Data.LastReminderAt = &reminderAt
				changed = true
				report.Reminders++
			}
		}

		if overdue >= policy.EscalateAfter &&
			(step.Data.LastEscalationAt == nil || now.Sub(*step.Data.LastEscalationAt) >= policy.EscalateEvery) {
			recipients := resolveRecipients([]string{recipientManager}, t, step)
			if len(recipients) > 0 {
				payload := stepPayload(t, step)
				payload["overdue_minutes"] = int(overdue.Minutes())
				tx.notify(t.TicketID, notify.KeySLAEscalation, recipients, payload)
				tx.audit(t.TicketID, audit.EventSLAEscalation, map[string]any{
					"ticket_step_id": step.TicketStepID,
				})
				escalatedAt := now
				step.Data.LastEscalationAt = &escalatedAt
				changed = true
				report.Escalations++
			}
		}

		if !changed {
			continue
		}
		if err := e.stores.Steps.Update(ctx, step); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Another instance swept this step first.
				e.log(rctx).Debug("SLA marker update lost a race", "ticket_step_id", step.TicketStepID)
				continue
			}
			return report, err
		}
	}

	return report, e.flush(ctx, tx)
}

// overdueRecipients picks who gets nagged, by what the step is waiting on.
func overdueRecipients(step *ticket.Step) []string {
	switch step.State {
	case ticket.StateWaitingForApproval:
		return []string{recipientApprovers}
	case ticket.StateWaitingAssignment:
		return []string{recipientManager}
	default:
		if step.AssignedTo != nil {
			return []string{recipientAgent}
		}
		return []string{recipientRequester}
	}
}
