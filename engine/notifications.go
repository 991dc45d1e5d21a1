package engine

import (
	"strings"

	"github.com/c360studio/ticketflow/notify"
	"github.com/c360studio/ticketflow/ticket"
)

// Symbolic recipient names accepted in notify-step configs.
const (
	recipientRequester = "requester"
	recipientApprovers = "approvers"
	recipientAgent     = "assigned_agent"
	recipientManager   = "manager"
)

// resolveRecipients expands symbolic recipient names against the ticket
// and step. Literal email addresses pass through; unresolvable symbols
// drop silently rather than failing the event.
func resolveRecipients(symbols []string, t *ticket.Ticket, step *ticket.Step) []string {
	seen := map[string]bool{}
	var out []string
	add := func(email string) {
		email = strings.TrimSpace(email)
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		out = append(out, email)
	}

	for _, symbol := range symbols {
		switch symbol {
		case recipientRequester:
			add(t.Requester.Email)
		case recipientManager:
			if !t.ManagerSnapshot.Unresolved {
				add(t.ManagerSnapshot.Email)
			}
		case recipientApprovers:
			if step != nil {
				for _, a := range step.Data.Approvers {
					add(a.Email)
				}
			}
		case recipientAgent:
			if step != nil && step.AssignedTo != nil {
				add(step.AssignedTo.Email)
			}
		default:
			if strings.Contains(symbol, "@") {
				add(symbol)
			}
		}
	}
	return out
}

// ticketPayload is the base template payload for a ticket-scoped
// notification.
func ticketPayload(t *ticket.Ticket) map[string]any {
	return map[string]any{
		"ticket_id": t.TicketID,
		"title":     t.Title,
		"requester": t.Requester.Email,
	}
}

// stepPayload extends the ticket payload with step identity.
func stepPayload(t *ticket.Ticket, step *ticket.Step) map[string]any {
	payload := ticketPayload(t)
	payload["step_name"] = step.StepName
	payload["ticket_step_id"] = step.TicketStepID
	if step.DueAt != nil {
		payload["due_at"] = step.DueAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return payload
}

// notifyApprovalPending enqueues the pending-approval notification for a
// freshly activated approval step.
func (tx *txn) notifyApprovalPending(t *ticket.Ticket, step *ticket.Step) {
	recipients := resolveRecipients([]string{recipientApprovers}, t, step)
	tx.notify(t.TicketID, notify.KeyApprovalPending, recipients, stepPayload(t, step))
}
