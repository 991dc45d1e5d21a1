package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is a rendered notification ready for delivery. MessageID is
// derived from the notification ID so redelivery after a lease loss
// produces the same ID and recipients can deduplicate.
type Message struct {
	MessageID      string   `json:"message_id"`
	NotificationID string   `json:"notification_id"`
	TemplateKey    string   `json:"template_key"`
	TicketID       string   `json:"ticket_id"`
	Recipients     []string `json:"recipients"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
}

// MessageID derives the deterministic delivery ID for a notification.
func MessageID(notificationID string) string {
	return "msg-" + strings.TrimPrefix(notificationID, "ntf-")
}

// PermanentError marks a delivery failure that retrying cannot fix
// (unknown recipient, rejected payload). The dispatcher fails the entry
// immediately instead of burning the retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Transport delivers rendered messages. Errors are transient unless
// wrapped in PermanentError.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// StreamPublisher is the slice of the NATS client the transport needs.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// NATSTransport publishes rendered messages on the notify stream, one
// message per recipient on user.notify.{recipient}.
type NATSTransport struct {
	publisher StreamPublisher
}

// NewNATSTransport creates the stream-backed transport.
func NewNATSTransport(publisher StreamPublisher) *NATSTransport {
	return &NATSTransport{publisher: publisher}
}

// Send publishes the message for each recipient. A malformed recipient is
// permanent; a publish failure is transient and retried by the outbox.
func (t *NATSTransport) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("marshal message %s: %w", msg.MessageID, err)}
	}
	for _, recipient := range msg.Recipients {
		token := subjectToken(recipient)
		if token == "" {
			return &PermanentError{Err: fmt.Errorf("empty recipient on message %s", msg.MessageID)}
		}
		subject := fmt.Sprintf("user.notify.%s", token)
		if err := t.publisher.PublishToStream(ctx, subject, data); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// subjectToken makes an email address safe as a NATS subject token.
func subjectToken(recipient string) string {
	token := strings.TrimSpace(strings.ToLower(recipient))
	token = strings.ReplaceAll(token, "@", "_at_")
	token = strings.ReplaceAll(token, ".", "_")
	token = strings.ReplaceAll(token, " ", "_")
	token = strings.ReplaceAll(token, ">", "")
	token = strings.ReplaceAll(token, "*", "")
	return token
}
