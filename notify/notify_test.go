package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplatesCompileAndRender(t *testing.T) {
	registry := NewRegistry(nil)
	payload := map[string]any{
		"ticket_id": "tkt-abc12345", "title": "Laptop", "step_name": "Manager Approval",
		"requester": "user@corp.example", "approver": "boss@corp.example",
		"agent": "agent@corp.example", "comment": "ok", "reason": "dup",
		"question": "model?", "requested_by": "x", "responded_by": "y",
		"due_at": "2026-03-01T10:00:00Z",
	}
	for _, tpl := range defaultTemplates {
		subject, body, err := registry.Render(tpl.Key, payload)
		require.NoError(t, err, tpl.Key)
		assert.NotEmpty(t, subject, tpl.Key)
		assert.NotEmpty(t, body, tpl.Key)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	registry := NewRegistry(nil)
	_, _, err := registry.Render("NO_SUCH_KEY", nil)
	assert.Error(t, err)
}

func TestLoadDirOverridesAndAdds(t *testing.T) {
	dir := t.TempDir()
	content := `
- key: APPROVAL_PENDING
  subject: "Custom subject for {{.ticket_id}}"
  body: "Custom body"
- key: CUSTOM_STEP_TEMPLATE
  subject: "Hello"
  body: "World {{.ticket_id}}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overrides.yaml"), []byte(content), 0o644))

	registry := NewRegistry(nil)
	require.NoError(t, registry.LoadDir(dir))

	subject, _, err := registry.Render(KeyApprovalPending, map[string]any{"ticket_id": "tkt-1"})
	require.NoError(t, err)
	assert.Equal(t, "Custom subject for tkt-1", subject)

	assert.True(t, registry.Has("CUSTOM_STEP_TEMPLATE"))
	// Untouched defaults survive.
	assert.True(t, registry.Has(KeyTicketCompleted))
}

func TestLoadDirMissingDirIsFine(t *testing.T) {
	registry := NewRegistry(nil)
	assert.NoError(t, registry.LoadDir("/nonexistent/templates"))
}

func TestLoadDirRejectsBrokenTemplate(t *testing.T) {
	dir := t.TempDir()
	content := `
- key: BROKEN
  subject: "{{.unclosed"
  body: "x"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(content), 0o644))
	registry := NewRegistry(nil)
	assert.Error(t, registry.LoadDir(dir))
}

func TestMessageIDIsDeterministic(t *testing.T) {
	assert.Equal(t, "msg-abc12345", MessageID("ntf-abc12345"))
	assert.Equal(t, MessageID("ntf-abc12345"), MessageID("ntf-abc12345"))
}

type capturePublisher struct {
	subjects []string
	fail     bool
}

func (p *capturePublisher) PublishToStream(_ context.Context, subject string, _ []byte) error {
	if p.fail {
		return fmt.Errorf("nats: connection closed")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestNATSTransportSubjects(t *testing.T) {
	pub := &capturePublisher{}
	transport := NewNATSTransport(pub)

	msg := &Message{
		MessageID:      MessageID("ntf-abc12345"),
		NotificationID: "ntf-abc12345",
		TemplateKey:    KeyApproved,
		Recipients:     []string{"Boss@Corp.Example", "user@corp.example"},
		Subject:        "s",
		Body:           "b",
	}
	require.NoError(t, transport.Send(context.Background(), msg))
	assert.Equal(t, []string{
		"user.notify.boss_at_corp_example",
		"user.notify.user_at_corp_example",
	}, pub.subjects)
}

func TestNATSTransportErrorClassification(t *testing.T) {
	t.Run("publish failure is transient", func(t *testing.T) {
		transport := NewNATSTransport(&capturePublisher{fail: true})
		err := transport.Send(context.Background(), &Message{Recipients: []string{"a@b.c"}})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})

	t.Run("empty recipient is permanent", func(t *testing.T) {
		transport := NewNATSTransport(&capturePublisher{})
		err := transport.Send(context.Background(), &Message{Recipients: []string{"  "}})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("wrapped permanent error detected", func(t *testing.T) {
		err := fmt.Errorf("send: %w", &PermanentError{Err: errors.New("bad recipient")})
		assert.True(t, IsPermanent(err))
	})
}
