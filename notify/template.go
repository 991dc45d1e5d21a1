// Package notify renders outbox entries into messages and hands them to a
// transport. Templates ship as built-in defaults; operators override them
// with YAML files that hot-reload on change.
package notify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template keys the engine enqueues.
const (
	KeyTicketCreated   = "TICKET_CREATED"
	KeyApprovalPending = "APPROVAL_PENDING"
	KeyApproved        = "APPROVED"
	KeyRejected        = "REJECTED"
	KeyTaskAssigned    = "TASK_ASSIGNED"
	KeyTaskReassigned  = "TASK_REASSIGNED"
	KeyTaskCompleted   = "TASK_COMPLETED"
	KeyInfoRequested   = "INFO_REQUESTED"
	KeyInfoResponded   = "INFO_RESPONDED"
	KeyTicketCompleted = "TICKET_COMPLETED"
	KeyTicketRejected  = "TICKET_REJECTED"
	KeyTicketCancelled = "TICKET_CANCELLED"
	KeySLAReminder     = "SLA_REMINDER"
	KeySLAEscalation   = "SLA_ESCALATION"
)

// Template is one notification template: subject and body are Go
// text/template sources evaluated against the outbox payload.
type Template struct {
	Key     string `yaml:"key"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// defaultTemplates cover every key the engine emits, so a deployment
// without an override directory still renders something usable.
var defaultTemplates = []Template{
	{KeyTicketCreated, "Ticket {{.ticket_id}} created: {{.title}}", "{{.requester}} created ticket {{.ticket_id}} ({{.title}})."},
	{KeyApprovalPending, "Approval needed on {{.ticket_id}}", "Step {{.step_name}} of ticket {{.ticket_id}} is waiting for your approval."},
	{KeyApproved, "{{.ticket_id}}: {{.step_name}} approved", "{{.approver}} approved step {{.step_name}} on ticket {{.ticket_id}}.{{if .comment}} Comment: {{.comment}}{{end}}"},
	{KeyRejected, "{{.ticket_id}}: {{.step_name}} rejected", "{{.approver}} rejected step {{.step_name}} on ticket {{.ticket_id}}.{{if .comment}} Comment: {{.comment}}{{end}}"},
	{KeyTaskAssigned, "Task assigned on {{.ticket_id}}", "You were assigned to {{.step_name}} on ticket {{.ticket_id}}."},
	{KeyTaskReassigned, "Task reassigned on {{.ticket_id}}", "{{.step_name}} on ticket {{.ticket_id}} was reassigned to {{.agent}}.{{if .reason}} Reason: {{.reason}}{{end}}"},
	{KeyTaskCompleted, "{{.ticket_id}}: {{.step_name}} completed", "{{.agent}} completed {{.step_name}} on ticket {{.ticket_id}}."},
	{KeyInfoRequested, "Information requested on {{.ticket_id}}", "{{.requested_by}} asks: {{.question}}"},
	{KeyInfoResponded, "Information provided on {{.ticket_id}}", "{{.responded_by}} responded on ticket {{.ticket_id}}."},
	{KeyTicketCompleted, "Ticket {{.ticket_id}} completed", "Ticket {{.ticket_id}} ({{.title}}) finished successfully."},
	{KeyTicketRejected, "Ticket {{.ticket_id}} rejected", "Ticket {{.ticket_id}} ({{.title}}) was rejected."},
	{KeyTicketCancelled, "Ticket {{.ticket_id}} cancelled", "Ticket {{.ticket_id}} ({{.title}}) was cancelled.{{if .reason}} Reason: {{.reason}}{{end}}"},
	{KeySLAReminder, "Due soon: {{.step_name}} on {{.ticket_id}}", "Step {{.step_name}} on ticket {{.ticket_id}} is due at {{.due_at}}."},
	{KeySLAEscalation, "OVERDUE: {{.step_name}} on {{.ticket_id}}", "Step {{.step_name}} on ticket {{.ticket_id}} passed its due time {{.due_at}} without completion."},
}

// Registry holds the compiled template set. Reads take a shared lock so
// rendering stays cheap; reloads swap the whole map.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]compiled
	logger    *slog.Logger
}

// NewRegistry creates a registry preloaded with the built-in defaults.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{templates: map[string]compiled{}, logger: logger}
	for _, t := range defaultTemplates {
		c, err := compile(t)
		if err != nil {
			// Defaults are compile-checked by tests; a failure here is a
			// programming error.
			panic(fmt.Sprintf("built-in template %s: %v", t.Key, err))
		}
		r.templates[t.Key] = c
	}
	return r
}

func compile(t Template) (compiled, error) {
	subject, err := template.New(t.Key + ".subject").Parse(t.Subject)
	if err != nil {
		return compiled{}, fmt.Errorf("parse subject: %w", err)
	}
	body, err := template.New(t.Key + ".body").Parse(t.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("parse body: %w", err)
	}
	return compiled{subject: subject, body: body}, nil
}

// LoadDir reads every *.yaml file in dir and overrides matching templates.
// Unknown keys are accepted so operators can add custom notify-step
// templates. A missing directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	overrides := map[string]compiled{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var templates []Template
		if err := yaml.Unmarshal(data, &templates); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, t := range templates {
			c, err := compile(t)
			if err != nil {
				return fmt.Errorf("%s: template %s: %w", path, t.Key, err)
			}
			overrides[t.Key] = c
		}
	}

	r.mu.Lock()
	for key, c := range overrides {
		r.templates[key] = c
	}
	r.mu.Unlock()

	if len(overrides) > 0 {
		r.logger.Info("Notification templates loaded", "dir", dir, "count", len(overrides))
	}
	return nil
}

// Render evaluates a template against the payload.
func (r *Registry) Render(key string, payload map[string]any) (subject, body string, err error) {
	r.mu.RLock()
	c, ok := r.templates[key]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("unknown notification template %q", key)
	}

	var sb, bb strings.Builder
	if err := c.subject.Execute(&sb, payload); err != nil {
		return "", "", fmt.Errorf("render subject for %s: %w", key, err)
	}
	if err := c.body.Execute(&bb, payload); err != nil {
		return "", "", fmt.Errorf("render body for %s: %w", key, err)
	}
	return sb.String(), bb.String(), nil
}

// Has reports whether a template key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[key]
	return ok
}
