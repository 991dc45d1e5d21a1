// Package ticketapi tests cover command parsing, the engine dispatch
// table run against in-memory stores, result publication, configuration
// validation, and component lifecycle. Paths that need a live NATS
// cluster (durable consumers, stream provisioning) are integration tests
// and not included here.
package ticketapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/ticketflow/audit"
	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/engine"
	"github.com/c360studio/ticketflow/outbox"
	"github.com/c360studio/ticketflow/storage"
	"github.com/c360studio/ticketflow/ticket"
	"github.com/c360studio/ticketflow/workflow"
)

func TestNewComponent_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{invalid json}`),
			wantErr:   true,
		},
		{
			name:      "negative max_notify_retries",
			rawConfig: json.RawMessage(`{"max_notify_retries":-1}`),
			wantErr:   true,
		},
		{
			name:      "empty config gets defaults",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			_, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCommand_Formats(t *testing.T) {
	raw := []byte(`{"command":"CANCEL_TICKET","ticket_id":"tkt-0001","reason":"dup","actor":{"email":"alice@corp.example"}}`)

	cmd, err := parseCommand(raw)
	if err != nil {
		t.Fatalf("parseCommand(raw) error = %v", err)
	}
	if cmd.Command != CmdCancelTicket || cmd.TicketID != "tkt-0001" {
		t.Errorf("parsed command = %+v", cmd)
	}

	// BaseMessage-wrapped commands unwrap to the same payload.
	inner := &Command{
		Command:  CmdHoldTicket,
		TicketID: "tkt-0002",
		Actor:    CommandActor{Email: "bob@corp.example"},
	}
	wire, err := json.Marshal(message.NewBaseMessage(CommandType, inner, "test"))
	if err != nil {
		t.Fatal(err)
	}
	cmd, err = parseCommand(wire)
	if err != nil {
		t.Fatalf("parseCommand(wrapped) error = %v", err)
	}
	if cmd.Command != CmdHoldTicket || cmd.TicketID != "tkt-0002" {
		t.Errorf("parsed wrapped command = %+v", cmd)
	}
}

func TestParseCommand_Validation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not JSON", raw: `{nope}`},
		{name: "missing command", raw: `{"ticket_id":"tkt-0001","actor":{"email":"a@b.c"}}`},
		{name: "missing actor", raw: `{"command":"APPROVE","ticket_id":"tkt-0001"}`},
		{name: "missing ticket_id", raw: `{"command":"APPROVE","actor":{"email":"a@b.c"}}`},
		{name: "create without workflow_id", raw: `{"command":"CREATE_TICKET","actor":{"email":"a@b.c"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCommand([]byte(tt.raw)); err == nil {
				t.Error("parseCommand() should return error")
			}
		})
	}
}

// recordingPublisher captures published results.
type recordingPublisher struct {
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

// newEngineFixture wires the dispatch table to in-memory stores with one
// published two-step workflow.
func newEngineFixture(t *testing.T) (*Component, string, engine.Stores) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	templates := workflow.NewTemplateStore(storage.NewMemKV())
	versions := workflow.NewVersionStore(storage.NewMemKV())
	stores := engine.Stores{
		Tickets:      ticket.NewStore(storage.NewMemKV()),
		Steps:        ticket.NewStepStore(storage.NewMemKV()),
		Approvals:    ticket.NewApprovalTaskStore(storage.NewMemKV()),
		Assignments:  ticket.NewAssignmentStore(storage.NewMemKV()),
		InfoRequests: ticket.NewInfoRequestStore(storage.NewMemKV()),
		Templates:    templates,
		Versions:     versions,
		Outbox:       outbox.NewRepository(storage.NewMemKV(), 5),
		Audit:        audit.NewTrail(storage.NewMemKV(), nil),
	}

	dir := directory.NewStatic().
		AddUser("u-001", "alice@corp.example", "Alice").
		AddUser("u-002", "bob@corp.example", "Bob").
		SetManager("alice@corp.example", "bob@corp.example")

	svc := workflow.NewService(templates, versions)
	ctx := context.Background()
	tmpl, err := svc.CreateTemplate(ctx, "access-request", "", "it", directory.UserSnapshot{Email: "bob@corp.example"})
	if err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}
	def := &workflow.Definition{
		Steps: []workflow.StepDef{
			{StepID: "request", StepName: "Request", StepType: workflow.StepTypeForm, IsStart: true, Order: 1,
				Form: &workflow.FormConfig{Fields: []workflow.FormField{
					{FieldKey: "system", Type: workflow.FieldText, Required: true},
				}}},
			{StepID: "grant", StepName: "Grant", StepType: workflow.StepTypeApproval, IsTerminal: true, Order: 2,
				Approval: &workflow.ApprovalConfig{Resolution: workflow.ResolveRequesterManager}},
		},
		Transitions: []workflow.TransitionDef{
			{TransitionID: "t1", FromStepID: "request", ToStepID: "grant", OnEvent: workflow.EventSubmitForm},
		},
	}
	if _, result, err := svc.SaveDraft(ctx, tmpl.WorkflowID, def); err != nil || !result.IsValid {
		t.Fatalf("SaveDraft() err = %v, valid = %v", err, result != nil && result.IsValid)
	}
	if _, err := svc.Publish(ctx, tmpl.WorkflowID, directory.UserSnapshot{Email: "bob@corp.example"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	c := &Component{
		name:      "ticket-api",
		config:    DefaultConfig(),
		logger:    logger,
		directory: dir,
		engine:    engine.New(stores, dir, logger),
		publisher: &recordingPublisher{},
	}
	return c, tmpl.WorkflowID, stores
}

// stepInstanceID resolves a ticket's step instance for a definition step.
func stepInstanceID(t *testing.T, stores engine.Stores, ticketID, stepID string) string {
	t.Helper()
	steps, err := stores.Steps.List(context.Background(), func(s *ticket.Step) bool {
		return s.TicketID == ticketID && s.StepID == stepID
	})
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("found %d instances of %s, want 1", len(steps), stepID)
	}
	return steps[0].TicketStepID
}

func actor(email string, roles ...string) CommandActor {
	return CommandActor{Email: email, Roles: roles}
}

func TestExecute_CreateAndDrive(t *testing.T) {
	c, wfID, stores := newEngineFixture(t)
	ctx := context.Background()

	result := c.execute(ctx, &Command{
		Command:    CmdCreateTicket,
		WorkflowID: wfID,
		Title:      "Prod DB access",
		Actor:      actor("alice@corp.example"),
	})
	if result.Status != StatusOK {
		t.Fatalf("CREATE_TICKET result = %+v", result)
	}
	if result.TicketID == "" {
		t.Fatal("CREATE_TICKET should return the new ticket ID")
	}
	ticketID := result.TicketID

	result = c.execute(ctx, &Command{
		Command:      CmdSubmitForm,
		TicketID:     ticketID,
		TicketStepID: stepInstanceID(t, stores, ticketID, "request"),
		Values:       map[string]any{"system": "warehouse"},
		Actor:        actor("alice@corp.example"),
	})
	if result.Status != StatusOK {
		t.Fatalf("SUBMIT_FORM result = %+v", result)
	}

	result = c.execute(ctx, &Command{
		Command:      CmdApprove,
		TicketID:     ticketID,
		TicketStepID: stepInstanceID(t, stores, ticketID, "grant"),
		Comment:      "fine by me",
		Actor:        actor("bob@corp.example"),
	})
	if result.Status != StatusOK {
		t.Fatalf("APPROVE result = %+v", result)
	}

	stored, err := stores.Tickets.Get(ctx, ticketID)
	if err != nil {
		t.Fatalf("Get ticket: %v", err)
	}
	if stored.Status != ticket.StatusCompleted {
		t.Errorf("ticket status = %s, want %s", stored.Status, ticket.StatusCompleted)
	}

	// A terminal ticket refuses further commands.
	result = c.execute(ctx, &Command{
		Command:  CmdCancelTicket,
		TicketID: ticketID,
		Reason:   "too late",
		Actor:    actor("alice@corp.example"),
	})
	if result.Status != StatusError || result.ErrorCode != "INVALID_STATE" {
		t.Fatalf("CANCEL_TICKET on completed ticket = %+v", result)
	}
}

func TestExecute_CreateSeedsInitialValues(t *testing.T) {
	c, wfID, stores := newEngineFixture(t)
	ctx := context.Background()

	result := c.execute(ctx, &Command{
		Command:    CmdCreateTicket,
		WorkflowID: wfID,
		Title:      "Prod DB access",
		Values:     map[string]any{"system": "warehouse", "reason": "audit"},
		Actor:      actor("alice@corp.example"),
	})
	if result.Status != StatusOK {
		t.Fatalf("CREATE_TICKET result = %+v", result)
	}

	stored, err := stores.Tickets.Get(ctx, result.TicketID)
	if err != nil {
		t.Fatalf("Get ticket: %v", err)
	}
	if got := stored.FormValues["system"]; got != "warehouse" {
		t.Errorf("form_values[system] = %v, want warehouse", got)
	}
	if _, ok := stored.FormValues["reason"]; ok {
		t.Error("undeclared keys should not seed form values")
	}
}

func TestExecute_ErrorMapping(t *testing.T) {
	c, wfID, _ := newEngineFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      *Command
		wantCode string
	}{
		{
			name:     "unknown command",
			cmd:      &Command{Command: "EXPLODE", TicketID: "tkt-0001", Actor: actor("alice@corp.example")},
			wantCode: "VALIDATION",
		},
		{
			name:     "missing workflow",
			cmd:      &Command{Command: CmdCreateTicket, WorkflowID: "wf-missing", Title: "x", Actor: actor("alice@corp.example")},
			wantCode: "NOT_FOUND",
		},
		{
			name:     "missing ticket",
			cmd:      &Command{Command: CmdCancelTicket, TicketID: "tkt-missing", Actor: actor("alice@corp.example")},
			wantCode: "NOT_FOUND",
		},
		{
			name:     "create without title",
			cmd:      &Command{Command: CmdCreateTicket, WorkflowID: wfID, Actor: actor("alice@corp.example")},
			wantCode: "VALIDATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.execute(ctx, tt.cmd)
			if result.Status != StatusError {
				t.Fatalf("result.Status = %s, want error", result.Status)
			}
			if result.ErrorCode != tt.wantCode {
				t.Errorf("result.ErrorCode = %s, want %s", result.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestExecute_FillsCorrelationID(t *testing.T) {
	c, wfID, _ := newEngineFixture(t)

	result := c.execute(context.Background(), &Command{
		Command:    CmdCreateTicket,
		WorkflowID: wfID,
		Title:      "x",
		Actor:      actor("alice@corp.example"),
	})
	if result.CorrelationID == "" {
		t.Error("execute() should assign a correlation ID when absent")
	}

	result = c.execute(context.Background(), &Command{
		Command:       CmdCreateTicket,
		WorkflowID:    wfID,
		Title:         "y",
		CorrelationID: "corr-42",
		Actor:         actor("alice@corp.example"),
	})
	if result.CorrelationID != "corr-42" {
		t.Errorf("CorrelationID = %s, want corr-42", result.CorrelationID)
	}
}

func TestPublishResult_SubjectRouting(t *testing.T) {
	pub := &recordingPublisher{}
	c := &Component{
		config:    DefaultConfig(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		publisher: pub,
	}
	ctx := context.Background()

	if err := c.publishResult(ctx, &Result{Command: CmdApprove, TicketID: "tkt-0001", Status: StatusOK, Timestamp: time.Now()}); err != nil {
		t.Fatalf("publishResult() error = %v", err)
	}
	if err := c.publishResult(ctx, &Result{Command: CmdCreateTicket, Status: StatusError, ErrorCode: "VALIDATION", Timestamp: time.Now()}); err != nil {
		t.Fatalf("publishResult() error = %v", err)
	}

	if len(pub.subjects) != 2 {
		t.Fatalf("published %d results, want 2", len(pub.subjects))
	}
	if pub.subjects[0] != "ticket.result.tkt-0001" {
		t.Errorf("subject = %s, want ticket.result.tkt-0001", pub.subjects[0])
	}
	if pub.subjects[1] != "ticket.result.unrouted" {
		t.Errorf("subject = %s, want ticket.result.unrouted", pub.subjects[1])
	}

	// The wire format is a BaseMessage wrapping the result payload.
	var envelope struct {
		Payload Result `json:"payload"`
	}
	if err := json.Unmarshal(pub.payloads[0], &envelope); err != nil {
		t.Fatalf("unmarshal published result: %v", err)
	}
	if envelope.Payload.TicketID != "tkt-0001" {
		t.Errorf("published TicketID = %s, want tkt-0001", envelope.Payload.TicketID)
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	c := &Component{
		name:   "ticket-api",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	if err := c.Initialize(); err != nil {
		t.Errorf("Initialize() error = %v, want nil", err)
	}

	if err := c.Stop(time.Second); err != nil {
		t.Error("Stop() should not error when already stopped")
	}
}

func TestComponent_StartWithoutNATSClient(t *testing.T) {
	c := &Component{
		name:   "ticket-api",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() should return error when NATS client is nil")
	}

	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if running {
		t.Error("Component should not be running after failed start")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "empty stream_name", mutate: func(c *Config) { c.StreamName = "" }, wantErr: true},
		{name: "empty consumer_name", mutate: func(c *Config) { c.ConsumerName = "" }, wantErr: true},
		{name: "empty command_subject", mutate: func(c *Config) { c.CommandSubject = "" }, wantErr: true},
		{name: "empty result_subject_prefix", mutate: func(c *Config) { c.ResultSubjectPrefix = "" }, wantErr: true},
		{name: "zero max_notify_retries", mutate: func(c *Config) { c.MaxNotifyRetries = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResult_Validate(t *testing.T) {
	ok := &Result{Command: CmdApprove, Status: StatusOK}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (&Result{Status: StatusOK}).Validate(); err == nil {
		t.Error("Validate() should reject missing command")
	}
	if err := (&Result{Command: CmdApprove, Status: "meh"}).Validate(); err == nil {
		t.Error("Validate() should reject unknown status")
	}
}

func TestCommandSchema(t *testing.T) {
	cmd := &Command{}
	if got := cmd.Schema(); got.Domain != "ticket" || got.Category != "command" {
		t.Errorf("Command.Schema() = %+v", got)
	}
	res := &Result{}
	if got := res.Schema(); got.Domain != "ticket" || got.Category != "result" {
		t.Errorf("Result.Schema() = %+v", got)
	}
}

func TestComponent_Meta(t *testing.T) {
	c := &Component{name: "ticket-api"}

	meta := c.Meta()
	if meta.Name != "ticket-api" {
		t.Errorf("Meta.Name = %q, want %q", meta.Name, "ticket-api")
	}
	if meta.Type != "processor" {
		t.Errorf("Meta.Type = %q, want %q", meta.Type, "processor")
	}
	if meta.Description == "" {
		t.Error("Meta.Description should not be empty")
	}
}

func TestComponent_Ports(t *testing.T) {
	c := &Component{config: DefaultConfig()}

	inputs := c.InputPorts()
	if len(inputs) != 1 {
		t.Fatalf("InputPorts count = %d, want 1", len(inputs))
	}
	if inputs[0].Name != "commands" {
		t.Errorf("InputPorts[0].Name = %q, want commands", inputs[0].Name)
	}

	outputs := c.OutputPorts()
	if len(outputs) != 1 {
		t.Fatalf("OutputPorts count = %d, want 1", len(outputs))
	}
	if !strings.HasPrefix(outputs[0].Name, "results") {
		t.Errorf("OutputPorts[0].Name = %q, want results", outputs[0].Name)
	}
}
