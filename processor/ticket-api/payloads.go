package ticketapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// Command names accepted on the command subject. They mirror the engine
// operations one to one.
const (
	CmdCreateTicket  = "CREATE_TICKET"
	CmdSubmitForm    = "SUBMIT_FORM"
	CmdApprove       = "APPROVE"
	CmdReject        = "REJECT"
	CmdSkipStep      = "SKIP_STEP"
	CmdCompleteTask  = "COMPLETE_TASK"
	CmdAssignAgent   = "ASSIGN_AGENT"
	CmdReassignAgent = "REASSIGN_AGENT"
	CmdRequestInfo   = "REQUEST_INFO"
	CmdRespondInfo   = "RESPOND_INFO"
	CmdCancelTicket  = "CANCEL_TICKET"
	CmdHoldTicket    = "HOLD_TICKET"
	CmdResumeTicket  = "RESUME_TICKET"
)

// CommandActor identifies who issued a command.
type CommandActor struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Command is one engine operation request. Only the fields the named
// command reads need to be set.
type Command struct {
	Command       string       `json:"command"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Actor         CommandActor `json:"actor"`

	TicketID     string `json:"ticket_id,omitempty"`
	TicketStepID string `json:"ticket_step_id,omitempty"`

	// CREATE_TICKET
	WorkflowID  string `json:"workflow_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// SUBMIT_FORM / COMPLETE_TASK; on CREATE_TICKET, Values seed the
	// ticket's initial form values.
	Values         map[string]any `json:"values,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	ExecutionNotes string         `json:"execution_notes,omitempty"`

	// APPROVE / REJECT / SKIP_STEP / REASSIGN / CANCEL / HOLD
	Comment string `json:"comment,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// REQUEST_INFO / RESPOND_INFO
	Question  string `json:"question,omitempty"`
	Response  string `json:"response,omitempty"`
	FromEmail string `json:"from_email,omitempty"`

	// ASSIGN_AGENT / REASSIGN_AGENT
	AgentEmail string `json:"agent_email,omitempty"`
}

// Schema returns the message type for this payload.
func (c *Command) Schema() message.Type {
	return CommandType
}

// Validate checks the envelope-level requirements; per-command field
// validation belongs to the engine.
func (c *Command) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Actor.Email == "" {
		return fmt.Errorf("actor.email is required")
	}
	if c.Command == CmdCreateTicket {
		if c.WorkflowID == "" {
			return fmt.Errorf("workflow_id is required for %s", CmdCreateTicket)
		}
		return nil
	}
	if c.TicketID == "" {
		return fmt.Errorf("ticket_id is required for %s", c.Command)
	}
	return nil
}

// MarshalJSON marshals the command to JSON.
func (c *Command) MarshalJSON() ([]byte, error) {
	type Alias Command
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the command from JSON.
func (c *Command) UnmarshalJSON(data []byte) error {
	type Alias Command
	return json.Unmarshal(data, (*Alias)(c))
}

// CommandType is the message type for ticket commands.
var CommandType = message.Type{
	Domain:   "ticket",
	Category: "command",
	Version:  "v1",
}

// Result reports the outcome of one command.
type Result struct {
	Command       string    `json:"command"`
	TicketID      string    `json:"ticket_id,omitempty"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Schema returns the message type for this payload.
func (r *Result) Schema() message.Type {
	return ResultType
}

// Validate validates the result.
func (r *Result) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("command is required")
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return fmt.Errorf("status must be %s or %s", StatusOK, StatusError)
	}
	return nil
}

// MarshalJSON marshals the result to JSON.
func (r *Result) MarshalJSON() ([]byte, error) {
	type Alias Result
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the result from JSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	type Alias Result
	return json.Unmarshal(data, (*Alias)(r))
}

// ResultType is the message type for command results.
var ResultType = message.Type{
	Domain:   "ticket",
	Category: "result",
	Version:  "v1",
}

// parseCommand accepts both BaseMessage-wrapped commands and raw command
// JSON, so scripted producers do not have to build the full envelope.
func parseCommand(data []byte) (*Command, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	body := data
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Payload) > 0 {
		body = envelope.Payload
	}

	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}
