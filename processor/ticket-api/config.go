package ticketapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// apiSchema defines the configuration schema.
var apiSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the ticket-api component.
type Config struct {
	// StreamName is the JetStream stream carrying ticket commands.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// CommandSubject is the filter subject for inbound commands.
	CommandSubject string `json:"command_subject"`

	// ResultSubjectPrefix prefixes the per-ticket result subject.
	ResultSubjectPrefix string `json:"result_subject_prefix"`

	// MaxNotifyRetries is handed to the outbox repository.
	MaxNotifyRetries int `json:"max_notify_retries"`

	// DirectoryPath is an optional YAML roster used to resolve users when
	// no live directory integration is configured.
	DirectoryPath string `json:"directory_path,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:          "TICKET",
		ConsumerName:        "ticket-api",
		CommandSubject:      "ticket.event.>",
		ResultSubjectPrefix: "ticket.result",
		MaxNotifyRetries:    5,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "commands",
					Type:        "jetstream",
					Subject:     "ticket.event.>",
					StreamName:  "TICKET",
					Description: "Inbound ticket commands",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "results",
					Type:        "jetstream",
					Subject:     "ticket.result.>",
					StreamName:  "TICKET",
					Description: "Per-ticket command outcomes",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.CommandSubject == "" {
		return fmt.Errorf("command_subject is required")
	}
	if c.ResultSubjectPrefix == "" {
		return fmt.Errorf("result_subject_prefix is required")
	}
	if c.MaxNotifyRetries <= 0 {
		return fmt.Errorf("max_notify_retries must be positive")
	}
	return nil
}
