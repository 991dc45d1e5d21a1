// Package ticketapi provides the NATS command surface for the ticket
// engine: a JetStream consumer turns command payloads into engine calls
// and publishes per-ticket outcomes.
package ticketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/engine"
)

// streamPublisher is the slice of the NATS client the result path needs.
type streamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Component implements the ticket-api processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	directory directory.Directory

	// Built on Start once JetStream is reachable.
	engine    *engine.Engine
	publisher streamPublisher

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	commandsProcessed atomic.Int64
	commandsFailed    atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewComponent creates a new ticket-api processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.CommandSubject == "" {
		config.CommandSubject = defaults.CommandSubject
	}
	if config.ResultSubjectPrefix == "" {
		config.ResultSubjectPrefix = defaults.ResultSubjectPrefix
	}
	if config.MaxNotifyRetries == 0 {
		config.MaxNotifyRetries = defaults.MaxNotifyRetries
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	var dir directory.Directory = directory.NewStatic()
	if config.DirectoryPath != "" {
		loaded, err := directory.LoadFile(config.DirectoryPath)
		if err != nil {
			logger.Warn("Failed to load directory roster, resolution will degrade",
				"path", config.DirectoryPath,
				"error", err)
		} else {
			dir = loaded
		}
	}

	return &Component{
		name:       "ticket-api",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		directory:  dir,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized ticket-api",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"command_subject", c.config.CommandSubject)
	return nil
}

// Start opens the KV buckets and begins consuming commands.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stores, err := engine.OpenStores(subCtx, js, c.natsClient, c.config.MaxNotifyRetries)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open stores: %w", err)
	}
	c.engine = engine.New(stores, c.directory, c.logger)
	c.publisher = c.natsClient

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}
	c.stream = stream

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, consumerConfig)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("ticket-api started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.CommandSubject)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes messages from the JetStream consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleCommand(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleCommand processes a single command message.
func (c *Component) handleCommand(ctx context.Context, msg jetstream.Msg) {
	c.commandsProcessed.Add(1)
	c.updateLastActivity()

	cmd, err := parseCommand(msg.Data())
	if err != nil {
		c.commandsFailed.Add(1)
		c.logger.Error("Failed to parse command", "subject", msg.Subject(), "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	result := c.execute(ctx, cmd)
	if result.Status == StatusError {
		c.commandsFailed.Add(1)
		c.logger.Warn("Command rejected",
			"command", cmd.Command,
			"ticket_id", result.TicketID,
			"code", result.ErrorCode,
			"error", result.Error)
	}

	if err := c.publishResult(ctx, result); err != nil {
		c.logger.Warn("Failed to publish result",
			"command", cmd.Command,
			"ticket_id", result.TicketID,
			"error", err)
	}

	// Concurrency losses may succeed on redelivery; everything else is
	// settled by the published result.
	if result.ErrorCode == string(engine.CodeConcurrency) {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// execute runs one command against the engine and shapes the outcome.
func (c *Component) execute(ctx context.Context, cmd *Command) *Result {
	rctx := engine.RequestContext{
		CorrelationID: cmd.CorrelationID,
		Actor: engine.Actor{
			UserSnapshot: directory.UserSnapshot{
				Email:       cmd.Actor.Email,
				DisplayName: cmd.Actor.DisplayName,
			},
			Roles: cmd.Actor.Roles,
		},
	}
	if rctx.CorrelationID == "" {
		rctx.CorrelationID = uuid.New().String()
	}

	result := &Result{
		Command:       cmd.Command,
		TicketID:      cmd.TicketID,
		Status:        StatusOK,
		CorrelationID: rctx.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}

	var err error
	switch cmd.Command {
	case CmdCreateTicket:
		t, createErr := c.engine.CreateTicket(ctx, rctx, engine.CreateTicketRequest{
			WorkflowID:        cmd.WorkflowID,
			Title:             cmd.Title,
			Description:       cmd.Description,
			InitialFormValues: cmd.Values,
		})
		err = createErr
		if t != nil {
			result.TicketID = t.TicketID
		}
	case CmdSubmitForm:
		err = c.engine.SubmitForm(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Values)
	case CmdApprove:
		err = c.engine.Approve(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Comment)
	case CmdReject:
		err = c.engine.Reject(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Comment)
	case CmdSkipStep:
		err = c.engine.Skip(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Reason)
	case CmdCompleteTask:
		err = c.engine.CompleteTask(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.ExecutionNotes, cmd.Outputs)
	case CmdAssignAgent:
		err = c.engine.AssignAgent(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.AgentEmail)
	case CmdReassignAgent:
		err = c.engine.ReassignAgent(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.AgentEmail, cmd.Reason)
	case CmdRequestInfo:
		err = c.engine.RequestInfo(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Question, cmd.FromEmail)
	case CmdRespondInfo:
		err = c.engine.RespondInfo(ctx, rctx, cmd.TicketID, cmd.TicketStepID, cmd.Response)
	case CmdCancelTicket:
		err = c.engine.CancelTicket(ctx, rctx, cmd.TicketID, cmd.Reason)
	case CmdHoldTicket:
		err = c.engine.HoldTicket(ctx, rctx, cmd.TicketID, cmd.Reason)
	case CmdResumeTicket:
		err = c.engine.ResumeTicket(ctx, rctx, cmd.TicketID)
	default:
		err = engine.Errorf(engine.CodeValidation, "unknown command %q", cmd.Command)
	}

	if err != nil {
		ee := engine.AsEngineError(err)
		result.Status = StatusError
		result.ErrorCode = string(ee.Code)
		result.Error = ee.Message
	}
	return result
}

// publishResult fans the outcome out on the per-ticket result subject.
func (c *Component) publishResult(ctx context.Context, result *Result) error {
	subject := fmt.Sprintf("%s.%s", c.config.ResultSubjectPrefix, result.TicketID)
	if result.TicketID == "" {
		subject = fmt.Sprintf("%s.unrouted", c.config.ResultSubjectPrefix)
	}

	baseMsg := message.NewBaseMessage(ResultType, result, "ticket-api")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := c.publisher.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("ticket-api stopped",
		"commands_processed", c.commandsProcessed.Load(),
		"commands_failed", c.commandsFailed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ticket-api",
		Type:        "processor",
		Description: "Applies ticket commands to the transition engine",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return apiSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: 0,
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
