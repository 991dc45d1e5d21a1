// Package scheduler provides the periodic housekeeping processor: it
// drains the notification outbox, sweeps overdue steps for SLA reminders
// and escalations, and reaps dispatch leases abandoned by crashed
// instances.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/engine"
	"github.com/c360studio/ticketflow/notify"
	"github.com/c360studio/ticketflow/outbox"
)

// Component implements the scheduler processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	directory directory.Directory
	registry  *notify.Registry

	// holder identifies this instance on outbox leases.
	holder string

	// Built on Start once JetStream is reachable.
	engine     *engine.Engine
	outboxRepo *outbox.Repository
	dispatcher *notify.Dispatcher
	watcher    *notify.Watcher

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	dispatchPasses atomic.Int64
	sweepsRun      atomic.Int64
	messagesSent   atomic.Int64
	lastRunMu      sync.RWMutex
	lastRun        time.Time
}

// NewComponent creates a new scheduler processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.DispatchInterval == 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.LeaseCleanupInterval == 0 {
		config.LeaseCleanupInterval = defaults.LeaseCleanupInterval
	}
	if config.LeaseMaxAge == 0 {
		config.LeaseMaxAge = defaults.LeaseMaxAge
	}
	if config.RetryScanInterval == 0 {
		config.RetryScanInterval = defaults.RetryScanInterval
	}
	if config.MaxNotifyRetries == 0 {
		config.MaxNotifyRetries = defaults.MaxNotifyRetries
	}
	if config.ReminderEvery == 0 {
		config.ReminderEvery = defaults.ReminderEvery
	}
	if config.EscalateAfter == 0 {
		config.EscalateAfter = defaults.EscalateAfter
	}
	if config.EscalateEvery == 0 {
		config.EscalateEvery = defaults.EscalateEvery
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	// Load the user roster; a broken roster degrades to an empty
	// directory rather than failing the component.
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

	registry := notify.NewRegistry(logger)
	if config.TemplateDir != "" {
		if err := registry.LoadDir(config.TemplateDir); err != nil {
			logger.Warn("Failed to load notification templates, using defaults",
				"dir", config.TemplateDir,
				"error", err)
		}
	}

	return &Component{
		name:       "scheduler",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		directory:  dir,
		registry:   registry,
		holder:     leaseholderID(),
	}, nil
}

// leaseholderID builds a lease owner identity unique per process.
func leaseholderID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized scheduler",
		"dispatch_interval", c.config.DispatchInterval,
		"sweep_interval", c.config.SweepInterval,
		"leaseholder", c.holder)
	return nil
}

// Start opens the KV buckets and begins the housekeeping loops.
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
	c.outboxRepo = stores.Outbox
	c.dispatcher = notify.NewDispatcher(stores.Outbox, c.registry,
		notify.NewNATSTransport(c.natsClient), c.logger, c.holder)

	if c.config.TemplateDir != "" {
		watcher, err := notify.NewWatcher(c.registry, c.config.TemplateDir, c.logger)
		if err != nil {
			c.logger.Warn("Template watcher unavailable", "error", err)
		} else if err := watcher.Start(subCtx); err != nil {
			c.logger.Warn("Template watcher failed to start",
				"dir", c.config.TemplateDir,
				"error", err)
		} else {
			c.watcher = watcher
		}
	}

	go c.runLoop(subCtx)

	c.logger.Info("scheduler started",
		"dispatch_interval", c.config.DispatchInterval,
		"sweep_interval", c.config.SweepInterval,
		"leaseholder", c.holder)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// runLoop multiplexes the housekeeping tickers until the context ends.
func (c *Component) runLoop(ctx context.Context) {
	dispatch := time.NewTicker(c.config.DispatchInterval)
	defer dispatch.Stop()
	sweep := time.NewTicker(c.config.SweepInterval)
	defer sweep.Stop()
	leases := time.NewTicker(c.config.LeaseCleanupInterval)
	defer leases.Stop()
	retries := time.NewTicker(c.config.RetryScanInterval)
	defer retries.Stop()

	// Drain whatever accumulated while no scheduler was running.
	c.dispatchPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatch.C:
			c.dispatchPass(ctx)
		case <-sweep.C:
			c.sweepPass(ctx)
		case <-leases.C:
			c.leasePass(ctx)
		case <-retries.C:
			c.retryPass(ctx)
		}
	}
}

// dispatchPass delivers one batch of pending notifications.
func (c *Component) dispatchPass(ctx context.Context) {
	c.dispatchPasses.Add(1)
	c.updateLastRun()

	sent, failed, err := c.dispatcher.ProcessPending(ctx)
	if err != nil {
		c.logger.Error("Notification dispatch pass failed", "error", err)
		return
	}
	notificationsSent.Add(float64(sent))
	notificationsFailed.Add(float64(failed))
	c.messagesSent.Add(int64(sent))
	if sent > 0 || failed > 0 {
		c.logger.Debug("Dispatched notifications", "sent", sent, "failed", failed)
	}
}

// sweepPass runs one SLA sweep over overdue steps.
func (c *Component) sweepPass(ctx context.Context) {
	c.sweepsRun.Add(1)
	c.updateLastRun()

	rctx := engine.RequestContext{
		CorrelationID: uuid.New().String(),
		Actor: engine.Actor{UserSnapshot: directory.UserSnapshot{
			Email:       "scheduler@system",
			DisplayName: "Scheduler",
		}},
	}
	policy := engine.SLAPolicy{
		ReminderEvery: c.config.ReminderEvery,
		EscalateAfter: c.config.EscalateAfter,
		EscalateEvery: c.config.EscalateEvery,
	}

	report, err := c.engine.SweepSLA(ctx, rctx, policy)
	if err != nil {
		c.logger.Error("SLA sweep failed", "error", err)
		return
	}
	overdueSteps.Set(float64(report.Overdue))
	slaReminders.Add(float64(report.Reminders))
	slaEscalations.Add(float64(report.Escalations))
	if report.Overdue > 0 {
		c.logger.Info("SLA sweep completed",
			"overdue", report.Overdue,
			"reminders", report.Reminders,
			"escalations", report.Escalations)
	}
}

// leasePass reaps dispatch leases abandoned by crashed instances.
func (c *Component) leasePass(ctx context.Context) {
	c.updateLastRun()

	reaped, err := c.outboxRepo.CleanupStaleLeases(ctx, c.config.LeaseMaxAge)
	if err != nil {
		c.logger.Error("Stale lease cleanup failed", "error", err)
		return
	}
	if reaped > 0 {
		staleLeasesReaped.Add(float64(reaped))
		c.logger.Warn("Reaped abandoned dispatch leases", "count", reaped)
	}
}

// retryPass redelivers notifications whose backoff has elapsed and
// records the backlog it found.
func (c *Component) retryPass(ctx context.Context) {
	c.updateLastRun()

	ready, err := c.outboxRepo.FetchRetryReady(ctx, 0)
	if err != nil {
		c.logger.Error("Retry backlog scan failed", "error", err)
		return
	}
	retryBacklog.Set(float64(len(ready)))
	if len(ready) == 0 {
		return
	}

	sent, failed, err := c.dispatcher.ProcessRetries(ctx)
	if err != nil {
		c.logger.Error("Notification retry pass failed", "error", err)
		return
	}
	notificationsSent.Add(float64(sent))
	notificationsFailed.Add(float64(failed))
	c.messagesSent.Add(int64(sent))
	c.logger.Debug("Redelivered backed-off notifications", "sent", sent, "failed", failed)
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
	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil {
			c.logger.Warn("Template watcher close failed", "error", err)
		}
		c.watcher = nil
	}

	c.running = false
	c.logger.Info("scheduler stopped",
		"dispatch_passes", c.dispatchPasses.Load(),
		"sweeps_run", c.sweepsRun.Load(),
		"messages_sent", c.messagesSent.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "scheduler",
		Type:        "processor",
		Description: "Dispatches the notification outbox and sweeps step SLAs",
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
	return schedulerSchema
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
		LastActivity:      c.getLastRun(),
	}
}

func (c *Component) updateLastRun() {
	c.lastRunMu.Lock()
	c.lastRun = time.Now()
	c.lastRunMu.Unlock()
}

func (c *Component) getLastRun() time.Time {
	c.lastRunMu.RLock()
	defer c.lastRunMu.RUnlock()
	return c.lastRun
}
