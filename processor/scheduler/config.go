package scheduler

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// schedulerSchema defines the configuration schema.
var schedulerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the scheduler component.
type Config struct {
	// DispatchInterval is how often pending notifications are delivered.
	DispatchInterval time.Duration `json:"dispatch_interval"`

	// SweepInterval is how often overdue steps are swept for reminders
	// and escalations.
	SweepInterval time.Duration `json:"sweep_interval"`

	// LeaseCleanupInterval is how often stale dispatch leases are reaped.
	LeaseCleanupInterval time.Duration `json:"lease_cleanup_interval"`

	// LeaseMaxAge is how long a lease may sit expired before it is
	// considered abandoned by a crashed dispatcher.
	LeaseMaxAge time.Duration `json:"lease_max_age"`

	// RetryScanInterval is how often the retry backlog is measured.
	RetryScanInterval time.Duration `json:"retry_scan_interval"`

	// MaxNotifyRetries is the delivery attempt ceiling before a
	// notification is marked failed.
	MaxNotifyRetries int `json:"max_notify_retries"`

	// ReminderEvery, EscalateAfter, and EscalateEvery set the SLA sweep
	// cadence. Zero values fall back to the defaults.
	ReminderEvery time.Duration `json:"reminder_every"`
	EscalateAfter time.Duration `json:"escalate_after"`
	EscalateEvery time.Duration `json:"escalate_every"`

	// TemplateDir is an optional directory of notification template
	// overrides, hot-reloaded on change.
	TemplateDir string `json:"template_dir,omitempty"`

	// DirectoryPath is an optional YAML roster used to resolve users when
	// no live directory integration is configured.
	DirectoryPath string `json:"directory_path,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:     10 * time.Second,
		SweepInterval:        time.Minute,
		LeaseCleanupInterval: 5 * time.Minute,
		LeaseMaxAge:          10 * time.Minute,
		RetryScanInterval:    2 * time.Minute,
		MaxNotifyRetries:     5,
		ReminderEvery:        30 * time.Minute,
		EscalateAfter:        2 * time.Hour,
		EscalateEvery:        4 * time.Hour,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "notifications",
					Type:        "jetstream",
					Subject:     "user.notify.>",
					StreamName:  "NOTIFY",
					Description: "Rendered notification messages",
					Required:    true,
				},
				{
					Name:        "audit-events",
					Type:        "jetstream",
					Subject:     "ticket.audit.>",
					StreamName:  "TICKET",
					Description: "Audit fan-out for sweep actions",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch_interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.LeaseCleanupInterval <= 0 {
		return fmt.Errorf("lease_cleanup_interval must be positive")
	}
	if c.LeaseMaxAge <= 0 {
		return fmt.Errorf("lease_max_age must be positive")
	}
	if c.RetryScanInterval <= 0 {
		return fmt.Errorf("retry_scan_interval must be positive")
	}
	if c.MaxNotifyRetries <= 0 {
		return fmt.Errorf("max_notify_retries must be positive")
	}
	return nil
}
