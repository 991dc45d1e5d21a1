package scheduler

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the scheduler component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "scheduler",
		Factory:     NewComponent,
		Schema:      schedulerSchema,
		Type:        "processor",
		Protocol:    "ticket",
		Domain:      "workflow",
		Description: "Dispatches the notification outbox and sweeps step SLAs",
		Version:     "0.1.0",
	})
}
