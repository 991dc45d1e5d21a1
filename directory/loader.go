package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk shape of a static directory roster.
type rosterFile struct {
	Users []rosterUser `yaml:"users"`
}

type rosterUser struct {
	ID          string `yaml:"id"`
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
	Manager     string `yaml:"manager,omitempty"`
}

// LoadFile reads a YAML roster into a Static directory. Deployments
// without a real identity provider point the components at a roster file
// instead.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	dir := NewStatic()
	for _, u := range roster.Users {
		if u.Email == "" {
			return nil, fmt.Errorf("roster %s: user %q has no email", path, u.ID)
		}
		dir.AddUser(u.ID, u.Email, u.DisplayName)
	}
	// Managers are wired after all users exist so roster order is free.
	for _, u := range roster.Users {
		if u.Manager != "" {
			dir.SetManager(u.Email, u.Manager)
		}
	}
	return dir, nil
}
