// Package directory resolves user identities against an external identity
// provider. Resolution may degrade: a missing or unreachable directory
// yields an unresolved snapshot instead of failing the caller, so ticket
// processing keeps moving while operators fix the integration.
package directory

import "context"

// UnresolvedManagerName is the display name recorded when a requester's
// manager cannot be resolved at ticket creation time.
const UnresolvedManagerName = "Manager (directory unavailable)"

// UserSnapshot is a structurally frozen copy of directory user attributes
// captured at a decision moment (ticket creation, approver resolution,
// agent assignment). Snapshots are stored on records and never refreshed.
type UserSnapshot struct {
	// ID is the directory's stable identifier for the user, empty when
	// the user was never resolved.
	ID string `json:"id,omitempty"`

	// Email is the user's primary address. Always set.
	Email string `json:"email"`

	// DisplayName is the human-readable name at capture time.
	DisplayName string `json:"display_name,omitempty"`

	// Unresolved marks a snapshot the directory could not confirm.
	Unresolved bool `json:"unresolved,omitempty"`
}

// IsZero reports whether the snapshot carries no identity at all.
func (u UserSnapshot) IsZero() bool {
	return u.Email == "" && u.ID == ""
}

// Unresolved builds a degraded snapshot for an email the directory could
// not confirm.
func Unresolved(email, displayName string) UserSnapshot {
	return UserSnapshot{Email: email, DisplayName: displayName, Unresolved: true}
}

// Directory resolves emails to user snapshots. Implementations may return
// (nil, nil) for an unknown user; they should reserve errors for transport
// failures.
type Directory interface {
	// GetUser resolves an email to a user snapshot, or nil when the
	// directory has no such user.
	GetUser(ctx context.Context, email string) (*UserSnapshot, error)

	// GetManager resolves a user's manager, or nil when the user has no
	// manager on record.
	GetManager(ctx context.Context, userEmail string) (*UserSnapshot, error)
}

// Static is a map-backed Directory for tests and local development.
type Static struct {
	Users    map[string]UserSnapshot // keyed by email
	Managers map[string]string       // user email -> manager email
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{
		Users:    map[string]UserSnapshot{},
		Managers: map[string]string{},
	}
}

// AddUser registers a user and returns the directory for chaining.
func (s *Static) AddUser(id, email, displayName string) *Static {
	s.Users[email] = UserSnapshot{ID: id, Email: email, DisplayName: displayName}
	return s
}

// SetManager records a user's manager by email.
func (s *Static) SetManager(userEmail, managerEmail string) *Static {
	s.Managers[userEmail] = managerEmail
	return s
}

// GetUser resolves an email against the static map.
func (s *Static) GetUser(_ context.Context, email string) (*UserSnapshot, error) {
	if u, ok := s.Users[email]; ok {
		snapshot := u
		return &snapshot, nil
	}
	return nil, nil
}

// GetManager resolves a user's manager against the static map.
func (s *Static) GetManager(ctx context.Context, userEmail string) (*UserSnapshot, error) {
	managerEmail, ok := s.Managers[userEmail]
	if !ok {
		return nil, nil
	}
	return s.GetUser(ctx, managerEmail)
}
