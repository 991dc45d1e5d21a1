package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/ticketflow/directory"
	"github.com/c360studio/ticketflow/storage"
)

// TemplateStatus is the lifecycle state of a workflow template.
type TemplateStatus string

// Template lifecycle states.
const (
	TemplateDraft     TemplateStatus = "DRAFT"
	TemplatePublished TemplateStatus = "PUBLISHED"
	TemplateArchived  TemplateStatus = "ARCHIVED"
)

// Template is the editable workflow definition container. The definition
// may change while the template is DRAFT or PUBLISHED; publishing freezes
// a copy as an immutable Version.
type Template struct {
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Status      TemplateStatus         `json:"status"`
	Definition  *Definition            `json:"definition,omitempty"`
	// CurrentVersion is the number of the latest published version,
	// zero before first publish.
	CurrentVersion int                      `json:"current_version,omitempty"`
	CreatedBy      directory.UserSnapshot   `json:"created_by"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	Version        uint64                   `json:"-"` // KV revision, not persisted in the document
}

// Version is an immutable published snapshot of a workflow definition.
type Version struct {
	WorkflowVersionID string                 `json:"workflow_version_id"`
	WorkflowID        string                 `json:"workflow_id"`
	VersionNumber     int                    `json:"version_number"`
	Definition        *Definition            `json:"definition"`
	PublishedBy       directory.UserSnapshot `json:"published_by"`
	PublishedAt       time.Time              `json:"published_at"`
}

// NewWorkflowID generates a workflow template ID.
func NewWorkflowID() string {
	return fmt.Sprintf("wf-%s", uuid.New().String()[:8])
}

// TemplateStore persists workflow templates in the WORKFLOWS bucket.
type TemplateStore struct {
	kv storage.KV
}

// NewTemplateStore creates a template store over the given bucket.
func NewTemplateStore(kv storage.KV) *TemplateStore {
	return &TemplateStore{kv: kv}
}

// Create inserts a new template.
func (s *TemplateStore) Create(ctx context.Context, t *Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	rev, err := s.kv.Create(ctx, t.WorkflowID, data)
	if err != nil {
		return fmt.Errorf("store template: %w", err)
	}
	t.Version = rev
	return nil
}

// Get retrieves a template by workflow ID.
func (s *TemplateStore) Get(ctx context.Context, workflowID string) (*Template, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var t Template
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	t.Version = entry.Revision
	return &t, nil
}

// Update writes a template back using its captured revision.
func (s *TemplateStore) Update(ctx context.Context, t *Template) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	rev, err := s.kv.Update(ctx, t.WorkflowID, data, t.Version)
	if err != nil {
		return err
	}
	t.Version = rev
	return nil
}

// List returns all templates.
func (s *TemplateStore) List(ctx context.Context) ([]*Template, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	templates := make([]*Template, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t Template
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			continue
		}
		t.Version = entry.Revision
		templates = append(templates, &t)
	}
	return templates, nil
}

// VersionStore persists published workflow versions, keyed by
// "{workflow_id}.{version_number}". Versions are write-once.
type VersionStore struct {
	kv storage.KV
}

// NewVersionStore creates a version store over the given bucket.
func NewVersionStore(kv storage.KV) *VersionStore {
	return &VersionStore{kv: kv}
}

func versionKey(workflowID string, number int) string {
	return fmt.Sprintf("%s.%d", workflowID, number)
}

// Create inserts a published version. Versions are immutable so only
// Create exists.
func (s *VersionStore) Create(ctx context.Context, v *Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	if _, err := s.kv.Create(ctx, versionKey(v.WorkflowID, v.VersionNumber), data); err != nil {
		return fmt.Errorf("store version: %w", err)
	}
	return nil
}

// Get retrieves a published version.
func (s *VersionStore) Get(ctx context.Context, workflowID string, number int) (*Version, error) {
	entry, err := s.kv.Get(ctx, versionKey(workflowID, number))
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &v, nil
}

// Service exposes the authoring operations: draft save (with implicit
// branch-to-join edge insertion and validation feedback) and publish
// (validation-gated, version-allocating).
type Service struct {
	templates *TemplateStore
	versions  *VersionStore
}

// NewService creates the authoring service.
func NewService(templates *TemplateStore, versions *VersionStore) *Service {
	return &Service{templates: templates, versions: versions}
}

// Templates returns the underlying template store.
func (s *Service) Templates() *TemplateStore { return s.templates }

// Versions returns the underlying version store.
func (s *Service) Versions() *VersionStore { return s.versions }

// CreateTemplate registers a new DRAFT template.
func (s *Service) CreateTemplate(ctx context.Context, name, description, category string, by directory.UserSnapshot) (*Template, error) {
	now := time.Now().UTC()
	t := &Template{
		WorkflowID:  NewWorkflowID(),
		Name:        name,
		Description: description,
		Category:    category,
		Status:      TemplateDraft,
		CreatedBy:   by,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.templates.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveDraft replaces a template's definition. Missing branch-to-join edges
// are inserted before validation; the validation result is returned
// alongside the template so authors see errors without losing their work.
func (s *Service) SaveDraft(ctx context.Context, workflowID string, def *Definition) (*Template, *ValidationResult, error) {
	t, err := s.templates.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status == TemplateArchived {
		return nil, nil, fmt.Errorf("workflow %s is archived", workflowID)
	}

	EnsureBranchJoinEdges(def)
	result := Validate(ctx, def, s.versions)

	t.Definition = def
	if err := s.templates.Update(ctx, t); err != nil {
		return nil, nil, err
	}
	return t, result, nil
}

// Publish freezes the current definition as the next immutable version.
// The definition must validate cleanly; warnings do not block.
func (s *Service) Publish(ctx context.Context, workflowID string, by directory.UserSnapshot) (*Version, error) {
	t, err := s.templates.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if t.Definition == nil {
		return nil, fmt.Errorf("workflow %s has no definition to publish", workflowID)
	}

	result := Validate(ctx, t.Definition, s.versions)
	if !result.IsValid {
		return nil, &ValidationFailedError{WorkflowID: workflowID, Result: result}
	}

	number := t.CurrentVersion + 1
	v := &Version{
		WorkflowVersionID: fmt.Sprintf("wfv-%s", uuid.New().String()[:8]),
		WorkflowID:        workflowID,
		VersionNumber:     number,
		Definition:        t.Definition,
		PublishedBy:       by,
		PublishedAt:       time.Now().UTC(),
	}
	if err := s.versions.Create(ctx, v); err != nil {
		return nil, err
	}

	t.Status = TemplatePublished
	t.CurrentVersion = number
	if err := s.templates.Update(ctx, t); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidationFailedError is returned by Publish when the definition does
// not validate.
type ValidationFailedError struct {
	WorkflowID string
	Result     *ValidationResult
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("workflow %s failed validation with %d error(s)", e.WorkflowID, len(e.Result.Errors))
}
