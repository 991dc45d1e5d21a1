package workflow

// FieldType identifies the input type of a form field.
type FieldType string

// Form field types.
const (
	FieldText        FieldType = "TEXT"
	FieldTextArea    FieldType = "TEXTAREA"
	FieldNumber      FieldType = "NUMBER"
	FieldDate        FieldType = "DATE"
	FieldSelect      FieldType = "SELECT"
	FieldMultiSelect FieldType = "MULTISELECT"
	FieldCheckbox    FieldType = "CHECKBOX"
	FieldEmail       FieldType = "EMAIL"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldTextArea, FieldNumber, FieldDate, FieldSelect,
		FieldMultiSelect, FieldCheckbox, FieldEmail:
		return true
	}
	return false
}

// FormConfig configures a FORM_STEP: flat fields plus optional sections.
type FormConfig struct {
	Fields   []FormField   `json:"fields,omitempty"`
	Sections []FormSection `json:"sections,omitempty"`
}

// AllFields returns the step's fields including those nested in sections.
func (f *FormConfig) AllFields() []FormField {
	if f == nil {
		return nil
	}
	out := make([]FormField, 0, len(f.Fields))
	out = append(out, f.Fields...)
	for _, s := range f.Sections {
		out = append(out, s.Fields...)
	}
	return out
}

// Section returns the section with the given ID, or nil.
func (f *FormConfig) Section(id string) *FormSection {
	if f == nil {
		return nil
	}
	for i := range f.Sections {
		if f.Sections[i].SectionID == id {
			return &f.Sections[i]
		}
	}
	return nil
}

// FormField declares a single input of a form or task-output schema.
type FormField struct {
	FieldKey string    `json:"field_key"`
	Label    string    `json:"label,omitempty"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`

	// Options backs SELECT and MULTISELECT fields.
	Options []string `json:"options,omitempty"`

	// Length and range constraints; nil means unconstrained.
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`

	// Pattern is a regular expression the value must match.
	Pattern string `json:"pattern,omitempty"`

	// DateRestriction limits DATE fields relative to today.
	DateRestriction *DateRestriction `json:"date_restriction,omitempty"`

	// RequiredWhen makes the field conditionally required: when the
	// group evaluates true against the values submitted so far, the
	// field must be present.
	RequiredWhen *ConditionGroup `json:"required_when,omitempty"`
}

// DateRestriction limits which days a DATE field accepts. At least one
// flag must be true.
type DateRestriction struct {
	AllowPast   bool `json:"allow_past"`
	AllowToday  bool `json:"allow_today"`
	AllowFuture bool `json:"allow_future"`
}

// FormSection groups fields; a repeating section captures zero or more
// rows of its fields, each row keyed by a caller-supplied row_id.
type FormSection struct {
	SectionID string      `json:"section_id"`
	Title     string      `json:"title,omitempty"`
	Repeating bool        `json:"repeating,omitempty"`
	MinRows   int         `json:"min_rows,omitempty"`
	Fields    []FormField `json:"fields"`
}
