package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/ticketflow/workflow"
)

// dateLayouts accepted for DATE field values.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

// validateForm checks submitted values against a step's form config and
// returns the coerced values to merge into the ticket. existing is the
// ticket's current form_values; conditional requirements see the merged
// view so a field from an earlier step can gate a later one.
func validateForm(cfg *workflow.FormConfig, submitted, existing map[string]any, now time.Time) (map[string]any, *FormError) {
	coerced := map[string]any{}
	var fieldErrs []FieldError

	merged := make(map[string]any, len(existing)+len(submitted))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range submitted {
		merged[k] = v
	}

	if cfg != nil {
		for _, field := range cfg.Fields {
			validateField(field, submitted, merged, now, coerced, &fieldErrs)
		}
		for _, section := range cfg.Sections {
			if section.Repeating {
				validateRepeatingSection(section, submitted, now, coerced, &fieldErrs)
				continue
			}
			for _, field := range section.Fields {
				validateField(field, submitted, merged, now, coerced, &fieldErrs)
			}
		}
	}

	if len(fieldErrs) > 0 {
		return nil, &FormError{Fields: fieldErrs}
	}
	return coerced, nil
}

// seedFormValues coerces creation-time values against every form field
// the definition declares. Unknown keys are dropped and required fields
// are not enforced here; each form step still collects its own
// submission through validateForm.
func seedFormValues(def *workflow.Definition, values map[string]any, now time.Time) (map[string]any, *FormError) {
	coerced := map[string]any{}
	if len(values) == 0 {
		return coerced, nil
	}

	var fieldErrs []FieldError
	for i := range def.Steps {
		ds := &def.Steps[i]
		if ds.StepType != workflow.StepTypeForm {
			continue
		}
		for _, field := range ds.Form.AllFields() {
			value, present := values[field.FieldKey]
			if !present || isBlank(value) {
				continue
			}
			out, msg := coerceValue(field, value, now)
			if msg != "" {
				fieldErrs = append(fieldErrs, FieldError{field.FieldKey, msg})
				continue
			}
			coerced[field.FieldKey] = out
		}
	}
	if len(fieldErrs) > 0 {
		return nil, &FormError{Fields: fieldErrs}
	}
	return coerced, nil
}

func validateField(field workflow.FormField, submitted, merged map[string]any, now time.Time, coerced map[string]any, errs *[]FieldError) {
	value, present := submitted[field.FieldKey]
	if present && isBlank(value) {
		present = false
	}

	required := field.Required
	if !required && field.RequiredWhen != nil {
		match, err := field.RequiredWhen.Evaluate(merged)
		if err == nil && match {
			required = true
		}
	}

	if !present {
		if required {
			*errs = append(*errs, FieldError{field.FieldKey, "value is required"})
		}
		return
	}

	out, msg := coerceValue(field, value, now)
	if msg != "" {
		*errs = append(*errs, FieldError{field.FieldKey, msg})
		return
	}
	coerced[field.FieldKey] = out
}

func validateRepeatingSection(section workflow.FormSection, submitted map[string]any, now time.Time, coerced map[string]any, errs *[]FieldError) {
	raw, present := submitted[section.SectionID]
	var rows []any
	if present {
		var ok bool
		rows, ok = raw.([]any)
		if !ok {
			*errs = append(*errs, FieldError{section.SectionID, "repeating section must be an array of rows"})
			return
		}
	}
	if len(rows) < section.MinRows {
		*errs = append(*errs, FieldError{section.SectionID, fmt.Sprintf("needs at least %d row(s)", section.MinRows)})
		return
	}

	outRows := make([]any, 0, len(rows))
	for i, rawRow := range rows {
		row, ok := rawRow.(map[string]any)
		if !ok {
			*errs = append(*errs, FieldError{section.SectionID, fmt.Sprintf("row %d is not an object", i)})
			continue
		}
		outRow := map[string]any{}
		if rowID, ok := row["row_id"].(string); ok && rowID != "" {
			outRow["row_id"] = rowID
		} else {
			*errs = append(*errs, FieldError{section.SectionID, fmt.Sprintf("row %d has no row_id", i)})
			continue
		}
		for _, field := range section.Fields {
			value, has := row[field.FieldKey]
			if !has || isBlank(value) {
				if field.Required {
					*errs = append(*errs, FieldError{
						fmt.Sprintf("%s[%d].%s", section.SectionID, i, field.FieldKey),
						"value is required",
					})
				}
				continue
			}
			out, msg := coerceValue(field, value, now)
			if msg != "" {
				*errs = append(*errs, FieldError{
					fmt.Sprintf("%s[%d].%s", section.SectionID, i, field.FieldKey), msg,
				})
				continue
			}
			outRow[field.FieldKey] = out
		}
		outRows = append(outRows, outRow)
	}
	coerced[section.SectionID] = outRows
}

// coerceValue normalizes a submitted value to the field's type and checks
// its constraints. Returns the coerced value or a violation message.
func coerceValue(field workflow.FormField, value any, now time.Time) (any, string) {
	switch field.Type {
	case workflow.FieldText, workflow.FieldTextArea, workflow.FieldEmail:
		s, ok := value.(string)
		if !ok {
			return nil, "expected text"
		}
		if field.Type == workflow.FieldEmail && !strings.Contains(s, "@") {
			return nil, "not a valid email address"
		}
		if msg := checkTextConstraints(field, s); msg != "" {
			return nil, msg
		}
		return s, ""

	case workflow.FieldNumber:
		n, ok := toNumber(value)
		if !ok {
			return nil, "expected a number"
		}
		if field.Min != nil && n < *field.Min {
			return nil, fmt.Sprintf("must be at least %v", *field.Min)
		}
		if field.Max != nil && n > *field.Max {
			return nil, fmt.Sprintf("must be at most %v", *field.Max)
		}
		return n, ""

	case workflow.FieldDate:
		s, ok := value.(string)
		if !ok {
			return nil, "expected a date string"
		}
		d, ok := parseDate(s)
		if !ok {
			return nil, "not a valid date"
		}
		if msg := checkDateRestriction(field.DateRestriction, d, now); msg != "" {
			return nil, msg
		}
		return s, ""

	case workflow.FieldSelect:
		s, ok := value.(string)
		if !ok {
			return nil, "expected a selection"
		}
		if !containsString(field.Options, s) {
			return nil, fmt.Sprintf("%q is not one of the options", s)
		}
		return s, ""

	case workflow.FieldMultiSelect:
		items, ok := toStringSlice(value)
		if !ok {
			return nil, "expected a list of selections"
		}
		for _, item := range items {
			if !containsString(field.Options, item) {
				return nil, fmt.Sprintf("%q is not one of the options", item)
			}
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, ""

	case workflow.FieldCheckbox:
		b, ok := value.(bool)
		if !ok {
			return nil, "expected true or false"
		}
		return b, ""
	}
	// Unknown types were rejected by the validator at publish time.
	return value, ""
}

func checkTextConstraints(field workflow.FormField, s string) string {
	if field.MinLength != nil && len(s) < *field.MinLength {
		return fmt.Sprintf("must be at least %d characters", *field.MinLength)
	}
	if field.MaxLength != nil && len(s) > *field.MaxLength {
		return fmt.Sprintf("must be at most %d characters", *field.MaxLength)
	}
	if field.Pattern != "" {
		re, err := regexp.Compile(field.Pattern)
		if err == nil && !re.MatchString(s) {
			return "does not match the required pattern"
		}
	}
	return ""
}

func checkDateRestriction(r *workflow.DateRestriction, d, now time.Time) string {
	if r == nil {
		return ""
	}
	today := now.UTC().Truncate(24 * time.Hour)
	day := d.UTC().Truncate(24 * time.Hour)
	switch {
	case day.Before(today):
		if !r.AllowPast {
			return "past dates are not allowed"
		}
	case day.Equal(today):
		if !r.AllowToday {
			return "today is not allowed"
		}
	default:
		if !r.AllowFuture {
			return "future dates are not allowed"
		}
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
