package workflow

import (
	"context"
	"fmt"
)

// Validation error types. Each maps to one rule of the static contract.
const (
	ErrTypeEmptySteps        = "EMPTY_STEPS"
	ErrTypeDuplicateStepID   = "DUPLICATE_STEP_ID"
	ErrTypeMissingStart      = "MISSING_START"
	ErrTypeMultipleStart     = "MULTIPLE_START"
	ErrTypeUnknownStepType   = "UNKNOWN_STEP_TYPE"
	ErrTypeNoTerminal        = "NO_TERMINAL_STEP"
	ErrTypeStepConfig        = "STEP_CONFIG"
	ErrTypeTransition        = "TRANSITION"
	ErrTypeCondition         = "CONDITION"
	ErrTypeSubWorkflow       = "SUB_WORKFLOW"
	WarnTypeImplicitStart    = "IMPLICIT_START"
	WarnTypeUnreachableSteps = "UNREACHABLE_STEP"
)

// ValidationError is a typed violation of the definition contract.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ValidationWarning flags a definition smell that does not block publish.
type ValidationWarning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ValidationResult is the outcome of validating a definition.
type ValidationResult struct {
	IsValid  bool                `json:"is_valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
}

// VersionLookup resolves published versions for sub-workflow checks.
// A nil lookup skips sub-workflow resolution (used by offline tooling).
type VersionLookup interface {
	Get(ctx context.Context, workflowID string, number int) (*Version, error)
}

type validator struct {
	def      *Definition
	versions VersionLookup
	result   *ValidationResult
}

// Validate statically checks a workflow definition. It runs the rules in
// contract order and accumulates every violation rather than stopping at
// the first, so authors get a complete picture per save.
func Validate(ctx context.Context, def *Definition, versions VersionLookup) *ValidationResult {
	v := &validator{def: def, versions: versions, result: &ValidationResult{}}

	if !v.checkSteps() {
		v.result.IsValid = false
		return v.result
	}
	v.checkStartAndTerminal()
	v.checkStepConfigs(ctx)
	v.checkTransitions()
	v.checkReachability()

	v.result.IsValid = len(v.result.Errors) == 0
	return v.result
}

func (v *validator) errorf(errType, path, format string, args ...any) {
	v.result.Errors = append(v.result.Errors, ValidationError{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	})
}

func (v *validator) warnf(warnType, path, format string, args ...any) {
	v.result.Warnings = append(v.result.Warnings, ValidationWarning{
		Type:    warnType,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	})
}

// checkSteps enforces the structural floor: non-empty steps, unique IDs,
// resolvable start. Returns false when the rest of the rules cannot run.
func (v *validator) checkSteps() bool {
	if len(v.def.Steps) == 0 {
		v.errorf(ErrTypeEmptySteps, "steps", "definition has no steps")
		return false
	}

	seen := map[string]bool{}
	ok := true
	for i, s := range v.def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.StepID == "" {
			v.errorf(ErrTypeDuplicateStepID, path, "step has no step_id")
			ok = false
			continue
		}
		if seen[s.StepID] {
			v.errorf(ErrTypeDuplicateStepID, path, "duplicate step_id %q", s.StepID)
			ok = false
		}
		seen[s.StepID] = true
	}

	if v.def.StartStepID != "" && v.def.Step(v.def.StartStepID) == nil {
		v.errorf(ErrTypeMissingStart, "start_step_id", "start_step_id %q does not resolve to a step", v.def.StartStepID)
		ok = false
	}
	return ok
}

func (v *validator) checkStartAndTerminal() {
	startCount := 0
	terminalCount := 0
	for i, s := range v.def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if !s.StepType.Valid() {
			v.errorf(ErrTypeUnknownStepType, path, "unknown step_type %q on step %s", s.StepType, s.StepID)
		}
		if s.IsStart {
			startCount++
		}
		if s.IsTerminal {
			terminalCount++
		}
	}
	if startCount > 1 {
		v.errorf(ErrTypeMultipleStart, "steps", "more than one step has is_start=true")
	}
	if startCount == 0 && v.def.StartStepID == "" {
		v.warnf(WarnTypeImplicitStart, "steps", "no step flagged is_start; first step %s is implicit start", v.def.Steps[0].StepID)
	}
	if terminalCount == 0 {
		v.errorf(ErrTypeNoTerminal, "steps", "at least one step must be is_terminal")
	}
}

func (v *validator) checkStepConfigs(ctx context.Context) {
	for i := range v.def.Steps {
		s := &v.def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		switch s.StepType {
		case StepTypeApproval:
			v.checkApproval(s, path)
		case StepTypeForm:
			v.checkForm(s, path)
		case StepTypeTask:
			v.checkTask(s, path)
		case StepTypeFork:
			v.checkFork(s, path)
		case StepTypeJoin:
			v.checkJoin(s, path)
		case StepTypeSubWorkflow:
			v.checkSubWorkflow(ctx, s, path)
		case StepTypeNotify:
			if s.Notify == nil || s.Notify.TemplateKey == "" {
				v.errorf(ErrTypeStepConfig, path, "notify step %s needs a template_key", s.StepID)
			}
		}
	}
}

func (v *validator) checkApproval(s *StepDef, path string) {
	cfg := s.Approval
	if cfg == nil {
		v.errorf(ErrTypeStepConfig, path, "approval step %s has no approval config", s.StepID)
		return
	}
	if cfg.ParallelApproval != "" {
		// A parallel vote names its members directly and needs no
		// resolution strategy.
		if cfg.ParallelApproval != ParallelAll && cfg.ParallelApproval != ParallelAny {
			v.errorf(ErrTypeStepConfig, path, "approval step %s has unknown parallel_approval %q", s.StepID, cfg.ParallelApproval)
		}
		if len(cfg.ParallelApprovers) == 0 {
			v.errorf(ErrTypeStepConfig, path, "approval step %s sets parallel_approval without parallel_approvers", s.StepID)
		}
		return
	}
	if !cfg.Resolution.Valid() {
		v.errorf(ErrTypeStepConfig, path, "approval step %s has unknown approver_resolution %q", s.StepID, cfg.Resolution)
		return
	}
	switch cfg.Resolution {
	case ResolveSpecificEmail:
		if cfg.SpecificApproverEmail == "" {
			v.errorf(ErrTypeStepConfig, path, "approval step %s uses SPECIFIC_EMAIL without specific_approver_email", s.StepID)
		}
	case ResolveSpocEmail:
		if cfg.SpocEmail == "" {
			v.errorf(ErrTypeStepConfig, path, "approval step %s uses SPOC_EMAIL without spoc_email", s.StepID)
		}
	case ResolveConditional:
		if len(cfg.ConditionalRules) == 0 {
			v.errorf(ErrTypeStepConfig, path, "approval step %s uses CONDITIONAL without conditional_approver_rules", s.StepID)
		}
		for ri, rule := range cfg.ConditionalRules {
			rulePath := fmt.Sprintf("%s.conditional_approver_rules[%d]", path, ri)
			if rule.ApproverEmail == "" {
				v.errorf(ErrTypeStepConfig, rulePath, "conditional rule has no approver_email")
			}
			for _, c := range rule.Condition.Conditions {
				if !c.Operator.Valid() {
					v.errorf(ErrTypeStepConfig, rulePath, "unknown operator %q", c.Operator)
				}
			}
		}
	case ResolveStepAssignee:
		ref := v.def.Step(cfg.StepAssigneeStepID)
		switch {
		case cfg.StepAssigneeStepID == "":
			v.errorf(ErrTypeStepConfig, path, "approval step %s uses STEP_ASSIGNEE without step_assignee_step_id", s.StepID)
		case ref == nil:
			v.errorf(ErrTypeStepConfig, path, "step_assignee_step_id %q does not resolve", cfg.StepAssigneeStepID)
		case ref.StepType != StepTypeTask:
			v.errorf(ErrTypeStepConfig, path, "step_assignee_step_id %q must reference a TASK_STEP", cfg.StepAssigneeStepID)
		case !v.reachableFrom(cfg.StepAssigneeStepID, s.StepID):
			v.errorf(ErrTypeStepConfig, path, "step_assignee_step_id %q must come before step %s", cfg.StepAssigneeStepID, s.StepID)
		}
	}
}

func (v *validator) checkForm(s *StepDef, path string) {
	if s.Form == nil {
		return // a bare form step is legal: it collects nothing
	}
	seen := map[string]bool{}
	check := func(f FormField, fieldPath string) {
		if f.FieldKey == "" {
			v.errorf(ErrTypeStepConfig, fieldPath, "form field has no field_key")
			return
		}
		if seen[f.FieldKey] {
			v.errorf(ErrTypeStepConfig, fieldPath, "duplicate field_key %q", f.FieldKey)
		}
		seen[f.FieldKey] = true
		if (f.Type == FieldSelect || f.Type == FieldMultiSelect) && len(f.Options) == 0 {
			v.errorf(ErrTypeStepConfig, fieldPath, "field %q of type %s needs at least one option", f.FieldKey, f.Type)
		}
		if r := f.DateRestriction; r != nil && !r.AllowPast && !r.AllowToday && !r.AllowFuture {
			v.errorf(ErrTypeStepConfig, fieldPath, "field %q forbids past, today and future dates", f.FieldKey)
		}
	}
	for fi, f := range s.Form.Fields {
		check(f, fmt.Sprintf("%s.fields[%d]", path, fi))
	}
	for si, sec := range s.Form.Sections {
		secPath := fmt.Sprintf("%s.sections[%d]", path, si)
		if sec.Repeating && sec.MinRows < 0 {
			v.errorf(ErrTypeStepConfig, secPath, "section %q has negative min_rows", sec.SectionID)
		}
		for fi, f := range sec.Fields {
			check(f, fmt.Sprintf("%s.fields[%d]", secPath, fi))
		}
	}
}

func (v *validator) checkTask(s *StepDef, path string) {
	if s.Task == nil || s.Task.LinkedRepeatingSource == nil {
		return
	}
	ref := s.Task.LinkedRepeatingSource
	src := v.def.Step(ref.StepID)
	if src == nil {
		v.errorf(ErrTypeStepConfig, path, "linked_repeating_source step %q does not resolve", ref.StepID)
		return
	}
	if src.StepType != StepTypeForm || src.Form == nil || src.Form.Section(ref.SectionID) == nil {
		v.errorf(ErrTypeStepConfig, path, "linked_repeating_source %s/%s does not reference a form section", ref.StepID, ref.SectionID)
		return
	}
	if !v.reachableFrom(ref.StepID, s.StepID) {
		v.errorf(ErrTypeStepConfig, path, "linked_repeating_source step %q must come before step %s", ref.StepID, s.StepID)
	}
}

func (v *validator) checkFork(s *StepDef, path string) {
	cfg := s.Fork
	if cfg == nil || len(cfg.Branches) == 0 {
		v.errorf(ErrTypeStepConfig, path, "fork step %s needs at least one branch", s.StepID)
		return
	}
	if !cfg.FailurePolicy.Valid() {
		v.errorf(ErrTypeStepConfig, path, "fork step %s has unknown failure_policy %q", s.StepID, cfg.FailurePolicy)
	}
	seen := map[string]bool{}
	for bi, b := range cfg.Branches {
		branchPath := fmt.Sprintf("%s.branches[%d]", path, bi)
		if b.BranchID == "" {
			v.errorf(ErrTypeStepConfig, branchPath, "branch has no branch_id")
			continue
		}
		if seen[b.BranchID] {
			v.errorf(ErrTypeStepConfig, branchPath, "duplicate branch_id %q", b.BranchID)
		}
		seen[b.BranchID] = true
		if v.def.Step(b.StartStepID) == nil {
			v.errorf(ErrTypeStepConfig, branchPath, "branch %q start_step_id %q does not resolve", b.BranchID, b.StartStepID)
		}
	}
}

func (v *validator) checkJoin(s *StepDef, path string) {
	cfg := s.Join
	if cfg == nil {
		v.errorf(ErrTypeStepConfig, path, "join step %s has no join config", s.StepID)
		return
	}
	if !cfg.JoinMode.Valid() {
		v.errorf(ErrTypeStepConfig, path, "join step %s has unknown join_mode %q", s.StepID, cfg.JoinMode)
	}
	src := v.def.Step(cfg.SourceForkStepID)
	if src == nil || src.StepType != StepTypeFork {
		v.errorf(ErrTypeStepConfig, path, "join step %s source_fork_step_id %q does not reference a FORK_STEP", s.StepID, cfg.SourceForkStepID)
	}
}

func (v *validator) checkSubWorkflow(ctx context.Context, s *StepDef, path string) {
	cfg := s.SubWorkflow
	if cfg == nil || cfg.SubWorkflowID == "" || cfg.SubWorkflowVersion <= 0 {
		v.errorf(ErrTypeSubWorkflow, path, "sub-workflow step %s needs sub_workflow_id and sub_workflow_version", s.StepID)
		return
	}
	if v.versions == nil {
		return // offline validation cannot resolve versions
	}
	version, err := v.versions.Get(ctx, cfg.SubWorkflowID, cfg.SubWorkflowVersion)
	if err != nil {
		v.errorf(ErrTypeSubWorkflow, path, "sub-workflow %s v%d is not a published version", cfg.SubWorkflowID, cfg.SubWorkflowVersion)
		return
	}
	for _, sub := range version.Definition.Steps {
		if sub.StepType == StepTypeSubWorkflow {
			v.errorf(ErrTypeSubWorkflow, path, "sub-workflow %s v%d embeds another sub-workflow; only single-level embedding is supported", cfg.SubWorkflowID, cfg.SubWorkflowVersion)
			return
		}
	}
}

// legalEvents maps source step types to the events their outgoing
// transitions may carry.
var legalEvents = map[StepType][]EventType{
	StepTypeForm:        {EventSubmitForm},
	StepTypeApproval:    {EventApprove, EventReject},
	StepTypeTask:        {EventCompleteTask},
	StepTypeNotify:      {EventCompleteTask},
	StepTypeFork:        {EventForkActivated},
	StepTypeJoin:        {EventJoinComplete},
	StepTypeSubWorkflow: {EventCompleteTask, EventReject},
}

func (v *validator) checkTransitions() {
	fieldKeys := v.knownFieldKeys()
	seen := map[string]bool{}
	for i, t := range v.def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if t.TransitionID == "" {
			v.errorf(ErrTypeTransition, path, "transition has no transition_id")
		} else if seen[t.TransitionID] {
			v.errorf(ErrTypeTransition, path, "duplicate transition_id %q", t.TransitionID)
		}
		seen[t.TransitionID] = true

		from := v.def.Step(t.FromStepID)
		if from == nil {
			v.errorf(ErrTypeTransition, path, "from_step_id %q does not resolve", t.FromStepID)
		}
		if v.def.Step(t.ToStepID) == nil {
			v.errorf(ErrTypeTransition, path, "to_step_id %q does not resolve", t.ToStepID)
		}
		if from != nil {
			if legal, ok := legalEvents[from.StepType]; ok && !containsEvent(legal, t.OnEvent) {
				v.errorf(ErrTypeTransition, path, "event %s is not legal leaving a %s", t.OnEvent, from.StepType)
			}
		}
		if t.Condition != nil {
			for ci, c := range t.Condition.Conditions {
				condPath := fmt.Sprintf("%s.condition.conditions[%d]", path, ci)
				if !c.Operator.Valid() {
					v.errorf(ErrTypeCondition, condPath, "unknown operator %q", c.Operator)
				}
				if c.Field != "" && !fieldKeys[c.Field] {
					v.errorf(ErrTypeCondition, condPath, "condition references unknown field key %q", c.Field)
				}
			}
		}
	}
}

// knownFieldKeys collects every form value key a condition may reference:
// form fields plus step-scoped task output keys.
func (v *validator) knownFieldKeys() map[string]bool {
	keys := map[string]bool{}
	for _, s := range v.def.Steps {
		if s.Form != nil {
			for _, f := range s.Form.AllFields() {
				keys[f.FieldKey] = true
			}
		}
		if s.Task != nil {
			for _, f := range s.Task.OutputFields {
				keys[fmt.Sprintf("%s.%s", s.StepID, f.FieldKey)] = true
			}
		}
	}
	return keys
}

// checkReachability warns about steps no path from the start can reach,
// following explicit transitions and the implicit fork-to-branch edges.
func (v *validator) checkReachability() {
	start, err := v.def.Start()
	if err != nil {
		return
	}
	reached := v.reachSet(start.StepID)
	for i, s := range v.def.Steps {
		if !reached[s.StepID] {
			v.warnf(WarnTypeUnreachableSteps, fmt.Sprintf("steps[%d]", i), "step %s is unreachable from the start step", s.StepID)
		}
	}
}

// reachSet walks the graph from a step over transitions and fork branch
// starts.
func (v *validator) reachSet(from string) map[string]bool {
	reached := map[string]bool{}
	frontier := []string{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if reached[current] {
			continue
		}
		reached[current] = true
		for _, t := range v.def.Transitions {
			if t.FromStepID == current {
				frontier = append(frontier, t.ToStepID)
			}
		}
		if s := v.def.Step(current); s != nil && s.StepType == StepTypeFork && s.Fork != nil {
			for _, b := range s.Fork.Branches {
				frontier = append(frontier, b.StartStepID)
			}
			if join := v.def.JoinFor(current); join != nil {
				frontier = append(frontier, join.StepID)
			}
		}
	}
	return reached
}

// reachableFrom reports whether target is reachable from from.
func (v *validator) reachableFrom(from, target string) bool {
	return v.reachSet(from)[target]
}

func containsEvent(list []EventType, e EventType) bool {
	for _, item := range list {
		if item == e {
			return true
		}
	}
	return false
}
