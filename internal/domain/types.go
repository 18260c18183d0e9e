// Package domain defines the core types shared by the threadline engine:
// the manifest graph entities, thread events and their payloads.
package domain

// Mode is the execution strategy a domain router selects.
type Mode string

const (
	ModeWorkflow Mode = "workflow"
	ModeGuided   Mode = "guided"
	ModeLookup   Mode = "lookup"
)

// Domain is a named unit of capability with declared resource relations.
type Domain struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Keywords    []string       `yaml:"keywords" json:"keywords,omitempty"`
	Produces    []string       `yaml:"produces" json:"produces,omitempty"`
	Requires    []string       `yaml:"requires" json:"requires,omitempty"`
	Defaults    map[string]any `yaml:"defaults" json:"defaults,omitempty"`
	Router      string         `yaml:"router" json:"router,omitempty"`
}

// RouteRule maps intent keywords or a pattern to a target.
type RouteRule struct {
	Keywords   []string `yaml:"keywords" json:"keywords,omitempty"`
	Pattern    string   `yaml:"pattern" json:"pattern,omitempty"`
	MinMatches int      `yaml:"min_matches" json:"min_matches,omitempty"`
	Target     string   `yaml:"target" json:"target"`
	Mode       Mode     `yaml:"mode" json:"mode,omitempty"`
}

// Router owns the ordered rules of one domain.
type Router struct {
	ID     string      `yaml:"id" json:"id"`
	Domain string      `yaml:"domain" json:"domain"`
	Rules  []RouteRule `yaml:"rules" json:"rules"`
}

// ActionDescriptor is an opaque instruction handed to an external executor.
type ActionDescriptor struct {
	Kind   string         `yaml:"kind" json:"kind"`
	Target string         `yaml:"target" json:"target,omitempty"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

// ProbeOutcome is the validation action attached to a probe result.
type ProbeOutcome string

const (
	ProbePass    ProbeOutcome = "pass"
	ProbeWarn    ProbeOutcome = "warn"
	ProbeConfirm ProbeOutcome = "confirm"
	ProbeBlock   ProbeOutcome = "block"
)

// Probe is a read-only discovery action run before any step mutates state.
type Probe struct {
	ID        string           `yaml:"id" json:"id"`
	Action    ActionDescriptor `yaml:"action" json:"action"`
	OnFailure ProbeOutcome     `yaml:"on_failure" json:"on_failure,omitempty"`
	Category  ErrorCategory    `yaml:"category" json:"category,omitempty"`
	Message   string           `yaml:"message" json:"message,omitempty"`
	Hint      string           `yaml:"hint" json:"hint,omitempty"`
}

// CompensationAction is the recorded inverse of a mutating step.
type CompensationAction struct {
	Description string           `yaml:"description" json:"description"`
	Action      ActionDescriptor `yaml:"action" json:"action"`
}

// Severity grades a checkpoint.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityReview   Severity = "review"
	SeverityCritical Severity = "critical"
)

// CheckpointWhen places a checkpoint relative to its step.
type CheckpointWhen string

const (
	CheckpointBefore CheckpointWhen = "before"
	CheckpointAfter  CheckpointWhen = "after"
)

// CheckpointSpec is the author-declared checkpoint of a step.
type CheckpointSpec struct {
	When     CheckpointWhen `yaml:"when" json:"when,omitempty"`
	Severity Severity       `yaml:"severity" json:"severity"`
	Present  string         `yaml:"present" json:"present,omitempty"`
}

// ErrorOverride lets a step reclassify an expected failure.
type ErrorOverride struct {
	Match     string        `yaml:"match" json:"match"`
	Category  ErrorCategory `yaml:"category" json:"category"`
	Retryable bool          `yaml:"retryable" json:"retryable"`
}

// Step is one unit of a workflow or guided plan.
type Step struct {
	ID               string              `yaml:"id" json:"id"`
	Name             string              `yaml:"name" json:"name,omitempty"`
	Primitives       []string            `yaml:"primitives" json:"primitives,omitempty"`
	Action           ActionDescriptor    `yaml:"action" json:"action"`
	Mutates          bool                `yaml:"mutates" json:"mutates,omitempty"`
	Creates          bool                `yaml:"creates" json:"creates,omitempty"`
	Compensation     *CompensationAction `yaml:"compensation" json:"compensation,omitempty"`
	Probes           []Probe             `yaml:"probes" json:"probes,omitempty"`
	Checkpoint       *CheckpointSpec     `yaml:"checkpoint" json:"checkpoint,omitempty"`
	ExpectedErrors   []ErrorOverride     `yaml:"expected_errors" json:"expected_errors,omitempty"`
	EstimatedSeconds int                 `yaml:"estimated_seconds" json:"estimated_seconds,omitempty"`
}

// Workflow is a pre-authored, tested sequence of steps.
type Workflow struct {
	ID          string  `yaml:"id" json:"id"`
	Domain      string  `yaml:"domain" json:"domain"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Probes      []Probe `yaml:"probes" json:"probes,omitempty"`
	Steps       []Step  `yaml:"steps" json:"steps"`
}

// Primitive is a terminal reference unit.
type Primitive struct {
	ID           string            `yaml:"id" json:"id"`
	Domain       string            `yaml:"domain" json:"domain"`
	Title        string            `yaml:"title" json:"title,omitempty"`
	Keywords     []string          `yaml:"keywords" json:"keywords,omitempty"`
	LastReviewed string            `yaml:"last_reviewed" json:"last_reviewed,omitempty"`
	Lookup       *ActionDescriptor `yaml:"lookup" json:"lookup,omitempty"`
}

// ContextMapping renames outputs of one domain to inputs of another.
type ContextMapping struct {
	From string            `yaml:"from" json:"from"`
	To   string            `yaml:"to" json:"to"`
	Map  map[string]string `yaml:"map" json:"map"`
}

// TargetKind tags a RouteTarget.
type TargetKind string

const (
	TargetWorkflow  TargetKind = "workflow"
	TargetPrimitive TargetKind = "primitive"
	TargetPlan      TargetKind = "guided_plan"
)

// RouteTarget is Workflow(id) | Primitive(id) | GuidedPlan(goal).
type RouteTarget struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	Goal string     `json:"goal,omitempty"`
}

// Key identifies a target for exclusion on re-routing.
func (t RouteTarget) Key() string {
	if t.Kind == TargetPlan {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ID
}

// GuidedPlan is a synthesized ordered step list.
type GuidedPlan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// ErrorCategory classifies an external failure.
type ErrorCategory string

const (
	CategoryPermission   ErrorCategory = "permission"
	CategoryObjectExists ErrorCategory = "object_exists"
	CategoryTransient    ErrorCategory = "transient"
	CategorySyntax       ErrorCategory = "syntax"
	CategoryUnknown      ErrorCategory = "unknown"
)

// ErrorSignature is the failure description an executor reports.
type ErrorSignature struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is what an executor returns for one action or probe.
type Result struct {
	Success bool            `json:"success"`
	Payload map[string]any  `json:"payload,omitempty"`
	Error   *ErrorSignature `json:"error,omitempty"`
}
