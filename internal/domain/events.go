package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a thread event.
type EventType string

const (
	EventUserMessage          EventType = "user_message"
	EventRouted               EventType = "routed"
	EventRoutingAmbiguous     EventType = "routing_ambiguous"
	EventChainStarted         EventType = "chain_started"
	EventPhaseStarted         EventType = "phase_started"
	EventPhaseCompleted       EventType = "phase_completed"
	EventProbesExecuted       EventType = "probes_executed"
	EventPlanSynthesized      EventType = "plan_synthesized"
	EventPlanRejected         EventType = "plan_rejected"
	EventStepPlanned          EventType = "step_planned"
	EventStepStarted          EventType = "step_started"
	EventStepCompleted        EventType = "step_completed"
	EventCheckpointReached    EventType = "checkpoint_reached"
	EventHumanResponse        EventType = "human_response"
	EventErrorRaised          EventType = "error_raised"
	EventCompensationProposed EventType = "compensation_proposed"
	EventCompensationApplied  EventType = "compensation_applied"
	EventDryRunSummary        EventType = "dry_run_summary"
	EventStalenessWarning     EventType = "staleness_warning"
	EventCompleted            EventType = "completed"
	EventAborted              EventType = "aborted"
	EventEscalated            EventType = "escalated"
)

// Terminal reports whether the event type ends a thread.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventAborted || t == EventEscalated
}

// Event is one immutable entry of a thread's log. Seq is assigned by the
// store on append and is strictly increasing from 1 within a thread.
type Event struct {
	ThreadID string          `json:"thread_id"`
	Seq      int64           `json:"seq"`
	Type     EventType       `json:"type"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an unsequenced event with a JSON-encoded payload.
func NewEvent(threadID string, typ EventType, at time.Time, payload any) (Event, error) {
	ev := Event{ThreadID: threadID, Type: typ, At: at.UTC()}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	ev.Payload = raw
	return ev, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// CheckpointID is the identifier of any pause raised by the event at seq.
func CheckpointID(seq int64) string {
	return fmt.Sprintf("cp-%d", seq)
}

// Decision is a human disposition of a pause.
type Decision string

const (
	DecisionApprove          Decision = "approve"
	DecisionApproveRemaining Decision = "approve_remaining"
	DecisionModify           Decision = "modify"
	DecisionAbort            Decision = "abort"
	DecisionDifferent        Decision = "different_approach"
	DecisionClarify          Decision = "clarify"
	DecisionOverride         Decision = "override"
	DecisionProceed          Decision = "proceed"
	DecisionExport           Decision = "export"
	DecisionAccept           Decision = "accept"
	DecisionReject           Decision = "reject"
	DecisionReview           Decision = "review"
)

// CheckpointKind says what raised a checkpoint.
type CheckpointKind string

const (
	KindStepBefore   CheckpointKind = "step_before"
	KindStepAfter    CheckpointKind = "step_after"
	KindProbeConfirm CheckpointKind = "probe_confirm"
	KindGather       CheckpointKind = "gather"
	KindOverride     CheckpointKind = "override"
)

// Candidate is one scored domain.
type Candidate struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
	// Mention is the offset of the first mention in the user text, -1 if implied.
	Mention int `json:"mention"`
}

// UserMessage records submitted user text.
type UserMessage struct {
	Text   string `json:"text"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// Routed records a domain router decision, with the resolved probes and
// steps snapshotted so replay never depends on a later manifest.
type Routed struct {
	Domain     string      `json:"domain"`
	Confidence float64     `json:"confidence,omitempty"`
	Mode       Mode        `json:"mode"`
	Target     RouteTarget `json:"target"`
	Probes     []Probe     `json:"probes,omitempty"`
	Steps      []Step      `json:"steps,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
}

// ClarifyOption is a structured choice offered on ambiguity.
type ClarifyOption struct {
	Domain string `json:"domain"`
	Label  string `json:"label"`
}

// RoutingAmbiguous blocks the thread until the user picks a domain.
type RoutingAmbiguous struct {
	Candidates []Candidate     `json:"candidates"`
	Options    []ClarifyOption `json:"options"`
}

// ChainStarted announces a multi-domain execution order.
type ChainStarted struct {
	Domains   []string `json:"domains"`
	Rationale string   `json:"rationale"`
}

// PhaseStarted opens one domain phase of a chain.
type PhaseStarted struct {
	Domain              string         `json:"domain"`
	Index               int            `json:"index"`
	ContextFromPrevious map[string]any `json:"context_from_previous,omitempty"`
}

// PhaseCompleted closes a phase and publishes its outputs.
type PhaseCompleted struct {
	Domain  string         `json:"domain"`
	Index   int            `json:"index"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ProbeResult is the validated outcome of one probe.
type ProbeResult struct {
	ProbeID  string         `json:"probe_id"`
	Outcome  ProbeOutcome   `json:"outcome"`
	Payload  map[string]any `json:"payload,omitempty"`
	Message  string         `json:"message,omitempty"`
	Category ErrorCategory  `json:"category,omitempty"`
	Hint     string         `json:"hint,omitempty"`
}

// ProbesExecuted records every probe of a probing stage in declared order.
// StepID is empty for the probes that run before the first step.
type ProbesExecuted struct {
	StepID  string        `json:"step_id,omitempty"`
	Results []ProbeResult `json:"results"`
	Notes   []string      `json:"notes,omitempty"`
}

// PlanSynthesized records a guided plan that passed the guardrails.
// Overrides lists step IDs the user allowed despite a prohibited action.
type PlanSynthesized struct {
	Plan      GuidedPlan `json:"plan"`
	Overrides []string   `json:"overrides,omitempty"`
}

// PlanRejected records a guardrail violation.
type PlanRejected struct {
	Reason  string     `json:"reason"`
	StepID  string     `json:"step_id,omitempty"`
	Message string     `json:"message"`
	Options []Decision `json:"options"`
	Plan    GuidedPlan `json:"plan"`
}

// StepPlanned is the dry-run stand-in for step execution.
type StepPlanned struct {
	Index            int              `json:"index"`
	StepID           string           `json:"step_id"`
	Primitives       []string         `json:"primitives,omitempty"`
	Action           ActionDescriptor `json:"action"`
	Creates          bool             `json:"creates,omitempty"`
	Would            string           `json:"would"`
	EstimatedSeconds int              `json:"estimated_seconds,omitempty"`
}

// StepStarted marks an action handed to the executor.
type StepStarted struct {
	Index  int              `json:"index"`
	StepID string           `json:"step_id"`
	Action ActionDescriptor `json:"action"`
}

// StepCompleted records the executor result verbatim.
type StepCompleted struct {
	Index        int                 `json:"index"`
	StepID       string              `json:"step_id"`
	Action       ActionDescriptor    `json:"action"`
	Result       Result              `json:"result"`
	Attempts     int                 `json:"attempts"`
	Compensation *CompensationAction `json:"compensation,omitempty"`
}

// CheckpointReached pauses the thread for a human disposition.
type CheckpointReached struct {
	Kind      CheckpointKind   `json:"kind"`
	StepIndex int              `json:"step_index"`
	StepID    string           `json:"step_id,omitempty"`
	Severity  Severity         `json:"severity"`
	Present   string           `json:"present"`
	Action    ActionDescriptor `json:"action,omitempty"`
	Options   []Decision       `json:"options"`
	Missing   []string         `json:"missing,omitempty"`
}

// HumanResponse is the only way a person moves a paused thread.
type HumanResponse struct {
	CheckpointID string              `json:"checkpoint_id"`
	Decision     Decision            `json:"decision"`
	Input        map[string]any      `json:"input,omitempty"`
	Text         string              `json:"text,omitempty"`
	Domain       string              `json:"domain,omitempty"`
	Items        map[string]Decision `json:"items,omitempty"`
}

// ErrorRaised is a classified failure surfaced to the thread.
type ErrorRaised struct {
	Source    string        `json:"source"`
	StepIndex int           `json:"step_index"`
	StepID    string        `json:"step_id,omitempty"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Hint      string        `json:"hint,omitempty"`
	Retryable bool          `json:"retryable"`
	Attempts  int           `json:"attempts"`
}

// CompensationItem is one proposed inverse action.
type CompensationItem struct {
	StepID      string           `json:"step_id"`
	StepIndex   int              `json:"step_index"`
	Description string           `json:"description"`
	Action      ActionDescriptor `json:"action"`
}

// CompensationProposed lists inverse actions in reverse completion order.
type CompensationProposed struct {
	Items []CompensationItem `json:"items"`
}

// CompensationOutcome is the executor result of one applied inverse action.
type CompensationOutcome struct {
	StepID string `json:"step_id"`
	Result Result `json:"result"`
}

// CompensationApplied closes the compensation flow of an aborted thread.
type CompensationApplied struct {
	Applied  []CompensationOutcome `json:"applied,omitempty"`
	Rejected []string              `json:"rejected,omitempty"`
}

// DryRunSummary aggregates the planned actions of one phase.
type DryRunSummary struct {
	Domain           string        `json:"domain"`
	Created          int           `json:"created"`
	Modified         int           `json:"modified"`
	EstimatedSeconds int           `json:"estimated_seconds"`
	Actions          []StepPlanned `json:"actions"`
	Options          []Decision    `json:"options"`
}

// StalenessWarning is emitted the first time a stale primitive is used.
type StalenessWarning struct {
	PrimitiveID  string `json:"primitive_id"`
	LastReviewed string `json:"last_reviewed"`
	AgeDays      int    `json:"age_days"`
}

// Terminal is the payload of completed, aborted and escalated.
type Terminal struct {
	Reason   string        `json:"reason,omitempty"`
	Category ErrorCategory `json:"category,omitempty"`
}
