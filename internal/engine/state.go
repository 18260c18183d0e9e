// Package engine drives threads. Fold derives a thread's state from its
// event log, Decide picks the next action from that state, and Engine runs
// actions against the collaborators and appends what they produce.
package engine

import (
	"fmt"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/routing"
)

// Status is the coarse position of a thread.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusAwaiting  Status = "awaiting"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
)

// Pending is the pause a thread is waiting on. Exactly one of the payload
// pointers is set, matching Type.
type Pending struct {
	ID      string            `json:"checkpoint_id"`
	Seq     int64             `json:"seq"`
	Type    domain.EventType  `json:"type"`
	Options []domain.Decision `json:"options"`

	Checkpoint   *domain.CheckpointReached    `json:"checkpoint,omitempty"`
	Ambiguous    *domain.RoutingAmbiguous     `json:"ambiguous,omitempty"`
	Rejected     *domain.PlanRejected         `json:"rejected,omitempty"`
	Summary      *domain.DryRunSummary        `json:"summary,omitempty"`
	Compensation *domain.CompensationProposed `json:"compensation,omitempty"`
}

// Phase is the progress of one domain within the active routing decision.
type Phase struct {
	Domain  string         `json:"domain"`
	Index   int            `json:"index"`
	Context map[string]any `json:"context,omitempty"`
	// Gathered is set once a gather checkpoint was answered.
	Gathered bool `json:"gathered,omitempty"`

	Route      *domain.Routed `json:"route,omitempty"`
	NeedsRoute bool           `json:"needs_route,omitempty"`
	Goal       string         `json:"goal,omitempty"`

	Plan      *domain.GuidedPlan   `json:"plan,omitempty"`
	Rejected  *domain.PlanRejected `json:"rejected,omitempty"`
	Recheck   bool                 `json:"recheck,omitempty"`
	Overrides map[string]bool      `json:"overrides,omitempty"`

	Steps      []domain.Step `json:"steps,omitempty"`
	Next       int           `json:"next"`
	Probed     bool          `json:"probed"`
	StepProbed map[int]bool  `json:"step_probed,omitempty"`
	Approved   map[int]bool  `json:"approved,omitempty"`
	Reviewed   map[int]bool  `json:"reviewed,omitempty"`
	// BatchApprove is set by approve_remaining and clears later review and
	// info checkpoints of the phase.
	BatchApprove bool `json:"batch_approve,omitempty"`

	Done    []domain.StepCompleted `json:"done,omitempty"`
	Planned []domain.StepPlanned   `json:"planned,omitempty"`
	// Real is set by proceed after a dry-run summary.
	Real       bool `json:"real,omitempty"`
	Summarized bool `json:"summarized,omitempty"`
}

// Compensation tracks the rollback flow after an abort.
type Compensation struct {
	Items     []domain.CompensationItem  `json:"items"`
	Decisions map[string]domain.Decision `json:"decisions,omitempty"`
}

// Open returns the items still lacking an accept or reject, in proposal
// order.
func (c *Compensation) Open() []domain.CompensationItem {
	var out []domain.CompensationItem
	for _, it := range c.Items {
		if _, ok := c.Decisions[it.StepID]; !ok {
			out = append(out, it)
		}
	}
	return out
}

// State is everything Decide needs, derived from the log alone.
type State struct {
	ThreadID string `json:"thread_id"`
	LastSeq  int64  `json:"last_seq"`
	Status   Status `json:"status"`
	Closed   bool   `json:"closed"`

	Intent       string `json:"intent,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	NeedsRouting bool   `json:"needs_routing,omitempty"`

	Chain       []string                   `json:"chain,omitempty"`
	PhaseCursor int                        `json:"phase_cursor"`
	Phase       *Phase                     `json:"phase,omitempty"`
	Outputs     []routing.PhaseOutput      `json:"outputs,omitempty"`
	Touched     []string                   `json:"touched,omitempty"`
	Excluded    map[string]map[string]bool `json:"excluded,omitempty"`
	Warned      map[string]bool            `json:"warned,omitempty"`

	Pending        *Pending            `json:"pending,omitempty"`
	AbortRequested bool                `json:"abort_requested,omitempty"`
	Compensation   *Compensation       `json:"compensation,omitempty"`
	LastError      *domain.ErrorRaised `json:"last_error,omitempty"`
	Terminal       *domain.Terminal    `json:"terminal,omitempty"`
}

// Fold replays events from an empty state. It is pure: the same events
// always yield an equal State.
func Fold(events []domain.Event) (State, error) {
	s := State{Status: StatusIdle}
	for _, ev := range events {
		if err := s.apply(ev); err != nil {
			return State{}, err
		}
	}
	return s, nil
}

func (s *State) apply(ev domain.Event) error {
	if ev.Seq != s.LastSeq+1 {
		return domain.Detail(domain.ErrCorruptLog, "seq %d follows %d", ev.Seq, s.LastSeq)
	}
	if s.Closed {
		return domain.Detail(domain.ErrCorruptLog, "%s at seq %d after thread closed", ev.Type, ev.Seq)
	}
	s.LastSeq = ev.Seq
	s.ThreadID = ev.ThreadID

	var err error
	switch ev.Type {
	case domain.EventUserMessage:
		err = s.onUserMessage(ev)
	case domain.EventRoutingAmbiguous:
		var p domain.RoutingAmbiguous
		if err = ev.Decode(&p); err == nil {
			s.NeedsRouting = false
			s.pause(ev, &Pending{Ambiguous: &p, Options: []domain.Decision{domain.DecisionClarify, domain.DecisionAbort}})
		}
	case domain.EventRouted:
		err = s.onRouted(ev)
	case domain.EventChainStarted:
		var p domain.ChainStarted
		if err = ev.Decode(&p); err == nil {
			s.NeedsRouting = false
			s.Chain = p.Domains
			s.PhaseCursor = 0
			s.Phase = nil
		}
	case domain.EventPhaseStarted:
		var p domain.PhaseStarted
		if err = ev.Decode(&p); err == nil {
			s.Phase = newPhase(p.Domain, p.Index, p.ContextFromPrevious)
			s.Phase.NeedsRoute = true
			s.touch(p.Domain)
		}
	case domain.EventPhaseCompleted:
		var p domain.PhaseCompleted
		if err = ev.Decode(&p); err == nil {
			s.Outputs = append(s.Outputs, routing.PhaseOutput{Domain: p.Domain, Outputs: p.Outputs})
			s.PhaseCursor = p.Index + 1
			s.Phase = nil
		}
	case domain.EventProbesExecuted:
		err = s.onProbes(ev)
	case domain.EventPlanSynthesized:
		err = s.onPlan(ev)
	case domain.EventPlanRejected:
		var p domain.PlanRejected
		if err = ev.Decode(&p); err == nil {
			if ph := s.Phase; ph != nil {
				ph.Rejected = &p
				ph.Recheck = false
			}
			s.pause(ev, &Pending{Rejected: &p, Options: p.Options})
		}
	case domain.EventStepPlanned:
		var p domain.StepPlanned
		if err = ev.Decode(&p); err == nil && s.Phase != nil {
			s.Phase.Planned = append(s.Phase.Planned, p)
			s.Phase.Next = p.Index + 1
		}
	case domain.EventStepStarted:
		// Nothing to track: a started step without a completion is re-run.
	case domain.EventStepCompleted:
		var p domain.StepCompleted
		if err = ev.Decode(&p); err == nil && s.Phase != nil {
			s.Phase.Done = append(s.Phase.Done, p)
			if p.Result.Success {
				s.Phase.Next = p.Index + 1
				delete(s.Phase.Reviewed, p.Index)
			}
		}
	case domain.EventCheckpointReached:
		var p domain.CheckpointReached
		if err = ev.Decode(&p); err == nil {
			s.pause(ev, &Pending{Checkpoint: &p, Options: p.Options})
		}
	case domain.EventHumanResponse:
		err = s.onResponse(ev)
	case domain.EventErrorRaised:
		var p domain.ErrorRaised
		if err = ev.Decode(&p); err == nil {
			s.LastError = &p
		}
	case domain.EventCompensationProposed:
		var p domain.CompensationProposed
		if err = ev.Decode(&p); err == nil {
			if s.Compensation == nil {
				s.Compensation = &Compensation{Items: p.Items, Decisions: map[string]domain.Decision{}}
			}
			s.pause(ev, &Pending{Compensation: &p, Options: []domain.Decision{domain.DecisionAccept, domain.DecisionReject, domain.DecisionReview}})
		}
	case domain.EventCompensationApplied:
		s.Closed = true
		s.Status = StatusAborted
	case domain.EventDryRunSummary:
		var p domain.DryRunSummary
		if err = ev.Decode(&p); err == nil {
			if s.Phase != nil {
				s.Phase.Summarized = true
			}
			s.pause(ev, &Pending{Summary: &p, Options: p.Options})
		}
	case domain.EventStalenessWarning:
		var p domain.StalenessWarning
		if err = ev.Decode(&p); err == nil {
			if s.Warned == nil {
				s.Warned = map[string]bool{}
			}
			s.Warned[p.PrimitiveID] = true
		}
	case domain.EventCompleted, domain.EventEscalated, domain.EventAborted:
		var p domain.Terminal
		if err = ev.Decode(&p); err == nil {
			s.Terminal = &p
			s.Pending = nil
			s.AbortRequested = false
			switch ev.Type {
			case domain.EventCompleted:
				s.Status, s.Closed = StatusCompleted, true
			case domain.EventEscalated:
				s.Status, s.Closed = StatusEscalated, true
			default:
				s.Status = StatusAborted
			}
		}
	default:
		return domain.Detail(domain.ErrCorruptLog, "unknown event type %q at seq %d", ev.Type, ev.Seq)
	}
	if err != nil {
		return domain.WrapEngineError(domain.ErrCorruptLog.Code, fmt.Sprintf("seq %d", ev.Seq), err)
	}
	return nil
}

func (s *State) pause(ev domain.Event, p *Pending) {
	p.ID = domain.CheckpointID(ev.Seq)
	p.Seq = ev.Seq
	p.Type = ev.Type
	s.Pending = p
	s.Status = StatusAwaiting
}

func (s *State) touch(domainID string) {
	for _, d := range s.Touched {
		if d == domainID {
			return
		}
	}
	s.Touched = append(s.Touched, domainID)
}

func (s *State) exclude(domainID, key string) {
	if s.Excluded == nil {
		s.Excluded = map[string]map[string]bool{}
	}
	if s.Excluded[domainID] == nil {
		s.Excluded[domainID] = map[string]bool{}
	}
	s.Excluded[domainID][key] = true
}

func newPhase(domainID string, index int, ctx map[string]any) *Phase {
	return &Phase{
		Domain:     domainID,
		Index:      index,
		Context:    ctx,
		StepProbed: map[int]bool{},
		Approved:   map[int]bool{},
		Reviewed:   map[int]bool{},
		Overrides:  map[string]bool{},
	}
}

// restart rewinds step progress for a fresh run of the phase. Completed
// steps stay on record for compensation.
func (ph *Phase) restart() {
	ph.Next = 0
	ph.Probed = false
	ph.StepProbed = map[int]bool{}
	ph.Approved = map[int]bool{}
	ph.Reviewed = map[int]bool{}
	ph.BatchApprove = false
	ph.Planned = nil
	ph.Summarized = false
}

func (s *State) onUserMessage(ev domain.Event) error {
	var p domain.UserMessage
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.Intent = p.Text
	s.DryRun = p.DryRun
	s.NeedsRouting = true
	s.Pending = nil
	s.Chain = nil
	s.PhaseCursor = 0
	s.Phase = nil
	s.Excluded = nil
	s.Status = StatusRunning
	return nil
}

func (s *State) onRouted(ev domain.Event) error {
	var p domain.Routed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.NeedsRouting = false
	if s.Phase == nil || s.Phase.Domain != p.Domain {
		s.Chain = []string{p.Domain}
		s.PhaseCursor = 0
		s.Phase = newPhase(p.Domain, 0, nil)
	}
	ph := s.Phase
	ph.restart()
	ph.Route = &p
	ph.NeedsRoute = false
	ph.Plan = nil
	ph.Rejected = nil
	ph.Recheck = false
	ph.Goal = p.Target.Goal
	ph.Steps = append([]domain.Step(nil), p.Steps...)
	ph.Probed = len(p.Probes) == 0
	s.touch(p.Domain)
	s.Status = StatusRunning
	return nil
}

func (s *State) onProbes(ev domain.Event) error {
	var p domain.ProbesExecuted
	if err := ev.Decode(&p); err != nil {
		return err
	}
	ph := s.Phase
	if ph == nil {
		return fmt.Errorf("probes outside a phase")
	}
	if p.StepID == "" {
		ph.Probed = true
		return nil
	}
	ph.StepProbed[ph.Next] = true
	return nil
}

func (s *State) onPlan(ev domain.Event) error {
	var p domain.PlanSynthesized
	if err := ev.Decode(&p); err != nil {
		return err
	}
	ph := s.Phase
	if ph == nil {
		return fmt.Errorf("plan outside a phase")
	}
	ph.restart()
	ph.Probed = true
	ph.Plan = &p.Plan
	ph.Rejected = nil
	ph.Recheck = false
	ph.Steps = append([]domain.Step(nil), p.Plan.Steps...)
	ph.Overrides = map[string]bool{}
	for _, id := range p.Overrides {
		ph.Overrides[id] = true
	}
	return nil
}

func (s *State) onResponse(ev domain.Event) error {
	var r domain.HumanResponse
	if err := ev.Decode(&r); err != nil {
		return err
	}
	pending := s.Pending
	if pending == nil {
		return fmt.Errorf("response without a pending checkpoint")
	}
	if r.Decision == domain.DecisionExport {
		return nil
	}
	s.Pending = nil
	s.Status = StatusRunning
	ph := s.Phase

	if pending.Compensation != nil {
		for id, d := range r.Items {
			if d == domain.DecisionAccept || d == domain.DecisionReject {
				s.Compensation.Decisions[id] = d
			}
		}
		s.Status = StatusAborted
		return nil
	}

	switch r.Decision {
	case domain.DecisionAbort:
		s.AbortRequested = true

	case domain.DecisionClarify:
		s.Chain = []string{r.Domain}
		s.PhaseCursor = 0
		s.Phase = newPhase(r.Domain, 0, nil)
		s.Phase.NeedsRoute = true
		s.touch(r.Domain)

	case domain.DecisionDifferent:
		if ph != nil && ph.Route != nil {
			s.exclude(ph.Domain, ph.Route.Target.Key())
		}
		if r.Text != "" {
			s.Intent = r.Text
			s.NeedsRouting = true
			s.Chain = nil
			s.PhaseCursor = 0
			s.Phase = nil
		} else if ph != nil {
			ph.NeedsRoute = true
		}

	case domain.DecisionApprove, domain.DecisionApproveRemaining:
		cp := pending.Checkpoint
		if cp == nil || ph == nil {
			break
		}
		switch cp.Kind {
		case domain.KindStepBefore, domain.KindOverride:
			ph.Approved[cp.StepIndex] = true
		case domain.KindStepAfter:
			ph.Reviewed[cp.StepIndex] = true
		case domain.KindGather:
			if ph.Context == nil {
				ph.Context = map[string]any{}
			}
			for k, v := range r.Input {
				ph.Context[k] = v
			}
			ph.Gathered = true
		}
		if r.Decision == domain.DecisionApproveRemaining {
			ph.BatchApprove = true
		}

	case domain.DecisionModify:
		if ph == nil {
			break
		}
		if pending.Rejected != nil {
			ph.Goal = r.Text
			ph.Plan = nil
			ph.Rejected = nil
			break
		}
		cp := pending.Checkpoint
		if cp == nil || cp.StepIndex >= len(ph.Steps) {
			break
		}
		step := &ph.Steps[cp.StepIndex]
		step.Action = mergeParams(step.Action, r.Input)
		if cp.Kind == domain.KindStepAfter {
			// Re-run with the new action, then present again.
			ph.Next = cp.StepIndex
			ph.Approved[cp.StepIndex] = true
			delete(ph.Reviewed, cp.StepIndex)
		}

	case domain.DecisionOverride:
		if ph != nil && pending.Rejected != nil {
			ph.Overrides[pending.Rejected.StepID] = true
			ph.Rejected = pending.Rejected
			ph.Recheck = true
		}

	case domain.DecisionProceed:
		if ph != nil {
			ph.restart()
			ph.Real = true
		}
	}
	return nil
}

func mergeParams(a domain.ActionDescriptor, input map[string]any) domain.ActionDescriptor {
	params := make(map[string]any, len(a.Params)+len(input))
	for k, v := range a.Params {
		params[k] = v
	}
	for k, v := range input {
		params[k] = v
	}
	a.Params = params
	return a
}
