package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/errclass"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/planner"
	"github.com/Rogers-F/threadline/internal/routing"
)

// ActionKind names what the driver does next.
type ActionKind string

const (
	ActAwait      ActionKind = "await"
	ActDone       ActionKind = "done"
	ActEmit       ActionKind = "emit"
	ActScore      ActionKind = "score"
	ActProbe      ActionKind = "probe"
	ActSynthesize ActionKind = "synthesize"
	ActExecute    ActionKind = "execute"
	ActCompensate ActionKind = "compensate"
)

// Draft is an event before the store stamps it.
type Draft struct {
	Type    domain.EventType
	Payload any
}

// Action is the next thing a thread needs. Only the fields of its Kind are
// set.
type Action struct {
	Kind   ActionKind
	Drafts []Draft

	Domain    string
	Intent    string
	StepIndex int
	Step      domain.Step
	Probes    []domain.Probe
	Items     []domain.CompensationItem
}

// Observation is what the driver learned from one executor call after local
// retries.
type Observation struct {
	Result   domain.Result
	Verdict  errclass.Verdict
	Attempts int
}

// Policy carries the routing and planning rules Decide applies.
type Policy struct {
	Meta       *routing.MetaRouter
	Router     routing.DomainRouter
	Guardrails *planner.Guardrails
}

// DefaultPolicy uses the default thresholds and guardrails.
func DefaultPolicy() Policy {
	gr, err := planner.NewGuardrails(0, nil)
	if err != nil {
		panic(err)
	}
	return Policy{Meta: routing.NewMetaRouter(0, 0), Guardrails: gr}
}

// Decide returns the next action for s. It never performs I/O and never
// mutates s.
func Decide(g *manifest.Graph, p Policy, s State) Action {
	switch {
	case s.Closed:
		return Action{Kind: ActDone}
	case s.Pending != nil:
		return Action{Kind: ActAwait}
	case s.Status == StatusAborted:
		return decideCompensation(s)
	case s.AbortRequested:
		return emit(Draft{domain.EventAborted, domain.Terminal{Reason: "aborted by user"}})
	case s.Intent == "":
		return Action{Kind: ActAwait}
	case s.NeedsRouting:
		return Action{Kind: ActScore, Intent: s.Intent}
	}

	ph := s.Phase
	if ph == nil {
		if s.PhaseCursor < len(s.Chain) {
			dom := s.Chain[s.PhaseCursor]
			ctx, _ := routing.CarryContext(g, s.Outputs, dom)
			return emit(Draft{domain.EventPhaseStarted, domain.PhaseStarted{
				Domain:              dom,
				Index:               s.PhaseCursor,
				ContextFromPrevious: ctx,
			}})
		}
		return emit(Draft{domain.EventCompleted, domain.Terminal{
			Reason: fmt.Sprintf("chain %s completed", strings.Join(s.Chain, " -> ")),
		}})
	}

	if cp := gatherCheckpoint(g, ph); cp != nil {
		return emit(Draft{domain.EventCheckpointReached, *cp})
	}
	if ph.NeedsRoute || ph.Route == nil {
		return emit(RouteDrafts(g, p, s, ph.Domain, 0, "")...)
	}
	if ph.Route.Mode == domain.ModeGuided && ph.Plan == nil {
		if ph.Recheck && ph.Rejected != nil {
			return emit(PlanDrafts(g, p, ph.Goal, ph.Rejected.Plan, nil, ph.Overrides)...)
		}
		return Action{Kind: ActSynthesize, Domain: ph.Domain, Intent: ph.Goal}
	}
	if !ph.Probed {
		return Action{Kind: ActProbe, Domain: ph.Domain, Probes: ph.Route.Probes}
	}

	dry := s.DryRun && !ph.Real
	if i := ph.Next - 1; !dry && i >= 0 && i < len(ph.Steps) && !ph.Reviewed[i] {
		if cp := afterCheckpoint(ph, i); cp != nil {
			return emit(Draft{domain.EventCheckpointReached, *cp})
		}
	}

	if ph.Next < len(ph.Steps) {
		i := ph.Next
		step := ph.Steps[i]
		if drafts := stalenessDrafts(g, s, step); len(drafts) > 0 {
			return emit(drafts...)
		}
		if len(step.Probes) > 0 && !ph.StepProbed[i] {
			return Action{Kind: ActProbe, Domain: ph.Domain, StepIndex: i, Step: step, Probes: step.Probes}
		}
		if !dry && !ph.Approved[i] {
			if cp := beforeCheckpoint(ph, i); cp != nil {
				return emit(Draft{domain.EventCheckpointReached, *cp})
			}
		}
		if dry && step.Mutates {
			return emit(Draft{domain.EventStepPlanned, planStep(i, step)})
		}
		return Action{Kind: ActExecute, Domain: ph.Domain, StepIndex: i, Step: step}
	}

	if dry && !ph.Summarized {
		return emit(Draft{domain.EventDryRunSummary, summarize(ph)})
	}
	if len(s.Chain) > 1 {
		return emit(Draft{domain.EventPhaseCompleted, domain.PhaseCompleted{
			Domain:  ph.Domain,
			Index:   ph.Index,
			Outputs: phaseOutputs(g, ph),
		}})
	}
	return emit(Draft{domain.EventCompleted, domain.Terminal{
		Reason: fmt.Sprintf("%s %s completed", ph.Route.Mode, ph.Route.Target.Key()),
	}})
}

func emit(drafts ...Draft) Action {
	return Action{Kind: ActEmit, Drafts: drafts}
}

// Dispatch turns scored candidates into the routing events of s.
func Dispatch(g *manifest.Graph, p Policy, s State, candidates []domain.Candidate) []Draft {
	d := p.Meta.Decide(g, candidates)
	switch d.Dispatch {
	case routing.DispatchSingle:
		var conf float64
		for _, c := range d.Candidates {
			if c.Domain == d.Domains[0] {
				conf = c.Confidence
			}
		}
		return RouteDrafts(g, p, s, d.Domains[0], conf, d.Rationale)
	case routing.DispatchChain:
		return []Draft{{domain.EventChainStarted, domain.ChainStarted{Domains: d.Domains, Rationale: d.Rationale}}}
	default:
		return []Draft{{domain.EventRoutingAmbiguous, domain.RoutingAmbiguous{Candidates: d.Candidates, Options: d.Options}}}
	}
}

// RouteDrafts routes the current intent within domainID, snapshotting the
// target's probes and steps into the routed event. A domain with no usable
// route escalates.
func RouteDrafts(g *manifest.Graph, p Policy, s State, domainID string, confidence float64, why string) []Draft {
	r, err := p.Router.Route(g, domainID, s.Intent, s.Excluded[domainID])
	if err != nil {
		msg := err.Error()
		return []Draft{
			{domain.EventErrorRaised, domain.ErrorRaised{
				Source:   "routing",
				Category: domain.CategoryUnknown,
				Message:  msg,
				Hint:     "rephrase the goal or add a workflow for this domain",
			}},
			{domain.EventEscalated, domain.Terminal{Reason: msg, Category: domain.CategoryUnknown}},
		}
	}

	routed := domain.Routed{
		Domain:     domainID,
		Confidence: confidence,
		Mode:       r.Mode,
		Target:     r.Target,
		Rationale:  r.Rationale,
	}
	if why != "" {
		routed.Rationale = why + "; " + r.Rationale
	}
	switch r.Target.Kind {
	case domain.TargetWorkflow:
		w, _ := g.Workflow(r.Target.ID)
		routed.Probes = w.Probes
		routed.Steps = w.Steps
	case domain.TargetPrimitive:
		prim, _ := g.Primitive(r.Target.ID)
		routed.Steps = []domain.Step{lookupStep(prim)}
	}
	return []Draft{{domain.EventRouted, routed}}
}

func lookupStep(p domain.Primitive) domain.Step {
	action := domain.ActionDescriptor{Kind: "lookup", Target: p.ID}
	if p.Lookup != nil {
		action = *p.Lookup
	}
	return domain.Step{
		ID:         "lookup-" + p.ID,
		Name:       p.Title,
		Primitives: []string{p.ID},
		Action:     action,
	}
}

// PlanDrafts checks a synthesized plan (or the synthesizer's failure) and
// returns either plan_synthesized or plan_rejected. Anything other than a
// Rejection escalates.
func PlanDrafts(g *manifest.Graph, p Policy, goal string, plan domain.GuidedPlan, err error, overrides map[string]bool) []Draft {
	var rej *planner.Rejection
	if errors.As(err, &rej) {
		reason := rej.Reason
		if reason == "" {
			reason = planner.ReasonRefused
		}
		return []Draft{{domain.EventPlanRejected, domain.PlanRejected{
			Reason:  reason,
			Message: rej.Message,
			Options: []domain.Decision{domain.DecisionModify, domain.DecisionDifferent, domain.DecisionAbort},
			Plan:    domain.GuidedPlan{Goal: goal},
		}}}
	}
	if err != nil {
		msg := err.Error()
		return []Draft{
			{domain.EventErrorRaised, domain.ErrorRaised{Source: "planner", Category: domain.CategoryUnknown, Message: msg}},
			{domain.EventEscalated, domain.Terminal{Reason: msg, Category: domain.CategoryUnknown}},
		}
	}

	plan = planner.NormalizePlan(plan)
	if plan.Goal == "" {
		plan.Goal = goal
	}
	if v := p.Guardrails.Check(plan, g, overrides); v != nil {
		opts := []domain.Decision{domain.DecisionModify, domain.DecisionDifferent}
		if v.Reason == planner.ReasonProhibited {
			opts = append(opts, domain.DecisionOverride)
		}
		opts = append(opts, domain.DecisionAbort)
		return []Draft{{domain.EventPlanRejected, domain.PlanRejected{
			Reason:  v.Reason,
			StepID:  v.StepID,
			Message: v.Message,
			Options: opts,
			Plan:    plan,
		}}}
	}

	var ids []string
	for id, ok := range overrides {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return []Draft{{domain.EventPlanSynthesized, domain.PlanSynthesized{Plan: plan, Overrides: ids}}}
}

// ProbeDrafts validates probe observations. A block escalates at once; a
// confirm raises a review checkpoint unless dry is set.
func ProbeDrafts(probes []domain.Probe, obs []Observation, stepIndex int, stepID string, dry bool) []Draft {
	pe := domain.ProbesExecuted{StepID: stepID, Results: make([]domain.ProbeResult, 0, len(probes))}
	var blocked *domain.ProbeResult
	var blockedAttempts int
	var confirms []string

	for i, pr := range probes {
		o := obs[i]
		res := domain.ProbeResult{ProbeID: pr.ID, Outcome: domain.ProbePass, Payload: o.Result.Payload}
		if out, ok := reportedOutcome(o.Result); ok {
			res.Outcome = out
		}
		if !o.Result.Success {
			res.Outcome = pr.OnFailure
			if res.Outcome == "" {
				res.Outcome = domain.ProbeBlock
			}
		}
		if res.Outcome != domain.ProbePass {
			res.Category = pr.Category
			res.Hint = pr.Hint
			if !o.Result.Success {
				if res.Category == "" {
					res.Category = o.Verdict.Category
				}
				if res.Hint == "" {
					res.Hint = o.Verdict.Hint
				}
			}
			res.Message = pr.Message
			if res.Message == "" && o.Result.Error != nil {
				res.Message = o.Result.Error.Message
			}
			if res.Message == "" {
				res.Message = "probe " + pr.ID + " reported " + string(res.Outcome)
			}
		}

		switch res.Outcome {
		case domain.ProbeWarn:
			pe.Notes = append(pe.Notes, pr.ID+": "+res.Message)
		case domain.ProbeConfirm:
			confirms = append(confirms, pr.ID+": "+res.Message)
		case domain.ProbeBlock:
			if blocked == nil {
				r := res
				blocked = &r
				blockedAttempts = o.Attempts
			}
		}
		pe.Results = append(pe.Results, res)
	}

	drafts := []Draft{{domain.EventProbesExecuted, pe}}
	if blocked != nil {
		cat := blocked.Category
		if cat == "" {
			cat = domain.CategoryUnknown
		}
		msg := fmt.Sprintf("probe %s blocked: %s", blocked.ProbeID, blocked.Message)
		return append(drafts,
			Draft{domain.EventErrorRaised, domain.ErrorRaised{
				Source:    "probe",
				StepIndex: stepIndex,
				StepID:    stepID,
				Category:  cat,
				Message:   msg,
				Hint:      blocked.Hint,
				Attempts:  blockedAttempts,
			}},
			Draft{domain.EventEscalated, domain.Terminal{Reason: msg, Category: cat}},
		)
	}
	if len(confirms) > 0 && !dry {
		drafts = append(drafts, Draft{domain.EventCheckpointReached, domain.CheckpointReached{
			Kind:      domain.KindProbeConfirm,
			StepIndex: stepIndex,
			StepID:    stepID,
			Severity:  domain.SeverityReview,
			Present:   "confirm before continuing: " + strings.Join(confirms, "; "),
			Options:   []domain.Decision{domain.DecisionApprove, domain.DecisionAbort, domain.DecisionDifferent},
		}})
	}
	return drafts
}

// reportedOutcome lets an executor state a probe outcome explicitly through
// an "outcome" payload key.
func reportedOutcome(r domain.Result) (domain.ProbeOutcome, bool) {
	s, ok := r.Payload["outcome"].(string)
	if !ok {
		return "", false
	}
	switch o := domain.ProbeOutcome(s); o {
	case domain.ProbePass, domain.ProbeWarn, domain.ProbeConfirm, domain.ProbeBlock:
		return o, true
	}
	return "", false
}

// StepDrafts records a step result verbatim; a failure escalates with its
// classification.
func StepDrafts(index int, step domain.Step, o Observation) []Draft {
	sc := domain.StepCompleted{
		Index:    index,
		StepID:   step.ID,
		Action:   step.Action,
		Result:   o.Result,
		Attempts: o.Attempts,
	}
	if o.Result.Success {
		sc.Compensation = step.Compensation
		return []Draft{{domain.EventStepCompleted, sc}}
	}

	msg := "step " + step.ID + " failed"
	if o.Result.Error != nil && o.Result.Error.Message != "" {
		msg += ": " + o.Result.Error.Message
	}
	cat := o.Verdict.Category
	if cat == "" {
		cat = domain.CategoryUnknown
	}
	return []Draft{
		{domain.EventStepCompleted, sc},
		{domain.EventErrorRaised, domain.ErrorRaised{
			Source:    "step",
			StepIndex: index,
			StepID:    step.ID,
			Category:  cat,
			Message:   msg,
			Hint:      o.Verdict.Hint,
			Retryable: o.Verdict.Retryable,
			Attempts:  o.Attempts,
		}},
		{domain.EventEscalated, domain.Terminal{Reason: msg, Category: cat}},
	}
}

// CompensationDrafts closes the compensation flow with the outcomes of the
// accepted items.
func CompensationDrafts(c *Compensation, applied []domain.CompensationItem, obs []Observation) []Draft {
	var out domain.CompensationApplied
	for i, it := range applied {
		out.Applied = append(out.Applied, domain.CompensationOutcome{StepID: it.StepID, Result: obs[i].Result})
	}
	for _, it := range c.Items {
		if c.Decisions[it.StepID] == domain.DecisionReject {
			out.Rejected = append(out.Rejected, it.StepID)
		}
	}
	return []Draft{{domain.EventCompensationApplied, out}}
}

func decideCompensation(s State) Action {
	c := s.Compensation
	if c == nil {
		items := compensationItems(s.Phase)
		if len(items) == 0 {
			return emit(Draft{domain.EventCompensationApplied, domain.CompensationApplied{}})
		}
		return emit(Draft{domain.EventCompensationProposed, domain.CompensationProposed{Items: items}})
	}
	if open := c.Open(); len(open) > 0 {
		return emit(Draft{domain.EventCompensationProposed, domain.CompensationProposed{Items: open}})
	}
	var accepted []domain.CompensationItem
	for _, it := range c.Items {
		if c.Decisions[it.StepID] == domain.DecisionAccept {
			accepted = append(accepted, it)
		}
	}
	if len(accepted) == 0 {
		return emit(CompensationDrafts(c, nil, nil)...)
	}
	return Action{Kind: ActCompensate, Items: accepted}
}

// compensationItems walks the phase's successful completions backwards.
// A step that ran more than once is proposed once, at its latest position.
func compensationItems(ph *Phase) []domain.CompensationItem {
	if ph == nil {
		return nil
	}
	seen := map[string]bool{}
	var items []domain.CompensationItem
	for i := len(ph.Done) - 1; i >= 0; i-- {
		sc := ph.Done[i]
		if !sc.Result.Success || sc.Compensation == nil || seen[sc.StepID] {
			continue
		}
		seen[sc.StepID] = true
		items = append(items, domain.CompensationItem{
			StepID:      sc.StepID,
			StepIndex:   sc.Index,
			Description: sc.Compensation.Description,
			Action:      sc.Compensation.Action,
		})
	}
	return items
}

// gatherCheckpoint asks for required inputs a later chain phase has neither
// from earlier phases nor from defaults.
func gatherCheckpoint(g *manifest.Graph, ph *Phase) *domain.CheckpointReached {
	if ph.Index == 0 || ph.Gathered {
		return nil
	}
	d, ok := g.Domain(ph.Domain)
	if !ok {
		return nil
	}
	var missing []string
	for _, res := range d.Requires {
		if _, ok := ph.Context[res]; !ok {
			missing = append(missing, res)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &domain.CheckpointReached{
		Kind:     domain.KindGather,
		Severity: domain.SeverityReview,
		Present:  fmt.Sprintf("%s needs values for: %s", ph.Domain, strings.Join(missing, ", ")),
		Options:  []domain.Decision{domain.DecisionApprove, domain.DecisionAbort},
		Missing:  missing,
	}
}

func guided(ph *Phase) bool {
	return ph.Route != nil && ph.Route.Mode == domain.ModeGuided
}

// checkpointDue reports whether a checkpoint of sev still needs a person
// after approve_remaining. Critical and guided checkpoints always do.
func checkpointDue(ph *Phase, sev domain.Severity) bool {
	return !ph.BatchApprove || guided(ph) || sev == domain.SeverityCritical
}

func stepOptions(sev domain.Severity, isGuided bool) []domain.Decision {
	opts := []domain.Decision{domain.DecisionApprove}
	if sev != domain.SeverityCritical && !isGuided {
		opts = append(opts, domain.DecisionApproveRemaining)
	}
	return append(opts, domain.DecisionModify, domain.DecisionAbort, domain.DecisionDifferent)
}

func beforeCheckpoint(ph *Phase, i int) *domain.CheckpointReached {
	step := ph.Steps[i]
	if ph.Overrides[step.ID] {
		return &domain.CheckpointReached{
			Kind:      domain.KindOverride,
			StepIndex: i,
			StepID:    step.ID,
			Severity:  domain.SeverityCritical,
			Present:   "overridden prohibited action: " + planner.DescribeAction(step.Action),
			Action:    step.Action,
			Options:   stepOptions(domain.SeverityCritical, guided(ph)),
		}
	}
	spec := step.Checkpoint
	if spec == nil || (spec.When != "" && spec.When != domain.CheckpointBefore) {
		return nil
	}
	sev := severityOf(spec)
	if !checkpointDue(ph, sev) {
		return nil
	}
	present := spec.Present
	if present == "" {
		present = fmt.Sprintf("step %s will run: %s", step.ID, planner.DescribeAction(step.Action))
	}
	return &domain.CheckpointReached{
		Kind:      domain.KindStepBefore,
		StepIndex: i,
		StepID:    step.ID,
		Severity:  sev,
		Present:   present,
		Action:    step.Action,
		Options:   stepOptions(sev, guided(ph)),
	}
}

// afterCheckpoint is declared by the author or forced after every guided
// step.
func afterCheckpoint(ph *Phase, i int) *domain.CheckpointReached {
	step := ph.Steps[i]
	spec := step.Checkpoint
	declared := spec != nil && spec.When == domain.CheckpointAfter
	if !declared && !guided(ph) {
		return nil
	}
	sev := domain.SeverityReview
	if declared {
		sev = severityOf(spec)
	}
	if guided(ph) && sev == domain.SeverityInfo {
		sev = domain.SeverityReview
	}
	if !checkpointDue(ph, sev) {
		return nil
	}
	present := fmt.Sprintf("step %s finished: %s", step.ID, planner.DescribeAction(step.Action))
	if declared && spec.Present != "" {
		present = spec.Present
	}
	return &domain.CheckpointReached{
		Kind:      domain.KindStepAfter,
		StepIndex: i,
		StepID:    step.ID,
		Severity:  sev,
		Present:   present,
		Action:    step.Action,
		Options:   stepOptions(sev, guided(ph)),
	}
}

func severityOf(spec *domain.CheckpointSpec) domain.Severity {
	if spec.Severity == "" {
		return domain.SeverityReview
	}
	return spec.Severity
}

func stalenessDrafts(g *manifest.Graph, s State, step domain.Step) []Draft {
	var drafts []Draft
	for _, id := range step.Primitives {
		if s.Warned[id] {
			continue
		}
		age, stale := g.Stale(id)
		if !stale {
			continue
		}
		prim, _ := g.Primitive(id)
		drafts = append(drafts, Draft{domain.EventStalenessWarning, domain.StalenessWarning{
			PrimitiveID:  id,
			LastReviewed: prim.LastReviewed,
			AgeDays:      age,
		}})
	}
	return drafts
}

func planStep(i int, step domain.Step) domain.StepPlanned {
	return domain.StepPlanned{
		Index:            i,
		StepID:           step.ID,
		Primitives:       step.Primitives,
		Action:           step.Action,
		Creates:          step.Creates,
		Would:            "would run " + planner.DescribeAction(step.Action),
		EstimatedSeconds: step.EstimatedSeconds,
	}
}

func summarize(ph *Phase) domain.DryRunSummary {
	sum := domain.DryRunSummary{
		Domain:  ph.Domain,
		Actions: append([]domain.StepPlanned{}, ph.Planned...),
		Options: []domain.Decision{domain.DecisionProceed, domain.DecisionExport, domain.DecisionAbort},
	}
	for _, a := range ph.Planned {
		if a.Creates {
			sum.Created++
		} else {
			sum.Modified++
		}
	}
	for _, st := range ph.Steps {
		sum.EstimatedSeconds += st.EstimatedSeconds
	}
	return sum
}

// phaseOutputs publishes each produced resource, taken from the latest step
// result carrying it, or a marker naming the producer.
func phaseOutputs(g *manifest.Graph, ph *Phase) map[string]any {
	d, ok := g.Domain(ph.Domain)
	if !ok || len(d.Produces) == 0 {
		return nil
	}
	out := make(map[string]any, len(d.Produces))
	for _, res := range d.Produces {
		out[res] = map[string]any{"produced_by": ph.Domain, "target": ph.Route.Target.Key()}
		for i := len(ph.Done) - 1; i >= 0; i-- {
			if v, ok := ph.Done[i].Result.Payload[res]; ok && ph.Done[i].Result.Success {
				out[res] = v
				break
			}
		}
	}
	return out
}
