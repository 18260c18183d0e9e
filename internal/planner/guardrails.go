// Package planner synthesizes guided plans from reference primitives and
// enforces the guardrails a generated plan must pass before it runs.
package planner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Rogers-F/threadline/internal/domain"
)

// MaxPlanSteps is the hard upper bound on guided plan length.
const MaxPlanSteps = 8

// Rejection reasons recorded on plan_rejected.
const (
	ReasonComplexity       = "complexity_exceeded"
	ReasonMissingPrimitive = "missing_primitive"
	ReasonProhibited       = "prohibited_action"
	ReasonRefused          = "synthesizer_refused"
)

// DefaultProhibitedPatterns flag irreversible, account-wide and
// ownership-transferring operations.
var DefaultProhibitedPatterns = []string{
	`(?i)\b(drop|undrop)\s+(database|schema|account)\b`,
	`(?i)\btruncate\b`,
	`(?i)\balter\s+account\b`,
	`(?i)\b(grant|transfer)\s+ownership\b`,
}

// PrimitiveSource resolves primitive ids; *manifest.Graph satisfies it.
type PrimitiveSource interface {
	Primitive(id string) (domain.Primitive, bool)
}

// Violation is the first guardrail a plan failed.
type Violation struct {
	Reason  string
	StepID  string
	Message string
}

// Guardrails validates synthesized plans.
type Guardrails struct {
	maxSteps   int
	prohibited []*regexp.Regexp
}

// NewGuardrails compiles the prohibited patterns. maxSteps outside
// (0, MaxPlanSteps] is clamped to MaxPlanSteps; nil patterns take the defaults.
func NewGuardrails(maxSteps int, patterns []string) (*Guardrails, error) {
	if maxSteps <= 0 || maxSteps > MaxPlanSteps {
		maxSteps = MaxPlanSteps
	}
	if patterns == nil {
		patterns = DefaultProhibitedPatterns
	}
	g := &Guardrails{maxSteps: maxSteps}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("prohibited pattern %q: %w", p, err)
		}
		g.prohibited = append(g.prohibited, re)
	}
	return g, nil
}

// MaxSteps returns the effective step bound.
func (g *Guardrails) MaxSteps() int { return g.maxSteps }

// Check returns the first violation of plan, or nil. Steps listed in
// overridden were individually confirmed by the user and skip the
// prohibited-action check only.
func (g *Guardrails) Check(plan domain.GuidedPlan, prims PrimitiveSource, overridden map[string]bool) *Violation {
	if n := len(plan.Steps); n > g.maxSteps {
		return &Violation{
			Reason:  ReasonComplexity,
			Message: fmt.Sprintf("plan has %d steps, the limit is %d; split the goal", n, g.maxSteps),
		}
	}
	for i, s := range plan.Steps {
		if len(s.Primitives) != 1 {
			return &Violation{
				Reason:  ReasonMissingPrimitive,
				StepID:  stepID(s, i),
				Message: fmt.Sprintf("step %s references %d primitives, exactly one is required", stepID(s, i), len(s.Primitives)),
			}
		}
		if _, ok := prims.Primitive(s.Primitives[0]); !ok {
			return &Violation{
				Reason:  ReasonMissingPrimitive,
				StepID:  stepID(s, i),
				Message: fmt.Sprintf("step %s references unknown primitive %q", stepID(s, i), s.Primitives[0]),
			}
		}
	}
	for i, s := range plan.Steps {
		if overridden[stepID(s, i)] {
			continue
		}
		if m := g.Prohibited(s); m != "" {
			return &Violation{
				Reason:  ReasonProhibited,
				StepID:  stepID(s, i),
				Message: fmt.Sprintf("step %s matches prohibited action %q", stepID(s, i), m),
			}
		}
	}
	return nil
}

// Flagged returns the ids of every step matching a prohibited pattern.
func (g *Guardrails) Flagged(plan domain.GuidedPlan) []string {
	var ids []string
	for i, s := range plan.Steps {
		if g.Prohibited(s) != "" {
			ids = append(ids, stepID(s, i))
		}
	}
	return ids
}

// Prohibited returns the matched text when a step's action hits a
// prohibited pattern, or "".
func (g *Guardrails) Prohibited(s domain.Step) string {
	text := DescribeAction(s.Action)
	if s.Name != "" {
		text = s.Name + " " + text
	}
	for _, re := range g.prohibited {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// DescribeAction renders an action as stable text: kind, target, then
// params sorted by key.
func DescribeAction(a domain.ActionDescriptor) string {
	parts := []string{a.Kind}
	if a.Target != "" {
		parts = append(parts, a.Target)
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	return strings.Join(parts, " ")
}

// NormalizePlan assigns ids to unnamed steps so checkpoints and overrides
// can address them.
func NormalizePlan(plan domain.GuidedPlan) domain.GuidedPlan {
	out := domain.GuidedPlan{Goal: plan.Goal, Steps: make([]domain.Step, len(plan.Steps))}
	for i, s := range plan.Steps {
		s.ID = stepID(s, i)
		out.Steps[i] = s
	}
	return out
}

func stepID(s domain.Step, i int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("step-%d", i+1)
}
