package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

// reviewedLayout is the date format of Primitive.LastReviewed.
const reviewedLayout = "2006-01-02"

// ValidationError lists every fatal problem found while loading a manifest.
// Cycle, when set, is the offending path closed on its first domain.
type ValidationError struct {
	Cycle    []string
	Problems []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Cycle) > 0 {
		parts = append(parts, "domain dependency cycle: "+strings.Join(e.Cycle, " -> "))
	}
	parts = append(parts, e.Problems...)
	return fmt.Sprintf("%s: %s", domain.ErrManifestInvalid.Message, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match domain.ErrManifestInvalid.
func (e *ValidationError) Unwrap() error { return domain.ErrManifestInvalid }

func (e *ValidationError) failed() bool {
	return len(e.Cycle) > 0 || len(e.Problems) > 0
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (g *Graph) checkReferences(verr *ValidationError) {
	g.checkUnique(verr)

	for _, d := range g.src.Domains {
		if d.Router == "" {
			continue
		}
		r, ok := g.routers[d.Router]
		if !ok {
			verr.addf("domain %q: router %q does not exist", d.ID, d.Router)
			continue
		}
		if r.Domain != d.ID {
			verr.addf("domain %q: router %q belongs to domain %q", d.ID, r.ID, r.Domain)
		}
	}

	for _, r := range g.src.Routers {
		if _, ok := g.domains[r.Domain]; !ok {
			verr.addf("router %q: domain %q does not exist", r.ID, r.Domain)
		}
		for i, rule := range r.Rules {
			g.checkRule(verr, r, i, rule)
		}
	}

	for _, w := range g.src.Workflows {
		g.checkWorkflow(verr, w)
	}

	for _, p := range g.src.Primitives {
		if _, ok := g.domains[p.Domain]; !ok {
			verr.addf("primitive %q: domain %q does not exist", p.ID, p.Domain)
		}
		if p.LastReviewed != "" {
			if _, err := time.Parse(reviewedLayout, p.LastReviewed); err != nil {
				verr.addf("primitive %q: last_reviewed %q is not a YYYY-MM-DD date", p.ID, p.LastReviewed)
			}
		}
	}

	for _, m := range g.src.Mappings {
		if _, ok := g.domains[m.From]; !ok {
			verr.addf("context mapping %s->%s: domain %q does not exist", m.From, m.To, m.From)
		}
		if _, ok := g.domains[m.To]; !ok {
			verr.addf("context mapping %s->%s: domain %q does not exist", m.From, m.To, m.To)
		}
	}
}

func (g *Graph) checkUnique(verr *ValidationError) {
	seen := map[string]bool{}
	for _, d := range g.src.Domains {
		if d.ID == "" {
			verr.addf("domain with empty id")
		} else if seen[d.ID] {
			verr.addf("domain %q declared twice", d.ID)
		}
		seen[d.ID] = true
	}
	seen = map[string]bool{}
	for _, r := range g.src.Routers {
		if r.ID == "" {
			verr.addf("router with empty id")
		} else if seen[r.ID] {
			verr.addf("router %q declared twice", r.ID)
		}
		seen[r.ID] = true
	}
	// Rule targets resolve against workflows and primitives, so they share
	// one namespace.
	seen = map[string]bool{}
	for _, w := range g.src.Workflows {
		if w.ID == "" {
			verr.addf("workflow with empty id")
		} else if seen[w.ID] {
			verr.addf("target id %q declared twice", w.ID)
		}
		seen[w.ID] = true
	}
	for _, p := range g.src.Primitives {
		if p.ID == "" {
			verr.addf("primitive with empty id")
		} else if seen[p.ID] {
			verr.addf("target id %q declared twice", p.ID)
		}
		seen[p.ID] = true
	}
}

func (g *Graph) checkRule(verr *ValidationError, r domain.Router, i int, rule domain.RouteRule) {
	where := fmt.Sprintf("router %q rule %d", r.ID, i)
	if len(rule.Keywords) == 0 && rule.Pattern == "" {
		verr.addf("%s: needs keywords or a pattern", where)
	}
	if rule.Pattern != "" {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			verr.addf("%s: pattern: %v", where, err)
		} else {
			g.patterns[rule.Pattern] = re
		}
	}
	if rule.MinMatches > len(rule.Keywords) && len(rule.Keywords) > 0 {
		verr.addf("%s: min_matches %d exceeds %d keywords", where, rule.MinMatches, len(rule.Keywords))
	}

	_, isWorkflow := g.workflows[rule.Target]
	_, isPrimitive := g.primitives[rule.Target]
	switch {
	case isWorkflow:
		if rule.Mode != "" && rule.Mode != domain.ModeWorkflow {
			verr.addf("%s: target %q is a workflow but mode is %q", where, rule.Target, rule.Mode)
		}
	case isPrimitive:
		if rule.Mode != "" && rule.Mode != domain.ModeLookup {
			verr.addf("%s: target %q is a primitive but mode is %q", where, rule.Target, rule.Mode)
		}
	default:
		verr.addf("%s: target %q resolves to no workflow or primitive", where, rule.Target)
	}
}

func (g *Graph) checkWorkflow(verr *ValidationError, w domain.Workflow) {
	if _, ok := g.domains[w.Domain]; !ok {
		verr.addf("workflow %q: domain %q does not exist", w.ID, w.Domain)
	}
	if len(w.Steps) == 0 {
		verr.addf("workflow %q: has no steps", w.ID)
	}
	checkProbes(verr, "workflow "+w.ID, w.Probes)

	steps := map[string]bool{}
	for i, s := range w.Steps {
		where := fmt.Sprintf("workflow %q step %d", w.ID, i)
		if s.ID == "" {
			verr.addf("%s: empty id", where)
		} else if steps[s.ID] {
			verr.addf("%s: id %q declared twice", where, s.ID)
		}
		steps[s.ID] = true

		if s.Action.Kind == "" {
			verr.addf("%s: action kind is required", where)
		}
		for _, pid := range s.Primitives {
			if _, ok := g.primitives[pid]; !ok {
				verr.addf("%s: primitive %q does not exist", where, pid)
			}
		}
		if s.Compensation != nil && s.Compensation.Action.Kind == "" {
			verr.addf("%s: compensation action kind is required", where)
		}
		if cp := s.Checkpoint; cp != nil {
			switch cp.Severity {
			case domain.SeverityInfo, domain.SeverityReview, domain.SeverityCritical:
			default:
				verr.addf("%s: checkpoint severity %q is invalid", where, cp.Severity)
			}
			switch cp.When {
			case "", domain.CheckpointBefore, domain.CheckpointAfter:
			default:
				verr.addf("%s: checkpoint when %q is invalid", where, cp.When)
			}
		}
		for _, o := range s.ExpectedErrors {
			if _, err := regexp.Compile(o.Match); err != nil {
				verr.addf("%s: expected error match: %v", where, err)
			}
			if !validCategory(o.Category) {
				verr.addf("%s: expected error category %q is invalid", where, o.Category)
			}
		}
		checkProbes(verr, where, s.Probes)
	}
}

func checkProbes(verr *ValidationError, where string, probes []domain.Probe) {
	for _, p := range probes {
		if p.ID == "" {
			verr.addf("%s: probe with empty id", where)
		}
		if p.Action.Kind == "" {
			verr.addf("%s: probe %q action kind is required", where, p.ID)
		}
		switch p.OnFailure {
		case "", domain.ProbePass, domain.ProbeWarn, domain.ProbeConfirm, domain.ProbeBlock:
		default:
			verr.addf("%s: probe %q on_failure %q is invalid", where, p.ID, p.OnFailure)
		}
		if p.Category != "" && !validCategory(p.Category) {
			verr.addf("%s: probe %q category %q is invalid", where, p.ID, p.Category)
		}
	}
}

func validCategory(c domain.ErrorCategory) bool {
	switch c {
	case domain.CategoryPermission, domain.CategoryObjectExists, domain.CategoryTransient,
		domain.CategorySyntax, domain.CategoryUnknown:
		return true
	}
	return false
}

func (g *Graph) scanStaleness(opts Options) {
	limit := time.Duration(opts.StalenessDays) * 24 * time.Hour
	for _, p := range g.src.Primitives {
		if p.LastReviewed == "" {
			continue
		}
		reviewed, err := time.Parse(reviewedLayout, p.LastReviewed)
		if err != nil {
			continue
		}
		age := opts.Now.Sub(reviewed)
		if age > limit {
			g.stale[p.ID] = int(age.Hours() / 24)
		}
	}
}
