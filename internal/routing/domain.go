package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/manifest"
)

// Route is a domain router decision.
type Route struct {
	Domain    string
	Mode      domain.Mode
	Target    domain.RouteTarget
	Rationale string
}

// DomainRouter selects an execution mode and target within one domain.
// Preference: workflow, then guided, then lookup.
type DomainRouter struct{}

// Route resolves intent within domainID. Targets whose Key is in exclude are
// skipped, which is how different_approach avoids repeating itself.
func (DomainRouter) Route(g *manifest.Graph, domainID, intent string, exclude map[string]bool) (Route, error) {
	if _, ok := g.Domain(domainID); !ok {
		return Route{}, domain.Detail(domain.ErrDomainNotFound, "%s", domainID)
	}
	text := normalize(intent)
	actionable := !IsQuestion(intent)
	router, hasRouter := g.RouterFor(domainID)

	if actionable && hasRouter {
		for i, rule := range router.Rules {
			w, ok := g.Workflow(rule.Target)
			if !ok || w.Domain != domainID {
				continue
			}
			target := domain.RouteTarget{Kind: domain.TargetWorkflow, ID: w.ID}
			if exclude[target.Key()] {
				continue
			}
			if hits, ok := ruleMatches(g, rule, text); ok {
				return Route{
					Domain:    domainID,
					Mode:      domain.ModeWorkflow,
					Target:    target,
					Rationale: fmt.Sprintf("router %s rule %d matched %s", router.ID, i, hits),
				}, nil
			}
		}
	}

	if actionable {
		target := domain.RouteTarget{Kind: domain.TargetPlan, Goal: strings.TrimSpace(intent)}
		if !exclude[target.Key()] {
			return Route{
				Domain:    domainID,
				Mode:      domain.ModeGuided,
				Target:    target,
				Rationale: "no workflow matched an actionable intent",
			}, nil
		}
	}

	if p, why, ok := lookupTarget(g, router, hasRouter, domainID, text, exclude); ok {
		return Route{
			Domain:    domainID,
			Mode:      domain.ModeLookup,
			Target:    domain.RouteTarget{Kind: domain.TargetPrimitive, ID: p.ID},
			Rationale: why,
		}, nil
	}

	return Route{}, domain.Detail(domain.ErrNoRoute, "domain %s", domainID)
}

func lookupTarget(g *manifest.Graph, router domain.Router, hasRouter bool, domainID, text string, exclude map[string]bool) (domain.Primitive, string, bool) {
	if hasRouter {
		for i, rule := range router.Rules {
			p, ok := g.Primitive(rule.Target)
			if !ok || exclude[primitiveKey(p.ID)] {
				continue
			}
			if hits, ok := ruleMatches(g, rule, text); ok {
				return p, fmt.Sprintf("router %s rule %d matched %s", router.ID, i, hits), true
			}
		}
	}

	var best domain.Primitive
	bestHits := 0
	for _, p := range g.PrimitivesIn(domainID) {
		if exclude[primitiveKey(p.ID)] {
			continue
		}
		if n := len(matchedKeywords(p.Keywords, text)); n > bestHits {
			best, bestHits = p, n
		}
	}
	if bestHits == 0 {
		return domain.Primitive{}, "", false
	}
	return best, fmt.Sprintf("primitive %s matched %d keywords", best.ID, bestHits), true
}

func primitiveKey(id string) string {
	return domain.RouteTarget{Kind: domain.TargetPrimitive, ID: id}.Key()
}

// ruleMatches reports whether a rule fires, and a short description of what
// matched. A rule fires on its pattern or on MinMatches keywords (at least one).
func ruleMatches(g *manifest.Graph, rule domain.RouteRule, text string) (string, bool) {
	if rule.Pattern != "" {
		re := g.Pattern(rule.Pattern)
		if re == nil {
			re = regexp.MustCompile("(?i)" + rule.Pattern)
		}
		if m := re.FindString(text); m != "" {
			return fmt.Sprintf("pattern %q", m), true
		}
	}
	if len(rule.Keywords) == 0 {
		return "", false
	}
	need := rule.MinMatches
	if need < 1 {
		need = 1
	}
	hits := matchedKeywords(rule.Keywords, text)
	if len(hits) >= need {
		return "keywords " + strings.Join(hits, ","), true
	}
	return "", false
}

// matchedKeywords returns the keywords found in normalized text on word
// boundaries, in declaration order.
func matchedKeywords(keywords []string, text string) []string {
	padded := " " + text + " "
	var hits []string
	for _, kw := range keywords {
		k := normalize(kw)
		if k != "" && strings.Contains(padded, " "+k+" ") {
			hits = append(hits, kw)
		}
	}
	return hits
}

// normalize lowercases text and collapses punctuation to single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127 {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

var questionWords = map[string]bool{
	"what": true, "which": true, "why": true, "when": true, "where": true,
	"who": true, "how": true, "explain": true, "describe": true,
}

var requestPrefixes = []string{"can you ", "could you ", "would you ", "please "}

// IsQuestion reports whether intent reads as a factual question rather than
// a request for action.
func IsQuestion(intent string) bool {
	t := strings.ToLower(strings.TrimSpace(intent))
	if t == "" {
		return false
	}
	for _, p := range requestPrefixes {
		if strings.HasPrefix(t, p) {
			return false
		}
	}
	first := t
	if i := strings.IndexAny(t, " ,?'"); i > 0 {
		first = t[:i]
	}
	if questionWords[first] {
		return true
	}
	return strings.HasSuffix(t, "?")
}
