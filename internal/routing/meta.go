// Package routing resolves scored candidates to domains and a domain intent
// to an execution mode and target.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/scoring"
)

const (
	DefaultConfidenceThreshold = 0.7
	DefaultAmbiguityThreshold  = 0.2

	// maxClarifyOptions bounds the options offered on ambiguity.
	maxClarifyOptions = 3
)

// Dispatch is the meta-router outcome kind.
type Dispatch string

const (
	DispatchSingle    Dispatch = "single"
	DispatchChain     Dispatch = "chain"
	DispatchAmbiguous Dispatch = "ambiguous"
)

// MetaDecision is the result of MetaRouter.Decide.
type MetaDecision struct {
	Dispatch Dispatch
	// Domains holds one domain for single dispatch and the execution order
	// for a chain.
	Domains    []string
	Candidates []domain.Candidate
	Options    []domain.ClarifyOption
	Rationale  string
}

// MetaRouter decides single versus multi-domain dispatch.
type MetaRouter struct {
	ConfidenceThreshold float64
	AmbiguityThreshold  float64
}

// NewMetaRouter returns a router with the given thresholds; zero values take
// the defaults.
func NewMetaRouter(confidence, ambiguity float64) *MetaRouter {
	if confidence <= 0 {
		confidence = DefaultConfidenceThreshold
	}
	if ambiguity <= 0 {
		ambiguity = DefaultAmbiguityThreshold
	}
	return &MetaRouter{ConfidenceThreshold: confidence, AmbiguityThreshold: ambiguity}
}

// Decide applies the dispatch rules to candidates. Candidates naming domains
// absent from g are dropped. It never guesses: anything short of a confident
// single or multi-domain reading is ambiguous.
func (m *MetaRouter) Decide(g *manifest.Graph, candidates []domain.Candidate) MetaDecision {
	var known []domain.Candidate
	for _, c := range candidates {
		if _, ok := g.Domain(c.Domain); ok {
			known = append(known, c)
		}
	}
	ranked := scoring.Rank(known)

	var confident []domain.Candidate
	for _, c := range ranked {
		if c.Confidence >= m.ConfidenceThreshold {
			confident = append(confident, c)
		}
	}

	if len(confident) >= 2 {
		ids, rank := mentionOrder(confident)
		order := g.Order(ids, rank)
		return MetaDecision{
			Dispatch:   DispatchChain,
			Domains:    order,
			Candidates: ranked,
			Rationale:  chainRationale(g, order),
		}
	}

	if len(ranked) > 0 && ranked[0].Confidence >= m.ConfidenceThreshold {
		gap := ranked[0].Confidence
		if len(ranked) > 1 {
			gap -= ranked[1].Confidence
		}
		if gap >= m.AmbiguityThreshold-1e-9 {
			return MetaDecision{
				Dispatch:   DispatchSingle,
				Domains:    []string{ranked[0].Domain},
				Candidates: ranked,
				Rationale:  fmt.Sprintf("%s scored %.2f", ranked[0].Domain, ranked[0].Confidence),
			}
		}
	}

	return MetaDecision{
		Dispatch:   DispatchAmbiguous,
		Candidates: ranked,
		Options:    clarifyOptions(g, ranked),
		Rationale:  "no candidate domain is confident and distinct enough",
	}
}

// mentionOrder ranks domains by first mention; implied domains follow in
// confidence order.
func mentionOrder(cands []domain.Candidate) ([]string, map[string]int) {
	sorted := make([]domain.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Mention, sorted[j].Mention
		switch {
		case a < 0 && b < 0:
			return false
		case a < 0:
			return false
		case b < 0:
			return true
		}
		return a < b
	})
	ids := make([]string, len(sorted))
	rank := make(map[string]int, len(sorted))
	for i, c := range sorted {
		ids[i] = c.Domain
		rank[c.Domain] = i
	}
	return ids, rank
}

func chainRationale(g *manifest.Graph, order []string) string {
	var links []string
	for i := 0; i+1 < len(order); i++ {
		from, _ := g.Domain(order[i])
		for _, later := range order[i+1:] {
			to, _ := g.Domain(later)
			for _, res := range from.Produces {
				if contains(to.Requires, res) {
					links = append(links, fmt.Sprintf("%s produces %s for %s", from.ID, res, to.ID))
				}
			}
		}
	}
	rationale := "order " + strings.Join(order, " -> ")
	if len(links) > 0 {
		rationale += ": " + strings.Join(links, ", ")
	} else {
		rationale += " by mention"
	}
	return rationale
}

func clarifyOptions(g *manifest.Graph, ranked []domain.Candidate) []domain.ClarifyOption {
	var opts []domain.ClarifyOption
	add := func(d domain.Domain) {
		label := d.Description
		if label == "" {
			label = d.ID
		}
		opts = append(opts, domain.ClarifyOption{Domain: d.ID, Label: label})
	}
	for _, c := range ranked {
		if len(opts) == maxClarifyOptions {
			return opts
		}
		if c.Confidence <= 0 {
			continue
		}
		d, _ := g.Domain(c.Domain)
		add(d)
	}
	if len(opts) == 0 {
		for _, d := range g.Domains() {
			if len(opts) == maxClarifyOptions {
				break
			}
			add(d)
		}
	}
	return opts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
