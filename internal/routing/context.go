package routing

import (
	"sort"

	"github.com/Rogers-F/threadline/internal/manifest"
)

// PhaseOutput is what one completed phase published.
type PhaseOutput struct {
	Domain  string         `json:"domain"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// CarryContext computes the named values visible to a phase of domain `to`
// from earlier phases, oldest first so later phases win. Outputs pass through
// under their own name; a differently named required input is only filled
// through the explicit mapping table for the domain pair. Required resources
// left unfilled fall back to the domain defaults, and whatever remains is
// returned as missing, sorted.
func CarryContext(g *manifest.Graph, prior []PhaseOutput, to string) (map[string]any, []string) {
	values := make(map[string]any)
	for _, p := range prior {
		mapping := g.Mapping(p.Domain, to)
		for name, v := range p.Outputs {
			values[name] = v
			if renamed, ok := mapping[name]; ok && renamed != name {
				values[renamed] = v
			}
		}
	}

	d, ok := g.Domain(to)
	if !ok {
		return values, nil
	}
	var missing []string
	for _, res := range d.Requires {
		if _, ok := values[res]; ok {
			continue
		}
		if v, ok := d.Defaults[res]; ok {
			values[res] = v
			continue
		}
		missing = append(missing, res)
	}
	sort.Strings(missing)
	return values, missing
}
