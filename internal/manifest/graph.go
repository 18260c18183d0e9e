package manifest

import (
	"regexp"
	"sort"

	"github.com/Rogers-F/threadline/internal/domain"
)

// Graph is the validated, immutable manifest. It is safe for concurrent
// readers; callers must not mutate slices or maps it returns.
type Graph struct {
	src Document

	domains    map[string]domain.Domain
	routers    map[string]domain.Router
	workflows  map[string]domain.Workflow
	primitives map[string]domain.Primitive
	mappings   map[mappingKey]map[string]string
	patterns   map[string]*regexp.Regexp

	topo  []string
	stale map[string]int
}

type mappingKey struct{ from, to string }

func newGraph(doc Document) *Graph {
	g := &Graph{
		src:        doc,
		domains:    make(map[string]domain.Domain, len(doc.Domains)),
		routers:    make(map[string]domain.Router, len(doc.Routers)),
		workflows:  make(map[string]domain.Workflow, len(doc.Workflows)),
		primitives: make(map[string]domain.Primitive, len(doc.Primitives)),
		mappings:   make(map[mappingKey]map[string]string, len(doc.Mappings)),
		patterns:   make(map[string]*regexp.Regexp),
		stale:      make(map[string]int),
	}
	for _, d := range doc.Domains {
		if _, dup := g.domains[d.ID]; !dup {
			g.domains[d.ID] = d
		}
	}
	for _, r := range doc.Routers {
		if _, dup := g.routers[r.ID]; !dup {
			g.routers[r.ID] = r
		}
	}
	for _, w := range doc.Workflows {
		if _, dup := g.workflows[w.ID]; !dup {
			g.workflows[w.ID] = w
		}
	}
	for _, p := range doc.Primitives {
		if _, dup := g.primitives[p.ID]; !dup {
			g.primitives[p.ID] = p
		}
	}
	for _, m := range doc.Mappings {
		k := mappingKey{m.From, m.To}
		merged := g.mappings[k]
		if merged == nil {
			merged = make(map[string]string, len(m.Map))
			g.mappings[k] = merged
		}
		for out, in := range m.Map {
			merged[out] = in
		}
	}
	return g
}

// Domain returns the domain with the given id.
func (g *Graph) Domain(id string) (domain.Domain, bool) {
	d, ok := g.domains[id]
	return d, ok
}

// Domains returns every domain in declaration order.
func (g *Graph) Domains() []domain.Domain {
	return g.src.Domains
}

// RouterFor returns the router owned by a domain.
func (g *Graph) RouterFor(domainID string) (domain.Router, bool) {
	d, ok := g.domains[domainID]
	if !ok || d.Router == "" {
		return domain.Router{}, false
	}
	r, ok := g.routers[d.Router]
	return r, ok
}

// Workflow returns the workflow with the given id.
func (g *Graph) Workflow(id string) (domain.Workflow, bool) {
	w, ok := g.workflows[id]
	return w, ok
}

// Primitive returns the primitive with the given id.
func (g *Graph) Primitive(id string) (domain.Primitive, bool) {
	p, ok := g.primitives[id]
	return p, ok
}

// PrimitivesIn returns the primitives of one domain in declaration order.
func (g *Graph) PrimitivesIn(domainID string) []domain.Primitive {
	var out []domain.Primitive
	for _, p := range g.src.Primitives {
		if p.Domain == domainID {
			out = append(out, p)
		}
	}
	return out
}

// Mapping returns the explicit output-to-input rename table for a domain pair.
func (g *Graph) Mapping(from, to string) map[string]string {
	return g.mappings[mappingKey{from, to}]
}

// Pattern returns the compiled form of a rule pattern validated at load.
func (g *Graph) Pattern(expr string) *regexp.Regexp {
	return g.patterns[expr]
}

// Stale reports whether a primitive exceeded the review threshold at load
// time, and by how many days it was last reviewed.
func (g *Graph) Stale(primitiveID string) (int, bool) {
	age, ok := g.stale[primitiveID]
	return age, ok
}

// TopoOrder returns every domain in dependency order.
func (g *Graph) TopoOrder() []string {
	return g.topo
}

// Order returns ids in dependency order restricted to the named domains.
// Domains with no dependency relation keep the order given by mentionRank
// (lower first); unranked domains sort after ranked ones by id.
func (g *Graph) Order(ids []string, mentionRank map[string]int) []string {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	edges := g.edges(in)

	indeg := make(map[string]int, len(in))
	for id := range in {
		indeg[id] = 0
	}
	for _, tos := range edges {
		for _, to := range tos {
			indeg[to]++
		}
	}

	rank := func(id string) int {
		if r, ok := mentionRank[id]; ok {
			return r
		}
		return len(mentionRank) + 1<<16
	}
	less := func(a, b string) bool {
		ra, rb := rank(a), rank(b)
		if ra != rb {
			return ra < rb
		}
		return a < b
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]string, 0, len(in))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, to := range edges[next] {
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	return out
}

// edges returns producer -> consumer adjacency over the given domain set.
// Self edges are ignored: a domain may refine a resource it also produces.
func (g *Graph) edges(in map[string]bool) map[string][]string {
	producers := make(map[string][]string)
	for _, d := range g.src.Domains {
		if !in[d.ID] {
			continue
		}
		for _, res := range d.Produces {
			producers[res] = append(producers[res], d.ID)
		}
	}
	edges := make(map[string][]string)
	seen := make(map[mappingKey]bool)
	for _, d := range g.src.Domains {
		if !in[d.ID] {
			continue
		}
		for _, res := range d.Requires {
			for _, p := range producers[res] {
				k := mappingKey{p, d.ID}
				if p == d.ID || seen[k] {
					continue
				}
				seen[k] = true
				edges[p] = append(edges[p], d.ID)
			}
		}
	}
	return edges
}

// topoSort runs Kahn's algorithm over every domain. When some domains cannot
// be ordered it returns the path of one cycle among them, closed on its start.
func (g *Graph) topoSort() ([]string, []string) {
	in := make(map[string]bool, len(g.domains))
	for id := range g.domains {
		in[id] = true
	}
	edges := g.edges(in)

	indeg := make(map[string]int, len(in))
	for _, d := range g.src.Domains {
		if _, ok := indeg[d.ID]; !ok {
			indeg[d.ID] = 0
		}
	}
	for _, tos := range edges {
		for _, to := range tos {
			indeg[to]++
		}
	}

	var queue, order []string
	for _, d := range g.src.Domains {
		if indeg[d.ID] == 0 && !contains(queue, d.ID) {
			queue = append(queue, d.ID)
		}
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)
		for _, to := range edges[next] {
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) == len(indeg) {
		return order, nil
	}

	// Every leftover node has a leftover predecessor, so walking predecessors
	// from any of them must revisit a node.
	left := make(map[string]bool)
	for id, d := range indeg {
		if d > 0 {
			left[id] = true
		}
	}
	var start string
	for _, d := range g.src.Domains {
		if left[d.ID] {
			start = d.ID
			break
		}
	}
	return order, findCycle(start, edges, left)
}

func findCycle(start string, edges map[string][]string, left map[string]bool) []string {
	preds := make(map[string][]string)
	for from, tos := range edges {
		for _, to := range tos {
			if left[from] && left[to] {
				preds[to] = append(preds[to], from)
			}
		}
	}
	for _, p := range preds {
		sort.Strings(p)
	}

	pos := map[string]int{}
	var back []string
	cur := start
	for {
		if i, seen := pos[cur]; seen {
			// back holds the walk against edge direction; reverse the loop.
			loop := append([]string{cur}, back[i+1:]...)
			cycle := make([]string, 0, len(loop)+1)
			for j := len(loop) - 1; j >= 0; j-- {
				cycle = append(cycle, loop[j])
			}
			return append(cycle, cycle[0])
		}
		pos[cur] = len(back)
		back = append(back, cur)
		if len(preds[cur]) == 0 {
			return back
		}
		cur = preds[cur][0]
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
