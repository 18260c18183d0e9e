package manifest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Rogers-F/threadline/internal/domain"
)

var testNow = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func loadCatalog(t *testing.T) *Graph {
	t.Helper()
	g, err := LoadFile("testdata/catalog.yaml", Options{Now: testNow})
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return g
}

func TestLoadFile_Catalog(t *testing.T) {
	g := loadCatalog(t)

	if _, ok := g.Domain("masking"); !ok {
		t.Fatal("domain masking missing")
	}
	r, ok := g.RouterFor("masking")
	if !ok || r.ID != "masking-router" {
		t.Fatalf("RouterFor(masking) = %q, %v", r.ID, ok)
	}
	w, ok := g.Workflow("apply-masking")
	if !ok {
		t.Fatal("workflow apply-masking missing")
	}
	if len(w.Steps) != 3 || len(w.Probes) != 2 {
		t.Errorf("apply-masking: %d steps, %d probes", len(w.Steps), len(w.Probes))
	}
	if g.Pattern(`mask(ing)?\s+(the\s+)?\w+`) == nil {
		t.Error("rule pattern was not compiled")
	}
	if got := g.Mapping("masking", "access"); got["masking_policy"] != "masking_policy" {
		t.Errorf("Mapping = %v", got)
	}
	if diff := cmp.Diff([]string{"discovery", "masking", "access"}, g.TopoOrder()); diff != "" {
		t.Errorf("TopoOrder mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_StalenessIsAdvisory(t *testing.T) {
	g := loadCatalog(t)

	age, stale := g.Stale("grant-role-syntax")
	if !stale {
		t.Fatal("grant-role-syntax should be stale")
	}
	if age < 600 {
		t.Errorf("age = %d days, want > 600", age)
	}
	if _, stale := g.Stale("masking-policy-syntax"); stale {
		t.Error("masking-policy-syntax reviewed recently, should not be stale")
	}
}

func TestLoad_StalenessThresholdConfigurable(t *testing.T) {
	g, err := LoadFile("testdata/catalog.yaml", Options{Now: testNow, StalenessDays: 30})
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, stale := g.Stale("masking-policy-syntax"); !stale {
		t.Error("with a 30 day threshold masking-policy-syntax should be stale")
	}
}

func TestBuild_CycleReportsPath(t *testing.T) {
	doc := Document{Domains: []domain.Domain{
		{ID: "a", Produces: []string{"x"}, Requires: []string{"z"}},
		{ID: "b", Produces: []string{"y"}, Requires: []string{"x"}},
		{ID: "c", Produces: []string{"z"}, Requires: []string{"y"}},
		{ID: "d", Requires: []string{"z"}},
	}}

	g, err := Build(doc, Options{})
	if g != nil {
		t.Fatal("expected no graph for a cyclic manifest")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if !errors.Is(err, domain.ErrManifestInvalid) {
		t.Error("errors.Is(err, ErrManifestInvalid) = false")
	}
	if len(verr.Cycle) != 4 || verr.Cycle[0] != verr.Cycle[3] {
		t.Fatalf("Cycle = %v, want a closed path of three domains", verr.Cycle)
	}
	members := map[string]bool{}
	for _, id := range verr.Cycle[:3] {
		members[id] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !members[id] {
			t.Errorf("cycle %v does not include %q", verr.Cycle, id)
		}
	}
	if !strings.Contains(err.Error(), " -> ") {
		t.Errorf("error %q does not render the cycle path", err)
	}
}

func TestBuild_CycleEdgesFollowDependencies(t *testing.T) {
	doc := Document{Domains: []domain.Domain{
		{ID: "a", Produces: []string{"x"}, Requires: []string{"y"}},
		{ID: "b", Produces: []string{"y"}, Requires: []string{"x"}},
	}}
	_, err := Build(doc, Options{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	for i := 0; i+1 < len(verr.Cycle); i++ {
		from, _ := domainByID(doc, verr.Cycle[i])
		to, _ := domainByID(doc, verr.Cycle[i+1])
		if !shares(from.Produces, to.Requires) {
			t.Errorf("%s -> %s is not a produces/requires edge", from.ID, to.ID)
		}
	}
}

func TestBuild_DanglingReferences(t *testing.T) {
	doc := Document{
		Domains: []domain.Domain{{ID: "masking", Router: "r"}},
		Routers: []domain.Router{{ID: "r", Domain: "masking", Rules: []domain.RouteRule{
			{Keywords: []string{"mask"}, Target: "nope"},
		}}},
		Workflows: []domain.Workflow{{
			ID: "w", Domain: "masking",
			Steps: []domain.Step{{ID: "s", Primitives: []string{"ghost"}, Action: domain.ActionDescriptor{Kind: "sql"}}},
		}},
	}
	_, err := Build(doc, Options{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(verr.Cycle) != 0 {
		t.Errorf("unexpected cycle %v", verr.Cycle)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{`target "nope"`, `primitive "ghost"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %s:\n%s", want, joined)
		}
	}
}

func TestParse_PrimitiveIsTerminal(t *testing.T) {
	data := []byte(`
domains:
  - id: masking
primitives:
  - id: p
    domain: masking
    target: other
`)
	_, err := Parse(data, Options{})
	if !errors.Is(err, domain.ErrManifestDecode) {
		t.Fatalf("error = %v, want ErrManifestDecode", err)
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse([]byte("  \n"), Options{}); !errors.Is(err, domain.ErrManifestDecode) {
		t.Fatalf("error = %v, want ErrManifestDecode", err)
	}
}

func TestOrder_DependencyBeatsMention(t *testing.T) {
	g := loadCatalog(t)

	// access mentioned first, but it requires what masking produces.
	got := g.Order([]string{"access", "masking"}, map[string]int{"access": 0, "masking": 1})
	if diff := cmp.Diff([]string{"masking", "access"}, got); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrder_TiesFollowMention(t *testing.T) {
	doc := Document{Domains: []domain.Domain{{ID: "billing"}, {ID: "reports"}, {ID: "search"}}}
	g, err := Build(doc, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.Order([]string{"billing", "reports", "search"}, map[string]int{"search": 0, "billing": 1, "reports": 2})
	if diff := cmp.Diff([]string{"search", "billing", "reports"}, got); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func domainByID(doc Document, id string) (domain.Domain, bool) {
	for _, d := range doc.Domains {
		if d.ID == id {
			return d, true
		}
	}
	return domain.Domain{}, false
}

func shares(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
