package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/manifest"
)

func catalog(t *testing.T) *manifest.Graph {
	t.Helper()
	g, err := manifest.LoadFile("../manifest/testdata/catalog.yaml", manifest.Options{
		Now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return g
}

func TestMetaRouter_SingleDomain(t *testing.T) {
	g := catalog(t)
	m := NewMetaRouter(0, 0)

	got := m.Decide(g, []domain.Candidate{
		{Domain: "masking", Confidence: 0.9, Mention: 0},
		{Domain: "access", Confidence: 0.3, Mention: 12},
	})
	if got.Dispatch != DispatchSingle {
		t.Fatalf("Dispatch = %q, want single", got.Dispatch)
	}
	if diff := cmp.Diff([]string{"masking"}, got.Domains); diff != "" {
		t.Errorf("Domains mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaRouter_GapExactlyAtThreshold(t *testing.T) {
	g := catalog(t)
	got := NewMetaRouter(0, 0).Decide(g, []domain.Candidate{
		{Domain: "masking", Confidence: 0.85},
		{Domain: "access", Confidence: 0.65},
	})
	if got.Dispatch != DispatchSingle {
		t.Fatalf("Dispatch = %q, want single", got.Dispatch)
	}
}

// Scenario C: 0.52 vs 0.48 never guesses.
func TestMetaRouter_AmbiguousCloseScores(t *testing.T) {
	g := catalog(t)
	got := NewMetaRouter(0, 0).Decide(g, []domain.Candidate{
		{Domain: "masking", Confidence: 0.52, Mention: 0},
		{Domain: "access", Confidence: 0.48, Mention: 5},
	})
	if got.Dispatch != DispatchAmbiguous {
		t.Fatalf("Dispatch = %q, want ambiguous", got.Dispatch)
	}
	if len(got.Domains) != 0 {
		t.Errorf("ambiguous decision picked domains %v", got.Domains)
	}
	want := []domain.ClarifyOption{
		{Domain: "masking", Label: "Protect sensitive fields with masking policies"},
		{Domain: "access", Label: "Grant and review role access"},
	}
	if diff := cmp.Diff(want, got.Options); diff != "" {
		t.Errorf("Options mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaRouter_ConfidentButNotDistinct(t *testing.T) {
	g := catalog(t)
	got := NewMetaRouter(0, 0).Decide(g, []domain.Candidate{
		{Domain: "masking", Confidence: 0.75},
		{Domain: "access", Confidence: 0.6},
	})
	if got.Dispatch != DispatchAmbiguous {
		t.Fatalf("Dispatch = %q, want ambiguous", got.Dispatch)
	}
}

func TestMetaRouter_NoCandidatesOffersDomains(t *testing.T) {
	g := catalog(t)
	got := NewMetaRouter(0, 0).Decide(g, []domain.Candidate{{Domain: "unknown", Confidence: 1}})
	if got.Dispatch != DispatchAmbiguous {
		t.Fatalf("Dispatch = %q, want ambiguous", got.Dispatch)
	}
	if len(got.Options) != 3 {
		t.Errorf("Options = %v, want every domain", got.Options)
	}
}

// Scenario B: dependency order wins over mention order.
func TestMetaRouter_ChainFollowsDependencies(t *testing.T) {
	g := catalog(t)
	got := NewMetaRouter(0, 0).Decide(g, []domain.Candidate{
		{Domain: "access", Confidence: 0.8, Mention: 0},
		{Domain: "masking", Confidence: 0.75, Mention: 30},
	})
	if got.Dispatch != DispatchChain {
		t.Fatalf("Dispatch = %q, want chain", got.Dispatch)
	}
	if diff := cmp.Diff([]string{"masking", "access"}, got.Domains); diff != "" {
		t.Errorf("Domains mismatch (-want +got):\n%s", diff)
	}
	if got.Rationale == "" {
		t.Error("chain rationale is empty")
	}
}

func TestDomainRouter_WorkflowMode(t *testing.T) {
	g := catalog(t)
	r, err := DomainRouter{}.Route(g, "masking", "Mask the email column in customers", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := domain.RouteTarget{Kind: domain.TargetWorkflow, ID: "apply-masking"}
	if r.Mode != domain.ModeWorkflow || r.Target != want {
		t.Errorf("Route = %s %+v, want workflow %+v", r.Mode, r.Target, want)
	}
}

func TestDomainRouter_GuidedWhenNoWorkflow(t *testing.T) {
	g := catalog(t)
	r, err := DomainRouter{}.Route(g, "masking", "rotate the key used by the tokenizer", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if r.Mode != domain.ModeGuided || r.Target.Kind != domain.TargetPlan {
		t.Fatalf("Route = %s %+v, want guided", r.Mode, r.Target)
	}
	if r.Target.Goal != "rotate the key used by the tokenizer" {
		t.Errorf("Goal = %q", r.Target.Goal)
	}
}

func TestDomainRouter_LookupForQuestion(t *testing.T) {
	g := catalog(t)
	r, err := DomainRouter{}.Route(g, "masking", "What is the masking policy syntax?", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := domain.RouteTarget{Kind: domain.TargetPrimitive, ID: "masking-policy-syntax"}
	if r.Mode != domain.ModeLookup || r.Target != want {
		t.Errorf("Route = %s %+v, want lookup %+v", r.Mode, r.Target, want)
	}
}

func TestDomainRouter_DifferentApproachExcludes(t *testing.T) {
	g := catalog(t)
	first, err := DomainRouter{}.Route(g, "masking", "mask the email column", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	second, err := DomainRouter{}.Route(g, "masking", "mask the email column", map[string]bool{first.Target.Key(): true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if second.Target == first.Target {
		t.Fatalf("excluded target %+v chosen again", first.Target)
	}
	if second.Mode != domain.ModeGuided {
		t.Errorf("Mode = %s, want guided", second.Mode)
	}
}

func TestDomainRouter_NoRoute(t *testing.T) {
	g := catalog(t)
	_, err := DomainRouter{}.Route(g, "discovery", "why is the sky blue?", nil)
	if !errors.Is(err, domain.ErrNoRoute) {
		t.Fatalf("error = %v, want ErrNoRoute", err)
	}
	_, err = DomainRouter{}.Route(g, "nope", "anything", nil)
	if !errors.Is(err, domain.ErrDomainNotFound) {
		t.Fatalf("error = %v, want ErrDomainNotFound", err)
	}
}

func TestIsQuestion(t *testing.T) {
	cases := map[string]bool{
		"what is a masking policy":        true,
		"How do I grant a role?":          true,
		"is the policy attached?":         true,
		"can you mask the email column?":  false,
		"mask the email column":           false,
		"please grant reader to analysts": false,
		"":                                false,
	}
	for in, want := range cases {
		if got := IsQuestion(in); got != want {
			t.Errorf("IsQuestion(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCarryContext_PassThroughMappingDefaults(t *testing.T) {
	g := catalog(t)

	values, missing := CarryContext(g, []PhaseOutput{
		{Domain: "discovery", Outputs: map[string]any{"sensitive_columns": []any{"email"}}},
	}, "masking")
	if len(missing) != 0 {
		t.Errorf("missing = %v, want none", missing)
	}
	if values["target_table"] != "analytics.customers" {
		t.Errorf("target_table = %v, want the domain default", values["target_table"])
	}
	if _, ok := values["sensitive_columns"]; !ok {
		t.Error("sensitive_columns did not pass through")
	}
}

func TestCarryContext_MissingIsReported(t *testing.T) {
	g := catalog(t)
	_, missing := CarryContext(g, nil, "masking")
	if diff := cmp.Diff([]string{"sensitive_columns"}, missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
}

func TestCarryContext_RenameOnlyThroughTable(t *testing.T) {
	doc := manifest.Document{
		Domains: []domain.Domain{
			{ID: "a", Produces: []string{"table_ref"}},
			{ID: "b", Requires: []string{"table"}},
			{ID: "c", Requires: []string{"table"}},
		},
		Mappings: []domain.ContextMapping{{From: "a", To: "b", Map: map[string]string{"table_ref": "table"}}},
	}
	g, err := manifest.Build(doc, manifest.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	prior := []PhaseOutput{{Domain: "a", Outputs: map[string]any{"table_ref": "orders"}}}

	values, missing := CarryContext(g, prior, "b")
	if values["table"] != "orders" || len(missing) != 0 {
		t.Errorf("b: values = %v, missing = %v", values, missing)
	}
	_, missing = CarryContext(g, prior, "c")
	if diff := cmp.Diff([]string{"table"}, missing); diff != "" {
		t.Errorf("c: missing mismatch (-want +got):\n%s", diff)
	}
}
