package entity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chaperone-dev/chaperone/internal/domain/cartridge"
)

// mapResolver resolves from a fixed table; unknown refs are not found.
type mapResolver struct {
	table map[string]cartridge.Resolution
	err   error
}

func (m mapResolver) ResolveEntity(_ context.Context, inputRef, _ string, _ cartridge.Context) (cartridge.Resolution, error) {
	if m.err != nil {
		return cartridge.Resolution{}, m.err
	}
	if res, ok := m.table[inputRef]; ok {
		return res, nil
	}
	return cartridge.Resolution{Status: cartridge.ResolutionNotFound}, nil
}

func TestResolve_SuccessRewritesParameters(t *testing.T) {
	resolver := mapResolver{table: map[string]cartridge.Resolution{
		"Spring Sale": {Status: cartridge.ResolutionResolved, ResolvedID: "c-123", ResolvedName: "Spring Sale 2026"},
	}}
	params := map[string]any{"campaignRef": "Spring Sale", "amount": 50.0}

	out, err := Resolve(context.Background(), resolver, []Ref{{InputRef: "Spring Sale", EntityType: "campaign"}}, params, cartridge.Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.NeedsClarification || out.NotFound {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Parameters["campaignId"] != "c-123" {
		t.Errorf("parameters = %v, want campaignId rewrite", out.Parameters)
	}
	if _, stillThere := out.Parameters["campaignRef"]; stillThere {
		t.Error("campaignRef key should be renamed")
	}
	if out.Parameters["amount"] != 50.0 {
		t.Error("unrelated parameter lost")
	}
}

func TestResolve_AmbiguousAsksWithAlternatives(t *testing.T) {
	resolver := mapResolver{table: map[string]cartridge.Resolution{
		"sale": {
			Status: cartridge.ResolutionAmbiguous,
			Alternatives: []cartridge.Alternative{
				{ID: "c-1", Name: "Spring Sale"},
				{ID: "c-2", Name: "Summer Sale"},
			},
		},
	}}

	out, err := Resolve(context.Background(), resolver, []Ref{{InputRef: "sale", EntityType: "campaign"}}, map[string]any{}, cartridge.Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsClarification {
		t.Fatal("expected clarification")
	}
	for _, want := range []string{"Spring Sale", "c-1", "Summer Sale", "c-2"} {
		if !strings.Contains(out.Question, want) {
			t.Errorf("question %q missing %q", out.Question, want)
		}
	}
}

func TestResolve_NotFound(t *testing.T) {
	out, err := Resolve(context.Background(), mapResolver{}, []Ref{{InputRef: "ghost", EntityType: "campaign"}}, map[string]any{}, cartridge.Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NotFound {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Explanation, "ghost") {
		t.Errorf("explanation = %q", out.Explanation)
	}
}

func TestResolve_AmbiguityWinsOverNotFound(t *testing.T) {
	resolver := mapResolver{table: map[string]cartridge.Resolution{
		"sale": {Status: cartridge.ResolutionAmbiguous},
	}}
	refs := []Ref{
		{InputRef: "sale", EntityType: "campaign"},
		{InputRef: "ghost", EntityType: "campaign"},
	}

	out, err := Resolve(context.Background(), resolver, refs, map[string]any{}, cartridge.Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsClarification || out.NotFound {
		t.Errorf("outcome = %+v, want clarification first", out)
	}
}

func TestResolve_ResolverErrorFailsClosed(t *testing.T) {
	resolver := mapResolver{err: errors.New("provider down")}

	out, err := Resolve(context.Background(), resolver, []Ref{{InputRef: "x", EntityType: "campaign"}}, map[string]any{}, cartridge.Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsClarification {
		t.Error("resolver error must be treated as ambiguity")
	}
}

func TestRewriteParameters_ValueMatchWithoutRefSuffix(t *testing.T) {
	out := RewriteParameters(map[string]any{"target": "Spring Sale"}, "Spring Sale", "c-123")
	if out["target"] != "c-123" {
		t.Errorf("parameters = %v", out)
	}
}
