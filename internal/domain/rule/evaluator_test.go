package rule

import (
	"strings"
	"testing"
)

func ctxWith(params map[string]any) map[string]any {
	return map[string]any{
		"actionType": "ads.campaign.pause",
		"parameters": params,
	}
}

func TestEvaluate_EmptyAndMatchesVacuously(t *testing.T) {
	res := Evaluate(&Rule{Composition: CompositionAnd}, ctxWith(nil))
	if !res.Matched {
		t.Error("empty AND rule should match by vacuous truth")
	}
}

func TestEvaluate_NilRuleMatches(t *testing.T) {
	res := Evaluate(nil, ctxWith(nil))
	if !res.Matched {
		t.Error("nil rule should match")
	}
}

func TestEvaluate_EmptyOrDoesNotMatch(t *testing.T) {
	res := Evaluate(&Rule{Composition: CompositionOr}, ctxWith(nil))
	if res.Matched {
		t.Error("empty OR rule should not match")
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ctx := ctxWith(map[string]any{
		"amount":   float64(150),
		"name":     "summer-sale",
		"tags":     []any{"active", "paid"},
		"campaign": "c1",
	})

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "parameters.campaign", Operator: OpEq, Value: "c1"}, true},
		{"eq numeric cross-type", Condition{Field: "parameters.amount", Operator: OpEq, Value: 150}, true},
		{"neq", Condition{Field: "parameters.campaign", Operator: OpNeq, Value: "c2"}, true},
		{"gt", Condition{Field: "parameters.amount", Operator: OpGt, Value: 100}, true},
		{"gt false", Condition{Field: "parameters.amount", Operator: OpGt, Value: 150}, false},
		{"gte boundary", Condition{Field: "parameters.amount", Operator: OpGte, Value: 150}, true},
		{"lt", Condition{Field: "parameters.amount", Operator: OpLt, Value: 200}, true},
		{"lte boundary", Condition{Field: "parameters.amount", Operator: OpLte, Value: 150}, true},
		{"in", Condition{Field: "parameters.campaign", Operator: OpIn, Value: []any{"c1", "c2"}}, true},
		{"not_in", Condition{Field: "parameters.campaign", Operator: OpNotIn, Value: []any{"c2"}}, true},
		{"contains string", Condition{Field: "parameters.name", Operator: OpContains, Value: "sale"}, true},
		{"not_contains", Condition{Field: "parameters.name", Operator: OpNotContains, Value: "winter"}, true},
		{"contains list", Condition{Field: "parameters.tags", Operator: OpContains, Value: "active"}, true},
		{"matches", Condition{Field: "actionType", Operator: OpMatches, Value: `^ads\.`}, true},
		{"exists", Condition{Field: "parameters.amount", Operator: OpExists}, true},
		{"not_exists", Condition{Field: "parameters.missing", Operator: OpNotExists}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate(&Rule{Composition: CompositionAnd, Conditions: []Condition{tc.cond}}, ctx)
			if res.Matched != tc.want {
				t.Errorf("got matched=%v, want %v", res.Matched, tc.want)
			}
		})
	}
}

func TestEvaluate_NumericTypeMismatchIsUnmatched(t *testing.T) {
	ctx := ctxWith(map[string]any{"amount": "not-a-number"})
	res := Evaluate(&Rule{
		Composition: CompositionAnd,
		Conditions:  []Condition{{Field: "parameters.amount", Operator: OpGt, Value: 10}},
	}, ctx)
	if res.Matched {
		t.Error("numeric operator with non-numeric value should be unmatched, not an error")
	}
}

func TestEvaluate_NotInvertsConjunction(t *testing.T) {
	ctx := ctxWith(map[string]any{"amount": float64(5)})
	r := &Rule{
		Composition: CompositionNot,
		Conditions:  []Condition{{Field: "parameters.amount", Operator: OpGt, Value: 10}},
	}
	if res := Evaluate(r, ctx); !res.Matched {
		t.Error("NOT over a false condition should match")
	}

	r.Conditions[0].Value = 1
	if res := Evaluate(r, ctx); res.Matched {
		t.Error("NOT over a true condition should not match")
	}
}

func TestEvaluate_NestedChildren(t *testing.T) {
	ctx := ctxWith(map[string]any{"amount": float64(500), "region": "eu"})
	r := &Rule{
		Composition: CompositionAnd,
		Conditions:  []Condition{{Field: "parameters.amount", Operator: OpGte, Value: 100}},
		Children: []*Rule{
			{
				Composition: CompositionOr,
				Conditions: []Condition{
					{Field: "parameters.region", Operator: OpEq, Value: "us"},
					{Field: "parameters.region", Operator: OpEq, Value: "eu"},
				},
			},
		},
	}
	res := Evaluate(r, ctx)
	if !res.Matched {
		t.Error("AND with matching condition and matching OR child should match")
	}
	if len(res.Conditions) != 3 {
		t.Errorf("expected 3 condition results, got %d", len(res.Conditions))
	}
}

func TestMatches_RegexGuards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
	}{
		{"pattern too long", strings.Repeat("a", maxPatternLength+1), "aaa"},
		{"input too long", "a+", strings.Repeat("a", maxInputLength+1)},
		{"nested unbounded quantifier", "(a+)+$", "aaaa"},
		{"two unbounded wildcards", ".*foo.*", "xfooy"},
		{"invalid pattern", "([unclosed", "x"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := map[string]any{"s": tc.input}
			res := Evaluate(&Rule{
				Composition: CompositionAnd,
				Conditions:  []Condition{{Field: "s", Operator: OpMatches, Value: tc.pattern}},
			}, ctx)
			if res.Matched {
				t.Error("guarded pattern should be unmatched")
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"b": map[string]any{"c": 42}}}

	v, ok := ResolvePath(ctx, "a.b.c")
	if !ok || v != 42 {
		t.Errorf("expected 42, got %v (ok=%v)", v, ok)
	}

	if _, ok := ResolvePath(ctx, "a.b.missing"); ok {
		t.Error("missing segment should not resolve")
	}
	if _, ok := ResolvePath(ctx, "a.b.c.d"); ok {
		t.Error("path through a scalar should not resolve")
	}
}
