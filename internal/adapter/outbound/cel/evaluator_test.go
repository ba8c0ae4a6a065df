package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/chaperone-dev/chaperone/internal/domain/policy"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return e
}

func testContext() policy.EvaluationContext {
	return policy.EvaluationContext{
		ActionType:   "ads.budget.set",
		Parameters:   map[string]any{"amount": 250.0, "campaignId": "c1"},
		CartridgeID:  "ads-spend",
		PrincipalID:  "agent-1",
		RiskCategory: risk.CategoryMedium,
		Metadata:     map[string]any{"region": "emea"},
	}
}

func TestEvaluateCondition(t *testing.T) {
	e := newTestEvaluator(t)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"amount comparison", `parameters.amount > 100.0`, true},
		{"amount below", `parameters.amount > 1000.0`, false},
		{"action type prefix", `action_type.startsWith("ads.")`, true},
		{"risk category", `risk_category == "medium"`, true},
		{"metadata lookup", `metadata.region == "emea"`, true},
		{"compound", `cartridge_id == "ads-spend" && parameters.campaignId == "c1"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateCondition(context.Background(), tt.expr, testContext())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_NonBooleanResult(t *testing.T) {
	e := newTestEvaluator(t)
	if _, err := e.EvaluateCondition(context.Background(), `parameters.amount`, testContext()); err == nil {
		t.Error("expected error for non-boolean expression")
	}
}

func TestEvaluateCondition_MissingParameterErrors(t *testing.T) {
	e := newTestEvaluator(t)
	if _, err := e.EvaluateCondition(context.Background(), `parameters.nonexistent > 1.0`, testContext()); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestEvaluateCondition_ProgramCacheReuse(t *testing.T) {
	e := newTestEvaluator(t)
	expr := `parameters.amount > 100.0`

	if _, err := e.EvaluateCondition(context.Background(), expr, testContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.programs) != 1 {
		t.Fatalf("cache size = %d, want 1", len(e.programs))
	}
	if _, err := e.EvaluateCondition(context.Background(), expr, testContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.programs) != 1 {
		t.Errorf("cache size = %d after reuse, want 1", len(e.programs))
	}
}

func TestValidateExpression(t *testing.T) {
	e := newTestEvaluator(t)

	if err := e.ValidateExpression(`parameters.amount > 0.0`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression accepted")
	}
	if err := e.ValidateExpression(`parameters.`); err == nil {
		t.Error("syntax error accepted")
	}
	if err := e.ValidateExpression(`amount > ` + strings.Repeat("1", 1100)); err == nil {
		t.Error("oversized expression accepted")
	}
	deep := strings.Repeat("(", 60) + "true" + strings.Repeat(")", 60)
	if err := e.ValidateExpression(deep); err == nil {
		t.Error("deeply nested expression accepted")
	}
}
