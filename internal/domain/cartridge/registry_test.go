package cartridge

import (
	"context"
	"errors"
	"testing"

	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// fakeCartridge is a bare-minimum Cartridge for registry tests.
type fakeCartridge struct {
	id string
}

func (f *fakeCartridge) ID() string { return f.id }
func (f *fakeCartridge) Initialize(context.Context, Context) error {
	return nil
}
func (f *fakeCartridge) RiskInput(context.Context, string, map[string]any, Context) (risk.Input, error) {
	return risk.Input{BaseRisk: risk.CategoryLow}, nil
}
func (f *fakeCartridge) Guardrails() guardrail.Guardrails { return guardrail.Guardrails{} }
func (f *fakeCartridge) EnrichContext(context.Context, string, map[string]any, Context) (map[string]any, error) {
	return nil, nil
}
func (f *fakeCartridge) Execute(context.Context, string, map[string]any, Context) (ExecuteResult, error) {
	return ExecuteResult{Success: true}, nil
}
func (f *fakeCartridge) HealthCheck(context.Context) Health { return Health{Status: "ok"} }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeCartridge{id: "ads-spend"}, "ads"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err := r.Get("ads-spend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID() != "ads-spend" {
		t.Errorf("id = %s", c.ID())
	}
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeCartridge{id: "ads-spend"}, "ads"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(&fakeCartridge{id: "ads-spend"}, "other"); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestRegistry_InferFromPrefix(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeCartridge{id: "ads-spend"}, "ads"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err := r.Infer("ads.campaign.pause")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID() != "ads-spend" {
		t.Errorf("inferred %s, want ads-spend", c.ID())
	}

	if _, err := r.Infer("crm.contact.merge"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
	if _, err := r.Infer("nodots"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered for missing namespace", err)
	}
}

func TestRegistry_ResolvePrefersExplicitID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeCartridge{id: "ads-spend"}, "ads"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(&fakeCartridge{id: "ads-alt"}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err := r.Resolve("ads-alt", "ads.campaign.pause")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID() != "ads-alt" {
		t.Errorf("resolved %s, want explicit ads-alt", c.ID())
	}

	c, err = r.Resolve("", "ads.campaign.pause")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID() != "ads-spend" {
		t.Errorf("resolved %s, want inferred ads-spend", c.ID())
	}
}

func TestOptionalCapabilityDetection(t *testing.T) {
	var c Cartridge = &fakeCartridge{id: "plain"}
	if _, ok := c.(EntityResolver); ok {
		t.Error("plain cartridge must not expose entity resolution")
	}
	if _, ok := c.(SnapshotCapturer); ok {
		t.Error("plain cartridge must not expose snapshot capture")
	}
}
