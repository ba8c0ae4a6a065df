package file

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chaperone-dev/chaperone/internal/domain/identity"
	"github.com/chaperone-dev/chaperone/internal/domain/policy"
)

// Fixtures is the on-disk governance seed: principals, specs, overlays,
// delegation rules, and policies loaded at boot.
type Fixtures struct {
	Principals  []*identity.Principal      `yaml:"principals"`
	Specs       []*identity.Spec           `yaml:"specs"`
	Overlays    []identity.Overlay         `yaml:"overlays"`
	Delegations []*identity.DelegationRule `yaml:"delegations"`
	Policies    []*policy.Policy           `yaml:"policies"`
}

// LoadFixtures reads and validates a YAML fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}

	var f Fixtures
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid fixtures %s: %w", path, err)
	}
	return &f, nil
}

func (f *Fixtures) validate() error {
	principals := make(map[string]struct{}, len(f.Principals))
	for _, p := range f.Principals {
		if p.ID == "" {
			return fmt.Errorf("principal with empty id")
		}
		if _, dup := principals[p.ID]; dup {
			return fmt.Errorf("duplicate principal %q", p.ID)
		}
		principals[p.ID] = struct{}{}
	}

	for _, s := range f.Specs {
		if s.PrincipalID == "" {
			return fmt.Errorf("spec with empty principalId")
		}
		if _, ok := principals[s.PrincipalID]; !ok {
			return fmt.Errorf("spec references unknown principal %q", s.PrincipalID)
		}
	}

	for _, o := range f.Overlays {
		if o.ID == "" || o.SpecID == "" {
			return fmt.Errorf("overlay missing id or specId")
		}
		switch o.Mode {
		case identity.OverlayRestrict, identity.OverlayExtend:
		default:
			return fmt.Errorf("overlay %q has unknown mode %q", o.ID, o.Mode)
		}
	}

	for _, d := range f.Delegations {
		if d.Grantor == "" || d.Grantee == "" || d.Scope == "" {
			return fmt.Errorf("delegation %q missing grantor, grantee, or scope", d.ID)
		}
	}

	policyIDs := make(map[string]struct{}, len(f.Policies))
	for _, p := range f.Policies {
		if p.ID == "" {
			return fmt.Errorf("policy with empty id")
		}
		if _, dup := policyIDs[p.ID]; dup {
			return fmt.Errorf("duplicate policy %q", p.ID)
		}
		policyIDs[p.ID] = struct{}{}
		switch p.Effect {
		case policy.EffectAllow, policy.EffectDeny, policy.EffectRequireApproval, policy.EffectModify:
		default:
			return fmt.Errorf("policy %q has unknown effect %q", p.ID, p.Effect)
		}
		if p.Effect == policy.EffectModify && len(p.Patch) == 0 {
			return fmt.Errorf("policy %q modifies without a patch", p.ID)
		}
	}
	return nil
}
