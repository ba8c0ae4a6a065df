package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

func TestSetDefaults(t *testing.T) {
	c := validConfig()
	if c.LogLevel != "info" {
		t.Errorf("log level = %q", c.LogLevel)
	}
	if c.Ledger.Backend != "memory" {
		t.Errorf("backend = %q", c.Ledger.Backend)
	}
	if c.ProposalRate.Rate != 30 || c.ProposalRate.Period != time.Minute || c.ProposalRate.Burst != 30 {
		t.Errorf("proposal rate = %+v", c.ProposalRate)
	}
	if c.Approval.ExpiredBehavior != "deny" {
		t.Errorf("expired behavior = %q", c.Approval.ExpiredBehavior)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "LogLevel",
		},
		{
			name:    "bad expired behavior",
			mutate:  func(c *Config) { c.Approval.ExpiredBehavior = "retry" },
			wantErr: "ExpiredBehavior",
		},
		{
			name:    "thresholds not ascending",
			mutate:  func(c *Config) { c.Risk.CategoryThresholds = []float64{20, 40, 40, 80} },
			wantErr: "strictly ascending",
		},
		{
			name:    "thresholds wrong length",
			mutate:  func(c *Config) { c.Risk.CategoryThresholds = []float64{20, 40} },
			wantErr: "exactly 4",
		},
		{
			name:    "bad redaction pattern",
			mutate:  func(c *Config) { c.Redaction.ValuePatterns = []string{"[unclosed"} },
			wantErr: "value_patterns[0]",
		},
		{
			name:    "file backend needs dir",
			mutate:  func(c *Config) { c.Ledger.Backend = "file" },
			wantErr: "ledger.dir",
		},
		{
			name:    "sqlite backend needs path",
			mutate:  func(c *Config) { c.Ledger.Backend = "sqlite" },
			wantErr: "ledger.path",
		},
		{
			name: "sqlite with path is valid",
			mutate: func(c *Config) {
				c.Ledger.Backend = "sqlite"
				c.Ledger.Path = "/var/lib/chaperone/audit.db"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRiskScoring_DefaultsAndOverrides(t *testing.T) {
	c := validConfig()
	cfg := c.RiskScoring()
	if cfg.DollarWeight != 20 || cfg.CategoryThresholds != [4]float64{20, 40, 60, 80} {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	c.Risk.DollarWeight = 30
	c.Risk.BaseWeights = map[string]float64{"critical": 90}
	c.Risk.CategoryThresholds = []float64{10, 30, 50, 70}
	cfg = c.RiskScoring()
	if cfg.DollarWeight != 30 {
		t.Errorf("dollar weight = %v", cfg.DollarWeight)
	}
	if cfg.BaseWeights["critical"] != 90 || cfg.BaseWeights["medium"] != 35 {
		t.Errorf("base weights = %v", cfg.BaseWeights)
	}
	if cfg.CategoryThresholds != [4]float64{10, 30, 50, 70} {
		t.Errorf("thresholds = %v", cfg.CategoryThresholds)
	}
}
