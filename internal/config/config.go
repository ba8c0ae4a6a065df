// Package config provides configuration loading for Chaperone.
package config

import (
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// Config is the root configuration.
type Config struct {
	// Log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Approval holds routing defaults for approval requests.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Risk holds the scoring weights; zero values take the documented
	// defaults.
	Risk RiskConfig `yaml:"risk" mapstructure:"risk"`

	// Redaction configures audit snapshot masking.
	Redaction RedactionConfig `yaml:"redaction" mapstructure:"redaction"`

	// Ledger selects and configures audit persistence.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// ProposalRate bounds proposal intake per principal.
	ProposalRate ProposalRateConfig `yaml:"proposal_rate" mapstructure:"proposal_rate"`

	// Fixtures optionally points at a YAML seed file with principals,
	// specs, overlays, delegations, and policies.
	Fixtures string `yaml:"fixtures" mapstructure:"fixtures"`
}

// ApprovalConfig is the routing block.
type ApprovalConfig struct {
	DefaultApprovers    []string      `yaml:"default_approvers" mapstructure:"default_approvers"`
	FallbackApprover    string        `yaml:"fallback_approver" mapstructure:"fallback_approver"`
	StandardExpiry      time.Duration `yaml:"standard_expiry" mapstructure:"standard_expiry"`
	ElevatedExpiry      time.Duration `yaml:"elevated_expiry" mapstructure:"elevated_expiry"`
	MandatoryExpiry     time.Duration `yaml:"mandatory_expiry" mapstructure:"mandatory_expiry"`
	ExpiredBehavior     string        `yaml:"expired_behavior" mapstructure:"expired_behavior" validate:"omitempty,oneof=deny escalate"`
	DenyWhenNoApprovers bool          `yaml:"deny_when_no_approvers" mapstructure:"deny_when_no_approvers"`
}

// RiskConfig mirrors the scoring weights.
type RiskConfig struct {
	BaseWeights            map[string]float64 `yaml:"base_weights" mapstructure:"base_weights"`
	DollarWeight           float64            `yaml:"dollar_weight" mapstructure:"dollar_weight" validate:"gte=0"`
	DollarSaturation       float64            `yaml:"dollar_saturation" mapstructure:"dollar_saturation" validate:"gte=0"`
	BlastRadiusWeight      float64            `yaml:"blast_radius_weight" mapstructure:"blast_radius_weight" validate:"gte=0"`
	IrreversibilityPenalty float64            `yaml:"irreversibility_penalty" mapstructure:"irreversibility_penalty" validate:"gte=0"`
	EntityVolatileWeight   float64            `yaml:"entity_volatile_weight" mapstructure:"entity_volatile_weight" validate:"gte=0"`
	LearningPhaseWeight    float64            `yaml:"learning_phase_weight" mapstructure:"learning_phase_weight" validate:"gte=0"`
	RecentlyModifiedWeight float64            `yaml:"recently_modified_weight" mapstructure:"recently_modified_weight" validate:"gte=0"`
	// CategoryThresholds must be strictly ascending when set.
	CategoryThresholds []float64 `yaml:"category_thresholds" mapstructure:"category_thresholds" validate:"omitempty,len=4"`
}

// RedactionConfig is the audit masking block.
type RedactionConfig struct {
	FieldKeywords []string `yaml:"field_keywords" mapstructure:"field_keywords"`
	ValuePatterns []string `yaml:"value_patterns" mapstructure:"value_patterns"`
	Replacement   string   `yaml:"replacement" mapstructure:"replacement"`
}

// LedgerConfig selects the storage backend.
type LedgerConfig struct {
	// Backend: memory, file, or sqlite.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file sqlite"`
	// Dir is the JSONL directory for the file backend.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// Path is the database file for the sqlite backend.
	Path          string `yaml:"path" mapstructure:"path"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=0"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"gte=0"`
	// EvidenceDir is where oversized evidence blobs are offloaded.
	EvidenceDir string `yaml:"evidence_dir" mapstructure:"evidence_dir"`
}

// ProposalRateConfig is the orchestrator-boundary limiter block.
type ProposalRateConfig struct {
	Rate   int           `yaml:"rate" mapstructure:"rate" validate:"gte=0"`
	Period time.Duration `yaml:"period" mapstructure:"period"`
	Burst  int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Approval.ExpiredBehavior == "" {
		c.Approval.ExpiredBehavior = "deny"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.ProposalRate.Rate == 0 {
		c.ProposalRate.Rate = 30
	}
	if c.ProposalRate.Period == 0 {
		c.ProposalRate.Period = time.Minute
	}
	if c.ProposalRate.Burst == 0 {
		c.ProposalRate.Burst = c.ProposalRate.Rate
	}
}

// RiskScoring converts the config block into scoring weights, filling
// gaps from the documented defaults.
func (c *Config) RiskScoring() risk.Config {
	cfg := risk.DefaultConfig()
	r := c.Risk
	if len(r.BaseWeights) > 0 {
		for name, w := range r.BaseWeights {
			cfg.BaseWeights[risk.Category(name)] = w
		}
	}
	if r.DollarWeight > 0 {
		cfg.DollarWeight = r.DollarWeight
	}
	if r.DollarSaturation > 0 {
		cfg.DollarSaturation = r.DollarSaturation
	}
	if r.BlastRadiusWeight > 0 {
		cfg.BlastRadiusWeight = r.BlastRadiusWeight
	}
	if r.IrreversibilityPenalty > 0 {
		cfg.IrreversibilityPenalty = r.IrreversibilityPenalty
	}
	if r.EntityVolatileWeight > 0 {
		cfg.EntityVolatileWeight = r.EntityVolatileWeight
	}
	if r.LearningPhaseWeight > 0 {
		cfg.LearningPhaseWeight = r.LearningPhaseWeight
	}
	if r.RecentlyModifiedWeight > 0 {
		cfg.RecentlyModifiedWeight = r.RecentlyModifiedWeight
	}
	if len(r.CategoryThresholds) == 4 {
		copy(cfg.CategoryThresholds[:], r.CategoryThresholds)
	}
	return cfg
}
