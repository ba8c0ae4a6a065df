package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	celadapter "github.com/chaperone-dev/chaperone/internal/adapter/outbound/cel"
	"github.com/chaperone-dev/chaperone/internal/adapter/outbound/file"
	"github.com/chaperone-dev/chaperone/internal/adapter/outbound/memory"
	"github.com/chaperone-dev/chaperone/internal/config"
	"github.com/chaperone-dev/chaperone/internal/domain/approval"
	"github.com/chaperone-dev/chaperone/internal/domain/cartridge"
	"github.com/chaperone-dev/chaperone/internal/domain/competence"
	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
	"github.com/chaperone-dev/chaperone/internal/domain/policy"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
	"github.com/chaperone-dev/chaperone/internal/service"
)

var (
	proposalFile string
	fixturesFile string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate -f proposal.yaml",
	Short: "Evaluate a proposal file without side effects",
	Long: `Run a proposal through the full evaluation pipeline and print the
decision trace, without persisting anything or executing the action.

The proposal file describes the action together with the risk profile
and guardrails its cartridge would declare:

  principalId: agent-1
  actionType: ads.pause_campaign
  parameters:
    campaignId: c-123
  risk:
    baseRisk: medium
    reversibility: full
    dollarsAtRisk: 120
    blastRadius: 1

Principals, specs, overlays, and policies come from the fixtures file
named in the config (or via --fixtures).`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVarP(&proposalFile, "file", "f", "", "proposal YAML file (required)")
	simulateCmd.Flags().StringVar(&fixturesFile, "fixtures", "", "fixtures YAML file (overrides config)")
	_ = simulateCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(simulateCmd)
}

// proposalDoc is the on-disk shape of one simulated proposal.
type proposalDoc struct {
	PrincipalID     string               `yaml:"principalId"`
	OrganizationID  string               `yaml:"organizationId"`
	CartridgeID     string               `yaml:"cartridgeId"`
	ActionType      string               `yaml:"actionType"`
	Parameters      map[string]any       `yaml:"parameters"`
	Evidence        string               `yaml:"evidence"`
	Confidence      float64              `yaml:"confidence"`
	OriginalMessage string               `yaml:"originalMessage"`
	Risk            proposalRisk         `yaml:"risk"`
	Guardrails      guardrail.Guardrails `yaml:"guardrails"`
	Enrichment      map[string]any       `yaml:"enrichment"`
}

type proposalRisk struct {
	BaseRisk         string  `yaml:"baseRisk"`
	Reversibility    string  `yaml:"reversibility"`
	DollarsAtRisk    float64 `yaml:"dollarsAtRisk"`
	BlastRadius      int     `yaml:"blastRadius"`
	EntityVolatile   bool    `yaml:"entityVolatile"`
	LearningPhase    bool    `yaml:"learningPhase"`
	RecentlyModified bool    `yaml:"recentlyModified"`
}

func (r proposalRisk) input() risk.Input {
	return risk.Input{
		BaseRisk: risk.Category(r.BaseRisk),
		Exposure: risk.Exposure{
			DollarsAtRisk: r.DollarsAtRisk,
			BlastRadius:   r.BlastRadius,
		},
		Reversibility: risk.Reversibility(r.Reversibility),
		Sensitivity: risk.Sensitivity{
			EntityVolatile:   r.EntityVolatile,
			LearningPhase:    r.LearningPhase,
			RecentlyModified: r.RecentlyModified,
		},
	}
}

// declaredCartridge is a stand-in cartridge whose capability surface
// comes entirely from the proposal file.
type declaredCartridge struct {
	id  string
	doc *proposalDoc
}

var _ cartridge.Cartridge = (*declaredCartridge)(nil)

func (c *declaredCartridge) ID() string { return c.id }

func (c *declaredCartridge) Initialize(context.Context, cartridge.Context) error { return nil }

func (c *declaredCartridge) RiskInput(_ context.Context, _ string, _ map[string]any, _ cartridge.Context) (risk.Input, error) {
	return c.doc.Risk.input(), nil
}

func (c *declaredCartridge) Guardrails() guardrail.Guardrails { return c.doc.Guardrails }

func (c *declaredCartridge) EnrichContext(_ context.Context, _ string, _ map[string]any, _ cartridge.Context) (map[string]any, error) {
	return c.doc.Enrichment, nil
}

func (c *declaredCartridge) Execute(_ context.Context, _ string, _ map[string]any, _ cartridge.Context) (cartridge.ExecuteResult, error) {
	return cartridge.ExecuteResult{}, fmt.Errorf("simulation cartridge cannot execute")
}

func (c *declaredCartridge) HealthCheck(context.Context) cartridge.Health {
	return cartridge.Health{Status: "ok"}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	data, err := os.ReadFile(proposalFile)
	if err != nil {
		return fmt.Errorf("read proposal: %w", err)
	}
	var doc proposalDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse proposal: %w", err)
	}
	if doc.ActionType == "" {
		return fmt.Errorf("proposal is missing actionType")
	}

	orch, err := buildSimulationOrchestrator(cmd.Context(), cfg, &doc, logger)
	if err != nil {
		return err
	}

	result, err := orch.Simulate(cmd.Context(), service.ProposeParams{
		PrincipalID:     doc.PrincipalID,
		OrganizationID:  doc.OrganizationID,
		CartridgeID:     doc.CartridgeID,
		ActionType:      doc.ActionType,
		Parameters:      doc.Parameters,
		Evidence:        doc.Evidence,
		Confidence:      doc.Confidence,
		OriginalMessage: doc.OriginalMessage,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// buildSimulationOrchestrator wires an orchestrator over in-memory
// collaborators seeded from the fixtures file.
func buildSimulationOrchestrator(ctx context.Context, cfg *config.Config, doc *proposalDoc, logger *slog.Logger) (*service.Orchestrator, error) {
	identities := memory.NewIdentityStore()
	policies := memory.NewPolicyStore()

	fixturesPath := fixturesFile
	if fixturesPath == "" {
		fixturesPath = cfg.Fixtures
	}
	if fixturesPath != "" {
		fixtures, err := file.LoadFixtures(fixturesPath)
		if err != nil {
			return nil, err
		}
		for _, p := range fixtures.Principals {
			if err := identities.SavePrincipal(ctx, p); err != nil {
				return nil, err
			}
		}
		for _, s := range fixtures.Specs {
			if err := identities.SaveSpec(ctx, s); err != nil {
				return nil, err
			}
		}
		for _, ov := range fixtures.Overlays {
			if err := identities.SaveOverlay(ctx, ov); err != nil {
				return nil, err
			}
		}
		for _, d := range fixtures.Delegations {
			if err := identities.SaveDelegationRule(ctx, d); err != nil {
				return nil, err
			}
		}
		for _, p := range fixtures.Policies {
			if err := policies.SavePolicy(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	cartridgeID := doc.CartridgeID
	prefix := doc.ActionType
	if i := strings.Index(doc.ActionType, "."); i > 0 {
		prefix = doc.ActionType[:i]
	}
	if cartridgeID == "" {
		cartridgeID = prefix
		doc.CartridgeID = prefix
	}
	registry := cartridge.NewRegistry()
	if err := registry.Register(&declaredCartridge{id: cartridgeID, doc: doc}, prefix); err != nil {
		return nil, err
	}

	redactor, err := ledger.NewRedactor(redactionFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	auditLog := ledger.New(memory.NewLedgerStorage(), nil, redactor, logger)

	evaluator, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, err
	}

	return service.NewOrchestrator(service.Deps{
		Envelopes:  memory.NewEnvelopeStore(),
		Approvals:  memory.NewApprovalStore(),
		Identities: identities,
		Policies:   policies,
		Registry:   registry,
		State:      memory.NewGuardrailStateStore(),
		Ledger:     auditLog,
		Engine:     policy.NewEngine(evaluator, logger),
		Tracker:    competence.NewTracker(identities, competence.DefaultConfig(), nil, logger),
		Routing:    routingFromConfig(cfg),
		RiskConfig: cfg.RiskScoring(),
		Logger:     logger,
	}), nil
}

func routingFromConfig(cfg *config.Config) approval.RoutingConfig {
	return approval.RoutingConfig{
		ApproverIDs:         cfg.Approval.DefaultApprovers,
		FallbackID:          cfg.Approval.FallbackApprover,
		DenyWhenNoApprovers: cfg.Approval.DenyWhenNoApprovers,
		ExpiredBehavior:     approval.ExpiredBehavior(cfg.Approval.ExpiredBehavior),
		MandatoryExpiry:     cfg.Approval.MandatoryExpiry,
		ElevatedExpiry:      cfg.Approval.ElevatedExpiry,
		StandardExpiry:      cfg.Approval.StandardExpiry,
	}
}

func redactionFromConfig(cfg *config.Config) ledger.RedactionConfig {
	rc := ledger.DefaultRedactionConfig()
	if len(cfg.Redaction.FieldKeywords) > 0 {
		rc.FieldKeywords = cfg.Redaction.FieldKeywords
	}
	if len(cfg.Redaction.ValuePatterns) > 0 {
		rc.ValuePatterns = cfg.Redaction.ValuePatterns
	}
	if cfg.Redaction.Replacement != "" {
		rc.Replacement = cfg.Redaction.Replacement
	}
	return rc
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
