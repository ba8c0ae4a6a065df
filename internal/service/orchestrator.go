// Package service contains the lifecycle orchestrator, the application
// layer that drives proposals from intake through decision, approval,
// execution, and undo.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaperone-dev/chaperone/internal/domain/approval"
	"github.com/chaperone-dev/chaperone/internal/domain/auth"
	"github.com/chaperone-dev/chaperone/internal/domain/canonical"
	"github.com/chaperone-dev/chaperone/internal/domain/cartridge"
	"github.com/chaperone-dev/chaperone/internal/domain/competence"
	"github.com/chaperone-dev/chaperone/internal/domain/entity"
	"github.com/chaperone-dev/chaperone/internal/domain/envelope"
	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/identity"
	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
	"github.com/chaperone-dev/chaperone/internal/domain/policy"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// Orchestrator-boundary errors. Business denials are not errors; they
// live in the decision trace.
var (
	ErrRateLimited     = errors.New("proposal rate limit exceeded")
	ErrNotExecutable   = errors.New("envelope is not in an executable state")
	ErrNoUndoAvailable = errors.New("no undo recipe available")
	ErrUndoExpired     = errors.New("undo window has expired")
)

// compositeWindow bounds how far back recent activity counts toward the
// composite-risk context.
const compositeWindow = 60 * time.Minute

// Orchestrator wires the domain packages into the five public entry
// points. Every method is one logical transaction.
type Orchestrator struct {
	envelopes  envelope.Store
	approvals  approval.Store
	identities identity.Store
	policies   policy.Store
	registry   *cartridge.Registry
	state      guardrail.StateStore
	ledger     *ledger.Ledger
	engine     *policy.Engine
	tracker    *competence.Tracker
	limiter    guardrail.ProposalLimiter
	keys       *auth.KeyService
	routing    approval.RoutingConfig
	riskCfg    risk.Config
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	// approvalLocks serializes responses per approval request so
	// concurrent responders resolve first-wins.
	approvalLocks sync.Map
}

// Deps are the orchestrator's collaborators. Limiter, Keys, and Metrics
// are optional.
type Deps struct {
	Envelopes  envelope.Store
	Approvals  approval.Store
	Identities identity.Store
	Policies   policy.Store
	Registry   *cartridge.Registry
	State      guardrail.StateStore
	Ledger     *ledger.Ledger
	Engine     *policy.Engine
	Tracker    *competence.Tracker
	Limiter    guardrail.ProposalLimiter
	Keys       *auth.KeyService
	Routing    approval.RoutingConfig
	RiskConfig risk.Config
	Metrics    *Metrics
	Logger     *slog.Logger
}

// NewOrchestrator builds an orchestrator from its collaborators.
func NewOrchestrator(d Deps) *Orchestrator {
	cfg := d.RiskConfig
	if cfg.CategoryThresholds == ([4]float64{}) {
		cfg = risk.DefaultConfig()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		envelopes:  d.Envelopes,
		approvals:  d.Approvals,
		identities: d.Identities,
		policies:   d.Policies,
		registry:   d.Registry,
		state:      d.State,
		ledger:     d.Ledger,
		engine:     d.Engine,
		tracker:    d.Tracker,
		limiter:    d.Limiter,
		keys:       d.Keys,
		routing:    d.Routing,
		riskCfg:    cfg,
		metrics:    d.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// ProposeParams is the intake shape of one intended action.
type ProposeParams struct {
	PrincipalID    string
	OrganizationID string
	// CartridgeID may be empty; the registry then infers it from the
	// action type prefix.
	CartridgeID      string
	ActionType       string
	Parameters       map[string]any
	Evidence         string
	Confidence       float64
	OriginalMessage  string
	ConversationID   string
	ParentEnvelopeID string
	Metadata         map[string]any
}

// evaluation is everything one pipeline run produces, shared between
// Propose and Simulate so both see identical traces.
type evaluation struct {
	cart       cartridge.Cartridge
	resolved   identity.Resolved
	riskInput  risk.Input
	guardrails guardrail.Guardrails
	gstate     *guardrail.State
	trace      policy.DecisionTrace
	ectx       policy.EvaluationContext
	parameters map[string]any
	entityID   string
}

// Propose runs the full intake pipeline and persists the outcome.
func (o *Orchestrator) Propose(ctx context.Context, p ProposeParams) (*envelope.Envelope, error) {
	if o.limiter != nil {
		if res := o.limiter.Allow(ctx, p.PrincipalID); !res.Allowed {
			if o.metrics != nil {
				o.metrics.ProposalsTotal.WithLabelValues("rate_limited").Inc()
			}
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, res.RetryAfter)
		}
	}

	ev, err := o.evaluate(ctx, p)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	env := &envelope.Envelope{
		ID:               uuid.NewString(),
		Version:          1,
		OriginalMessage:  p.OriginalMessage,
		ConversationID:   p.ConversationID,
		PrincipalID:      p.PrincipalID,
		CartridgeID:      ev.cart.ID(),
		OrganizationID:   p.OrganizationID,
		Status:           envelope.StatusProposed,
		ParentEnvelopeID: p.ParentEnvelopeID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Traces:           []policy.DecisionTrace{ev.trace},
		Proposals: []envelope.Proposal{{
			ID:         uuid.NewString(),
			ActionType: p.ActionType,
			Parameters: ev.parameters,
			Evidence:   p.Evidence,
			Confidence: p.Confidence,
		}},
	}

	outcome, err := o.settleProposed(ctx, env, ev, now)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ProposalsTotal.WithLabelValues(outcome).Inc()
		o.recordGuardrailDenials(ev.trace)
	}

	// Observe envelopes settle approved but never execute; the trace is
	// the whole product of an observe run.
	if env.Status == envelope.StatusApproved && ev.resolved.Profile != identity.ProfileObserve {
		if err := o.ExecuteApproved(ctx, env.ID); err != nil {
			return nil, err
		}
		return o.envelopes.GetEnvelope(ctx, env.ID)
	}
	return env, nil
}

// settleProposed decides the envelope's first transition, persists it,
// and records the intake audit entries. Returns the metrics outcome.
func (o *Orchestrator) settleProposed(ctx context.Context, env *envelope.Envelope, ev *evaluation, now time.Time) (string, error) {
	trace := ev.trace
	observe := ev.resolved.Profile == identity.ProfileObserve

	var outcome string
	switch {
	case observe:
		// Observe mode never blocks and never raises approvals; the
		// trace is still recorded for visibility.
		if err := env.Transition(envelope.StatusApproved, now); err != nil {
			return "", err
		}
		outcome = "approved"
	case trace.Denied:
		if err := env.Transition(envelope.StatusDenied, now); err != nil {
			return "", err
		}
		outcome = "denied"
	case trace.ApprovalLevel != identity.ApprovalNone:
		req, deny, err := o.raiseApproval(env, ev, now)
		if err != nil {
			return "", err
		}
		if deny {
			if err := env.Transition(envelope.StatusDenied, now); err != nil {
				return "", err
			}
			outcome = "denied"
			break
		}
		if err := env.Transition(envelope.StatusPendingApproval, now); err != nil {
			return "", err
		}
		env.ApprovalIDs = append(env.ApprovalIDs, req.ID)
		if err := o.approvals.SaveRequest(ctx, req); err != nil {
			return "", fmt.Errorf("save approval request: %w", err)
		}
		if o.metrics != nil {
			o.metrics.PendingApprovals.Inc()
		}
		outcome = "pending_approval"
	default:
		if err := env.Transition(envelope.StatusApproved, now); err != nil {
			return "", err
		}
		outcome = "approved"
	}

	if err := o.envelopes.SaveEnvelope(ctx, env); err != nil {
		return "", fmt.Errorf("save envelope: %w", err)
	}

	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType:    ledger.EventActionProposed,
		ActorID:      env.PrincipalID,
		ActorType:    ledger.ActorAgent,
		EntityID:     ev.entityID,
		RiskCategory: trace.RiskScore.Category,
		Snapshot: map[string]any{
			"actionType":    env.Proposals[0].ActionType,
			"parameters":    env.Proposals[0].Parameters,
			"riskScore":     trace.RiskScore.Raw,
			"approvalLevel": string(trace.ApprovalLevel),
			"profile":       string(ev.resolved.Profile),
		},
		Summary: fmt.Sprintf("%s proposed %s", env.PrincipalID, env.Proposals[0].ActionType),
	}); err != nil {
		return "", err
	}

	if env.Status == envelope.StatusDenied {
		if err := o.audit(ctx, env, ledger.RecordParams{
			EventType:    ledger.EventActionDenied,
			ActorID:      "chaperone",
			ActorType:    ledger.ActorSystem,
			EntityID:     ev.entityID,
			RiskCategory: trace.RiskScore.Category,
			Snapshot:     map[string]any{"explanation": trace.Explanation},
			Summary:      trace.Explanation,
		}); err != nil {
			return "", err
		}
	}

	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return "", fmt.Errorf("update envelope: %w", err)
	}

	o.logger.Info("proposal settled",
		"envelope", env.ID,
		"principal", env.PrincipalID,
		"action_type", env.Proposals[0].ActionType,
		"status", string(env.Status),
		"risk", trace.RiskScore.Raw,
	)
	return outcome, nil
}

// SimulateResult is the outcome of a dry run.
type SimulateResult struct {
	Trace policy.DecisionTrace `json:"trace"`
	// WouldExecute reports whether the proposal would run without any
	// human involvement.
	WouldExecute bool `json:"wouldExecute"`
}

// Simulate runs the evaluation pipeline without persisting anything:
// no envelope, no audit entry, no guardrail mutation.
func (o *Orchestrator) Simulate(ctx context.Context, p ProposeParams) (*SimulateResult, error) {
	ev, err := o.evaluate(ctx, p)
	if err != nil {
		return nil, err
	}
	return &SimulateResult{
		Trace:        ev.trace,
		WouldExecute: ev.trace.Allowed() || ev.resolved.Profile == identity.ProfileObserve,
	}, nil
}

// evaluate runs steps 1-8 of the intake pipeline.
func (o *Orchestrator) evaluate(ctx context.Context, p ProposeParams) (*evaluation, error) {
	cart, err := o.registry.Resolve(p.CartridgeID, p.ActionType)
	if err != nil {
		return nil, err
	}

	if _, err := o.identities.GetPrincipal(ctx, p.PrincipalID); err != nil {
		return nil, err
	}
	spec, err := o.identities.GetSpecByPrincipalID(ctx, p.PrincipalID)
	if err != nil {
		if !errors.Is(err, identity.ErrSpecNotFound) {
			return nil, err
		}
		// A principal without a spec gets the guarded defaults.
		spec = &identity.Spec{PrincipalID: p.PrincipalID}
	}
	overlays, err := o.identities.ListOverlaysBySpecID(ctx, p.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("list overlays: %w", err)
	}

	var records []*competence.Record
	if o.tracker != nil {
		rec, err := o.tracker.Adjustment(ctx, p.PrincipalID, p.ActionType)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}

	now := o.now().UTC()
	cctx := cartridge.Context{
		PrincipalID:    p.PrincipalID,
		OrganizationID: p.OrganizationID,
		Metadata:       p.Metadata,
	}

	riskInput, err := cart.RiskInput(ctx, p.ActionType, p.Parameters, cctx)
	if err != nil {
		// Fail closed: an unratable action is treated as the worst case.
		o.logger.Warn("risk input failed, assuming worst case", "cartridge", cart.ID(), "error", err)
		riskInput = risk.Input{BaseRisk: risk.CategoryCritical, Reversibility: risk.ReversibilityNone}
	}

	metadata, err := cart.EnrichContext(ctx, p.ActionType, p.Parameters, cctx)
	if err != nil {
		o.logger.Warn("context enrichment failed, proceeding without", "cartridge", cart.ID(), "error", err)
		metadata = nil
	}
	for k, v := range p.Metadata {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		if _, exists := metadata[k]; !exists {
			metadata[k] = v
		}
	}

	resolved := identity.Resolve(spec, overlays, identity.ActivationContext{
		CartridgeID: cart.ID(),
		Now:         now,
		Metadata:    metadata,
	}, records)

	params := make(map[string]any, len(p.Parameters)+2)
	for k, v := range p.Parameters {
		params[k] = v
	}
	params[envelope.ParamPrincipalID] = p.PrincipalID
	params[envelope.ParamCartridgeID] = cart.ID()

	entityID := policy.EntityIDFromParameters(params)
	rails := cart.Guardrails()
	gstate, err := guardrail.Hydrate(ctx, o.state, rails, p.ActionType, entityID)
	if err != nil {
		return nil, err
	}

	pols, err := o.policies.ListActivePolicies(ctx, cart.ID())
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	composite, err := o.compositeContext(ctx, p.PrincipalID, now)
	if err != nil {
		return nil, err
	}
	spend, err := o.spendLookup(ctx, p.PrincipalID, now)
	if err != nil {
		return nil, err
	}

	ectx := policy.EvaluationContext{
		ActionType:     p.ActionType,
		Parameters:     params,
		CartridgeID:    cart.ID(),
		PrincipalID:    p.PrincipalID,
		OrganizationID: p.OrganizationID,
		RiskCategory:   riskInput.BaseRisk,
		Metadata:       metadata,
	}

	start := o.now()
	trace := o.engine.Evaluate(ctx, ectx, policy.EngineContext{
		Policies:       pols,
		Guardrails:     rails,
		GuardrailState: gstate,
		Identity:       resolved,
		RiskInput:      riskInput,
		RiskConfig:     o.riskCfg,
		SpendLookup:    spend,
		Composite:      composite,
		Competence:     records,
		Now:            now,
	})
	if o.metrics != nil {
		o.metrics.EvaluationSeconds.Observe(o.now().Sub(start).Seconds())
	}

	finalParams := params
	if trace.ModifiedParameters != nil {
		finalParams = trace.ModifiedParameters
	}

	return &evaluation{
		cart:       cart,
		resolved:   resolved,
		riskInput:  riskInput,
		guardrails: rails,
		gstate:     gstate,
		trace:      trace,
		ectx:       ectx,
		parameters: finalParams,
		entityID:   entityID,
	}, nil
}

// raiseApproval builds the approval request for a pending envelope.
// deny is set when routing cannot name an approver and the config says
// to fail closed.
func (o *Orchestrator) raiseApproval(env *envelope.Envelope, ev *evaluation, now time.Time) (*approval.Request, bool, error) {
	routing := approval.Route(o.routing, ev.trace.ApprovalLevel)
	if routing.Deny {
		o.logger.Warn("no approver available, failing closed", "envelope", env.ID, "level", string(ev.trace.ApprovalLevel))
		return nil, true, nil
	}

	traceHash, err := canonical.Hash(ev.trace)
	if err != nil {
		return nil, false, fmt.Errorf("hash decision trace: %w", err)
	}
	snapshotHash, err := canonical.Hash(ev.ectx)
	if err != nil {
		return nil, false, fmt.Errorf("hash context snapshot: %w", err)
	}

	proposal := env.Proposals[0]
	binding, err := approval.ComputeBindingHash(approval.BindingInput{
		EnvelopeID:          env.ID,
		EnvelopeVersion:     env.Version,
		ActionID:            proposal.ID,
		Parameters:          proposal.Parameters,
		DecisionTraceHash:   traceHash,
		ContextSnapshotHash: snapshotHash,
	})
	if err != nil {
		return nil, false, err
	}

	buttons := []approval.Button{
		{Label: "Approve", Response: approval.ResponseApprove},
		{Label: "Reject", Response: approval.ResponseReject},
	}
	req := &approval.Request{
		ID:           uuid.NewString(),
		ActionID:     proposal.ID,
		EnvelopeID:   env.ID,
		Summary:      ev.trace.Explanation,
		RiskCategory: ev.trace.RiskScore.Category,
		BindingHash:  binding,
		Evidence: map[string]any{
			"actionType": proposal.ActionType,
			"riskScore":  ev.trace.RiskScore.Raw,
			"factors":    ev.trace.RiskScore.Factors,
		},
		Buttons:         buttons,
		ApproverIDs:     routing.ApproverIDs,
		FallbackID:      routing.FallbackID,
		Status:          approval.StatusPending,
		ExpiresAt:       now.Add(routing.Expiry),
		ExpiredBehavior: routing.ExpiredBehavior,
		CreatedAt:       now,
	}
	return req, false, nil
}

// RespondParams carries one approval response.
type RespondParams struct {
	ApprovalID  string
	Response    approval.Response
	RespondedBy string
	// BindingHash must byte-equal the stored hash for approve and patch.
	BindingHash string
	// Patch applies when Response is patch.
	Patch map[string]any
	// APIKey optionally authenticates the responder when key material
	// is configured.
	APIKey string
}

// RespondToApproval processes one response under a per-approval lock.
func (o *Orchestrator) RespondToApproval(ctx context.Context, p RespondParams) (*envelope.Envelope, error) {
	lockAny, _ := o.approvalLocks.LoadOrStore(p.ApprovalID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	req, err := o.approvals.GetRequest(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}
	env, err := o.envelopes.GetEnvelope(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()

	if req.IsExpired(now) {
		return o.expireApproval(ctx, req, env, now)
	}
	if req.Status != approval.StatusPending {
		return nil, approval.ErrNotPending
	}

	if p.Response == approval.ResponseApprove || p.Response == approval.ResponsePatch {
		if !approval.VerifyBindingHash(req.BindingHash, p.BindingHash) {
			if err := o.audit(ctx, env, ledger.RecordParams{
				EventType: ledger.EventActionRejected,
				ActorID:   p.RespondedBy,
				ActorType: ledger.ActorUser,
				Snapshot:  map[string]any{"reason": "binding hash mismatch", "approvalId": req.ID},
				Summary:   "stale approval response discarded",
			}); err != nil {
				return nil, err
			}
			_ = o.envelopes.UpdateEnvelope(ctx, env)
			return nil, approval.ErrStaleBinding
		}
	}

	if err := o.authorizeResponder(ctx, req, env, p, now); err != nil {
		return nil, err
	}

	switch p.Response {
	case approval.ResponseReject:
		return o.rejectApproval(ctx, req, env, p.RespondedBy, now)
	case approval.ResponsePatch:
		return o.patchApproval(ctx, req, env, p, now)
	case approval.ResponseApprove:
		return o.approveAndExecute(ctx, req, env, p.RespondedBy, now)
	default:
		return nil, approval.ErrUnknownResponse
	}
}

func (o *Orchestrator) expireApproval(ctx context.Context, req *approval.Request, env *envelope.Envelope, now time.Time) (*envelope.Envelope, error) {
	if err := req.Expire(); err != nil {
		return nil, err
	}
	if err := o.approvals.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}
	if err := env.Transition(envelope.StatusExpired, now); err != nil {
		return nil, err
	}
	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: ledger.EventActionExpired,
		ActorID:   "chaperone",
		ActorType: ledger.ActorSystem,
		Snapshot:  map[string]any{"approvalId": req.ID, "expiredBehavior": string(req.ExpiredBehavior)},
		Summary:   "approval window lapsed",
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("update envelope: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		o.metrics.PendingApprovals.Dec()
	}

	// Escalate offers a fresh proposal of the same action. The re-proposal
	// runs the full pipeline again, so it gets current risk and a new
	// approval request; the lapsed envelope stays expired.
	if req.ExpiredBehavior == approval.ExpiredEscalate && len(env.Proposals) > 0 {
		p := env.Proposals[0]
		if _, err := o.Propose(ctx, ProposeParams{
			PrincipalID:      env.PrincipalID,
			OrganizationID:   env.OrganizationID,
			CartridgeID:      env.CartridgeID,
			ActionType:       p.ActionType,
			Parameters:       stripHidden(p.Parameters),
			Evidence:         p.Evidence,
			Confidence:       p.Confidence,
			ConversationID:   env.ConversationID,
			ParentEnvelopeID: env.ID,
		}); err != nil {
			o.logger.Error("re-propose after expiry", "envelope", env.ID, "error", err)
		}
	}
	return env, approval.ErrExpired
}

// authorizeResponder checks the optional API key and the delegation
// chain, auditing multi-hop chains.
func (o *Orchestrator) authorizeResponder(ctx context.Context, req *approval.Request, env *envelope.Envelope, p RespondParams, now time.Time) error {
	if o.keys != nil && p.APIKey != "" {
		principalID, err := o.keys.Validate(ctx, p.APIKey)
		if err != nil {
			return fmt.Errorf("%w: %v", approval.ErrNotAuthorized, err)
		}
		if principalID != p.RespondedBy {
			return fmt.Errorf("%w: key belongs to a different principal", approval.ErrNotAuthorized)
		}
	}

	responder, err := o.identities.GetPrincipal(ctx, p.RespondedBy)
	if err != nil {
		return fmt.Errorf("%w: %v", approval.ErrNotAuthorized, err)
	}
	delegations, err := o.identities.ListDelegationRules(ctx)
	if err != nil {
		return fmt.Errorf("list delegation rules: %w", err)
	}

	approverIDs := req.ApproverIDs
	if req.FallbackID != "" {
		approverIDs = append(append([]string(nil), approverIDs...), req.FallbackID)
	}
	actionType := env.Proposals[0].ActionType

	result := approval.CanApproveWithChain(responder, approverIDs, delegations, actionType, now)
	if !result.Authorized {
		o.logger.Warn("unauthorized approval response",
			"approval", req.ID, "responder", p.RespondedBy)
		return approval.ErrNotAuthorized
	}
	if result.Depth > 1 {
		if err := o.audit(ctx, env, ledger.RecordParams{
			EventType: ledger.EventDelegationChain,
			ActorID:   p.RespondedBy,
			ActorType: ledger.ActorUser,
			Snapshot:  map[string]any{"chain": result.Chain, "depth": result.Depth, "approvalId": req.ID},
			Summary:   fmt.Sprintf("approval authority resolved through %d delegation hops", result.Depth),
		}); err != nil {
			return err
		}
		_ = o.envelopes.UpdateEnvelope(ctx, env)
	}
	return nil
}

func (o *Orchestrator) rejectApproval(ctx context.Context, req *approval.Request, env *envelope.Envelope, respondedBy string, now time.Time) (*envelope.Envelope, error) {
	if err := req.Transition(approval.ResponseReject, respondedBy, now); err != nil {
		return nil, err
	}
	if err := o.approvals.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}
	if err := env.Transition(envelope.StatusDenied, now); err != nil {
		return nil, err
	}
	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: ledger.EventActionRejected,
		ActorID:   respondedBy,
		ActorType: ledger.ActorUser,
		Snapshot:  map[string]any{"approvalId": req.ID},
		Summary:   fmt.Sprintf("%s rejected the action", respondedBy),
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("update envelope: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ApprovalsTotal.WithLabelValues("reject").Inc()
		o.metrics.PendingApprovals.Dec()
	}
	return env, nil
}

// patchApproval applies the patch, re-runs the full pipeline against
// the patched parameters, and either denies or continues as approve.
func (o *Orchestrator) patchApproval(ctx context.Context, req *approval.Request, env *envelope.Envelope, p RespondParams, now time.Time) (*envelope.Envelope, error) {
	original := env.Proposals[0]
	patched := approval.ApplyPatch(original.Parameters, p.Patch)
	proposal := original
	proposal.Parameters = patched
	env.MutateProposals([]envelope.Proposal{proposal}, now)

	if err := req.Transition(approval.ResponsePatch, p.RespondedBy, now); err != nil {
		return nil, err
	}
	if err := o.approvals.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ApprovalsTotal.WithLabelValues("patch").Inc()
		o.metrics.PendingApprovals.Dec()
	}

	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: ledger.EventActionPatched,
		ActorID:   p.RespondedBy,
		ActorType: ledger.ActorUser,
		Snapshot:  map[string]any{"patch": p.Patch, "approvalId": req.ID, "envelopeVersion": env.Version},
		Summary:   fmt.Sprintf("%s patched the action parameters", p.RespondedBy),
	}); err != nil {
		return nil, err
	}

	ev, err := o.evaluate(ctx, ProposeParams{
		PrincipalID:    env.PrincipalID,
		OrganizationID: env.OrganizationID,
		CartridgeID:    env.CartridgeID,
		ActionType:     proposal.ActionType,
		Parameters:     stripHidden(patched),
	})
	if err != nil {
		return nil, err
	}
	env.Traces = append(env.Traces, ev.trace)

	if ev.trace.Denied {
		if err := env.Transition(envelope.StatusDenied, now); err != nil {
			return nil, err
		}
		if err := o.audit(ctx, env, ledger.RecordParams{
			EventType: ledger.EventActionDenied,
			ActorID:   "chaperone",
			ActorType: ledger.ActorSystem,
			Snapshot:  map[string]any{"explanation": ev.trace.Explanation},
			Summary:   ev.trace.Explanation,
		}); err != nil {
			return nil, err
		}
		if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
			return nil, fmt.Errorf("update envelope: %w", err)
		}
		return env, nil
	}

	return o.approveAndExecute(ctx, nil, env, p.RespondedBy, now)
}

// approveAndExecute transitions to approved and runs the execution. req
// is nil when the approval was already settled (patch path).
func (o *Orchestrator) approveAndExecute(ctx context.Context, req *approval.Request, env *envelope.Envelope, respondedBy string, now time.Time) (*envelope.Envelope, error) {
	if req != nil {
		if err := req.Transition(approval.ResponseApprove, respondedBy, now); err != nil {
			return nil, err
		}
		if err := o.approvals.SaveRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("save approval request: %w", err)
		}
		if o.metrics != nil {
			o.metrics.ApprovalsTotal.WithLabelValues("approve").Inc()
			o.metrics.PendingApprovals.Dec()
		}
	}

	if err := env.Transition(envelope.StatusApproved, now); err != nil {
		return nil, err
	}
	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: ledger.EventActionApproved,
		ActorID:   respondedBy,
		ActorType: ledger.ActorUser,
		Summary:   fmt.Sprintf("%s approved the action", respondedBy),
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("update envelope: %w", err)
	}

	if err := o.ExecuteApproved(ctx, env.ID); err != nil {
		return nil, err
	}
	return o.envelopes.GetEnvelope(ctx, env.ID)
}

// ExecuteApproved runs every proposal of an approved envelope through
// its cartridge.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, envelopeID string) error {
	env, err := o.envelopes.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.Status != envelope.StatusApproved {
		return fmt.Errorf("%w: %s", ErrNotExecutable, env.Status)
	}

	now := o.now().UTC()
	if err := env.Transition(envelope.StatusExecuting, now); err != nil {
		return err
	}
	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: ledger.EventActionExecuting,
		ActorID:   "chaperone",
		ActorType: ledger.ActorSystem,
		Summary:   fmt.Sprintf("executing %s", env.Proposals[0].ActionType),
	}); err != nil {
		return err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}

	allSucceeded := true
	for _, proposal := range env.Proposals {
		result := o.executeProposal(ctx, env, proposal)
		env.Executions = append(env.Executions, envelope.ExecutionRecord{
			ActionID:   proposal.ID,
			Result:     result,
			ExecutedAt: o.now().UTC(),
		})
		if !result.Success {
			allSucceeded = false
		}
	}

	now = o.now().UTC()
	finalStatus := envelope.StatusExecuted
	event := ledger.EventActionExecuted
	if !allSucceeded {
		finalStatus = envelope.StatusFailed
		event = ledger.EventActionFailed
	}
	if err := env.Transition(finalStatus, now); err != nil {
		return err
	}

	last := env.Executions[len(env.Executions)-1].Result
	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType: event,
		ActorID:   "chaperone",
		ActorType: ledger.ActorSystem,
		Snapshot: map[string]any{
			"summary":           last.Summary,
			"externalRefs":      last.ExternalRefs,
			"rollbackAvailable": last.RollbackAvailable,
			"partialFailures":   last.PartialFailures,
		},
		Summary: last.Summary,
	}); err != nil {
		// The cartridge already ran; keep the execution record even
		// though the outcome entry could not be appended.
		_ = o.envelopes.UpdateEnvelope(ctx, env)
		return err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ExecutionsTotal.WithLabelValues(string(finalStatus)).Inc()
	}
	return nil
}

// executeProposal runs one proposal and settles its guardrail and
// competence side effects. Cartridge errors become failed results, not
// errors: execution failure is an outcome.
func (o *Orchestrator) executeProposal(ctx context.Context, env *envelope.Envelope, proposal envelope.Proposal) cartridge.ExecuteResult {
	cart, err := o.registry.Resolve(env.CartridgeID, proposal.ActionType)
	if err != nil {
		return cartridge.ExecuteResult{
			Success:         false,
			Summary:         err.Error(),
			PartialFailures: []cartridge.PartialFailure{{Step: "resolve", Reason: err.Error()}},
		}
	}

	params := make(map[string]any, len(proposal.Parameters)+2)
	for k, v := range proposal.Parameters {
		params[k] = v
	}
	params[envelope.ParamEnvelopeID] = env.ID
	params[envelope.ParamActionID] = proposal.ID

	cctx := cartridge.Context{
		PrincipalID:    env.PrincipalID,
		OrganizationID: env.OrganizationID,
		EnvelopeID:     env.ID,
		ActionID:       proposal.ID,
	}

	if capturer, ok := cart.(cartridge.SnapshotCapturer); ok {
		if snap, err := capturer.CaptureSnapshot(ctx, proposal.ActionType, params, cctx); err != nil {
			o.logger.Warn("pre-execution snapshot failed", "cartridge", cart.ID(), "error", err)
		} else if len(snap) > 0 {
			if err := o.audit(ctx, env, ledger.RecordParams{
				EventType: ledger.EventActionExecuting,
				ActorID:   "chaperone",
				ActorType: ledger.ActorSystem,
				Snapshot:  map[string]any{"preExecutionState": snap},
				Summary:   "pre-execution snapshot captured",
			}); err != nil {
				return cartridge.ExecuteResult{
					Success:         false,
					Summary:         err.Error(),
					PartialFailures: []cartridge.PartialFailure{{Step: "audit", Reason: err.Error()}},
				}
			}
		}
	}

	start := o.now()
	result, execErr := cart.Execute(ctx, proposal.ActionType, params, cctx)
	if execErr != nil {
		result = cartridge.ExecuteResult{
			Success:         false,
			Summary:         execErr.Error(),
			Duration:        o.now().Sub(start),
			PartialFailures: []cartridge.PartialFailure{{Step: "execute", Reason: execErr.Error()}},
		}
	}
	if result.Duration == 0 {
		result.Duration = o.now().Sub(start)
	}

	entityID := policy.EntityIDFromParameters(proposal.Parameters)
	if result.Success {
		o.settleGuardrails(ctx, cart, proposal.ActionType, entityID)
		if o.tracker != nil {
			if _, err := o.tracker.RecordSuccess(ctx, env.PrincipalID, proposal.ActionType); err != nil {
				o.logger.Error("record competence success", "error", err)
			}
		}
	} else if o.tracker != nil {
		if _, err := o.tracker.RecordFailure(ctx, env.PrincipalID, proposal.ActionType); err != nil {
			o.logger.Error("record competence failure", "error", err)
		}
	}
	return result
}

// settleGuardrails increments counters and stamps cooldowns after a
// successful execution. Failures never mutate guardrail state.
func (o *Orchestrator) settleGuardrails(ctx context.Context, cart cartridge.Cartridge, actionType, entityID string) {
	rails := cart.Guardrails()
	state, err := guardrail.Hydrate(ctx, o.state, rails, actionType, entityID)
	if err != nil {
		o.logger.Error("guardrail hydrate after execute", "error", err)
		return
	}
	state.Apply(rails, actionType, entityID, o.now().UTC())
	if err := guardrail.Flush(ctx, o.state, state, rails); err != nil {
		o.logger.Error("guardrail flush after execute", "error", err)
	}
}

// RequestUndo proposes the reverse action of an executed envelope. The
// undo is re-evaluated like any other proposal.
func (o *Orchestrator) RequestUndo(ctx context.Context, envelopeID, requestedBy string) (*envelope.Envelope, error) {
	env, err := o.envelopes.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}

	var recipe *cartridge.UndoRecipe
	var originalActionType string
	for i := len(env.Executions) - 1; i >= 0; i-- {
		if r := env.Executions[i].Result.UndoRecipe; r != nil {
			recipe = r
			for _, p := range env.Proposals {
				if p.ID == env.Executions[i].ActionID {
					originalActionType = p.ActionType
				}
			}
			break
		}
	}
	if recipe == nil {
		return nil, ErrNoUndoAvailable
	}

	now := o.now().UTC()
	if !recipe.UndoExpiresAt.IsZero() && now.After(recipe.UndoExpiresAt) {
		return nil, ErrUndoExpired
	}

	if err := o.audit(ctx, env, ledger.RecordParams{
		EventType:    ledger.EventActionUndoRequested,
		ActorID:      requestedBy,
		ActorType:    ledger.ActorUser,
		RiskCategory: recipe.UndoRiskCategory,
		Snapshot: map[string]any{
			"reverseActionType": recipe.ReverseActionType,
			"originalActionId":  recipe.OriginalActionID,
		},
		Summary: fmt.Sprintf("undo of %s requested", originalActionType),
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("update envelope: %w", err)
	}

	if o.tracker != nil && originalActionType != "" {
		if _, err := o.tracker.RecordRollback(ctx, env.PrincipalID, originalActionType); err != nil {
			o.logger.Error("record competence rollback", "error", err)
		}
	}

	return o.Propose(ctx, ProposeParams{
		PrincipalID:      env.PrincipalID,
		OrganizationID:   env.OrganizationID,
		CartridgeID:      env.CartridgeID,
		ActionType:       recipe.ReverseActionType,
		Parameters:       stripHidden(recipe.ReverseParameters),
		ParentEnvelopeID: env.ID,
	})
}

// ResolveOutcome is what ResolveAndPropose returns: either a proposal
// outcome or a clarification request.
type ResolveOutcome struct {
	Entity   entity.Outcome
	Envelope *envelope.Envelope
}

// ResolveAndPropose resolves entity references through the cartridge,
// then proposes with the rewritten parameters.
func (o *Orchestrator) ResolveAndPropose(ctx context.Context, p ProposeParams, refs []entity.Ref) (*ResolveOutcome, error) {
	cart, err := o.registry.Resolve(p.CartridgeID, p.ActionType)
	if err != nil {
		return nil, err
	}
	resolver, ok := cart.(cartridge.EntityResolver)
	if !ok {
		return nil, fmt.Errorf("cartridge %s does not resolve entities", cart.ID())
	}

	cctx := cartridge.Context{PrincipalID: p.PrincipalID, OrganizationID: p.OrganizationID, Metadata: p.Metadata}
	outcome, err := entity.Resolve(ctx, resolver, refs, p.Parameters, cctx)
	if err != nil {
		return nil, err
	}
	if outcome.NeedsClarification || outcome.NotFound {
		return &ResolveOutcome{Entity: outcome}, nil
	}

	p.Parameters = outcome.Parameters
	env, err := o.Propose(ctx, p)
	if err != nil {
		return nil, err
	}

	for _, r := range outcome.Resolutions {
		env.ResolvedEntities = append(env.ResolvedEntities, envelope.ResolvedEntity{
			InputRef:   r.Ref.InputRef,
			EntityType: r.Ref.EntityType,
			ResolvedID: r.ResolvedID,
			Name:       r.Name,
		})
	}
	if err := o.envelopes.UpdateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("update envelope: %w", err)
	}
	return &ResolveOutcome{Entity: outcome, Envelope: env}, nil
}

// NewCompetenceAuditHook returns a transition callback that records
// competence trust and deny flips on the ledger.
func NewCompetenceAuditHook(led *ledger.Ledger, logger *slog.Logger) competence.TransitionFunc {
	return func(ctx context.Context, rec *competence.Record, field string, value bool) {
		_, err := led.Record(ctx, ledger.RecordParams{
			EventType: ledger.EventCompetenceShift,
			ActorID:   rec.PrincipalID,
			ActorType: ledger.ActorSystem,
			Snapshot: map[string]any{
				"actionType": rec.ActionType,
				"field":      field,
				"value":      value,
				"score":      rec.Score,
			},
			Summary: fmt.Sprintf("competence %s for %s is now %t", field, rec.ActionType, value),
		})
		if err != nil {
			logger.Error("record competence transition", "error", err)
		}
	}
}

// audit records one ledger entry for an envelope and tracks the entry
// ID on the envelope. A ledger append failure is fatal: the pipeline
// must not advance an action the ledger could not witness.
func (o *Orchestrator) audit(ctx context.Context, env *envelope.Envelope, p ledger.RecordParams) error {
	p.EnvelopeID = env.ID
	p.OrganizationID = env.OrganizationID
	entry, err := o.ledger.Record(ctx, p)
	if err != nil {
		o.logger.Error("ledger append failed", "envelope", env.ID, "event", string(p.EventType), "error", err)
		return fmt.Errorf("ledger append %s: %w", string(p.EventType), err)
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	if o.metrics != nil {
		o.metrics.LedgerAppends.Inc()
	}
	return nil
}

// compositeContext summarizes this principal's recent activity for the
// composite-risk bump.
func (o *Orchestrator) compositeContext(ctx context.Context, principalID string, now time.Time) (*risk.CompositeContext, error) {
	recent, err := o.envelopes.ListEnvelopes(ctx, envelope.Filter{
		PrincipalID: principalID,
		Since:       now.Add(-compositeWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("list recent envelopes: %w", err)
	}
	if len(recent) == 0 {
		return nil, nil
	}

	cc := &risk.CompositeContext{Window: compositeWindow}
	entities := make(map[string]struct{})
	cartridges := make(map[string]struct{})
	for _, e := range recent {
		cc.RecentActionCount++
		cartridges[e.CartridgeID] = struct{}{}
		for _, pr := range e.Proposals {
			if amount, ok := amountOf(pr.Parameters); ok {
				cc.CumulativeDollars += amount
			}
			if id := policy.EntityIDFromParameters(pr.Parameters); id != "" {
				entities[id] = struct{}{}
			}
		}
	}
	cc.DistinctEntities = len(entities)
	cc.DistinctCartridges = len(cartridges)
	return cc, nil
}

// spendLookup sums executed spend for the windowed limits.
func (o *Orchestrator) spendLookup(ctx context.Context, principalID string, now time.Time) (*policy.SpendLookup, error) {
	executed, err := o.envelopes.ListEnvelopes(ctx, envelope.Filter{
		PrincipalID: principalID,
		Status:      envelope.StatusExecuted,
		Since:       now.AddDate(0, -1, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("list executed envelopes: %w", err)
	}
	if len(executed) == 0 {
		return nil, nil
	}

	lookup := &policy.SpendLookup{}
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	for _, e := range executed {
		for _, pr := range e.Proposals {
			amount, ok := amountOf(pr.Parameters)
			if !ok {
				continue
			}
			lookup.MonthlySpend += amount
			if e.CreatedAt.After(weekAgo) {
				lookup.WeeklySpend += amount
			}
			if e.CreatedAt.After(dayAgo) {
				lookup.DailySpend += amount
			}
		}
	}
	return lookup, nil
}

func (o *Orchestrator) recordGuardrailDenials(trace policy.DecisionTrace) {
	for _, c := range trace.Checks {
		if !c.Matched {
			continue
		}
		switch c.Code {
		case policy.CheckRateLimit, policy.CheckCooldown, policy.CheckProtectedEntity, policy.CheckSpendLimit:
			o.metrics.GuardrailDenials.WithLabelValues(string(c.Code)).Inc()
		}
	}
}

// stripHidden removes stamped keys so re-evaluation stamps fresh ones.
func stripHidden(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case envelope.ParamPrincipalID, envelope.ParamCartridgeID, envelope.ParamEnvelopeID, envelope.ParamActionID:
			continue
		}
		out[k] = v
	}
	return out
}

func amountOf(params map[string]any) (float64, bool) {
	switch v := params["amount"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
