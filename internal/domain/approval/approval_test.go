package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/identity"
)

func pendingRequest(expiresAt time.Time) *Request {
	return &Request{
		ID:         "apr-1",
		EnvelopeID: "env-1",
		ActionID:   "act-1",
		Status:     StatusPending,
		ExpiresAt:  expiresAt,
	}
}

func TestTransition_ApproveRecordsResponder(t *testing.T) {
	now := time.Now().UTC()
	req := pendingRequest(now.Add(time.Hour))

	if err := req.Transition(ResponseApprove, "admin", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Status != StatusApproved {
		t.Errorf("status = %s, want approved", req.Status)
	}
	if req.RespondedBy != "admin" || req.RespondedAt == nil {
		t.Error("responder not recorded")
	}
}

func TestTransition_NonPendingRefusesFurtherTransitions(t *testing.T) {
	now := time.Now().UTC()
	for _, resp := range []Response{ResponseApprove, ResponseReject, ResponsePatch} {
		req := pendingRequest(now.Add(time.Hour))
		if err := req.Transition(resp, "admin", now); err != nil {
			t.Fatalf("first transition %s: %v", resp, err)
		}
		if err := req.Transition(ResponseApprove, "other", now); !errors.Is(err, ErrNotPending) {
			t.Errorf("second transition after %s: err = %v, want ErrNotPending", resp, err)
		}
	}
}

func TestTransition_UnknownResponse(t *testing.T) {
	req := pendingRequest(time.Now().Add(time.Hour))
	if err := req.Transition(Response("snooze"), "admin", time.Now()); !errors.Is(err, ErrUnknownResponse) {
		t.Errorf("err = %v, want ErrUnknownResponse", err)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	req := pendingRequest(now.Add(-time.Minute))
	if !req.IsExpired(now) {
		t.Error("past-expiry pending request should be expired")
	}

	req = pendingRequest(now.Add(time.Minute))
	if req.IsExpired(now) {
		t.Error("future-expiry request should not be expired")
	}

	req = pendingRequest(now.Add(-time.Minute))
	if err := req.Transition(ResponseApprove, "admin", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.IsExpired(now) {
		t.Error("non-pending request is never expired")
	}
}

func TestExpire(t *testing.T) {
	req := pendingRequest(time.Now())
	if err := req.Expire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Status != StatusExpired {
		t.Errorf("status = %s, want expired", req.Status)
	}
	if err := req.Expire(); !errors.Is(err, ErrNotPending) {
		t.Errorf("double expire err = %v, want ErrNotPending", err)
	}
}

func TestApplyPatch_ShallowOverrideWithoutMutation(t *testing.T) {
	original := map[string]any{"budget": 100.0, "name": "spring"}
	patch := map[string]any{"budget": 50.0}

	out := ApplyPatch(original, patch)
	if out["budget"] != 50.0 || out["name"] != "spring" {
		t.Errorf("patched = %v", out)
	}
	if original["budget"] != 100.0 {
		t.Error("original mutated")
	}
}

func TestBindingHash_DeterministicAndTamperEvident(t *testing.T) {
	in := BindingInput{
		EnvelopeID:          "env-1",
		EnvelopeVersion:     1,
		ActionID:            "act-1",
		Parameters:          map[string]any{"campaignId": "c1", "budget": 100.0},
		DecisionTraceHash:   "abc",
		ContextSnapshotHash: "def",
	}

	h1, err := ComputeBindingHash(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeBindingHash(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Error("binding hash not deterministic")
	}

	in.Parameters["budget"] = 500.0
	h3, err := ComputeBindingHash(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h3 == h1 {
		t.Error("parameter change did not change binding hash")
	}

	if !VerifyBindingHash(h1, h2) {
		t.Error("matching hashes rejected")
	}
	if VerifyBindingHash(h1, h3) {
		t.Error("mismatched hashes accepted")
	}
	if VerifyBindingHash(h1, h1[:32]) {
		t.Error("truncated hash accepted")
	}
}

func TestRoute_ExpiryByLevel(t *testing.T) {
	cfg := RoutingConfig{ApproverIDs: []string{"admin"}}

	tests := []struct {
		level identity.ApprovalLevel
		want  time.Duration
	}{
		{identity.ApprovalMandatory, 4 * time.Hour},
		{identity.ApprovalElevated, 12 * time.Hour},
		{identity.ApprovalStandard, 24 * time.Hour},
		{identity.ApprovalNone, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := Route(cfg, tt.level); got.Expiry != tt.want {
			t.Errorf("Route(%s).Expiry = %v, want %v", tt.level, got.Expiry, tt.want)
		}
	}
}

func TestRoute_ConfigOverridesAndDenyWhenNoApprovers(t *testing.T) {
	cfg := RoutingConfig{MandatoryExpiry: time.Hour, DenyWhenNoApprovers: true}

	r := Route(cfg, identity.ApprovalMandatory)
	if r.Expiry != time.Hour {
		t.Errorf("expiry = %v, want override 1h", r.Expiry)
	}
	if !r.Deny {
		t.Error("expected deny with no approvers and no fallback")
	}

	cfg.FallbackID = "ops"
	if r := Route(cfg, identity.ApprovalMandatory); r.Deny {
		t.Error("fallback present, deny should be off")
	}
}

func approverPrincipal(id string) *identity.Principal {
	return &identity.Principal{ID: id, Type: identity.PrincipalUser, Roles: []string{RoleApprover}}
}

func TestCanApproveWithChain_DirectApprover(t *testing.T) {
	res := CanApproveWithChain(approverPrincipal("admin"), []string{"admin"}, nil, "ads.campaign.pause", time.Now())
	if !res.Authorized || res.Depth != 0 || len(res.Chain) != 1 || res.Chain[0] != "admin" {
		t.Errorf("direct approver result = %+v", res)
	}
}

func TestCanApproveWithChain_DirectApproverWithoutRole(t *testing.T) {
	p := &identity.Principal{ID: "admin", Type: identity.PrincipalUser}
	if res := CanApproveWithChain(p, []string{"admin"}, nil, "a.b", time.Now()); res.Authorized {
		t.Error("approver without approver role authorized")
	}
}

func TestCanApproveWithChain_TwoHopChain(t *testing.T) {
	delegations := []identity.DelegationRule{
		{ID: "d1", Grantor: "admin", Grantee: "middle", Scope: "*"},
		{ID: "d2", Grantor: "middle", Grantee: "delegate", Scope: "*"},
	}

	res := CanApproveWithChain(approverPrincipal("delegate"), []string{"admin"}, delegations, "ads.campaign.pause", time.Now())
	if !res.Authorized {
		t.Fatal("two-hop chain not authorized")
	}
	if res.Depth != 2 {
		t.Errorf("depth = %d, want 2", res.Depth)
	}
	want := []string{"delegate", "middle", "admin"}
	if len(res.Chain) != 3 {
		t.Fatalf("chain = %v, want %v", res.Chain, want)
	}
	for i, id := range want {
		if res.Chain[i] != id {
			t.Errorf("chain = %v, want %v", res.Chain, want)
			break
		}
	}
}

func TestCanApproveWithChain_ExpiredEdgeSkipped(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	delegations := []identity.DelegationRule{
		{ID: "d1", Grantor: "admin", Grantee: "delegate", Scope: "*", ExpiresAt: &past},
	}
	if res := CanApproveWithChain(approverPrincipal("delegate"), []string{"admin"}, delegations, "a.b", time.Now()); res.Authorized {
		t.Error("expired delegation authorized")
	}
}

func TestCanApproveWithChain_ScopeMismatch(t *testing.T) {
	delegations := []identity.DelegationRule{
		{ID: "d1", Grantor: "admin", Grantee: "delegate", Scope: "crm.*"},
	}
	if res := CanApproveWithChain(approverPrincipal("delegate"), []string{"admin"}, delegations, "ads.campaign.pause", time.Now()); res.Authorized {
		t.Error("out-of-scope delegation authorized")
	}
}

func TestCanApproveWithChain_MaxDepthCap(t *testing.T) {
	delegations := []identity.DelegationRule{
		{ID: "d1", Grantor: "admin", Grantee: "middle", Scope: "*", MaxChainDepth: 1},
		{ID: "d2", Grantor: "middle", Grantee: "delegate", Scope: "*", MaxChainDepth: 1},
	}
	if res := CanApproveWithChain(approverPrincipal("delegate"), []string{"admin"}, delegations, "a.b", time.Now()); res.Authorized {
		t.Error("chain exceeding max depth authorized")
	}
}

func TestCanApproveWithChain_CycleTerminates(t *testing.T) {
	delegations := []identity.DelegationRule{
		{ID: "d1", Grantor: "b", Grantee: "a", Scope: "*"},
		{ID: "d2", Grantor: "a", Grantee: "b", Scope: "*"},
	}
	if res := CanApproveWithChain(approverPrincipal("a"), []string{"admin"}, delegations, "a.b", time.Now()); res.Authorized {
		t.Error("cyclic delegation graph authorized a non-approver")
	}
}
