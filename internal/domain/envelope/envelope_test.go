package envelope

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusProposed, StatusDenied},
		{StatusProposed, StatusPendingApproval},
		{StatusProposed, StatusApproved},
		{StatusPendingApproval, StatusApproved},
		{StatusPendingApproval, StatusDenied},
		{StatusPendingApproval, StatusExpired},
		{StatusApproved, StatusExecuting},
		{StatusExecuting, StatusExecuted},
		{StatusExecuting, StatusFailed},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusProposed, StatusExecuting},
		{StatusProposed, StatusExecuted},
		{StatusApproved, StatusExecuted},
		{StatusDenied, StatusApproved},
		{StatusExecuted, StatusExecuting},
		{StatusExpired, StatusApproved},
		{StatusFailed, StatusExecuting},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestTransition_UpdatesStatusAndTimestamp(t *testing.T) {
	now := time.Now().UTC()
	e := &Envelope{ID: "env-1", Status: StatusProposed}

	if err := e.Transition(StatusApproved, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != StatusApproved || !e.UpdatedAt.Equal(now) {
		t.Errorf("envelope = %+v", e)
	}

	if err := e.Transition(StatusExecuted, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestMutateProposals_BumpsVersion(t *testing.T) {
	e := &Envelope{ID: "env-1", Version: 1, Status: StatusPendingApproval}
	e.MutateProposals([]Proposal{{ID: "a1", ActionType: "ads.budget.set"}}, time.Now())

	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
}

func TestProposal_HiddenStamps(t *testing.T) {
	p := Proposal{Parameters: map[string]any{
		ParamPrincipalID: "agent-1",
		ParamCartridgeID: "ads-spend",
	}}
	if p.PrincipalID() != "agent-1" || p.CartridgeID() != "ads-spend" {
		t.Errorf("stamps = %q/%q", p.PrincipalID(), p.CartridgeID())
	}

	empty := Proposal{Parameters: map[string]any{}}
	if empty.PrincipalID() != "" {
		t.Error("missing stamp should read empty")
	}
}

func TestLatestTrace(t *testing.T) {
	e := &Envelope{}
	if e.LatestTrace() != nil {
		t.Error("empty envelope has no trace")
	}
}
