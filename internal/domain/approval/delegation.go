package approval

import (
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/identity"
)

// RoleApprover is the role a direct approver must carry.
const RoleApprover = "approver"

// DefaultMaxChainDepth bounds delegation chains when a rule does not set
// its own cap.
const DefaultMaxChainDepth = 5

// ChainResult is the outcome of delegation chain resolution. Chain runs
// from the responder up to the direct approver; Depth counts the hops.
type ChainResult struct {
	Authorized bool
	Chain      []string
	Depth      int
}

// CanApproveWithChain decides whether a principal may answer a request
// routed to approverIDs, either directly or through a delegation chain.
// Direct approvers must carry the approver role. Delegation edges are
// walked breadth first from grantee to grantor, so the shortest valid
// chain wins.
func CanApproveWithChain(p *identity.Principal, approverIDs []string, delegations []identity.DelegationRule, actionType string, now time.Time) ChainResult {
	if p == nil {
		return ChainResult{}
	}

	if containsID(approverIDs, p.ID) && p.HasRole(RoleApprover) {
		return ChainResult{Authorized: true, Chain: []string{p.ID}, Depth: 0}
	}

	type node struct {
		id    string
		chain []string
		depth int
	}

	visited := map[string]bool{p.ID: true}
	queue := []node{{id: p.ID, chain: []string{p.ID}, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, d := range delegations {
			if d.Grantee != cur.id {
				continue
			}
			if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
				continue
			}
			if !identity.MatchPattern(d.Scope, actionType) {
				continue
			}

			maxDepth := d.MaxChainDepth
			if maxDepth <= 0 {
				maxDepth = DefaultMaxChainDepth
			}
			depth := cur.depth + 1
			if depth > maxDepth {
				continue
			}

			if visited[d.Grantor] {
				continue
			}
			visited[d.Grantor] = true

			chain := append(append([]string(nil), cur.chain...), d.Grantor)
			if containsID(approverIDs, d.Grantor) {
				return ChainResult{Authorized: true, Chain: chain, Depth: depth}
			}
			queue = append(queue, node{id: d.Grantor, chain: chain, depth: depth})
		}
	}

	return ChainResult{}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
