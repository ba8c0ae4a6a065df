// Package entity turns user-supplied entity references into canonical
// IDs via the owning cartridge's optional resolution capability.
package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaperone-dev/chaperone/internal/domain/cartridge"
)

// Ref is one reference to resolve.
type Ref struct {
	InputRef   string `json:"inputRef"`
	EntityType string `json:"entityType"`
}

// Resolved pairs a ref with its resolution.
type Resolved struct {
	Ref        Ref    `json:"ref"`
	ResolvedID string `json:"resolvedId"`
	Name       string `json:"name,omitempty"`
}

// Outcome is the aggregate result over all refs. Exactly one of
// NeedsClarification, NotFound, or a populated Parameters map applies.
type Outcome struct {
	NeedsClarification bool       `json:"needsClarification,omitempty"`
	Question           string     `json:"question,omitempty"`
	NotFound           bool       `json:"notFound,omitempty"`
	Explanation        string     `json:"explanation,omitempty"`
	Resolutions        []Resolved `json:"resolutions,omitempty"`
	// Parameters is the rewritten parameter map on full success.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Resolve runs every ref through the resolver and, on full success,
// rewrites the parameters. A resolver error is treated as ambiguity:
// resolution is read-only and fails closed.
func Resolve(ctx context.Context, resolver cartridge.EntityResolver, refs []Ref, params map[string]any, cctx cartridge.Context) (Outcome, error) {
	var (
		resolutions []Resolved
		ambiguous   []string
		missing     []string
	)

	for _, ref := range refs {
		res, err := resolver.ResolveEntity(ctx, ref.InputRef, ref.EntityType, cctx)
		if err != nil {
			res = cartridge.Resolution{Status: cartridge.ResolutionAmbiguous}
		}

		switch res.Status {
		case cartridge.ResolutionResolved:
			resolutions = append(resolutions, Resolved{Ref: ref, ResolvedID: res.ResolvedID, Name: res.ResolvedName})
		case cartridge.ResolutionAmbiguous:
			ambiguous = append(ambiguous, clarifyQuestion(ref, res))
		default:
			missing = append(missing, fmt.Sprintf("%s %q", ref.EntityType, ref.InputRef))
		}
	}

	if len(ambiguous) > 0 {
		return Outcome{NeedsClarification: true, Question: strings.Join(ambiguous, " ")}, nil
	}
	if len(missing) > 0 {
		return Outcome{NotFound: true, Explanation: "Could not find " + strings.Join(missing, ", ") + "."}, nil
	}

	rewritten := params
	for _, r := range resolutions {
		rewritten = RewriteParameters(rewritten, r.Ref.InputRef, r.ResolvedID)
	}
	return Outcome{Resolutions: resolutions, Parameters: rewritten}, nil
}

func clarifyQuestion(ref Ref, res cartridge.Resolution) string {
	if len(res.Alternatives) == 0 {
		return fmt.Sprintf("Which %s did you mean by %q?", ref.EntityType, ref.InputRef)
	}
	parts := make([]string, len(res.Alternatives))
	for i, a := range res.Alternatives {
		parts[i] = fmt.Sprintf("%s (%s)", a.Name, a.ID)
	}
	return fmt.Sprintf("Which %s did you mean by %q: %s?", ref.EntityType, ref.InputRef, strings.Join(parts, ", "))
}

// RewriteParameters returns a copy of params with every occurrence of
// inputRef replaced by resolvedID. Replacement happens by value match
// and by the conventional key form: a matching "...Ref" key is renamed
// to "...Id".
func RewriteParameters(params map[string]any, inputRef, resolvedID string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok && s == inputRef {
			if base, found := strings.CutSuffix(k, "Ref"); found {
				out[base+"Id"] = resolvedID
				continue
			}
			out[k] = resolvedID
			continue
		}
		out[k] = v
	}
	return out
}
