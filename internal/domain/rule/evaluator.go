package rule

import (
	"encoding/json"
	"regexp"
	"strings"
)

const (
	// maxPatternLength bounds regex patterns accepted by OpMatches.
	maxPatternLength = 256
	// maxInputLength bounds the subject string for OpMatches.
	maxInputLength = 10_000
)

// Evaluate runs a rule tree against an evaluation context.
//
// An empty AND node matches by vacuous truth. A NOT node inverts the
// conjunction of its direct conditions and children. Type mismatches on
// numeric operators yield an unmatched condition, never an error.
func Evaluate(r *Rule, ctx map[string]any) Result {
	if r == nil {
		return Result{Matched: true}
	}

	var results []ConditionResult
	for _, c := range r.Conditions {
		results = append(results, evalCondition(c, ctx))
	}

	childMatches := make([]bool, len(r.Children))
	for i, child := range r.Children {
		sub := Evaluate(child, ctx)
		childMatches[i] = sub.Matched
		results = append(results, sub.Conditions...)
	}

	matched := combine(r.Composition, results[:len(r.Conditions)], childMatches)
	return Result{Matched: matched, Conditions: results}
}

func combine(comp Composition, conds []ConditionResult, children []bool) bool {
	switch comp {
	case CompositionOr:
		for _, c := range conds {
			if c.Matched {
				return true
			}
		}
		for _, m := range children {
			if m {
				return true
			}
		}
		return false
	case CompositionNot:
		return !allOf(conds, children)
	default: // AND, including unspecified
		return allOf(conds, children)
	}
}

func allOf(conds []ConditionResult, children []bool) bool {
	for _, c := range conds {
		if !c.Matched {
			return false
		}
	}
	for _, m := range children {
		if !m {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, ctx map[string]any) ConditionResult {
	actual, found := ResolvePath(ctx, c.Field)
	res := ConditionResult{Field: c.Field, Operator: c.Operator}
	if found {
		res.Actual = actual
	}

	switch c.Operator {
	case OpExists:
		res.Matched = found
	case OpNotExists:
		res.Matched = !found
	case OpEq:
		res.Matched = found && looseEqual(actual, c.Value)
	case OpNeq:
		res.Matched = found && !looseEqual(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		res.Matched = found && compareNumeric(c.Operator, actual, c.Value)
	case OpIn:
		res.Matched = found && inList(actual, c.Value)
	case OpNotIn:
		res.Matched = found && !inList(actual, c.Value)
	case OpContains:
		res.Matched = found && contains(actual, c.Value)
	case OpNotContains:
		res.Matched = found && !contains(actual, c.Value)
	case OpMatches:
		res.Matched = found && matchesPattern(actual, c.Value)
	}
	return res
}

// ResolvePath walks a dotted path through nested maps. Returns the value
// and whether every segment resolved.
func ResolvePath(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func compareNumeric(op Operator, a, b any) bool {
	fa, ok := toFloat(a)
	if !ok {
		return false
	}
	fb, ok := toFloat(b)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return fa > fb
	case OpGte:
		return fa >= fb
	case OpLt:
		return fa < fb
	case OpLte:
		return fa <= fb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func inList(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		if strs, ok := expected.([]string); ok {
			for _, s := range strs {
				if looseEqual(actual, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func contains(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(a, s)
	case []any:
		return containsListItem(a, expected)
	case []string:
		for _, item := range a {
			if looseEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

func containsListItem(list []any, expected any) bool {
	for _, item := range list {
		if looseEqual(item, expected) {
			return true
		}
	}
	return false
}

// matchesPattern applies a regex with hard limits so a hostile pattern or
// input cannot stall evaluation. Violations and compile errors yield
// unmatched rather than an error.
func matchesPattern(actual, expected any) bool {
	pattern, ok := expected.(string)
	if !ok {
		return false
	}
	input, ok := actual.(string)
	if !ok {
		return false
	}
	if len(pattern) > maxPatternLength || len(input) > maxInputLength {
		return false
	}
	if hasDangerousQuantifiers(pattern) {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(input)
}

// hasDangerousQuantifiers rejects patterns with nested unbounded
// quantifiers (a quantified group itself quantified) or more than one
// unbounded wildcard, the classic catastrophic-backtracking shapes.
func hasDangerousQuantifiers(pattern string) bool {
	for _, nested := range []string{")*", ")+", "]*+", "]+*"} {
		idx := strings.Index(pattern, nested)
		if idx > 0 && strings.ContainsAny(pattern[:idx], "*+") {
			return true
		}
	}
	wildcards := strings.Count(pattern, ".*") + strings.Count(pattern, ".+")
	return wildcards > 1
}
