package evaluation

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrSegmentCycle reports a segment that references itself, directly or
	// transitively. Detected at write time; re-checked here defensively.
	ErrSegmentCycle = errors.New("segment reference cycle")

	// ErrSegmentNotFound reports a segment-match condition that names an
	// unknown segment.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrMissingContextKey reports an evaluation that requires bucketing but
	// was given a context without a stable key. This is caller misuse and is
	// the only evaluation error surfaced rather than absorbed.
	ErrMissingContextKey = errors.New("context key is required for percentage rollouts")
)

// matcher evaluates rules against a context with access to the segment set
// for segment-match delegation.
type matcher struct {
	segments Segments
}

// ruleMatches reports whether every condition in the rule matches (AND
// semantics). The only error paths are segment configuration problems;
// ordinary non-matches, missing attributes, and type mismatches return
// (false, nil).
func (m matcher) ruleMatches(rule Rule, ctx Context, visited map[string]bool) (bool, error) {
	for _, cond := range rule.Conditions {
		ok, err := m.conditionMatches(cond, ctx, visited)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m matcher) conditionMatches(cond Condition, ctx Context, visited map[string]bool) (bool, error) {
	if cond.Operator == OperatorSegmentMatch {
		key, ok := cond.Value.(string)
		if !ok {
			return false, nil
		}
		return m.segmentMember(key, ctx, visited)
	}

	attr, ok := ctx.Attributes[cond.Attribute]
	if !ok {
		return false, nil
	}

	switch cond.Operator {
	case OperatorEquals:
		return valuesEqual(attr, cond.Value), nil
	case OperatorNotEquals:
		return !valuesEqual(attr, cond.Value), nil
	case OperatorIn:
		return valueIn(attr, cond.Value), nil
	case OperatorNotIn:
		return !valueIn(attr, cond.Value), nil
	case OperatorContains:
		return valueContains(attr, cond.Value), nil
	case OperatorGreaterThan:
		return compareNumbers(attr, cond.Value, func(a, b float64) bool { return a > b }), nil
	case OperatorLessThan:
		return compareNumbers(attr, cond.Value, func(a, b float64) bool { return a < b }), nil
	case OperatorRegexMatch:
		return regexMatches(attr, cond.Value), nil
	case OperatorSemverCompare:
		return compareSemver(attr, cond.Value), nil
	default:
		return false, nil
	}
}

// segmentMember resolves segment membership: OR across the segment's rules,
// AND within each rule, mirroring flag rule resolution. The visited set is
// threaded through recursive segment-match conditions so that a reference
// cycle fails fast instead of recursing forever.
func (m matcher) segmentMember(segmentKey string, ctx Context, visited map[string]bool) (bool, error) {
	if visited[segmentKey] {
		return false, fmt.Errorf("%w: %q", ErrSegmentCycle, segmentKey)
	}

	segment, ok := m.segments[segmentKey]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrSegmentNotFound, segmentKey)
	}

	if visited == nil {
		visited = make(map[string]bool)
	}
	visited[segmentKey] = true
	defer delete(visited, segmentKey)

	for _, rule := range segment.Rules {
		ok, err := m.ruleMatches(rule, ctx, visited)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func regexMatches(attr, pattern any) bool {
	s, ok := attr.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
