package evaluation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
)

// ErrInvalidConfiguration reports a flag or segment that fails write-time
// validation. The engine re-checks the same invariants defensively during
// evaluation, but the write path is where they should be caught.
var ErrInvalidConfiguration = errors.New("invalid configuration")

var knownOperators = map[Operator]bool{
	OperatorEquals:        true,
	OperatorNotEquals:     true,
	OperatorIn:            true,
	OperatorNotIn:         true,
	OperatorContains:      true,
	OperatorGreaterThan:   true,
	OperatorLessThan:      true,
	OperatorRegexMatch:    true,
	OperatorSegmentMatch:  true,
	OperatorSemverCompare: true,
}

// ValidateFlag checks a flag configuration's structural invariants: known
// operators, compilable regex patterns, rule targets that are exactly one of
// fixed-variation or rollout, rollout weights summing to BucketCount, and
// rollout/rule variation references resolving to declared variations.
func ValidateFlag(flag Flag) error {
	if flag.Key == "" {
		return fmt.Errorf("%w: flag key is required", ErrInvalidConfiguration)
	}

	declared := make(map[string]bool, len(flag.Variations))
	for _, v := range flag.Variations {
		if v.ID == "" {
			return fmt.Errorf("%w: variation id is required", ErrInvalidConfiguration)
		}
		if declared[v.ID] {
			return fmt.Errorf("%w: duplicate variation %q", ErrInvalidConfiguration, v.ID)
		}
		declared[v.ID] = true
	}

	for i, rule := range flag.Rules {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		switch {
		case rule.VariationID != "" && rule.Rollout != nil:
			return fmt.Errorf("%w: rule %d targets both a variation and a rollout", ErrInvalidConfiguration, i)
		case rule.VariationID == "" && rule.Rollout == nil:
			return fmt.Errorf("%w: rule %d has no target", ErrInvalidConfiguration, i)
		case rule.VariationID != "":
			if !declared[rule.VariationID] {
				return fmt.Errorf("%w: rule %d targets undeclared variation %q", ErrInvalidConfiguration, i, rule.VariationID)
			}
		default:
			if err := validateRollout(rule.Rollout, declared); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
	}

	if flag.DefaultRollout != nil {
		if err := validateRollout(flag.DefaultRollout, declared); err != nil {
			return fmt.Errorf("default rollout: %w", err)
		}
	}

	return nil
}

// ValidateSegment checks one segment's rules. Segment rules carry no
// targets; only their conditions are validated.
func ValidateSegment(segment Segment) error {
	if segment.Key == "" {
		return fmt.Errorf("%w: segment key is required", ErrInvalidConfiguration)
	}
	for i, rule := range segment.Rules {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// DetectSegmentCycles walks every segment-to-segment reference in the set
// and reports the first cycle found. Run at write time so a cyclic reference
// is a rejected mutation, not an evaluation-time surprise.
func DetectSegmentCycles(segments Segments) error {
	state := make(map[string]int, len(segments)) // 0 unvisited, 1 in progress, 2 done

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case 1:
			return fmt.Errorf("%w involving %q", ErrSegmentCycle, key)
		case 2:
			return nil
		}
		state[key] = 1
		for _, ref := range segmentRefs(segments[key]) {
			if _, ok := segments[ref]; !ok {
				return fmt.Errorf("%w: %q referenced by %q", ErrSegmentNotFound, ref, key)
			}
			if err := visit(ref); err != nil {
				return err
			}
		}
		state[key] = 2
		return nil
	}

	for key := range segments {
		if err := visit(key); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeWeights converts percentage widths to basis-point weights summing
// to exactly BucketCount. Each percentage is truncated to integer basis
// points and the rounding remainder is assigned to the last declared
// variation, the fixed tie-break for uneven splits.
func NormalizeWeights(percentages []float64) ([]int, error) {
	if len(percentages) == 0 {
		return nil, fmt.Errorf("%w: rollout needs at least one variation", ErrInvalidConfiguration)
	}

	total := 0.0
	weights := make([]int, len(percentages))
	sum := 0
	for i, pct := range percentages {
		if pct < 0 || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return nil, fmt.Errorf("%w: percentage %v out of range", ErrInvalidConfiguration, pct)
		}
		total += pct
		weights[i] = int(pct * 100)
		sum += weights[i]
	}

	if math.Abs(total-100) > 0.01 {
		return nil, fmt.Errorf("%w: percentages sum to %v, want 100", ErrInvalidConfiguration, total)
	}

	weights[len(weights)-1] += BucketCount - sum
	if weights[len(weights)-1] < 0 {
		return nil, fmt.Errorf("%w: rounding left negative weight", ErrInvalidConfiguration)
	}
	return weights, nil
}

func validateRule(rule Rule) error {
	for j, cond := range rule.Conditions {
		if !knownOperators[cond.Operator] {
			return fmt.Errorf("%w: condition %d has unknown operator %q", ErrInvalidConfiguration, j, cond.Operator)
		}
		if cond.Operator != OperatorSegmentMatch && cond.Attribute == "" {
			return fmt.Errorf("%w: condition %d has no attribute", ErrInvalidConfiguration, j)
		}
		if cond.Operator == OperatorRegexMatch {
			pattern, ok := cond.Value.(string)
			if !ok {
				return fmt.Errorf("%w: condition %d regex pattern must be a string", ErrInvalidConfiguration, j)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: condition %d regex: %v", ErrInvalidConfiguration, j, err)
			}
		}
		if cond.Operator == OperatorSegmentMatch {
			if _, ok := cond.Value.(string); !ok {
				return fmt.Errorf("%w: condition %d segment key must be a string", ErrInvalidConfiguration, j)
			}
		}
	}
	return nil
}

func validateRollout(rollout *Rollout, declared map[string]bool) error {
	if len(rollout.Variations) == 0 {
		return fmt.Errorf("%w: rollout has no variations", ErrInvalidConfiguration)
	}
	sum := 0
	for _, rv := range rollout.Variations {
		if rv.Weight < 0 {
			return fmt.Errorf("%w: rollout weight %d is negative", ErrInvalidConfiguration, rv.Weight)
		}
		if !declared[rv.VariationID] {
			return fmt.Errorf("%w: rollout targets undeclared variation %q", ErrInvalidConfiguration, rv.VariationID)
		}
		sum += rv.Weight
	}
	if sum != BucketCount {
		return fmt.Errorf("%w: rollout weights sum to %d, want %d", ErrInvalidConfiguration, sum, BucketCount)
	}
	return nil
}

// segmentRefs lists the segment keys a segment references directly.
func segmentRefs(segment Segment) []string {
	return SegmentRefs(segment.Rules)
}

// SegmentRefs lists the segment keys referenced by segment-match conditions
// across the given rules.
func SegmentRefs(rules []Rule) []string {
	var refs []string
	for _, rule := range rules {
		for _, cond := range rule.Conditions {
			if cond.Operator != OperatorSegmentMatch {
				continue
			}
			if key, ok := cond.Value.(string); ok {
				refs = append(refs, key)
			}
		}
	}
	return refs
}
