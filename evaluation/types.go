// Package evaluation implements the flag evaluation core: deterministic
// bucketing, rule matching, segment resolution, and the evaluation engine
// that turns a flag configuration plus a caller context into a served value.
//
// The package is transport- and storage-agnostic. Both the server and the
// client SDK evaluate against the same engine, so identical configurations
// and contexts produce identical results on every node without coordination.
package evaluation

import "time"

// Operator identifies a condition comparison.
type Operator string

const (
	OperatorEquals        Operator = "equals"
	OperatorNotEquals     Operator = "not-equals"
	OperatorIn            Operator = "in"
	OperatorNotIn         Operator = "not-in"
	OperatorContains      Operator = "contains"
	OperatorGreaterThan   Operator = "greater-than"
	OperatorLessThan      Operator = "less-than"
	OperatorRegexMatch    Operator = "regex-match"
	OperatorSegmentMatch  Operator = "segment-match"
	OperatorSemverCompare Operator = "semver-compare"
)

// Reason explains why an evaluation resolved to its value.
type Reason string

const (
	ReasonRuleMatch         Reason = "RULE_MATCH"
	ReasonPercentageRollout Reason = "PERCENTAGE_ROLLOUT"
	ReasonDefault           Reason = "DEFAULT"
	ReasonFlagDisabled      Reason = "FLAG_DISABLED"
	ReasonError             Reason = "ERROR"
)

// Condition compares a single context attribute against a stored value.
// An operator applied to a missing attribute or an incompatible type
// evaluates to non-match; conditions never fail.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// Rule is an AND-combined list of conditions with a target: either a fixed
// variation or a percentage rollout. Rules on a flag are OR-combined in
// list order; the first matching rule wins.
type Rule struct {
	Conditions  []Condition `json:"conditions"`
	VariationID string      `json:"variation_id,omitempty"`
	Rollout     *Rollout    `json:"rollout,omitempty"`
}

// Variation is one value a flag can resolve to.
type Variation struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// RolloutVariation assigns a bucket range width, in basis points, to a
// variation. Ranges are laid out in declared order, so reordering the list
// changes which contexts land in which variation.
type RolloutVariation struct {
	VariationID string `json:"variation_id"`
	Weight      int    `json:"weight"`
}

// Rollout distributes contexts across variations. Weights must sum to
// exactly BucketCount basis points.
type Rollout struct {
	Variations []RolloutVariation `json:"variations"`
}

// Flag is a versioned flag configuration for one environment.
type Flag struct {
	Key            string      `json:"key"`
	Enabled        bool        `json:"enabled"`
	DefaultValue   any         `json:"default_value"`
	Variations     []Variation `json:"variations,omitempty"`
	Rules          []Rule      `json:"rules,omitempty"`
	DefaultRollout *Rollout    `json:"default_rollout,omitempty"`
	Version        int64       `json:"version"`
	UpdatedAt      time.Time   `json:"updated_at,omitzero"`
}

// Segment is a named, reusable rule set scoped to a project. Segments may
// reference other segments via segment-match conditions but must not cycle.
type Segment struct {
	Key   string `json:"key"`
	Rules []Rule `json:"rules,omitempty"`
}

// Segments indexes segments by key for resolution.
type Segments map[string]Segment

// Context carries the caller-supplied attributes for one evaluation. Key is
// the stable identifier used for bucketing.
type Context struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of evaluating one flag against one context.
// VariationID is empty when the static default value was served.
type Result struct {
	Value       any    `json:"value"`
	VariationID string `json:"variation_id,omitempty"`
	FlagVersion int64  `json:"flag_version"`
	Reason      Reason `json:"reason"`
}

// variationValue resolves a variation ID to its value. Falls back to the
// flag's static default when the ID is unknown.
func (f Flag) variationValue(id string) (any, bool) {
	for _, v := range f.Variations {
		if v.ID == id {
			return v.Value, true
		}
	}
	return f.DefaultValue, false
}
