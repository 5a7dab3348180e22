package evaluation

import (
	"errors"
	"strconv"
)

// fallthroughSalt decorrelates the flag-level default rollout from each
// rule-level rollout, which are salted by rule index.
const fallthroughSalt = "fallthrough"

// Evaluate decides which variation a context is served for one flag.
//
// The algorithm: a disabled flag serves its static default; otherwise rules
// are tried in list order and the first match wins, resolving either a fixed
// variation or a percentage rollout bucketed by the context key; if no rule
// matches, the flag-level default rollout applies, else the static default.
//
// Configuration problems found mid-evaluation (segment cycles, unknown
// segments, malformed rollouts) degrade to the flag's static default with
// ReasonError; they never propagate to the caller. The single exception is
// ErrMissingContextKey: asking for a percentage rollout without a stable
// context key is caller misuse and is returned as an error.
func Evaluate(flag Flag, segments Segments, ctx Context) (Result, error) {
	if !flag.Enabled {
		return Result{
			Value:       flag.DefaultValue,
			FlagVersion: flag.Version,
			Reason:      ReasonFlagDisabled,
		}, nil
	}

	m := matcher{segments: segments}

	for i, rule := range flag.Rules {
		ok, err := m.ruleMatches(rule, ctx, make(map[string]bool))
		if err != nil {
			return errorResult(flag), nil
		}
		if !ok {
			continue
		}

		if rule.Rollout != nil {
			result, err := rolloutResult(flag, rule.Rollout, ctx, strconv.Itoa(i), ReasonPercentageRollout)
			if errors.Is(err, ErrMissingContextKey) {
				return Result{}, err
			}
			if err != nil {
				return errorResult(flag), nil
			}
			return result, nil
		}

		value, ok := flag.variationValue(rule.VariationID)
		if !ok {
			return errorResult(flag), nil
		}
		return Result{
			Value:       value,
			VariationID: rule.VariationID,
			FlagVersion: flag.Version,
			Reason:      ReasonRuleMatch,
		}, nil
	}

	if flag.DefaultRollout != nil {
		result, err := rolloutResult(flag, flag.DefaultRollout, ctx, fallthroughSalt, ReasonDefault)
		if errors.Is(err, ErrMissingContextKey) {
			return Result{}, err
		}
		if err != nil {
			return errorResult(flag), nil
		}
		return result, nil
	}

	return Result{
		Value:       flag.DefaultValue,
		FlagVersion: flag.Version,
		Reason:      ReasonDefault,
	}, nil
}

// EvaluateAll evaluates every flag in the map for a single context, for
// single-round-trip SDK fetches. Per-flag hard errors are reported as
// ReasonError results so one malformed request cannot sink the batch.
func EvaluateAll(flags map[string]Flag, segments Segments, ctx Context) map[string]Result {
	results := make(map[string]Result, len(flags))
	for key, flag := range flags {
		result, err := Evaluate(flag, segments, ctx)
		if err != nil {
			result = errorResult(flag)
		}
		results[key] = result
	}
	return results
}

func rolloutResult(flag Flag, rollout *Rollout, ctx Context, salt string, reason Reason) (Result, error) {
	if ctx.Key == "" {
		return Result{}, ErrMissingContextKey
	}

	bucket := Bucket(flag.Key, ctx.Key, salt)
	variationID, ok := rollout.pick(bucket)
	if !ok {
		return Result{}, errors.New("rollout weights do not cover bucket range")
	}

	value, ok := flag.variationValue(variationID)
	if !ok {
		return Result{}, errors.New("rollout references unknown variation")
	}

	return Result{
		Value:       value,
		VariationID: variationID,
		FlagVersion: flag.Version,
		Reason:      reason,
	}, nil
}

func errorResult(flag Flag) Result {
	return Result{
		Value:       flag.DefaultValue,
		FlagVersion: flag.Version,
		Reason:      ReasonError,
	}
}
