package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func fullRollout(variationID string) *Rollout {
	return &Rollout{Variations: []RolloutVariation{{VariationID: variationID, Weight: BucketCount}}}
}

func TestEvaluateNewCheckoutScenario(t *testing.T) {
	flag := Flag{
		Key:          "new-checkout",
		Enabled:      true,
		DefaultValue: "off",
		Version:      4,
		Variations:   []Variation{{ID: "on", Value: "on"}},
		Rules: []Rule{
			{
				Conditions: []Condition{{Attribute: "country", Operator: OperatorEquals, Value: "US"}},
				Rollout:    fullRollout("on"),
			},
		},
	}

	got, err := Evaluate(flag, nil, Context{Key: "u1", Attributes: map[string]any{"country": "US"}})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Value != "on" || got.Reason != ReasonPercentageRollout {
		t.Fatalf("Evaluate(US) = %+v, want on/PERCENTAGE_ROLLOUT", got)
	}
	if got.FlagVersion != 4 {
		t.Fatalf("Evaluate(US).FlagVersion = %d, want 4", got.FlagVersion)
	}

	got, err = Evaluate(flag, nil, Context{Key: "u2", Attributes: map[string]any{"country": "FR"}})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Value != "off" || got.Reason != ReasonDefault {
		t.Fatalf("Evaluate(FR) = %+v, want off/DEFAULT", got)
	}
}

func TestEvaluateDisabledFlagFailsOpen(t *testing.T) {
	flag := Flag{
		Key:          "dark-mode",
		Enabled:      false,
		DefaultValue: "off",
		Variations:   []Variation{{ID: "on", Value: "on"}},
		Rules: []Rule{
			{VariationID: "on"}, // matches everything
		},
	}

	got, err := Evaluate(flag, nil, Context{Key: "u1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Value != "off" || got.Reason != ReasonFlagDisabled {
		t.Fatalf("Evaluate(disabled) = %+v, want off/FLAG_DISABLED", got)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	flag := Flag{
		Key:          "pricing",
		Enabled:      true,
		DefaultValue: "base",
		Variations: []Variation{
			{ID: "first", Value: "first"},
			{ID: "second", Value: "second"},
		},
		Rules: []Rule{
			{Conditions: []Condition{{Attribute: "plan", Operator: OperatorEquals, Value: "pro"}}, VariationID: "first"},
			{Conditions: []Condition{{Attribute: "plan", Operator: OperatorEquals, Value: "pro"}}, VariationID: "second"},
		},
	}

	got, err := Evaluate(flag, nil, Context{Key: "u1", Attributes: map[string]any{"plan": "pro"}})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.VariationID != "first" || got.Reason != ReasonRuleMatch {
		t.Fatalf("Evaluate() = %+v, want first/RULE_MATCH", got)
	}
}

func TestEvaluateSegmentCycleDegradesToError(t *testing.T) {
	segments := Segments{
		"a": {Key: "a", Rules: []Rule{{Conditions: []Condition{{Operator: OperatorSegmentMatch, Value: "b"}}}}},
		"b": {Key: "b", Rules: []Rule{{Conditions: []Condition{{Operator: OperatorSegmentMatch, Value: "a"}}}}},
	}
	flag := Flag{
		Key:          "broken",
		Enabled:      true,
		DefaultValue: false,
		Variations:   []Variation{{ID: "on", Value: true}},
		Rules: []Rule{
			{Conditions: []Condition{{Operator: OperatorSegmentMatch, Value: "a"}}, VariationID: "on"},
		},
	}

	got, err := Evaluate(flag, segments, Context{Key: "u1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want absorbed", err)
	}
	if got.Reason != ReasonError || got.Value != false {
		t.Fatalf("Evaluate(cyclic) = %+v, want default/ERROR", got)
	}
}

func TestEvaluateRolloutDistribution(t *testing.T) {
	flag := Flag{
		Key:          "experiment",
		Enabled:      true,
		DefaultValue: "control",
		Version:      1,
		Variations: []Variation{
			{ID: "control", Value: "control"},
			{ID: "treatment", Value: "treatment"},
		},
		DefaultRollout: &Rollout{Variations: []RolloutVariation{
			{VariationID: "control", Weight: 5000},
			{VariationID: "treatment", Weight: 5000},
		}},
	}

	const n = 20000
	treated := 0
	for i := 0; i < n; i++ {
		got, err := Evaluate(flag, nil, Context{Key: fmt.Sprintf("user-%d", i)})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if got.Reason != ReasonDefault {
			t.Fatalf("Evaluate().Reason = %q, want DEFAULT for fallthrough rollout", got.Reason)
		}
		if got.VariationID == "treatment" {
			treated++
		}
	}

	// 50/50 split over 20k keys; 48-52% allows ~6 standard deviations.
	if treated < n*48/100 || treated > n*52/100 {
		t.Fatalf("treatment share = %d/%d, want near even split", treated, n)
	}
}

func TestEvaluateRolloutSaltPerRule(t *testing.T) {
	rollout := &Rollout{Variations: []RolloutVariation{
		{VariationID: "on", Weight: 5000},
		{VariationID: "off", Weight: 5000},
	}}
	flag := Flag{
		Key:          "multi-rollout",
		Enabled:      true,
		DefaultValue: "off",
		Variations:   []Variation{{ID: "on", Value: "on"}, {ID: "off", Value: "off"}},
		Rules: []Rule{
			{Conditions: []Condition{{Attribute: "group", Operator: OperatorEquals, Value: "a"}}, Rollout: rollout},
			{Conditions: []Condition{{Attribute: "group", Operator: OperatorEquals, Value: "b"}}, Rollout: rollout},
		},
	}

	// Rules bucket independently: the same population must not land in the
	// same halves under both rules.
	differ := 0
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d", i)
		a, err := Evaluate(flag, nil, Context{Key: key, Attributes: map[string]any{"group": "a"}})
		if err != nil {
			t.Fatalf("Evaluate(a) error = %v", err)
		}
		b, err := Evaluate(flag, nil, Context{Key: key, Attributes: map[string]any{"group": "b"}})
		if err != nil {
			t.Fatalf("Evaluate(b) error = %v", err)
		}
		if a.VariationID != b.VariationID {
			differ++
		}
	}
	if differ == 0 {
		t.Fatal("rule rollouts assigned identically for all keys, want independent bucketing")
	}
}

func TestEvaluateMissingContextKey(t *testing.T) {
	flag := Flag{
		Key:            "rollout-flag",
		Enabled:        true,
		DefaultValue:   "off",
		Variations:     []Variation{{ID: "on", Value: "on"}},
		DefaultRollout: fullRollout("on"),
	}

	_, err := Evaluate(flag, nil, Context{})
	if !errors.Is(err, ErrMissingContextKey) {
		t.Fatalf("Evaluate() error = %v, want ErrMissingContextKey", err)
	}

	// Without a rollout in play the key is not required.
	static := Flag{Key: "static", Enabled: true, DefaultValue: "off"}
	got, err := Evaluate(static, nil, Context{})
	if err != nil {
		t.Fatalf("Evaluate(static) error = %v", err)
	}
	if got.Value != "off" || got.Reason != ReasonDefault {
		t.Fatalf("Evaluate(static) = %+v, want off/DEFAULT", got)
	}
}

func TestEvaluateMalformedRolloutDegrades(t *testing.T) {
	flag := Flag{
		Key:          "bad-rollout",
		Enabled:      true,
		DefaultValue: "safe",
		DefaultRollout: &Rollout{Variations: []RolloutVariation{
			{VariationID: "missing", Weight: 4000}, // does not cover the range
		}},
	}

	got, err := Evaluate(flag, nil, Context{Key: "u1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want absorbed", err)
	}
	if got.Value != "safe" || got.Reason != ReasonError {
		t.Fatalf("Evaluate(malformed) = %+v, want safe/ERROR", got)
	}
}

func TestEvaluateAll(t *testing.T) {
	flags := map[string]Flag{
		"a": {Key: "a", Enabled: true, DefaultValue: 1},
		"b": {Key: "b", Enabled: false, DefaultValue: 2},
	}

	results := EvaluateAll(flags, nil, Context{Key: "u1"})
	if len(results) != 2 {
		t.Fatalf("EvaluateAll() returned %d results, want 2", len(results))
	}
	if results["a"].Reason != ReasonDefault || results["b"].Reason != ReasonFlagDisabled {
		t.Fatalf("EvaluateAll() = %+v, want DEFAULT and FLAG_DISABLED", results)
	}
}

func TestFlagRoundTripEvaluatesIdentically(t *testing.T) {
	original := Flag{
		Key:          "round-trip",
		Enabled:      true,
		DefaultValue: "off",
		Version:      7,
		Variations: []Variation{
			{ID: "on", Value: "on"},
			{ID: "off", Value: "off"},
		},
		Rules: []Rule{
			{
				Conditions: []Condition{
					{Attribute: "country", Operator: OperatorIn, Value: []any{"US", "CA"}},
					{Attribute: "version", Operator: OperatorSemverCompare, Value: ">=2.0.0"},
				},
				VariationID: "on",
			},
			{
				Conditions: []Condition{{Operator: OperatorSegmentMatch, Value: "beta"}},
				Rollout: &Rollout{Variations: []RolloutVariation{
					{VariationID: "on", Weight: 2500},
					{VariationID: "off", Weight: 7500},
				}},
			},
		},
		DefaultRollout: &Rollout{Variations: []RolloutVariation{
			{VariationID: "on", Weight: 1000},
			{VariationID: "off", Weight: 9000},
		}},
	}
	segments := Segments{
		"beta": {Key: "beta", Rules: []Rule{{Conditions: []Condition{{Attribute: "beta", Operator: OperatorEquals, Value: true}}}}},
	}

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal flag: %v", err)
	}
	var decoded Flag
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal flag: %v", err)
	}

	contexts := []Context{
		{Key: "u1", Attributes: map[string]any{"country": "US", "version": "2.1.0"}},
		{Key: "u2", Attributes: map[string]any{"country": "FR", "beta": true}},
		{Key: "u3", Attributes: map[string]any{"country": "FR"}},
		{Key: "u4"},
		{Key: "u5", Attributes: map[string]any{"country": "CA", "version": "1.0.0", "beta": true}},
	}
	for _, ctx := range contexts {
		want, err := Evaluate(original, segments, ctx)
		if err != nil {
			t.Fatalf("Evaluate(original, %q) error = %v", ctx.Key, err)
		}
		got, err := Evaluate(decoded, segments, ctx)
		if err != nil {
			t.Fatalf("Evaluate(decoded, %q) error = %v", ctx.Key, err)
		}
		if got != want {
			t.Fatalf("round-tripped evaluation for %q = %+v, want %+v", ctx.Key, got, want)
		}
	}
}
