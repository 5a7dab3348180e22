package evaluation

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Comparison helpers used by the rule matcher. Every function here is total:
// incompatible or missing operands compare as non-matching, never as an
// error. Numeric comparisons coerce numeric-looking strings.

func valuesEqual(left, right any) bool {
	leftNum, leftOK := numericValue(left)
	rightNum, rightOK := numericValue(right)
	if leftOK && rightOK {
		return leftNum == rightNum
	}
	if leftOK != rightOK {
		// One side is numeric and the other is a non-numeric string,
		// bool, etc. String-vs-number falls through to DeepEqual only
		// when neither side coerces.
		if _, isStr := left.(string); isStr {
			return false
		}
		if _, isStr := right.(string); isStr {
			return false
		}
	}
	return reflect.DeepEqual(left, right)
}

func valueIn(value, list any) bool {
	items := reflect.ValueOf(list)
	if !items.IsValid() {
		return false
	}
	if items.Kind() != reflect.Slice && items.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < items.Len(); i++ {
		if valuesEqual(value, items.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// valueContains applies to strings (substring) and arrays (membership).
func valueContains(value, needle any) bool {
	switch v := value.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(v, s)
	default:
		items := reflect.ValueOf(value)
		if !items.IsValid() {
			return false
		}
		if items.Kind() != reflect.Slice && items.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < items.Len(); i++ {
			if valuesEqual(items.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
}

func compareNumbers(left, right any, cmp func(a, b float64) bool) bool {
	a, okA := numericValue(left)
	b, okB := numericValue(right)
	if !okA || !okB {
		return false
	}
	return cmp(a, b)
}

// numericValue coerces numbers and numeric-looking strings to float64.
func numericValue(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// compareSemver evaluates a semver-compare condition. The stored value is a
// version string with an optional comparator prefix: ">=1.2.0", "<2.0",
// "=1.0.3". A bare version means equality. Release suffixes after "-" are
// ignored; missing components compare as zero.
func compareSemver(attr any, stored any) bool {
	attrStr, ok := attr.(string)
	if !ok {
		return false
	}
	storedStr, ok := stored.(string)
	if !ok {
		return false
	}

	op := "="
	spec := strings.TrimSpace(storedStr)
	for _, candidate := range []string{">=", "<=", "!=", ">", "<", "="} {
		if strings.HasPrefix(spec, candidate) {
			op = candidate
			spec = strings.TrimSpace(strings.TrimPrefix(spec, candidate))
			break
		}
	}

	left, ok := parseVersion(attrStr)
	if !ok {
		return false
	}
	right, ok := parseVersion(spec)
	if !ok {
		return false
	}

	switch c := compareVersionParts(left, right); op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case "!=":
		return c != 0
	default:
		return c == 0
	}
}

func parseVersion(version string) ([]int64, bool) {
	core, _, _ := strings.Cut(strings.TrimSpace(version), "-")
	if core == "" {
		return nil, false
	}
	parts := strings.Split(core, ".")
	nums := make([]int64, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}

func compareVersionParts(a, b []int64) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var left, right int64
		if i < len(a) {
			left = a[i]
		}
		if i < len(b) {
			right = b[i]
		}
		if left < right {
			return -1
		}
		if left > right {
			return 1
		}
	}
	return 0
}
