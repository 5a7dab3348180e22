package evaluation

import "testing"

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		right any
		want  bool
	}{
		{"strings equal", "US", "US", true},
		{"strings differ", "US", "CA", false},
		{"ints equal", 5, 5, true},
		{"int float equal", 5, 5.0, true},
		{"numeric string coerces", "5", 5, true},
		{"numeric string float", "2.5", 2.5, true},
		{"non-numeric string vs number", "five", 5, false},
		{"bools equal", true, true, true},
		{"bool vs number", true, 1, false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valuesEqual(tt.left, tt.right); got != tt.want {
				t.Fatalf("valuesEqual(%v, %v) = %t, want %t", tt.left, tt.right, got, tt.want)
			}
		})
	}
}

func TestValueIn(t *testing.T) {
	tests := []struct {
		name  string
		value any
		list  any
		want  bool
	}{
		{"member of any slice", "CA", []any{"US", "CA"}, true},
		{"member of typed slice", "US", []string{"US", "CA"}, true},
		{"coerced numeric member", "5", []int{4, 5}, true},
		{"not a member", "GB", []any{"US", "CA"}, false},
		{"non-list stored value", "US", "US", false},
		{"nil list", "US", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueIn(tt.value, tt.list); got != tt.want {
				t.Fatalf("valueIn(%v, %v) = %t, want %t", tt.value, tt.list, got, tt.want)
			}
		})
	}
}

func TestValueContains(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		needle any
		want   bool
	}{
		{"substring", "hello world", "world", true},
		{"substring miss", "hello", "world", false},
		{"array membership", []any{"a", "b"}, "b", true},
		{"typed array membership", []int{1, 2, 3}, 2, true},
		{"array miss", []any{"a"}, "z", false},
		{"number value", 42, "4", false},
		{"non-string needle on string", "abc", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueContains(tt.value, tt.needle); got != tt.want {
				t.Fatalf("valueContains(%v, %v) = %t, want %t", tt.value, tt.needle, got, tt.want)
			}
		})
	}
}

func TestCompareNumbers(t *testing.T) {
	gt := func(a, b float64) bool { return a > b }

	if !compareNumbers(10, 5, gt) {
		t.Fatal("compareNumbers(10, 5, >) = false, want true")
	}
	if !compareNumbers("10", 5, gt) {
		t.Fatal("compareNumbers(\"10\", 5, >) = false, want true")
	}
	if compareNumbers("ten", 5, gt) {
		t.Fatal("compareNumbers(\"ten\", 5, >) = true, want false")
	}
	if compareNumbers(nil, 5, gt) {
		t.Fatal("compareNumbers(nil, 5, >) = true, want false")
	}
}

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		name   string
		attr   any
		stored any
		want   bool
	}{
		{"greater or equal", "1.2.3", ">=1.2.0", true},
		{"strictly greater fails", "1.2.0", ">1.2.0", false},
		{"less than", "1.9.9", "<2.0.0", true},
		{"bare version equality", "1.2.3", "1.2.3", true},
		{"short version padded", "1.2", "=1.2.0", true},
		{"prerelease suffix ignored", "1.2.3-beta.1", ">=1.2.3", true},
		{"not equal", "2.0.0", "!=1.0.0", true},
		{"malformed attribute", "not-a-version", ">=1.0.0", false},
		{"non-string attribute", 1.2, ">=1.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compareSemver(tt.attr, tt.stored); got != tt.want {
				t.Fatalf("compareSemver(%v, %v) = %t, want %t", tt.attr, tt.stored, got, tt.want)
			}
		})
	}
}
