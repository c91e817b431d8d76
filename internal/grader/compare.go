package grader

import (
	"strings"

	"github.com/pavelanni/codeexam/internal/model"
)

type compareFunc func(actual, expected string) bool

var comparisons = map[model.Comparison]compareFunc{
	model.ComparisonExact: func(actual, expected string) bool {
		return actual == expected
	},
	model.ComparisonTrimmed: func(actual, expected string) bool {
		return strings.TrimSpace(actual) == strings.TrimSpace(expected)
	},
	model.ComparisonNormalized: func(actual, expected string) bool {
		return normalizeSpace(actual) == normalizeSpace(expected)
	},
}

// normalizeSpace collapses every run of whitespace to one space and drops it at the ends.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Match compares actual output against the expected output of tc using its comparison rule.
func Match(tc model.TestCase, actual string) bool {
	cmp, ok := comparisons[tc.Rule()]
	if !ok {
		return false
	}
	return cmp(actual, tc.ExpectedOutput)
}
