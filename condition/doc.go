// Package condition evaluates link guards against a branch context.
//
// Expressions use HCL expression syntax:
//
//	score >= 5 && review.status == "approved"
//	contains(tags, "urgent") || length(items) > 3
//
// The branch context (map[string]any) becomes the HCL variable scope; nested
// maps are reachable with attribute access. A small set of go-cty stdlib
// functions is available (length, contains, lower, upper, abs, min, max,
// coalesce, strlen).
//
// Evaluation is pure: the same condition and context always produce the
// same result. A reference to a variable missing from the context makes the
// condition false, unless the variable is listed in Condition.Required, in
// which case evaluation fails with VALIDATION_ERROR. Syntax errors are
// VALIDATION_ERROR too. Results that are not a known, non-null bool count
// as false.
package condition
