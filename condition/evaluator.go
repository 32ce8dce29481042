package condition

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/graph"
)

// Default limits for the parsed-expression namespace.
const (
	DefaultParsedMaxEntries = 2000
	DefaultParsedMaxBytes   = 1 << 20

	// parsedBytesPerChar approximates AST size relative to source length.
	parsedBytesPerChar = 16
)

var functions = map[string]function.Function{
	"length":   stdlib.LengthFunc,
	"contains": stdlib.ContainsFunc,
	"lower":    stdlib.LowerFunc,
	"upper":    stdlib.UpperFunc,
	"abs":      stdlib.AbsoluteFunc,
	"min":      stdlib.MinFunc,
	"max":      stdlib.MaxFunc,
	"coalesce": stdlib.CoalesceFunc,
	"strlen":   stdlib.StrlenFunc,
}

// Evaluator evaluates conditions and keeps parsed expressions in an LRU.
// It is safe for concurrent use.
type Evaluator struct {
	parsed *cache.LRU[string, hclsyntax.Expression]
}

// NewEvaluator creates an evaluator whose parse cache is bounded by limits.
// Zero limits select the package defaults.
func NewEvaluator(limits cache.Limits) *Evaluator {
	if limits.MaxEntries == 0 {
		limits.MaxEntries = DefaultParsedMaxEntries
	}
	if limits.MaxTotalBytes == 0 {
		limits.MaxTotalBytes = DefaultParsedMaxBytes
	}
	return &Evaluator{parsed: cache.NewLRU[string, hclsyntax.Expression](limits)}
}

var defaultEvaluator = NewEvaluator(cache.Limits{})

// Evaluate evaluates cond against vars with the package evaluator.
func Evaluate(cond graph.Condition, vars map[string]any) (bool, error) {
	return defaultEvaluator.Evaluate(cond, vars)
}

// EvaluateLink evaluates link against vars with the package evaluator.
func EvaluateLink(link graph.Link, vars map[string]any) (bool, error) {
	return defaultEvaluator.EvaluateLink(link, vars)
}

// Compile parses src, returning the cached expression when available.
func (e *Evaluator) Compile(src string) (hclsyntax.Expression, error) {
	if expr, ok := e.parsed.Get(src); ok {
		return expr, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, errors.Validation(fmt.Sprintf("invalid condition %q: %s", src, diags.Error())).
			WithDetail("expression", src)
	}
	e.parsed.Put(src, expr, int64(len(src)*parsedBytesPerChar))
	return expr, nil
}

// Evaluate reports whether cond holds for vars. An empty expression holds.
func (e *Evaluator) Evaluate(cond graph.Condition, vars map[string]any) (bool, error) {
	for _, name := range cond.Required {
		if !pathDefined(strings.Split(name, "."), vars) {
			return false, errors.Validation(fmt.Sprintf("required variable %q is not defined", name)).
				WithDetail("variable", name).
				WithDetail("expression", cond.Expression)
		}
	}
	if strings.TrimSpace(cond.Expression) == "" {
		return true, nil
	}

	expr, err := e.Compile(cond.Expression)
	if err != nil {
		return false, err
	}

	scope := make(map[string]cty.Value)
	for _, tr := range expr.Variables() {
		if !traversalDefined(tr, vars) {
			return false, nil
		}
		root := tr.RootName()
		if _, done := scope[root]; !done {
			scope[root] = toCty(vars[root])
		}
	}

	val, diags := expr.Value(&hcl.EvalContext{Variables: scope, Functions: functions})
	if diags.HasErrors() {
		return false, nil
	}
	if !val.IsKnown() || val.IsNull() || !val.Type().Equals(cty.Bool) {
		return false, nil
	}
	return val.True(), nil
}

// EvaluateLink reports whether every when on link holds. Unconditional
// links always hold.
func (e *Evaluator) EvaluateLink(link graph.Link, vars map[string]any) (bool, error) {
	for _, w := range link.Whens {
		ok, err := e.Evaluate(w.Condition, vars)
		if err != nil {
			if appErr, isApp := errors.AsAppError(err); isApp {
				return false, appErr.WithDetail("link_id", string(link.ID)).WithDetail("when_id", w.ID)
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Satisfied returns the subset of links whose whens all hold, in order.
func (e *Evaluator) Satisfied(links []graph.Link, vars map[string]any) ([]graph.Link, error) {
	var out []graph.Link
	for _, l := range links {
		ok, err := e.EvaluateLink(l, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// CheckRoutine parses every condition in rv and reports all syntax errors
// as one VALIDATION_ERROR.
func (e *Evaluator) CheckRoutine(rv *graph.RoutineVersion) error {
	var problems []string
	for _, l := range rv.Links() {
		for _, w := range l.Whens {
			if _, err := e.Compile(w.Condition.Expression); err != nil {
				problems = append(problems, fmt.Sprintf("link %s: %v", l.ID, err))
			}
		}
	}
	if len(problems) > 0 {
		return errors.Validation(strings.Join(problems, "; ")).WithDetail("routine_version_id", rv.ID)
	}
	return nil
}

// Stats returns parse cache counters.
func (e *Evaluator) Stats() cache.Stats { return e.parsed.Stats() }

// traversalDefined follows root and attribute steps through vars. Index
// steps end the check; their operands are validated by HCL itself.
func traversalDefined(tr hcl.Traversal, vars map[string]any) bool {
	path := []string{tr.RootName()}
	for _, step := range tr[1:] {
		attr, ok := step.(hcl.TraverseAttr)
		if !ok {
			break
		}
		path = append(path, attr.Name)
	}
	return pathDefined(path, vars)
}

func pathDefined(path []string, vars map[string]any) bool {
	var cur any = vars
	for _, name := range path {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[name]
			if !ok {
				return false
			}
			cur = v
		case map[string]string:
			v, ok := m[name]
			if !ok {
				return false
			}
			cur = v
		default:
			return false
		}
	}
	return true
}
