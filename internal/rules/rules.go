// Package rules compiles and evaluates the boolean expressions attached to
// equipment event rules.
//
// Expressions are a bounded pure sublanguage: numeric/boolean literals, tag
// references, unary +/-/not, arithmetic, comparisons, and short-circuit
// and/or. Compilation happens once at startup; all equipments sharing an
// identical expression text share a single compiled program.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Cache memoizes compiled programs keyed by expression source text.
type Cache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewCache creates an empty compile cache.
func NewCache() *Cache {
	return &Cache{programs: make(map[string]*vm.Program)}
}

// Compile returns the compiled program for src, compiling it on first use.
// Identifier validity is decided by the tag catalog (see Identifiers), not by
// the compiler, so programs stay shareable across equipments.
func (c *Cache) Compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prog, ok := c.programs[src]; ok {
		return prog, nil
	}

	prog, err := expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.Function("_div", checkedDivide),
		expr.Patch(divisionPatcher{}),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	c.programs[src] = prog
	return prog, nil
}

// Len returns the number of distinct compiled expressions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// Identifiers returns the tag names referenced by an expression, in order of
// first appearance. Used at startup to validate rules against the tag catalog.
func Identifiers(src string) ([]string, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}

	v := &identVisitor{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, v)
	return v.names, nil
}

// divisionPatcher reroutes / through checkedDivide at compile time. The vm
// divides floats natively, so 1/0 would yield +Inf and flow through the
// surrounding comparison as an ordinary number instead of raising an error.
type divisionPatcher struct{}

func (divisionPatcher) Visit(node *ast.Node) {
	bin, ok := (*node).(*ast.BinaryNode)
	if !ok || bin.Operator != "/" {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: "_div"},
		Arguments: []ast.Node{bin.Left, bin.Right},
	})
}

func checkedDivide(params ...interface{}) (interface{}, error) {
	num, okN := toFloat(params[0])
	den, okD := toFloat(params[1])
	if !okN || !okD {
		return nil, fmt.Errorf("invalid operation: %T / %T", params[0], params[1])
	}
	if den == 0 {
		return nil, fmt.Errorf("division by zero")
	}
	return num / den, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

type identVisitor struct {
	seen  map[string]bool
	names []string
}

func (v *identVisitor) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		if !v.seen[id.Value] {
			v.seen[id.Value] = true
			v.names = append(v.names, id.Value)
		}
	}
}

// Evaluate runs a compiled program against a symbol table and coerces the
// result to a boolean by standard truthiness. Runtime errors (unknown tag,
// division by zero, type mismatch) are returned alongside false so the caller
// can log them; evaluation never panics the tick.
func Evaluate(prog *vm.Program, symtable map[string]interface{}) (bool, error) {
	out, err := expr.Run(prog, symtable)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy applies the coercion rules: explicit booleans as-is, non-zero
// numerics, non-empty strings. Everything else (including nil) is false.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	case string:
		return val != ""
	default:
		return false
	}
}
