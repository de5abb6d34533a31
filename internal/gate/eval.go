package gate

import (
	"strconv"
	"strings"
)

// Context holds the four namespaces a rule may reference. Values under each
// namespace may nest (payload fields); unknown keys resolve to nil, which is
// falsy.
type Context struct {
	Signal    map[string]any
	Payload   map[string]any
	Checklist map[string]any
	Gate      map[string]any
}

// NewContext returns a context with all namespaces allocated.
func NewContext() *Context {
	return &Context{
		Signal:    map[string]any{},
		Payload:   map[string]any{},
		Checklist: map[string]any{},
		Gate:      map[string]any{},
	}
}

// Evaluate runs a compiled rule against the context and returns the gate's
// boolean result.
func (r *Rule) Evaluate(ctx *Context) bool {
	return Truthy(eval(r.expr, ctx))
}

// EvaluateAll evaluates rules in declaration order, inserting each result
// into ctx.Gate before the next rule runs so later gates may reference
// earlier ones.
func EvaluateAll(rules []*Rule, ctx *Context) map[string]bool {
	results := make(map[string]bool, len(rules))
	for _, rule := range rules {
		value := rule.Evaluate(ctx)
		results[rule.Key] = value
		ctx.Gate[rule.Key] = value
	}
	return results
}

func eval(expr Expr, ctx *Context) any {
	switch e := expr.(type) {
	case Literal:
		return e.Value
	case Ref:
		return ctx.resolve(e.Path)
	case Not:
		return !Truthy(eval(e.X, ctx))
	case Binary:
		switch e.Op {
		case opAnd:
			return Truthy(eval(e.L, ctx)) && Truthy(eval(e.R, ctx))
		case opOr:
			return Truthy(eval(e.L, ctx)) || Truthy(eval(e.R, ctx))
		case opEq:
			return looseEqual(eval(e.L, ctx), eval(e.R, ctx))
		case opNeq:
			return !looseEqual(eval(e.L, ctx), eval(e.R, ctx))
		}
	}
	return nil
}

func (c *Context) resolve(path []string) any {
	var root map[string]any
	switch path[0] {
	case "signal":
		root = c.Signal
	case "payload":
		root = c.Payload
	case "checklist":
		root = c.Checklist
	case "gate":
		root = c.Gate
	default:
		return nil
	}

	var current any = root
	for _, segment := range path[1:] {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[segment]
		if !ok {
			return nil
		}
	}
	if len(path) == 1 {
		return root
	}
	return current
}

// Truthy coerces a context value to a boolean: booleans as-is; the strings
// "true", "1", "yes" (case-insensitive) are true and any other string is
// false; numbers are true iff non-zero; nil and missing values are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		}
		return false
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// looseEqual compares two scalars after coercion: numbers compare
// numerically (numeric strings included), booleans compare against the other
// side's truthiness, everything else compares as strings.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ab, ok := a.(bool); ok {
		return ab == Truthy(b)
	}
	if bb, ok := b.(bool); ok {
		return Truthy(a) == bb
	}

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}

	return toString(a) == toString(b)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
