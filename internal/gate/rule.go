package gate

// Rule is a compiled gate rule: the source text plus its AST. Compiling once
// at driver load avoids re-parsing the same string on every recomputation.
type Rule struct {
	Key    string
	Source string
	expr   Expr
}

// Compile parses and validates a rule. All observed driver rules use a
// single boolean connective per expression; mixing && and || without
// grouping syntax is ambiguous to readers, so it is rejected here rather
// than resolved by precedence at evaluation time.
func Compile(key, source string) (*Rule, error) {
	expr, p, err := parse(source)
	if err != nil {
		return nil, err
	}
	if p.sawAnd && p.sawOr {
		return nil, &ExpressionError{
			Rule:   source,
			Reason: "mixes && and || in one expression; split into separate gates",
		}
	}
	return &Rule{Key: key, Source: source, expr: expr}, nil
}

// ValidateRule checks rule syntax without retaining the AST.
func ValidateRule(source string) error {
	_, err := Compile("", source)
	return err
}

// GateRefs lists the gate keys this rule references, for load-time
// dependency ordering checks.
func (r *Rule) GateRefs() []string {
	var keys []string
	walk(r.expr, func(ref Ref) {
		if len(ref.Path) == 2 && ref.Path[0] == "gate" {
			keys = append(keys, ref.Path[1])
		}
	})
	return keys
}

func walk(expr Expr, visit func(Ref)) {
	switch e := expr.(type) {
	case Ref:
		visit(e)
	case Not:
		walk(e.X, visit)
	case Binary:
		walk(e.L, visit)
		walk(e.R, visit)
	}
}
