package gate

// Expr is a parsed rule expression node.
type Expr interface {
	isExpr()
}

// Literal is a boolean, number, or string constant.
type Literal struct {
	Value any
}

// Ref is a dotted reference into one of the context namespaces,
// e.g. signal.kyc_passed or checklist.required_accepted.
type Ref struct {
	Path []string
}

// Not negates its operand's truthiness.
type Not struct {
	X Expr
}

type binaryOp int

const (
	opAnd binaryOp = iota
	opOr
	opEq
	opNeq
)

// Binary applies a boolean or equality operator to two operands.
type Binary struct {
	Op   binaryOp
	L, R Expr
}

func (Literal) isExpr() {}
func (Ref) isExpr()     {}
func (Not) isExpr()     {}
func (Binary) isExpr()  {}
