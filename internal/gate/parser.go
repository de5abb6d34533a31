package gate

import (
	"fmt"
	"strconv"
	"strings"
)

// ExpressionError reports a rule that failed to parse or validate. It is a
// configuration error: drivers carrying one must be rejected at load time so
// a bad rule never masquerades as a business decision.
type ExpressionError struct {
	Rule   string
	Pos    int
	Reason string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("gate rule %q: %s (at offset %d)", e.Rule, e.Reason, e.Pos)
}

type parser struct {
	rule   string
	tokens []token
	pos    int

	sawAnd bool
	sawOr  bool
}

// parse builds the AST for a rule. && binds tighter than ||, equality binds
// tighter than both, and ! applies to the following primary.
func parse(rule string) (Expr, *parser, error) {
	trimmed := strings.TrimSpace(rule)
	if trimmed == "" {
		return nil, nil, &ExpressionError{Rule: rule, Pos: 0, Reason: "empty rule"}
	}

	tokens, err := lex(trimmed)
	if err != nil {
		return nil, nil, err
	}

	p := &parser{rule: trimmed, tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, nil, p.errorf("unexpected %q after expression", p.peek().text)
	}
	return expr, p, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		p.sawOr = true
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: opOr, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		p.sawAnd = true
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: opAnd, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokenEq:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: opEq, L: left, R: right}
		case tokenNeq:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: opNeq, L: left, R: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokenBang {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokenTrue:
		return Literal{Value: true}, nil
	case tokenFalse:
		return Literal{Value: false}, nil
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, &ExpressionError{Rule: p.rule, Pos: tok.pos, Reason: "malformed number " + tok.text}
		}
		return Literal{Value: f}, nil
	case tokenString:
		return Literal{Value: tok.text}, nil
	case tokenIdent:
		path := strings.Split(tok.text, ".")
		for _, segment := range path {
			if segment == "" {
				return nil, &ExpressionError{Rule: p.rule, Pos: tok.pos, Reason: "malformed reference " + tok.text}
			}
		}
		return Ref{Path: path}, nil
	case tokenEOF:
		return nil, &ExpressionError{Rule: p.rule, Pos: tok.pos, Reason: "unexpected end of rule"}
	default:
		return nil, &ExpressionError{Rule: p.rule, Pos: tok.pos, Reason: fmt.Sprintf("unexpected %q", tok.text)}
	}
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(format string, args ...any) error {
	return &ExpressionError{Rule: p.rule, Pos: p.peek().pos, Reason: fmt.Sprintf(format, args...)}
}
