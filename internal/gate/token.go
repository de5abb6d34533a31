// Package gate implements the boolean rule language used by driver gate
// definitions. Rules are parsed once into an AST when a driver loads and
// evaluated per envelope against a context of signal, payload, checklist and
// previously computed gate values.
package gate

import (
	"fmt"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenTrue
	tokenFalse
	tokenBang
	tokenAnd
	tokenOr
	tokenEq
	tokenNeq
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes a rule. The grammar has no parentheses; encountering one is
// a syntax error rather than an unsupported grouping silently misread.
func lex(rule string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(rule)

	for i < n {
		c := rule[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '&':
			if i+1 >= n || rule[i+1] != '&' {
				return nil, &ExpressionError{Rule: rule, Pos: i, Reason: "single '&', expected '&&'"}
			}
			tokens = append(tokens, token{tokenAnd, "&&", i})
			i += 2
		case c == '|':
			if i+1 >= n || rule[i+1] != '|' {
				return nil, &ExpressionError{Rule: rule, Pos: i, Reason: "single '|', expected '||'"}
			}
			tokens = append(tokens, token{tokenOr, "||", i})
			i += 2
		case c == '=':
			if i+1 >= n || rule[i+1] != '=' {
				return nil, &ExpressionError{Rule: rule, Pos: i, Reason: "single '=', expected '=='"}
			}
			tokens = append(tokens, token{tokenEq, "==", i})
			i += 2
		case c == '!':
			if i+1 < n && rule[i+1] == '=' {
				tokens = append(tokens, token{tokenNeq, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenBang, "!", i})
				i++
			}
		case c == '\'' || c == '"':
			start := i
			i++
			for i < n && rule[i] != c {
				i++
			}
			if i >= n {
				return nil, &ExpressionError{Rule: rule, Pos: start, Reason: "unterminated string"}
			}
			tokens = append(tokens, token{tokenString, rule[start+1 : i], start})
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < n && (rule[i] >= '0' && rule[i] <= '9' || rule[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenNumber, rule[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(rule[i])) {
				i++
			}
			text := rule[start:i]
			switch text {
			case "true":
				tokens = append(tokens, token{tokenTrue, text, start})
			case "false":
				tokens = append(tokens, token{tokenFalse, text, start})
			default:
				tokens = append(tokens, token{tokenIdent, text, start})
			}
		default:
			return nil, &ExpressionError{Rule: rule, Pos: i, Reason: fmt.Sprintf("unexpected character %q", c)}
		}
	}

	tokens = append(tokens, token{tokenEOF, "", n})
	return tokens, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}
