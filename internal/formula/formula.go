// Package formula implements the Excel-like expression subset used by
// formula, business_logic and cross_form validation rules, plus the
// minimal bare-boolean fallback grammar for business_logic rules.
//
// The evaluator is a pure function with no I/O. Malformed expressions,
// unknown functions and references to missing fields return an *Error;
// callers treat that as a passing validation (fail-open) so a broken rule
// configuration never blocks data entry.
package formula

import (
	"fmt"
	"strings"

	"github.com/trialgrid/crfengine/model"
)

// Error describes why an expression could not be evaluated. It is a
// diagnostic, not a validation failure.
type Error struct {
	Expr   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("formula %q: %s", e.Expr, e.Reason)
}

func errf(expr, format string, args ...any) *Error {
	return &Error{Expr: expr, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate parses and evaluates an expression against the value under
// test and its sibling-field context, returning the truthiness of the
// result. The leading "=" is optional. The special placeholder {value}
// refers to the value under test; {path} refers to any other field in ctx.
func Evaluate(expr string, value any, ctx model.FieldContext) (bool, error) {
	src := strings.TrimSpace(expr)
	src = strings.TrimPrefix(src, "=")
	if strings.TrimSpace(src) == "" {
		return false, errf(expr, "empty expression")
	}

	toks, err := lex(src)
	if err != nil {
		return false, &Error{Expr: expr, Reason: err.Error()}
	}

	p := &parser{expr: expr, toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return false, err
	}
	if !p.atEnd() {
		return false, errf(expr, "unexpected trailing input at %q", p.peek().text)
	}

	ev := &evaluator{expr: expr, value: value, ctx: ctx}
	result, err := ev.eval(node)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// --- Lexer ---

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokPlaceholder
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '{':
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder")
			}
			toks = append(toks, token{tokPlaceholder, src[i+1 : i+end]})
			i += end + 1
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case c == '=':
			// "==" and "=" both mean equality.
			if i+1 < len(src) && src[i+1] == '=' {
				i++
			}
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op})
			i++
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}

// --- Parser ---

type node interface{}

type literalNode struct{ value any }

// bareNode is an unquoted identifier used as a value; it compares
// case-insensitively against strings.
type bareNode struct{ text string }

type placeholderNode struct{ path string }

type callNode struct {
	name string
	args []node
}

type compareNode struct {
	op          string
	left, right node
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

// parseExpr parses an operand optionally followed by a comparison.
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() && p.peek().kind == tokOp {
		op := p.next().text
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	if p.atEnd() {
		return nil, errf(p.expr, "unexpected end of expression")
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, ok := toNumber(t.text)
		if !ok {
			return nil, errf(p.expr, "invalid number %q", t.text)
		}
		return literalNode{value: n}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokPlaceholder:
		return placeholderNode{path: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, errf(p.expr, "missing closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokIdent:
		if !p.atEnd() && p.peek().kind == tokLParen {
			p.next() // consume "("
			return p.parseCall(t.text)
		}
		return bareNode{text: t.text}, nil
	default:
		return nil, errf(p.expr, "unexpected token %q", t.text)
	}
}

func (p *parser) parseCall(name string) (node, error) {
	call := callNode{name: strings.ToUpper(name)}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		switch p.peek().kind {
		case tokComma:
			p.next()
		case tokRParen:
			p.next()
			return call, nil
		default:
			return nil, errf(p.expr, "expected ',' or ')' in %s(...)", call.name)
		}
	}
}

// --- Evaluator ---

type evaluator struct {
	expr  string
	value any
	ctx   model.FieldContext
}

func (e *evaluator) eval(n node) (any, error) {
	switch v := n.(type) {
	case literalNode:
		return v.value, nil
	case bareNode:
		return v.text, nil
	case placeholderNode:
		return e.resolve(v.path)
	case compareNode:
		left, err := e.eval(v.left)
		if err != nil {
			return nil, err
		}
		right, err := e.eval(v.right)
		if err != nil {
			return nil, err
		}
		return compare(left, right, v.op), nil
	case callNode:
		return e.call(v)
	default:
		return nil, errf(e.expr, "unknown node type %T", n)
	}
}

func (e *evaluator) resolve(path string) (any, error) {
	if strings.EqualFold(path, "value") {
		return e.value, nil
	}
	v, ok := e.ctx.Lookup(path)
	if !ok {
		return nil, errf(e.expr, "field %q not found in context", path)
	}
	return v, nil
}

func (e *evaluator) call(c callNode) (any, error) {
	switch c.name {
	case "AND":
		if len(c.args) == 0 {
			return nil, errf(e.expr, "AND requires at least one argument")
		}
		for _, arg := range c.args {
			v, err := e.eval(arg)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "OR":
		if len(c.args) == 0 {
			return nil, errf(e.expr, "OR requires at least one argument")
		}
		for _, arg := range c.args {
			v, err := e.eval(arg)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "NOT":
		if len(c.args) != 1 {
			return nil, errf(e.expr, "NOT requires exactly one argument")
		}
		v, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "IF":
		if len(c.args) != 3 {
			return nil, errf(e.expr, "IF requires exactly three arguments")
		}
		cond, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.eval(c.args[1])
		}
		return e.eval(c.args[2])
	case "ISBLANK":
		if len(c.args) != 1 {
			return nil, errf(e.expr, "ISBLANK requires exactly one argument")
		}
		v, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		return isBlank(v), nil
	case "ISNUMBER":
		if len(c.args) != 1 {
			return nil, errf(e.expr, "ISNUMBER requires exactly one argument")
		}
		v, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		_, ok := toNumber(v)
		return ok, nil
	case "LEN":
		if len(c.args) != 1 {
			return nil, errf(e.expr, "LEN requires exactly one argument")
		}
		v, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		return float64(len(stringify(v))), nil
	default:
		return nil, errf(e.expr, "unknown function %q", c.name)
	}
}
