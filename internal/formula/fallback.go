package formula

import (
	"fmt"
	"strings"

	"github.com/trialgrid/crfengine/model"
)

// EvaluateBoolean evaluates the minimal bare boolean grammar used as the
// fallback parse path for business_logic rules whose text the Excel-style
// parser does not recognise:
//
//	or     := and ("||" and)*
//	and    := unary ("&&" unary)*
//	unary  := "!" unary | "(" or ")" | comparison
//	cmp    := term (("==" | "!=" | ">=" | "<=" | ">" | "<") term)?
//	term   := "value" | identifier | number | quoted string | true | false
//
// Identifiers other than "value" resolve against ctx. There are no
// function calls, no arithmetic and no host access.
func EvaluateBoolean(expr string, value any, ctx model.FieldContext) (bool, error) {
	toks, err := lexBool(expr)
	if err != nil {
		return false, &Error{Expr: expr, Reason: err.Error()}
	}
	if len(toks) == 0 {
		return false, errf(expr, "empty expression")
	}

	p := &boolParser{expr: expr, value: value, ctx: ctx, toks: toks}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.toks) {
		return false, errf(expr, "unexpected trailing input at %q", p.toks[p.pos].text)
	}
	return truthy(result), nil
}

func lexBool(src string) ([]token, error) {
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
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			toks = append(toks, token{tokOp, "&&"})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			toks = append(toks, token{tokOp, "||"})
			i += 2
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("single '=' is not a valid operator here")
			}
			toks = append(toks, token{tokOp, "=="})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "!"})
				i++
			}
		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op})
			i++
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

type boolParser struct {
	expr  string
	value any
	ctx   model.FieldContext
	toks  []token
	pos   int
}

func (p *boolParser) peek() token {
	if p.pos >= len(p.toks) {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *boolParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *boolParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *boolParser) parseUnary() (any, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "!" {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	if t.kind == tokLParen {
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, errf(p.expr, "missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return p.parseComparison()
}

func (p *boolParser) parseComparison() (any, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", ">", ">=", "<", "<=":
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return compare(left, right, t.text), nil
		}
	}
	return left, nil
}

func (p *boolParser) parseTerm() (any, error) {
	if p.pos >= len(p.toks) {
		return nil, errf(p.expr, "unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case tokNumber:
		n, ok := toNumber(t.text)
		if !ok {
			return nil, errf(p.expr, "invalid number %q", t.text)
		}
		return n, nil
	case tokString:
		return t.text, nil
	case tokIdent:
		switch {
		case strings.EqualFold(t.text, "value"):
			return p.value, nil
		case strings.EqualFold(t.text, "true"):
			return true, nil
		case strings.EqualFold(t.text, "false"):
			return false, nil
		default:
			v, ok := p.ctx.Lookup(t.text)
			if !ok {
				return nil, errf(p.expr, "field %q not found in context", t.text)
			}
			return v, nil
		}
	default:
		return nil, errf(p.expr, "unexpected token %q", t.text)
	}
}
