// Package expr evaluates the restricted boolean expression language used
// by condition and loop nodes: comparisons, and/or/not, parentheses,
// literals, and ${path} variable references.
//
// The grammar is closed. Expressions cannot call functions, index
// arbitrary objects, or otherwise execute code, so untrusted workflow
// definitions stay safe.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/xraph/loom/vars"
)

// EvalError reports a malformed expression or a type mismatch during
// evaluation.
type EvalError struct {
	Expr string
	Msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expr: %s in %q", e.Msg, e.Expr)
}

// Eval parses and evaluates a boolean expression against the scope.
// Variable references are resolved through the scope at evaluation
// time; a missing path surfaces as a *vars.ResolutionError, everything
// else as an *EvalError. Comparing incompatible types is an error, not
// a coercion.
func Eval(expression string, scope vars.Scope) (bool, error) {
	p := &parser{expr: expression, toks: nil, scope: scope}
	if err := p.lex(); err != nil {
		return false, err
	}

	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if !p.atEOF() {
		return false, p.errf("unexpected trailing input at %q", p.peek().text)
	}

	b, ok := val.(bool)
	if !ok {
		return false, p.errf("expression is not boolean (got %T)", val)
	}
	return b, nil
}

// ──────────────────────────────────────────────────
// Lexer
// ──────────────────────────────────────────────────

type tokKind int

const (
	tokEOF tokKind = iota
	tokVar         // ${path}
	tokString      // 'x' or "x"
	tokNumber
	tokBool
	tokNull
	tokOp // == != < <= > >= and or not
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	num  float64
	bval bool
}

type parser struct {
	expr  string
	toks  []token
	pos   int
	scope vars.Scope
}

func (p *parser) errf(format string, args ...any) error {
	return &EvalError{Expr: p.expr, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) lex() error {
	s := p.expr
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			p.toks = append(p.toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			p.toks = append(p.toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '$' && i+1 < len(s) && s[i+1] == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return p.errf("unterminated variable reference")
			}
			path := s[i+2 : i+end]
			if path == "" {
				return p.errf("empty variable reference")
			}
			p.toks = append(p.toks, token{kind: tokVar, text: path})
			i += end + 1
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return p.errf("unterminated string literal")
			}
			p.toks = append(p.toks, token{kind: tokString, text: s[i+1 : j]})
			i = j + 1
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "<="), strings.HasPrefix(s[i:], ">="),
			strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"):
			op := s[i : i+2]
			switch op {
			case "&&":
				op = "and"
			case "||":
				op = "or"
			}
			p.toks = append(p.toks, token{kind: tokOp, text: op})
			i += 2
		case c == '<' || c == '>':
			p.toks = append(p.toks, token{kind: tokOp, text: string(c)})
			i++
		case c == '!':
			p.toks = append(p.toks, token{kind: tokOp, text: "not"})
			i++
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(s) && (s[j] == '.' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			n, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return p.errf("bad number literal %q", s[i:j])
			}
			p.toks = append(p.toks, token{kind: tokNumber, num: n, text: s[i:j]})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(s) && isIdentPart(rune(s[j])) {
				j++
			}
			word := s[i:j]
			switch word {
			case "and", "or", "not":
				p.toks = append(p.toks, token{kind: tokOp, text: word})
			case "true":
				p.toks = append(p.toks, token{kind: tokBool, bval: true, text: word})
			case "false":
				p.toks = append(p.toks, token{kind: tokBool, bval: false, text: word})
			case "null", "nil":
				p.toks = append(p.toks, token{kind: tokNull, text: word})
			default:
				return p.errf("unknown identifier %q (variables use ${name})", word)
			}
			i = j
		default:
			return p.errf("unexpected character %q", string(c))
		}
	}
	p.toks = append(p.toks, token{kind: tokEOF})
	return nil
}

func isIdentStart(r rune) bool { return unicode.IsLetter(r) || r == '_' }
func isIdentPart(r rune) bool  { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }

// ──────────────────────────────────────────────────
// Parser / evaluator
// ──────────────────────────────────────────────────

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptOp(name string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == name {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lb, rb, err := p.bothBool(left, right, "or")
		if err != nil {
			return nil, err
		}
		left = lb || rb
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		lb, rb, err := p.bothBool(left, right, "and")
		if err != nil {
			return nil, err
		}
		left = lb && rb
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.acceptOp("not") {
		val, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		b, ok := val.(bool)
		if !ok {
			return nil, p.errf("operand of 'not' is not boolean (got %T)", val)
		}
		return !b, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return left, nil
	}
	p.pos++

	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return p.compare(t.text, left, right)
}

func (p *parser) parseTerm() (any, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, p.errf("missing closing parenthesis")
		}
		return val, nil
	case tokVar:
		val, ok := p.scope.Lookup(t.text)
		if !ok {
			return nil, &vars.ResolutionError{Path: t.text}
		}
		return val, nil
	case tokString:
		return t.text, nil
	case tokNumber:
		return t.num, nil
	case tokBool:
		return t.bval, nil
	case tokNull:
		return nil, nil
	case tokEOF:
		return nil, p.errf("unexpected end of expression")
	default:
		return nil, p.errf("unexpected token %q", t.text)
	}
}

func (p *parser) bothBool(l, r any, op string) (bool, bool, error) {
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if !lok || !rok {
		return false, false, p.errf("operands of %q are not boolean (%T, %T)", op, l, r)
	}
	return lb, rb, nil
}

func (p *parser) compare(op string, l, r any) (bool, error) {
	// Numeric comparison unifies int/float representations.
	if lf, lok := asFloat(l); lok {
		if rf, rok := asFloat(r); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
		return false, p.errf("cannot compare number with %T", r)
	}

	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return false, p.errf("cannot compare string with %T", r)
		}
		switch op {
		case "==":
			return lv == rv, nil
		case "!=":
			return lv != rv, nil
		case "<":
			return lv < rv, nil
		case "<=":
			return lv <= rv, nil
		case ">":
			return lv > rv, nil
		case ">=":
			return lv >= rv, nil
		}
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return false, p.errf("cannot compare bool with %T", r)
		}
		switch op {
		case "==":
			return lv == rv, nil
		case "!=":
			return lv != rv, nil
		}
		return false, p.errf("bool supports only == and !=")
	case nil:
		switch op {
		case "==":
			return r == nil, nil
		case "!=":
			return r != nil, nil
		}
		return false, p.errf("null supports only == and !=")
	}

	return false, p.errf("cannot compare %T with %T", l, r)
}

// asFloat unifies the numeric types that reach the scope from JSON,
// YAML, and Go callers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
