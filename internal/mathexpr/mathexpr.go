// Package mathexpr extracts and evaluates the arithmetic expression in a
// recognized challenge text.
//
// Grammar (after Normalize):
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/") unary }
//	unary  = ("-" | "+") unary | primary
//	primary = number | "(" expr ")"
package mathexpr

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrParse        = errors.New("no arithmetic expression found")
	ErrDivideByZero = errors.New("division by zero")
)

// Expr is a parsed expression.
type Expr struct {
	src  string
	root node
	ops  int // binary operators
}

func (e Expr) String() string { return e.src }

// Eval evaluates the expression.
func (e Expr) Eval() (float64, error) {
	if e.root == nil {
		return 0, ErrParse
	}
	v, err := e.root.eval()
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result out of range", ErrParse)
	}
	return v, nil
}

// Solve normalizes text, extracts the first expression and evaluates it.
func Solve(text string) (float64, Expr, error) {
	e, err := Extract(text)
	if err != nil {
		return 0, Expr{}, err
	}
	v, err := e.Eval()
	return v, e, err
}

// Extract returns the first expression with at least one binary operator.
// A run of expression characters that does not parse as a whole is searched
// for its first sub-span that does, longest first, so OCR noise around the
// expression is ignored. The last resort is a bare "num op num" match.
func Extract(text string) (Expr, error) {
	s := Normalize(text)
	for _, span := range candidateSpans(s) {
		if e, ok := longestAt(span); ok {
			return e, nil
		}
	}
	if m := numOpNum.FindString(s); m != "" {
		if e, err := Parse(m); err == nil {
			return e, nil
		}
	}
	return Expr{}, ErrParse
}

var numOpNum = regexp.MustCompile(`\d+(?:\.\d+)?\s*[-+*/]\s*\d+(?:\.\d+)?`)

// longestAt tries span whole, then every sub-span starting at a number or
// '(' token, keeping the longest token-aligned prefix that parses.
func longestAt(span string) (Expr, bool) {
	if e, err := Parse(span); err == nil && e.ops > 0 {
		return e, true
	}
	toks := lex(span)
	for i, st := range toks {
		if st.kind != tokNum && st.kind != tokLParen {
			continue
		}
		for j := len(toks) - 1; j > i; j-- {
			e, err := Parse(span[st.pos:toks[j].end])
			if err == nil && e.ops > 0 {
				return e, true
			}
		}
	}
	return Expr{}, false
}

// lex splits s into tokens, stopping at EOF.
func lex(s string) []token {
	p := &parser{src: s}
	var out []token
	for {
		p.next()
		if p.tok.kind == tokEOF {
			return out
		}
		t := p.tok
		t.end = p.pos
		out = append(out, t)
	}
}

// Parse parses s as a whole.
func Parse(s string) (Expr, error) {
	p := &parser{src: s}
	p.next()
	n, err := p.expr()
	if err != nil {
		return Expr{}, err
	}
	if p.tok.kind != tokEOF {
		return Expr{}, fmt.Errorf("%w: unexpected %q at %d", ErrParse, p.tok.text, p.tok.pos)
	}
	return Expr{src: strings.TrimSpace(s), root: n, ops: p.ops}, nil
}

func isExprRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '.', '+', '-', '*', '/', '(', ')', ' ':
		return true
	}
	return false
}

// candidateSpans splits s into maximal runs of expression characters,
// trimmed, in order of appearance.
func candidateSpans(s string) []string {
	var out []string
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		span := strings.TrimSpace(s[start:end])
		if span != "" && strings.ContainsAny(span, "0123456789") {
			out = append(out, span)
		}
		start = -1
	}
	for i, r := range s {
		if isExprRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(s))
	return out
}

// ---- AST ----

type node interface {
	eval() (float64, error)
}

type numNode float64

func (n numNode) eval() (float64, error) { return float64(n), nil }

type negNode struct{ x node }

func (n negNode) eval() (float64, error) {
	v, err := n.x.eval()
	return -v, err
}

type binNode struct {
	op   byte
	l, r node
}

func (n binNode) eval() (float64, error) {
	l, err := n.l.eval()
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval()
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, ErrDivideByZero
		}
		return l / r, nil
	}
	return 0, fmt.Errorf("%w: operator %q", ErrParse, n.op)
}

// ---- lexer/parser ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokOp
	tokLParen
	tokRParen
	tokBad
)

type token struct {
	kind tokKind
	text string
	pos  int
	end  int
	num  float64
}

type parser struct {
	src string
	pos int
	tok token
	ops int
}

func (p *parser) next() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: p.pos}
		return
	}
	start := p.pos
	c := p.src[p.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		dots := 0
		for p.pos < len(p.src) {
			ch := p.src[p.pos]
			if ch == '.' {
				dots++
			} else if ch < '0' || ch > '9' {
				break
			}
			p.pos++
		}
		text := p.src[start:p.pos]
		v, err := strconv.ParseFloat(text, 64)
		if dots > 1 || err != nil {
			p.tok = token{kind: tokBad, text: text, pos: start}
			return
		}
		p.tok = token{kind: tokNum, text: text, pos: start, num: v}
	case c == '+' || c == '-' || c == '*' || c == '/':
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokBad, text: string(c), pos: start}
	}
}

func (p *parser) expr() (node, error) {
	l, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text[0]
		p.next()
		r, err := p.term()
		if err != nil {
			return nil, err
		}
		p.ops++
		l = binNode{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) term() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text[0]
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		p.ops++
		l = binNode{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		neg := p.tok.text == "-"
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if neg {
			return negNode{x: x}, nil
		}
		return x, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	switch p.tok.kind {
	case tokNum:
		v := p.tok.num
		p.next()
		return numNode(v), nil
	case tokLParen:
		p.next()
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' at %d", ErrParse, p.tok.pos)
		}
		p.next()
		return n, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end", ErrParse)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrParse, p.tok.text, p.tok.pos)
	}
}

// Format renders v for a reply. precision < 0 means shortest form; whole
// numbers never carry a fractional part.
func Format(v float64, precision int) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		if v == 0 {
			return "0"
		}
		return strconv.FormatInt(int64(v), 10)
	}
	if precision < 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}
