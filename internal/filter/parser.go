package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

func syntaxError(input string, pos int, msg string) error {
	return &domain.FilterSyntaxError{Input: input, Offset: pos, Message: msg}
}

// ParseText parses a CQL2-text expression. An empty expression yields the
// identity predicate. The whole input must be consumed.
func ParseText(input string) (domain.Predicate, error) {
	if strings.TrimSpace(input) == "" {
		return domain.True{}, nil
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s after complete expression", t.describe())
	}
	return pred, nil
}

type parser struct {
	input string
	toks  []token
	pos   int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return syntaxError(p.input, t.pos, fmt.Sprintf(format, args...))
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errorf(t, "expected %s, found %s", kind, t.describe())
	}
	return t, nil
}

func (p *parser) expectKeyword(kw string) error {
	t := p.next()
	if !t.is(kw) {
		return p.errorf(t, "expected %s, found %s", kw, t.describe())
	}
	return nil
}

func (p *parser) parseOr() (domain.Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []domain.Predicate{left}
	for p.peek().is("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return domain.Or{Children: children}, nil
}

func (p *parser) parseAnd() (domain.Predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []domain.Predicate{left}
	for p.peek().is("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return domain.And{Children: children}, nil
}

func (p *parser) parseNot() (domain.Predicate, error) {
	if p.peek().is("NOT") {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return domain.Not{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (domain.Predicate, error) {
	t := p.peek()

	switch {
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case t.kind == tokEOF:
		return nil, p.errorf(t, "unexpected end of input")

	case isSpatialFunc(t) && p.peekAt(1).kind == tokLParen:
		return p.parseSpatial()

	case (t.is("TRUE") || t.is("FALSE")) && !startsComparison(p.peekAt(1)):
		p.next()
		if t.is("TRUE") {
			return domain.True{}, nil
		}
		return domain.Not{Child: domain.True{}}, nil

	case t.kind == tokIdent || t.kind == tokQuotedIdent:
		if t.kind == tokIdent && isReserved(t.text) && !isLiteralKeyword(t) {
			return nil, p.errorf(t, "unexpected keyword %s", strings.ToUpper(t.text))
		}
		if t.kind == tokIdent && isLiteralKeyword(t) {
			return p.parseLiteralFirst()
		}
		p.next()
		return p.parseColumnPredicate(t.text)

	case t.kind == tokString || t.kind == tokNumber:
		return p.parseLiteralFirst()

	default:
		return nil, p.errorf(t, "unexpected %s", t.describe())
	}
}

func startsComparison(t token) bool {
	return t.kind == tokOp
}

func isSpatialFunc(t token) bool {
	return t.is("S_INTERSECTS") || t.is("INTERSECTS")
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"IN": true, "BETWEEN": true, "LIKE": true,
}

func isReserved(s string) bool {
	return reserved[strings.ToUpper(s)]
}

func isLiteralKeyword(t token) bool {
	return t.is("TRUE") || t.is("FALSE") || t.is("TIMESTAMP") || t.is("DATE")
}

// parseLiteralFirst handles "literal op column" by flipping the operator.
func (p *parser) parseLiteralFirst() (domain.Predicate, error) {
	start := p.peek()
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, p.errorf(opTok, "expected comparison operator after literal, found %s", opTok.describe())
	}
	op, err := p.operator(opTok)
	if err != nil {
		return nil, err
	}
	colTok := p.next()
	if colTok.kind != tokQuotedIdent && (colTok.kind != tokIdent || isReserved(colTok.text) || isLiteralKeyword(colTok)) {
		return nil, p.errorf(start, "comparison between two literals is not supported")
	}
	return domain.Comparison{Column: colTok.text, Op: flip(op), Value: lit}, nil
}

func flip(op domain.Operator) domain.Operator {
	switch op {
	case domain.OpLt:
		return domain.OpGt
	case domain.OpLe:
		return domain.OpGe
	case domain.OpGt:
		return domain.OpLt
	case domain.OpGe:
		return domain.OpLe
	default:
		return op
	}
}

func (p *parser) operator(t token) (domain.Operator, error) {
	text := t.text
	if text == "!=" {
		text = "<>"
	}
	op := domain.Operator(text)
	if !op.Valid() {
		return "", p.errorf(t, "unknown operator %q", t.text)
	}
	return op, nil
}

func (p *parser) parseColumnPredicate(column string) (domain.Predicate, error) {
	t := p.next()

	switch {
	case t.kind == tokOp:
		op, err := p.operator(t)
		if err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return domain.Comparison{Column: column, Op: op, Value: lit}, nil

	case t.is("IS"):
		negated := false
		if p.peek().is("NOT") {
			p.next()
			negated = true
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return domain.IsNull{Column: column, Negated: negated}, nil

	case t.is("NOT"):
		next := p.peek()
		switch {
		case next.is("IN"), next.is("BETWEEN"), next.is("LIKE"):
			pred, err := p.parseColumnPredicate(column)
			if err != nil {
				return nil, err
			}
			return negate(pred), nil
		default:
			return nil, p.errorf(next, "expected IN, BETWEEN or LIKE after NOT, found %s", next.describe())
		}

	case t.is("IN"):
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		var values []any
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, p.errorf(sep, "expected ',' or ')' in IN list, found %s", sep.describe())
			}
		}
		return domain.In{Column: column, Values: values}, nil

	case t.is("BETWEEN"):
		low, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return domain.Between{Column: column, Low: low, High: high}, nil

	case t.is("LIKE"):
		s, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		return domain.Like{Column: column, Pattern: s.text}, nil

	default:
		return nil, p.errorf(t, "expected operator after %q, found %s", column, t.describe())
	}
}

func negate(pred domain.Predicate) domain.Predicate {
	switch t := pred.(type) {
	case domain.In:
		t.Negated = !t.Negated
		return t
	case domain.Between:
		t.Negated = !t.Negated
		return t
	case domain.Like:
		t.Negated = !t.Negated
		return t
	default:
		return domain.Not{Child: pred}
	}
}

func (p *parser) parseLiteral() (any, error) {
	t := p.next()
	switch {
	case t.kind == tokString:
		return t.text, nil
	case t.kind == tokNumber:
		return parseNumber(p, t)
	case t.is("TRUE"):
		return true, nil
	case t.is("FALSE"):
		return false, nil
	case t.is("TIMESTAMP"), t.is("DATE"):
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		s, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		ts, err := parseInstant(s.text)
		if err != nil {
			return nil, p.errorf(s, "invalid %s literal %q", strings.ToUpper(t.text), s.text)
		}
		return ts, nil
	case t.is("NULL"):
		return nil, p.errorf(t, "NULL is only valid in IS [NOT] NULL")
	default:
		return nil, p.errorf(t, "expected literal, found %s", t.describe())
	}
}

func parseNumber(p *parser, t token) (any, error) {
	if !strings.ContainsAny(t.text, ".eE") {
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, p.errorf(t, "invalid number %q", t.text)
	}
	return f, nil
}

var instantLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseInstant(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range instantLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseSpatial reads S_INTERSECTS(column, BBOX(w,s,e,n)). ENVELOPE takes
// the same argument order.
func (p *parser) parseSpatial() (domain.Predicate, error) {
	p.next()
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	col := p.next()
	if col.kind != tokIdent && col.kind != tokQuotedIdent {
		return nil, p.errorf(col, "expected geometry column, found %s", col.describe())
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	fn := p.next()
	if !fn.is("BBOX") && !fn.is("ENVELOPE") {
		return nil, p.errorf(fn, "expected BBOX or ENVELOPE, found %s", fn.describe())
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}

	var coords []float64
	for {
		n, err := p.expect(tokNumber)
		if err != nil {
			return nil, err
		}
		v, err := parseNumber(p, n)
		if err != nil {
			return nil, err
		}
		coords = append(coords, toFloat(v))
		sep := p.next()
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return nil, p.errorf(sep, "expected ',' or ')' in %s, found %s", strings.ToUpper(fn.text), sep.describe())
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	b, err := bboxFromCoords(coords)
	if err != nil {
		return nil, p.errorf(fn, "%v", err)
	}
	return domain.Spatial{Column: col.text, BBox: b}, nil
}

// bboxFromCoords accepts 2D (4 values) or 3D (6 values) boxes.
func bboxFromCoords(c []float64) (domain.BBox, error) {
	var b domain.BBox
	switch len(c) {
	case 4:
		b = domain.NewBBox(c[0], c[1], c[2], c[3], domain.SRIDWGS84)
	case 6:
		b = domain.NewBBox(c[0], c[1], c[3], c[4], domain.SRIDWGS84)
	default:
		return domain.BBox{}, fmt.Errorf("bbox needs 4 or 6 numbers, got %d", len(c))
	}
	if !b.IsValid() {
		return domain.BBox{}, fmt.Errorf("bbox minimum exceeds maximum")
	}
	return b, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
