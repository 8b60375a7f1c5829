package filter

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jobrunner/tessera/internal/domain"
)

// tri is SQL three-valued logic.
type tri int8

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

// Eval evaluates p against a decoded feature with SQL NULL semantics: a
// row matches only when the predicate is true, not unknown. Spatial
// leaves test the geometry envelope against the bbox, like the SQL
// engines do.
func Eval(p domain.Predicate, f *domain.Feature) bool {
	return eval(p, f) == triTrue
}

func eval(p domain.Predicate, f *domain.Feature) tri {
	switch t := p.(type) {
	case nil, domain.True:
		return triTrue

	case domain.And:
		result := triTrue
		for _, c := range t.Children {
			switch eval(c, f) {
			case triFalse:
				return triFalse
			case triUnknown:
				result = triUnknown
			}
		}
		return result

	case domain.Or:
		result := triFalse
		for _, c := range t.Children {
			switch eval(c, f) {
			case triTrue:
				return triTrue
			case triUnknown:
				result = triUnknown
			}
		}
		return result

	case domain.Not:
		switch eval(t.Child, f) {
		case triTrue:
			return triFalse
		case triFalse:
			return triTrue
		default:
			return triUnknown
		}

	case domain.Spatial:
		if f.Geometry == nil {
			return triUnknown
		}
		b := f.Geometry.Bound()
		env := domain.NewBBox(b.Min[0], b.Min[1], b.Max[0], b.Max[1], t.BBox.SRID)
		return triOf(env.Intersects(t.BBox))

	case domain.Comparison:
		v, ok := f.GetProperty(t.Column)
		if !ok || v == nil {
			return triUnknown
		}
		// Values of different types never match, whatever the operator.
		c, ok := compare(v, t.Value)
		if !ok {
			return triFalse
		}
		return triOf(opHolds(t.Op, c))

	case domain.IsNull:
		v, ok := f.GetProperty(t.Column)
		isNull := !ok || v == nil
		return triOf(isNull != t.Negated)

	case domain.In:
		v, ok := f.GetProperty(t.Column)
		if !ok || v == nil {
			return triUnknown
		}
		found := false
		for _, item := range t.Values {
			if c, ok := compare(v, item); ok && c == 0 {
				found = true
				break
			}
		}
		return triOf(found != t.Negated)

	case domain.Between:
		v, ok := f.GetProperty(t.Column)
		if !ok || v == nil {
			return triUnknown
		}
		lo, ok1 := compare(v, t.Low)
		hi, ok2 := compare(v, t.High)
		if !ok1 || !ok2 {
			return triFalse
		}
		return triOf((lo >= 0 && hi <= 0) != t.Negated)

	case domain.Like:
		v, ok := f.GetProperty(t.Column)
		if !ok || v == nil {
			return triUnknown
		}
		s, isStr := v.(string)
		if !isStr {
			return triFalse
		}
		return triOf(likeMatch(s, t.Pattern) != t.Negated)

	default:
		return triFalse
	}
}

func opHolds(op domain.Operator, c int) bool {
	switch op {
	case domain.OpEq:
		return c == 0
	case domain.OpNe:
		return c != 0
	case domain.OpLt:
		return c < 0
	case domain.OpLe:
		return c <= 0
	case domain.OpGt:
		return c > 0
	case domain.OpGe:
		return c >= 0
	default:
		return false
	}
}

// compare orders a row value against a literal. The second result is false
// when the two are not comparable.
func compare(v, lit any) (int, bool) {
	if a, ok := number(v); ok {
		b, ok := number(lit)
		if !ok {
			return 0, false
		}
		return cmpOrdered(a, b), true
	}

	switch a := v.(type) {
	case string:
		switch b := lit.(type) {
		case string:
			return strings.Compare(a, b), true
		case time.Time:
			ts, err := parseInstant(a)
			if err != nil {
				return 0, false
			}
			return ts.Compare(b), true
		}
	case bool:
		b, ok := lit.(bool)
		if !ok {
			return 0, false
		}
		if a == b {
			return 0, true
		}
		if !a {
			return -1, true
		}
		return 1, true
	case time.Time:
		switch b := lit.(type) {
		case time.Time:
			return a.Compare(b), true
		case string:
			ts, err := parseInstant(b)
			if err != nil {
				return 0, false
			}
			return a.Compare(ts), true
		}
	}
	return 0, false
}

func cmpOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(s, pattern string) bool {
	// Iterative matcher with single-star backtracking.
	si, pi := 0, 0
	starP, starS := -1, 0
	for si < len(s) {
		if pi < len(pattern) {
			pr, psize := utf8.DecodeRuneInString(pattern[pi:])
			sr, ssize := utf8.DecodeRuneInString(s[si:])
			switch {
			case pr == '%':
				starP, starS = pi, si
				pi += psize
				continue
			case pr == '_' || pr == sr:
				pi += psize
				si += ssize
				continue
			}
		}
		if starP < 0 {
			return false
		}
		_, ssize := utf8.DecodeRuneInString(s[starS:])
		starS += ssize
		si = starS
		pi = starP + 1
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}
