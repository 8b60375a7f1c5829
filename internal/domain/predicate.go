package domain

import (
	"fmt"
	"strings"
	"time"
)

// Predicate is a node of a filter tree. The concrete node types are the
// ones declared in this file.
type Predicate interface {
	fmt.Stringer
	predicateNode()
}

// Operator is a comparison operator.
type Operator string

// Comparison operators.
const (
	OpEq Operator = "="
	OpNe Operator = "<>"
	OpLt Operator = "<"
	OpLe Operator = "<="
	OpGt Operator = ">"
	OpGe Operator = ">="
)

// Valid reports whether op is a known comparison operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// True matches every row.
type True struct{}

// Comparison compares a column with a literal. Value is one of string,
// int64, float64, bool or time.Time.
type Comparison struct {
	Column string
	Op     Operator
	Value  any
}

// And matches when all children match.
type And struct {
	Children []Predicate
}

// Or matches when any child matches.
type Or struct {
	Children []Predicate
}

// Not negates its child.
type Not struct {
	Child Predicate
}

// Spatial matches rows whose geometry column intersects BBox.
type Spatial struct {
	Column string
	BBox   BBox
}

// IsNull tests a column for NULL.
type IsNull struct {
	Column  string
	Negated bool
}

// In tests membership in a literal list.
type In struct {
	Column  string
	Values  []any
	Negated bool
}

// Between tests an inclusive range.
type Between struct {
	Column  string
	Low     any
	High    any
	Negated bool
}

// Like matches a string column against a SQL LIKE pattern.
type Like struct {
	Column  string
	Pattern string
	Negated bool
}

func (True) predicateNode()       {}
func (Comparison) predicateNode() {}
func (And) predicateNode()        {}
func (Or) predicateNode()         {}
func (Not) predicateNode()        {}
func (Spatial) predicateNode()    {}
func (IsNull) predicateNode()     {}
func (In) predicateNode()         {}
func (Between) predicateNode()    {}
func (Like) predicateNode()       {}

func (True) String() string { return "TRUE" }

func (c Comparison) String() string {
	return fmt.Sprintf("%q %s %s", c.Column, c.Op, FormatLiteral(c.Value))
}

func (a And) String() string { return joinPredicates(a.Children, " AND ") }

func (o Or) String() string { return joinPredicates(o.Children, " OR ") }

func (n Not) String() string { return "NOT (" + n.Child.String() + ")" }

func (s Spatial) String() string {
	return fmt.Sprintf("S_INTERSECTS(%q, BBOX(%g,%g,%g,%g))",
		s.Column, s.BBox.MinX, s.BBox.MinY, s.BBox.MaxX, s.BBox.MaxY)
}

func (n IsNull) String() string {
	if n.Negated {
		return fmt.Sprintf("%q IS NOT NULL", n.Column)
	}
	return fmt.Sprintf("%q IS NULL", n.Column)
}

func (i In) String() string {
	vals := make([]string, len(i.Values))
	for k, v := range i.Values {
		vals[k] = FormatLiteral(v)
	}
	op := "IN"
	if i.Negated {
		op = "NOT IN"
	}
	return fmt.Sprintf("%q %s (%s)", i.Column, op, strings.Join(vals, ", "))
}

func (b Between) String() string {
	op := "BETWEEN"
	if b.Negated {
		op = "NOT BETWEEN"
	}
	return fmt.Sprintf("%q %s %s AND %s", b.Column, op, FormatLiteral(b.Low), FormatLiteral(b.High))
}

func (l Like) String() string {
	op := "LIKE"
	if l.Negated {
		op = "NOT LIKE"
	}
	return fmt.Sprintf("%q %s %s", l.Column, op, FormatLiteral(l.Pattern))
}

func joinPredicates(children []Predicate, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = "(" + c.String() + ")"
	}
	return strings.Join(parts, sep)
}

// FormatLiteral renders a literal in CQL2-text form.
func FormatLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "TIMESTAMP('" + t.UTC().Format(time.RFC3339Nano) + "')"
	default:
		return fmt.Sprint(t)
	}
}

// AndOf conjoins predicates. True operands are dropped and nested Ands are
// flattened; no operands yields True.
func AndOf(preds ...Predicate) Predicate {
	var children []Predicate
	for _, p := range preds {
		switch t := p.(type) {
		case nil, True:
		case And:
			children = append(children, t.Children...)
		default:
			children = append(children, p)
		}
	}
	switch len(children) {
	case 0:
		return True{}
	case 1:
		return children[0]
	default:
		return And{Children: children}
	}
}

// IsTrue reports whether p is the identity predicate.
func IsTrue(p Predicate) bool {
	_, ok := p.(True)
	return p == nil || ok
}

// Walk visits p and its descendants depth-first. Returning false from fn
// stops descent into the node's children.
func Walk(p Predicate, fn func(Predicate) bool) {
	if p == nil || !fn(p) {
		return
	}
	switch t := p.(type) {
	case And:
		for _, c := range t.Children {
			Walk(c, fn)
		}
	case Or:
		for _, c := range t.Children {
			Walk(c, fn)
		}
	case Not:
		Walk(t.Child, fn)
	}
}

// Columns returns the distinct columns referenced by p in first-seen order.
func Columns(p Predicate) []string {
	seen := make(map[string]bool)
	var cols []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	Walk(p, func(n Predicate) bool {
		switch t := n.(type) {
		case Comparison:
			add(t.Column)
		case Spatial:
			add(t.Column)
		case IsNull:
			add(t.Column)
		case In:
			add(t.Column)
		case Between:
			add(t.Column)
		case Like:
			add(t.Column)
		}
		return true
	})
	return cols
}

// ConjunctiveBBoxes returns the boxes of spatial leaves that every
// matching row must intersect, i.e. those reachable from the root through
// And nodes only.
func ConjunctiveBBoxes(p Predicate) []BBox {
	var boxes []BBox
	switch t := p.(type) {
	case Spatial:
		boxes = append(boxes, t.BBox)
	case And:
		for _, c := range t.Children {
			boxes = append(boxes, ConjunctiveBBoxes(c)...)
		}
	}
	return boxes
}

// MapSpatial returns a copy of p with every spatial leaf replaced by fn's
// result.
func MapSpatial(p Predicate, fn func(Spatial) (Predicate, error)) (Predicate, error) {
	switch t := p.(type) {
	case Spatial:
		return fn(t)
	case And:
		children, err := mapChildren(t.Children, fn)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	case Or:
		children, err := mapChildren(t.Children, fn)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	case Not:
		child, err := MapSpatial(t.Child, fn)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		return p, nil
	}
}

func mapChildren(children []Predicate, fn func(Spatial) (Predicate, error)) ([]Predicate, error) {
	out := make([]Predicate, len(children))
	for i, c := range children {
		m, err := MapSpatial(c, fn)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
