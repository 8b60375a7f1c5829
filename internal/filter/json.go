package filter

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"

	"github.com/jobrunner/tessera/internal/domain"
)

// ParseJSON parses a CQL2-JSON expression.
func ParseJSON(input string) (domain.Predicate, error) {
	if strings.TrimSpace(input) == "" {
		return domain.True{}, nil
	}
	doc, err := oj.ParseString(input)
	if err != nil {
		return nil, &domain.FilterSyntaxError{Input: input, Offset: -1, Message: "invalid JSON: " + err.Error()}
	}
	jp := jsonParser{input: input}
	return jp.node(doc)
}

type jsonParser struct {
	input string
}

func (j jsonParser) errorf(format string, args ...any) error {
	return &domain.FilterSyntaxError{Input: j.input, Offset: -1, Message: fmt.Sprintf(format, args...)}
}

func (j jsonParser) node(v any) (domain.Predicate, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return domain.True{}, nil
		}
		return domain.Not{Child: domain.True{}}, nil
	case map[string]any:
		return j.operation(t)
	default:
		return nil, j.errorf("expected an operation object, found %T", v)
	}
}

func (j jsonParser) operation(obj map[string]any) (domain.Predicate, error) {
	opRaw, ok := obj["op"].(string)
	if !ok {
		return nil, j.errorf(`operation object needs a string "op"`)
	}
	args, ok := obj["args"].([]any)
	if !ok {
		return nil, j.errorf("operation %q needs an args array", opRaw)
	}
	op := strings.ToLower(opRaw)

	switch op {
	case "and", "or":
		if len(args) < 2 {
			return nil, j.errorf("%q needs at least two arguments", op)
		}
		children := make([]domain.Predicate, len(args))
		for i, a := range args {
			c, err := j.node(a)
			if err != nil {
				return nil, err
			}
			children[i] = c
		}
		if op == "and" {
			return domain.And{Children: children}, nil
		}
		return domain.Or{Children: children}, nil

	case "not":
		if len(args) != 1 {
			return nil, j.errorf(`"not" needs exactly one argument`)
		}
		c, err := j.node(args[0])
		if err != nil {
			return nil, err
		}
		return domain.Not{Child: c}, nil

	case "=", "<>", "<", "<=", ">", ">=":
		if len(args) != 2 {
			return nil, j.errorf("%q needs exactly two arguments", op)
		}
		if col, ok := property(args[0]); ok {
			lit, err := j.literal(args[1])
			if err != nil {
				return nil, err
			}
			return domain.Comparison{Column: col, Op: domain.Operator(op), Value: lit}, nil
		}
		if col, ok := property(args[1]); ok {
			lit, err := j.literal(args[0])
			if err != nil {
				return nil, err
			}
			return domain.Comparison{Column: col, Op: flip(domain.Operator(op)), Value: lit}, nil
		}
		return nil, j.errorf("%q needs a property argument", op)

	case "isnull":
		if len(args) != 1 {
			return nil, j.errorf(`"isNull" needs exactly one argument`)
		}
		col, ok := property(args[0])
		if !ok {
			return nil, j.errorf(`"isNull" needs a property argument`)
		}
		return domain.IsNull{Column: col}, nil

	case "like":
		if len(args) != 2 {
			return nil, j.errorf(`"like" needs exactly two arguments`)
		}
		col, ok := property(args[0])
		pattern, isStr := args[1].(string)
		if !ok || !isStr {
			return nil, j.errorf(`"like" needs a property and a string pattern`)
		}
		return domain.Like{Column: col, Pattern: pattern}, nil

	case "between":
		if len(args) != 3 {
			return nil, j.errorf(`"between" needs exactly three arguments`)
		}
		col, ok := property(args[0])
		if !ok {
			return nil, j.errorf(`"between" needs a property argument`)
		}
		low, err := j.literal(args[1])
		if err != nil {
			return nil, err
		}
		high, err := j.literal(args[2])
		if err != nil {
			return nil, err
		}
		return domain.Between{Column: col, Low: low, High: high}, nil

	case "in":
		if len(args) != 2 {
			return nil, j.errorf(`"in" needs exactly two arguments`)
		}
		col, ok := property(args[0])
		list, isList := args[1].([]any)
		if !ok || !isList || len(list) == 0 {
			return nil, j.errorf(`"in" needs a property and a non-empty list`)
		}
		values := make([]any, len(list))
		for i, item := range list {
			lit, err := j.literal(item)
			if err != nil {
				return nil, err
			}
			values[i] = lit
		}
		return domain.In{Column: col, Values: values}, nil

	case "s_intersects", "intersects":
		if len(args) != 2 {
			return nil, j.errorf("%q needs exactly two arguments", op)
		}
		col, ok := property(args[0])
		if !ok {
			return nil, j.errorf("%q needs a property argument", op)
		}
		b, err := j.bbox(args[1])
		if err != nil {
			return nil, err
		}
		return domain.Spatial{Column: col, BBox: b}, nil

	default:
		return nil, j.errorf("unsupported operation %q", opRaw)
	}
}

func property(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := m["property"].(string)
	return name, ok
}

func (j jsonParser) literal(v any) (any, error) {
	switch t := v.(type) {
	case string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case map[string]any:
		for _, key := range []string{"timestamp", "date"} {
			if s, ok := t[key].(string); ok {
				ts, err := parseInstant(s)
				if err != nil {
					return nil, j.errorf("invalid %s literal %q", key, s)
				}
				return ts, nil
			}
		}
		return nil, j.errorf("unsupported literal object")
	case nil:
		return nil, j.errorf(`null literal; use "isNull"`)
	default:
		return nil, j.errorf("unsupported literal of type %T", v)
	}
}

func (j jsonParser) bbox(v any) (domain.BBox, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.BBox{}, j.errorf(`spatial argument must be {"bbox": [...]}`)
	}
	raw, ok := m["bbox"].([]any)
	if !ok {
		return domain.BBox{}, j.errorf(`spatial argument must be {"bbox": [...]}`)
	}
	coords := make([]float64, len(raw))
	for i, c := range raw {
		switch n := c.(type) {
		case int64:
			coords[i] = float64(n)
		case float64:
			coords[i] = n
		default:
			return domain.BBox{}, j.errorf("bbox values must be numbers")
		}
	}
	b, err := bboxFromCoords(coords)
	if err != nil {
		return domain.BBox{}, j.errorf("%v", err)
	}
	return b, nil
}
