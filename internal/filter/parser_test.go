package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobrunner/tessera/internal/domain"
)

func cmp(col string, op domain.Operator, v any) domain.Comparison {
	return domain.Comparison{Column: col, Op: op, Value: v}
}

func TestParseTextComparisons(t *testing.T) {
	tests := []struct {
		input string
		want  domain.Predicate
	}{
		{"height > 350", cmp("height", domain.OpGt, int64(350))},
		{"height >= 3.5", cmp("height", domain.OpGe, 3.5)},
		{"height < -2", cmp("height", domain.OpLt, int64(-2))},
		{"height <= 1e3", cmp("height", domain.OpLe, 1000.0)},
		{"name = 'O''Hare'", cmp("name", domain.OpEq, "O'Hare")},
		{"name <> 'x'", cmp("name", domain.OpNe, "x")},
		{"name != 'x'", cmp("name", domain.OpNe, "x")},
		{"is_open = true", cmp("is_open", domain.OpEq, true)},
		{`"my col" = FALSE`, cmp("my col", domain.OpEq, false)},
		{"350 < height", cmp("height", domain.OpGt, int64(350))},
		{"updated > TIMESTAMP('2024-01-02T03:04:05Z')",
			cmp("updated", domain.OpGt, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{"day = DATE('2024-05-01')", cmp("day", domain.OpEq, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseText(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTextPrecedence(t *testing.T) {
	a := cmp("a", domain.OpEq, int64(1))
	b := cmp("b", domain.OpEq, int64(2))
	c := cmp("c", domain.OpEq, int64(3))

	tests := []struct {
		input string
		want  domain.Predicate
	}{
		{"a = 1 OR b = 2 AND c = 3", domain.Or{Children: []domain.Predicate{a, domain.And{Children: []domain.Predicate{b, c}}}}},
		{"(a = 1 OR b = 2) AND c = 3", domain.And{Children: []domain.Predicate{domain.Or{Children: []domain.Predicate{a, b}}, c}}},
		{"NOT a = 1 AND b = 2", domain.And{Children: []domain.Predicate{domain.Not{Child: a}, b}}},
		{"NOT (a = 1 AND b = 2)", domain.Not{Child: domain.And{Children: []domain.Predicate{a, b}}}},
		{"a = 1 and b = 2 or c = 3", domain.Or{Children: []domain.Predicate{domain.And{Children: []domain.Predicate{a, b}}, c}}},
		{"((a = 1))", a},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseText(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTextExtendedPredicates(t *testing.T) {
	tests := []struct {
		input string
		want  domain.Predicate
	}{
		{"name IS NULL", domain.IsNull{Column: "name"}},
		{"name IS NOT NULL", domain.IsNull{Column: "name", Negated: true}},
		{"class IN ('a', 'b')", domain.In{Column: "class", Values: []any{"a", "b"}}},
		{"class NOT IN (1)", domain.In{Column: "class", Values: []any{int64(1)}, Negated: true}},
		{"h BETWEEN 1 AND 5", domain.Between{Column: "h", Low: int64(1), High: int64(5)}},
		{"h NOT BETWEEN 1 AND 5", domain.Between{Column: "h", Low: int64(1), High: int64(5), Negated: true}},
		{"name LIKE 'Ber%'", domain.Like{Column: "name", Pattern: "Ber%"}},
		{"name NOT LIKE '_x'", domain.Like{Column: "name", Pattern: "_x", Negated: true}},
		{"S_INTERSECTS(geometry, BBOX(-10, 40, 5, 50))",
			domain.Spatial{Column: "geometry", BBox: domain.NewBBox(-10, 40, 5, 50, domain.SRIDWGS84)}},
		{"s_intersects(geom, ENVELOPE(1, 2, 0, 3, 4, 10))",
			domain.Spatial{Column: "geom", BBox: domain.NewBBox(1, 2, 3, 4, domain.SRIDWGS84)}},
		{"TRUE", domain.True{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseText(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTextEmpty(t *testing.T) {
	got, err := ParseText("   ")
	require.NoError(t, err)
	assert.Equal(t, domain.True{}, got)
}

func TestParseTextSyntaxErrors(t *testing.T) {
	tests := []struct {
		input  string
		offset int
	}{
		{"height >", 8},
		{"height > 350 garbage", 13},
		{"height > 350 AND", 16},
		{"(height > 350", 13},
		{"height > 350)", 12},
		{"height = = 1", 9},
		{"height 350", 7},
		{"name = 'unterminated", 7},
		{"a = 1 OR OR b = 2", 9},
		{"a IN ()", 6},
		{"a IS 5", 5},
		{"a # 1", 2},
		{"AND a = 1", 0},
		{"1 = 2", 0},
		{"a = NULL", 4},
		{"S_INTERSECTS(geometry, BBOX(1, 2, 3))", 23},
		{"S_INTERSECTS(geometry, BBOX(5, 2, 3, 4))", 23},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseText(tt.input)
			require.Error(t, err)

			var syntaxErr *domain.FilterSyntaxError
			require.True(t, errors.As(err, &syntaxErr), "got %T: %v", err, err)
			assert.Equal(t, tt.offset, syntaxErr.Offset, syntaxErr.Message)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  domain.Predicate
	}{
		{
			name:  "comparison",
			input: `{"op": ">", "args": [{"property": "height"}, 350]}`,
			want:  cmp("height", domain.OpGt, int64(350)),
		},
		{
			name:  "reversed comparison",
			input: `{"op": "<", "args": [2.5, {"property": "height"}]}`,
			want:  cmp("height", domain.OpGt, 2.5),
		},
		{
			name: "and or not",
			input: `{"op": "and", "args": [
				{"op": "=", "args": [{"property": "a"}, "x"]},
				{"op": "not", "args": [{"op": "isNull", "args": [{"property": "b"}]}]}
			]}`,
			want: domain.And{Children: []domain.Predicate{
				cmp("a", domain.OpEq, "x"),
				domain.Not{Child: domain.IsNull{Column: "b"}},
			}},
		},
		{
			name:  "in",
			input: `{"op": "in", "args": [{"property": "c"}, ["a", "b"]]}`,
			want:  domain.In{Column: "c", Values: []any{"a", "b"}},
		},
		{
			name:  "between",
			input: `{"op": "between", "args": [{"property": "h"}, 1, 2]}`,
			want:  domain.Between{Column: "h", Low: int64(1), High: int64(2)},
		},
		{
			name:  "like",
			input: `{"op": "like", "args": [{"property": "n"}, "A%"]}`,
			want:  domain.Like{Column: "n", Pattern: "A%"},
		},
		{
			name:  "timestamp",
			input: `{"op": ">=", "args": [{"property": "t"}, {"timestamp": "2024-01-01T00:00:00Z"}]}`,
			want:  cmp("t", domain.OpGe, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:  "s_intersects",
			input: `{"op": "s_intersects", "args": [{"property": "geometry"}, {"bbox": [0, 1, 2, 3]}]}`,
			want:  domain.Spatial{Column: "geometry", BBox: domain.NewBBox(0, 1, 2, 3, domain.SRIDWGS84)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONErrors(t *testing.T) {
	inputs := []string{
		`{"op": ">"`,
		`{"args": []}`,
		`{"op": "and", "args": [{"op": "=", "args": [{"property": "a"}, 1]}]}`,
		`{"op": "=", "args": [1, 2]}`,
		`{"op": "frobnicate", "args": []}`,
		`{"op": "in", "args": [{"property": "a"}, []]}`,
		`[1, 2]`,
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := ParseJSON(in)
			var syntaxErr *domain.FilterSyntaxError
			assert.True(t, errors.As(err, &syntaxErr), "got %v", err)
		})
	}
}

func TestParseLang(t *testing.T) {
	lang, err := ParseLang("")
	require.NoError(t, err)
	assert.Equal(t, LangText, lang)

	lang, err = ParseLang("CQL2-JSON")
	require.NoError(t, err)
	assert.Equal(t, LangJSON, lang)

	_, err = ParseLang("ecql")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
