package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent, tokQuotedIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokOp:
		return "operator"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string // identifier/keyword text, unquoted string, number or operator
	pos  int
}

// is reports whether the token is the given keyword (case-insensitive).
func (t token) is(keyword string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, keyword)
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// lex splits a CQL2-text expression into tokens.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++

		case r == '=':
			toks = append(toks, token{kind: tokOp, text: "=", pos: i})
			i++
		case r == '<' || r == '>' || r == '!':
			op := string(r)
			if i+1 < len(input) {
				next := input[i+1]
				if next == '=' || (r == '<' && next == '>') {
					op += string(next)
				}
			}
			if op == "!" {
				return nil, syntaxError(input, i, "unexpected '!'")
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)

		case r == '\'':
			s, n, err := lexQuoted(input, i, '\'')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n

		case r == '"':
			s, n, err := lexQuoted(input, i, '"')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokQuotedIdent, text: s, pos: i})
			i += n

		case unicode.IsDigit(r) || r == '.' || ((r == '-' || r == '+') && startsNumber(input, i+1)):
			n := lexNumber(input, i)
			toks = append(toks, token{kind: tokNumber, text: input[i : i+n], pos: i})
			i += n

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(input) {
				r, size = utf8.DecodeRuneInString(input[i:])
				if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: input[start:i], pos: start})

		default:
			return nil, syntaxError(input, i, fmt.Sprintf("unexpected character %q", r))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}

func startsNumber(input string, i int) bool {
	if i >= len(input) {
		return false
	}
	c := input[i]
	return (c >= '0' && c <= '9') || c == '.'
}

func lexNumber(input string, start int) int {
	i := start
	if input[i] == '-' || input[i] == '+' {
		i++
	}
	for i < len(input) && (isDigit(input[i]) || input[i] == '.') {
		i++
	}
	if i < len(input) && (input[i] == 'e' || input[i] == 'E') {
		j := i + 1
		if j < len(input) && (input[j] == '-' || input[j] == '+') {
			j++
		}
		if j < len(input) && isDigit(input[j]) {
			i = j
			for i < len(input) && isDigit(input[i]) {
				i++
			}
		}
	}
	return i - start
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// lexQuoted reads a quoted run where a doubled quote is an escaped quote.
// It returns the unquoted text and the number of bytes consumed.
func lexQuoted(input string, start int, quote byte) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		if c == quote {
			if i+1 < len(input) && input[i+1] == quote {
				sb.WriteByte(quote)
				i += 2
				continue
			}
			return sb.String(), i + 1 - start, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, syntaxError(input, start, "unterminated quoted text")
}
