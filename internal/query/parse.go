package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseError reports a malformed clause in a filter expression.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid filter clause %q: %s", e.Token, e.Reason)
}

// operators are tried longest first so "=" never matches inside "!=", "<="
// or ">=".
var operators = []struct {
	symbol string
	op     Op
}{
	{"!=", OpNeq},
	{"<=", OpLte},
	{">=", OpGte},
	{"==", OpEq},
	{"=", OpEq},
	{"<", OpLt},
	{">", OpGt},
}

// Parse parses expr and merges the resulting clauses over defaults.
//
// The first clause naming a field replaces that field's default condition
// entirely; further clauses on the same field within expr add operators to it
// (a later clause with the same operator wins). defaults is not modified.
func Parse(expr string, defaults map[string]Condition, aliases map[string]string) (map[string]Condition, error) {
	out := make(map[string]Condition, len(defaults))
	for field, cond := range defaults {
		out[field] = cond.clone()
	}

	clauses, err := ParseClauses(expr, aliases)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(clauses))
	for _, c := range clauses {
		if !seen[c.Field] {
			out[c.Field] = Condition{}
			seen[c.Field] = true
		}
		out[c.Field][c.Op] = c.Value
	}
	return out, nil
}

// ParseClauses parses expr into clauses in input order, with field aliases
// resolved.
func ParseClauses(expr string, aliases map[string]string) ([]Clause, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	clauses := make([]Clause, 0, len(tokens))
	for _, tok := range tokens {
		c, err := parseClause(tok)
		if err != nil {
			return nil, err
		}
		if alias, ok := aliases[c.Field]; ok {
			c.Field = alias
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}

// ParseOrder parses a comma separated sort list. A trailing "-" on a field
// requests descending order; the marker is stripped before alias lookup.
func ParseOrder(s string, aliases map[string]string) []OrderBy {
	var order []OrderBy
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		dir := Asc
		field := strings.Trim(name, "-")
		if field != name {
			dir = Desc
		}
		if field == "" {
			continue
		}
		if alias, ok := aliases[field]; ok {
			field = alias
		}
		order = append(order, OrderBy{Field: field, Direction: dir})
	}
	return order
}

// tokenize splits on whitespace that is outside quotes and brackets.
func tokenize(s string) ([]string, error) {
	return split(s, unicode.IsSpace, false)
}

func isComma(r rune) bool { return r == ',' }

// split cuts s at separator runes outside quotes and brackets. Empty pieces
// are dropped unless keepEmpty is set.
func split(s string, sep func(rune) bool, keepEmpty bool) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
		depth  int
	)
	flush := func() {
		if cur.Len() > 0 || keepEmpty {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == '[':
			depth++
			cur.WriteRune(r)
		case r == ']':
			if depth == 0 {
				cur.WriteRune(r)
				return nil, &ParseError{Token: cur.String(), Reason: "unbalanced ']'"}
			}
			depth--
			cur.WriteRune(r)
		case sep(r) && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	switch {
	case quote != 0:
		return nil, &ParseError{Token: cur.String(), Reason: "unterminated quote"}
	case depth > 0:
		return nil, &ParseError{Token: cur.String(), Reason: "unterminated '['"}
	}
	flush()
	return tokens, nil
}

func parseClause(tok string) (Clause, error) {
	i := strings.IndexAny(tok, "!<>=")
	if i < 0 {
		return Clause{}, &ParseError{Token: tok, Reason: "no operator"}
	}

	var (
		op     Op
		symbol string
	)
	for _, o := range operators {
		if strings.HasPrefix(tok[i:], o.symbol) {
			op, symbol = o.op, o.symbol
			break
		}
	}
	if symbol == "" {
		return Clause{}, &ParseError{Token: tok, Reason: "unknown operator"}
	}

	field := tok[:i]
	raw := tok[i+len(symbol):]
	if !validField(field) {
		return Clause{}, &ParseError{Token: tok, Reason: "invalid field name"}
	}
	if raw == "" {
		return Clause{}, &ParseError{Token: tok, Reason: "missing value"}
	}

	if strings.HasPrefix(raw, "[") {
		if op != OpEq {
			return Clause{}, &ParseError{Token: tok, Reason: fmt.Sprintf("operator %q cannot be used with a set", symbol)}
		}
		set, err := parseSet(tok, raw)
		if err != nil {
			return Clause{}, err
		}
		return Clause{Field: field, Op: OpIn, Value: set}, nil
	}

	return Clause{Field: field, Op: op, Value: coerce(raw)}, nil
}

func parseSet(tok, raw string) ([]any, error) {
	if !strings.HasSuffix(raw, "]") {
		return nil, &ParseError{Token: tok, Reason: "trailing characters after set"}
	}
	inner := strings.TrimSpace(raw[1 : len(raw)-1])
	if inner == "" {
		return nil, &ParseError{Token: tok, Reason: "empty set"}
	}

	parts, err := split(inner, isComma, true)
	if err != nil {
		return nil, err
	}
	set := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, &ParseError{Token: tok, Reason: "empty set member"}
		}
		if !quoted(p) && strings.ContainsAny(p, "[]") {
			return nil, &ParseError{Token: tok, Reason: "nested sets are not supported"}
		}
		set = append(set, coerce(p))
	}
	return set, nil
}

func quoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]
}

func validField(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// coerce converts a raw value: quoted text stays a string, true/false become
// bools, none/null become nil, numbers become int64 or float64.
func coerce(raw string) any {
	if quoted(raw) {
		return raw[1 : len(raw)-1]
	}

	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null":
		return nil
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		// Integral floats ("2.0", "1e3") become int64 so the wire form
		// decodes back to the same value.
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	}
	return raw
}
