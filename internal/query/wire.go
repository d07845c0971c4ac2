package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"
)

// Keys of the wire document that are not field filters.
const (
	keyOrder           = "order"
	keyType            = "type"
	keyDisableBundling = "disable_bundling"
)

func reservedKey(k string) bool {
	return k == keyOrder || k == keyType || k == keyDisableBundling
}

// MarshalJSON encodes the query in the search endpoint's wire format. See
// Encode for the exact layout.
func (q Query) MarshalJSON() ([]byte, error) {
	return q.wire()
}

// Encode returns the wire form of q as a string, ready to be placed in the
// "q" query parameter:
//
//	{"<field>": {"<op>": <value>}, "order": [["<field>", "asc"]], "type": "on-demand"}
//
// Filters come first in field order, then "order", "type" and, only when set,
// "disable_bundling": true. Separators and escaping match Python's
// json.dumps defaults, which the endpoint's own client sends.
func Encode(q *Query) (string, error) {
	data, err := q.wire()
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	return string(data), nil
}

func (q Query) wire() ([]byte, error) {
	fields := make([]string, 0, len(q.Filters))
	for field := range q.Filters {
		if reservedKey(field) {
			return nil, fmt.Errorf("filter field %q collides with a reserved query key", field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var w wireWriter
	w.buf.WriteByte('{')
	for _, field := range fields {
		ops := make(map[string]any, len(q.Filters[field]))
		for op, v := range q.Filters[field] {
			if op == "" {
				op = OpEq
			}
			if !op.Valid() {
				return nil, fmt.Errorf("field %q: unknown operator %q", field, op)
			}
			ops[string(op)] = v
		}
		w.member(field, ops)
	}

	order := make([]any, 0, len(q.Order))
	for _, o := range q.Order {
		dir := o.Direction
		if dir == "" {
			dir = Asc
		}
		order = append(order, []any{o.Field, string(dir)})
	}
	w.member(keyOrder, order)

	if q.Type != "" {
		w.member(keyType, q.Type)
	}
	if q.DisableBundling {
		w.member(keyDisableBundling, true)
	}
	w.buf.WriteByte('}')

	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// wireWriter writes JSON with ", " and ": " separators, sorted object keys
// and non-ASCII escaped as \uXXXX. The first error sticks.
type wireWriter struct {
	buf     bytes.Buffer
	members int
	err     error
}

// member writes one top-level "key": value pair.
func (w *wireWriter) member(key string, v any) {
	if w.members > 0 {
		w.buf.WriteString(", ")
	}
	w.members++
	w.value(key)
	w.buf.WriteString(": ")
	w.value(v)
}

func (w *wireWriter) value(v any) {
	if w.err != nil {
		return
	}
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				w.buf.WriteString(", ")
			}
			w.value(k)
			w.buf.WriteString(": ")
			w.value(x[k])
		}
		w.buf.WriteByte('}')
	case []any:
		w.buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				w.buf.WriteString(", ")
			}
			w.value(e)
		}
		w.buf.WriteByte(']')
	case json.Number:
		w.buf.WriteString(x.String())
	default:
		var enc bytes.Buffer
		e := json.NewEncoder(&enc)
		e.SetEscapeHTML(false)
		if err := e.Encode(x); err != nil {
			w.err = err
			return
		}
		data := bytes.TrimSuffix(enc.Bytes(), []byte("\n"))
		if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
			// Other composite values are re-read so they get the same layout.
			var generic any
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&generic); err != nil {
				w.err = err
				return
			}
			w.value(generic)
			return
		}
		writeASCII(&w.buf, data)
	}
}

// writeASCII copies encoded JSON, escaping every non-ASCII rune. Such runes
// only occur inside strings.
func writeASCII(buf *bytes.Buffer, data []byte) {
	for _, r := range string(data) {
		switch {
		case r < utf8.RuneSelf:
			buf.WriteRune(r)
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(buf, `\u%04x`, r)
		}
	}
}

// Decode parses a wire document back into a Query. Whole numbers decode as
// int64 and other numbers as float64, matching what Parse produces.
func Decode(data []byte) (*Query, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}

	q := &Query{Filters: make(map[string]Condition)}
	for key, raw := range doc {
		switch key {
		case keyOrder:
			var pairs [][]string
			if err := json.Unmarshal(raw, &pairs); err != nil {
				return nil, fmt.Errorf("decode query order: %w", err)
			}
			for _, p := range pairs {
				if len(p) != 2 {
					return nil, fmt.Errorf("decode query order: expected [field, direction], got %v", p)
				}
				dir := Direction(p[1])
				if dir != Asc && dir != Desc {
					return nil, fmt.Errorf("decode query order: unknown direction %q", p[1])
				}
				q.Order = append(q.Order, OrderBy{Field: p[0], Direction: dir})
			}
		case keyType:
			if err := json.Unmarshal(raw, &q.Type); err != nil {
				return nil, fmt.Errorf("decode query type: %w", err)
			}
		case keyDisableBundling:
			if err := json.Unmarshal(raw, &q.DisableBundling); err != nil {
				return nil, fmt.Errorf("decode query disable_bundling: %w", err)
			}
		default:
			var ops map[string]any
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&ops); err != nil {
				return nil, fmt.Errorf("decode query field %q: %w", key, err)
			}
			cond := make(Condition, len(ops))
			for name, v := range ops {
				op := Op(name)
				if !op.Valid() {
					return nil, fmt.Errorf("decode query field %q: unknown operator %q", key, name)
				}
				cond[op] = normalize(v)
			}
			q.Filters[key] = cond
		}
	}
	return q, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}
