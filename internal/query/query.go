// Package query builds the structured search query accepted by the
// marketplace offer search endpoint from a compact filter expression.
//
// An expression is a whitespace separated list of clauses such as
//
//	num_gpus>=2 gpu_name="RTX 4090" dph<0.8 cuda_vers>=12 geolocation=[US,CA]
//
// Each clause becomes an operator entry on the resolved field. The resulting
// Query serializes to the JSON document the endpoint expects in its "q"
// parameter.
package query

import (
	"fmt"
	"sort"
)

// Op is a comparison operator understood by the search endpoint.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpIn  Op = "in"
)

// Valid reports whether op is one of the known operators.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}

// Clause is a single field/operator/value triple.
type Clause struct {
	Field string
	Op    Op
	Value any
}

func (c Clause) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Condition holds every operator applied to one field, e.g. a range
// {"gte": 2, "lte": 4}.
type Condition map[Op]any

func (c Condition) clone() Condition {
	out := make(Condition, len(c))
	for op, v := range c {
		out[op] = v
	}
	return out
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderBy is one sort directive.
type OrderBy struct {
	Field     string
	Direction Direction
}

// Instance types accepted by the search endpoint.
const (
	TypeOnDemand = "on-demand"
	TypeBid      = "bid"
	TypeReserved = "reserved"
)

// DefaultOrder sorts offers by descending score.
const DefaultOrder = "score-"

// Query is the structured form of a search request.
type Query struct {
	Filters         map[string]Condition
	Order           []OrderBy
	Type            string
	DisableBundling bool
}

// Clauses flattens the filters into clauses sorted by field then operator.
func (q Query) Clauses() []Clause {
	var out []Clause
	for field, cond := range q.Filters {
		for op, v := range cond {
			out = append(out, Clause{Field: field, Op: op, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Op < out[j].Op
	})
	return out
}

// DefaultClauses returns the filters applied to every search unless the
// caller opts out: only verified, rentable, non-external machines.
func DefaultClauses() map[string]Condition {
	return map[string]Condition{
		"verified": {OpEq: true},
		"external": {OpEq: false},
		"rentable": {OpEq: true},
	}
}

// DefaultAliases maps friendly field names to the names used by the API.
func DefaultAliases() map[string]string {
	return map[string]string{
		"cuda_vers":   "cuda_max_good",
		"reliability": "reliability2",
		"dlperf_usd":  "dlperf_per_dphtotal",
		"dph":         "dph_total",
		"flops_usd":   "flops_per_dphtotal",
	}
}

// Params are the inputs of a search.
type Params struct {
	// Expression is the filter expression; empty adds no clauses.
	Expression string
	// Order is a comma separated list of fields, "-" suffix for descending.
	Order string
	// Type is the instance type, TypeOnDemand when empty.
	Type            string
	DisableBundling bool
	// NoDefaults drops DefaultClauses.
	NoDefaults bool
	// Aliases overrides DefaultAliases when non-nil.
	Aliases map[string]string
}

// Build assembles a Query from p.
func Build(p Params) (*Query, error) {
	aliases := p.Aliases
	if aliases == nil {
		aliases = DefaultAliases()
	}

	var defaults map[string]Condition
	if !p.NoDefaults {
		defaults = DefaultClauses()
	}

	filters, err := Parse(p.Expression, defaults, aliases)
	if err != nil {
		return nil, err
	}

	typ := p.Type
	if typ == "" {
		typ = TypeOnDemand
	}

	return &Query{
		Filters:         filters,
		Order:           ParseOrder(p.Order, aliases),
		Type:            typ,
		DisableBundling: p.DisableBundling,
	}, nil
}
