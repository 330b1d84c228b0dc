package filter

import (
	"fmt"
	"regexp"
)

// MaxClausesPerGroup is the maximum number of clauses per filter group.
const MaxClausesPerGroup = 32

// Operator is a comparison operator in a metadata filter clause.
// The set is closed; translators reject anything else.
type Operator string

// Supported operators.
const (
	OpEq       Operator = "=="
	OpNe       Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpIn       Operator = "in"
	OpNin      Operator = "nin"
	OpContains Operator = "contains"
	OpRange    Operator = "range"
)

// IsValid checks the operator against the closed set.
func (o Operator) IsValid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpNin, OpContains, OpRange:
		return true
	}
	return false
}

// Combinator joins clauses and sub-expressions within one filter node.
type Combinator string

// Clause combinators.
const (
	CombAnd Combinator = "and"
	CombOr  Combinator = "or"
)

// keyPattern is the safe identifier pattern enforced on filter keys.
// Keys become column/field names in translated queries, so anything
// outside this set is rejected up front.
var keyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Clause is a single {key, operator, value} predicate.
type Clause struct {
	key   string
	op    Operator
	value any
}

// NewClause validates and creates a filter clause.
func NewClause(key string, op Operator, value any) (Clause, error) {
	if !keyPattern.MatchString(key) {
		return Clause{}, fmt.Errorf("filter key %q is not a safe identifier", key)
	}
	if !op.IsValid() {
		return Clause{}, fmt.Errorf("unsupported filter operator %q", op)
	}
	switch op {
	case OpIn, OpNin:
		if _, ok := value.([]any); !ok {
			if _, ok := value.([]string); !ok {
				return Clause{}, fmt.Errorf("operator %q requires a list value for key %q", op, key)
			}
		}
	case OpRange:
		if _, ok := value.(Range); !ok {
			return Clause{}, fmt.Errorf("operator range requires a Range value for key %q", key)
		}
	}
	return Clause{key: key, op: op, value: value}, nil
}

// Key returns the field name.
func (c Clause) Key() string { return c.key }

// Op returns the comparison operator.
func (c Clause) Op() Operator { return c.op }

// Value returns the comparison value.
func (c Clause) Value() any { return c.value }

// ListValue returns the value as a string slice for in/nin clauses.
func (c Clause) ListValue() []string {
	switch v := c.value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Range is a numeric range with gt/gte/lt/lte boundaries.
type Range struct {
	gt  *float64
	gte *float64
	lt  *float64
	lte *float64
}

// NewRange validates and creates a Range.
// At least one boundary required. gt/gte and lt/lte are mutually exclusive.
func NewRange(gt, gte, lt, lte *float64) (Range, error) {
	if gt == nil && gte == nil && lt == nil && lte == nil {
		return Range{}, fmt.Errorf("at least one range boundary is required")
	}
	if gt != nil && gte != nil {
		return Range{}, fmt.Errorf("cannot specify both gt and gte")
	}
	if lt != nil && lte != nil {
		return Range{}, fmt.Errorf("cannot specify both lt and lte")
	}
	return Range{gt: gt, gte: gte, lt: lt, lte: lte}, nil
}

// GT returns the lower exclusive bound.
func (r Range) GT() *float64 { return r.gt }

// GTE returns the lower inclusive bound.
func (r Range) GTE() *float64 { return r.gte }

// LT returns the upper exclusive bound.
func (r Range) LT() *float64 { return r.lt }

// LTE returns the upper inclusive bound.
func (r Range) LTE() *float64 { return r.lte }

// Filters is a tree of clauses joined by a combinator, with optional
// nested sub-expressions. The zero value is an empty filter that matches
// everything.
type Filters struct {
	comb    Combinator
	clauses []Clause
	sub     []Filters
}

// New validates and creates a filter expression node.
func New(comb Combinator, clauses []Clause, sub []Filters) (Filters, error) {
	if comb != CombAnd && comb != CombOr {
		return Filters{}, fmt.Errorf("unsupported combinator %q", comb)
	}
	if len(clauses)+len(sub) > MaxClausesPerGroup {
		return Filters{}, fmt.Errorf("too many clauses in filter group (max %d)", MaxClausesPerGroup)
	}
	return Filters{comb: comb, clauses: clauses, sub: sub}, nil
}

// And builds an AND expression from clauses.
func And(clauses ...Clause) Filters {
	return Filters{comb: CombAnd, clauses: clauses}
}

// Or builds an OR expression from clauses.
func Or(clauses ...Clause) Filters {
	return Filters{comb: CombOr, clauses: clauses}
}

// Combinator returns the node's combinator. Empty nodes report AND.
func (f Filters) Combinator() Combinator {
	if f.comb == "" {
		return CombAnd
	}
	return f.comb
}

// Clauses returns the node's direct clauses.
func (f Filters) Clauses() []Clause { return f.clauses }

// Sub returns the nested sub-expressions.
func (f Filters) Sub() []Filters { return f.sub }

// IsEmpty reports whether the expression has no clauses at any level.
func (f Filters) IsEmpty() bool {
	if len(f.clauses) > 0 {
		return false
	}
	for _, s := range f.sub {
		if !s.IsEmpty() {
			return false
		}
	}
	return true
}

// WithSub returns a copy with additional nested expressions.
func (f Filters) WithSub(sub ...Filters) Filters {
	f.sub = append(f.sub, sub...)
	return f
}
