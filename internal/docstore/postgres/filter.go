package postgres

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
)

// Compile-time check: Translator implements docstore.FilterTranslator.
var _ docstore.FilterTranslator = (*Translator)(nil)

// identPattern is the whitelist for anything that becomes a SQL
// identifier. Filter keys already pass this in the domain layer; the
// translator re-checks at the trust boundary.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// arrayColumns hold multiple values per row; equality on them means
// membership, not scalar comparison.
var arrayColumns = map[string]bool{
	"important_kwd": true,
	"tag_kwd":       true,
}

// Translator compiles a filter tree into a parameterized SQL predicate.
type Translator struct{}

// NewTranslator creates a SQL filter translator.
func NewTranslator() *Translator { return &Translator{} }

// Translate renders the predicate with inline placeholders starting at $1.
// Use TranslateFrom when the surrounding query already consumed parameters.
func (t *Translator) Translate(f filter.Filters) (string, error) {
	sql, _, err := t.TranslateFrom(f, 1)
	return sql, err
}

// TranslateFrom renders the predicate with placeholders starting at the
// given ordinal and returns the bound arguments. Empty filters yield "".
func (t *Translator) TranslateFrom(f filter.Filters, start int) (string, []any, error) {
	if f.IsEmpty() {
		return "", nil, nil
	}
	b := &sqlBuilder{next: start}
	sql, err := b.node(f)
	if err != nil {
		return "", nil, err
	}
	return sql, b.args, nil
}

type sqlBuilder struct {
	next int
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	p := fmt.Sprintf("$%d", b.next)
	b.next++
	return p
}

func (b *sqlBuilder) node(f filter.Filters) (string, error) {
	var parts []string

	for _, c := range f.Clauses() {
		p, err := b.clause(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	for _, sub := range f.Sub() {
		if sub.IsEmpty() {
			continue
		}
		p, err := b.node(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+p+")")
	}

	sep := " AND "
	if f.Combinator() == filter.CombOr {
		sep = " OR "
	}
	return strings.Join(parts, sep), nil
}

func (b *sqlBuilder) clause(c filter.Clause) (string, error) {
	key := c.Key()
	if !identPattern.MatchString(key) {
		return "", fmt.Errorf("filter key %q is not a safe identifier", key)
	}

	switch c.Op() {
	case filter.OpEq:
		if arrayColumns[key] {
			return fmt.Sprintf("%s = ANY(%s)", b.bind(fmt.Sprint(c.Value())), key), nil
		}
		return fmt.Sprintf("%s = %s", key, b.bind(c.Value())), nil
	case filter.OpNe:
		return fmt.Sprintf("%s <> %s", key, b.bind(c.Value())), nil
	case filter.OpGt:
		return fmt.Sprintf("%s > %s", key, b.bind(c.Value())), nil
	case filter.OpLt:
		return fmt.Sprintf("%s < %s", key, b.bind(c.Value())), nil
	case filter.OpGte:
		return fmt.Sprintf("%s >= %s", key, b.bind(c.Value())), nil
	case filter.OpLte:
		return fmt.Sprintf("%s <= %s", key, b.bind(c.Value())), nil
	case filter.OpIn:
		return fmt.Sprintf("%s = ANY(%s)", key, b.bind(c.ListValue())), nil
	case filter.OpNin:
		return fmt.Sprintf("NOT (%s = ANY(%s))", key, b.bind(c.ListValue())), nil
	case filter.OpContains:
		if arrayColumns[key] {
			return fmt.Sprintf("%s = ANY(%s)", b.bind(fmt.Sprint(c.Value())), key), nil
		}
		return fmt.Sprintf("%s ILIKE %s", key, b.bind("%"+fmt.Sprint(c.Value())+"%")), nil
	case filter.OpRange:
		r, ok := c.Value().(filter.Range)
		if !ok {
			return "", fmt.Errorf("range clause on %q carries no Range value", key)
		}
		return b.rangeClause(key, r)
	}
	return "", fmt.Errorf("operator %q has no SQL rendering", c.Op())
}

func (b *sqlBuilder) rangeClause(key string, r filter.Range) (string, error) {
	var parts []string
	if r.GT() != nil {
		parts = append(parts, fmt.Sprintf("%s > %s", key, b.bind(*r.GT())))
	}
	if r.GTE() != nil {
		parts = append(parts, fmt.Sprintf("%s >= %s", key, b.bind(*r.GTE())))
	}
	if r.LT() != nil {
		parts = append(parts, fmt.Sprintf("%s < %s", key, b.bind(*r.LT())))
	}
	if r.LTE() != nil {
		parts = append(parts, fmt.Sprintf("%s <= %s", key, b.bind(*r.LTE())))
	}
	return strings.Join(parts, " AND "), nil
}
