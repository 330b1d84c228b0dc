package valkey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
)

// Compile-time check: Translator implements docstore.FilterTranslator.
var _ docstore.FilterTranslator = (*Translator)(nil)

// Translator compiles a filter tree into an FT.SEARCH pre-filter string.
type Translator struct{}

// NewTranslator creates a RediSearch filter translator.
func NewTranslator() *Translator { return &Translator{} }

// Translate renders the filter tree. Empty filters produce "" (the caller
// substitutes "*").
func (t *Translator) Translate(f filter.Filters) (string, error) {
	if f.IsEmpty() {
		return "", nil
	}
	return t.translateNode(f)
}

func (t *Translator) translateNode(f filter.Filters) (string, error) {
	var parts []string

	for _, c := range f.Clauses() {
		p, err := t.translateClause(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	for _, sub := range f.Sub() {
		if sub.IsEmpty() {
			continue
		}
		p, err := t.translateNode(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+p+")")
	}

	sep := " "
	if f.Combinator() == filter.CombOr {
		sep = " | "
	}
	return strings.Join(parts, sep), nil
}

func (t *Translator) translateClause(c filter.Clause) (string, error) {
	switch c.Op() {
	case filter.OpEq, filter.OpContains:
		return tagClause(c.Key(), fmt.Sprint(c.Value())), nil
	case filter.OpNe:
		return "-" + tagClause(c.Key(), fmt.Sprint(c.Value())), nil
	case filter.OpIn:
		return tagListClause(c.Key(), c.ListValue()), nil
	case filter.OpNin:
		return "-" + tagListClause(c.Key(), c.ListValue()), nil
	case filter.OpGt:
		return numericClause(c.Key(), "("+numeric(c.Value()), "+inf"), nil
	case filter.OpGte:
		return numericClause(c.Key(), numeric(c.Value()), "+inf"), nil
	case filter.OpLt:
		return numericClause(c.Key(), "-inf", "("+numeric(c.Value())), nil
	case filter.OpLte:
		return numericClause(c.Key(), "-inf", numeric(c.Value())), nil
	case filter.OpRange:
		r, ok := c.Value().(filter.Range)
		if !ok {
			return "", fmt.Errorf("range clause on %q carries no Range value", c.Key())
		}
		return rangeClause(c.Key(), r), nil
	}
	return "", fmt.Errorf("operator %q has no FT.SEARCH rendering", c.Op())
}

func tagClause(key, value string) string {
	return fmt.Sprintf("@%s:{%s}", key, tagEscaper.Replace(value))
}

func tagListClause(key string, values []string) string {
	escaped := make([]string, 0, len(values))
	for _, v := range values {
		escaped = append(escaped, tagEscaper.Replace(v))
	}
	return fmt.Sprintf("@%s:{%s}", key, strings.Join(escaped, " | "))
}

func numericClause(key, lo, hi string) string {
	return fmt.Sprintf("@%s:[%s %s]", key, lo, hi)
}

func rangeClause(key string, r filter.Range) string {
	lo := "-inf"
	hi := "+inf"

	if r.GT() != nil {
		lo = fmt.Sprintf("(%g", *r.GT())
	} else if r.GTE() != nil {
		lo = fmt.Sprintf("%g", *r.GTE())
	}

	if r.LT() != nil {
		hi = fmt.Sprintf("(%g", *r.LT())
	} else if r.LTE() != nil {
		hi = fmt.Sprintf("%g", *r.LTE())
	}

	return numericClause(key, lo, hi)
}

func numeric(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"<", "\\<",
	">", "\\>",
	"{", "\\{",
	"}", "\\}",
	"\"", "\\\"",
	"'", "\\'",
	":", "\\:",
	";", "\\;",
	"!", "\\!",
	"@", "\\@",
	"#", "\\#",
	"$", "\\$",
	"%", "\\%",
	"^", "\\^",
	"&", "\\&",
	"*", "\\*",
	"(", "\\(",
	")", "\\)",
	"-", "\\-",
	"+", "\\+",
	"=", "\\=",
	"~", "\\~",
	" ", "\\ ",
)

var queryEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	`@`, `\@`,
	`{`, `\{`,
	`}`, `\}`,
	`(`, `\(`,
	`)`, `\)`,
	`|`, `\|`,
	`-`, `\-`,
	`~`, `\~`,
	`*`, `\*`,
	`[`, `\[`,
	`]`, `\]`,
	`!`, `\!`,
	`%`, `\%`,
	`^`, `\^`,
	`$`, `\$`,
	`<`, `\<`,
	`>`, `\>`,
	`=`, `\=`,
	`;`, `\;`,
	`+`, `\+`,
)
