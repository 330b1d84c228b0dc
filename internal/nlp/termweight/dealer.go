// Package termweight assigns per-term importance weights for search.
//
// The weighting is a lightweight, explainable alternative to a learned
// term-importance model: every heuristic is table-driven (NER categories,
// POS lexicon, two frequency sources), so behavior is deterministic and
// testable with small fixture tables.
package termweight

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// placeholder replaces tokens consisting only of special characters during
// pre-tokenization. It never reaches the output token list.
const placeholder = "#"

var (
	tokenPattern       = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'._-]*|[^\s\p{L}\p{N}]+`)
	specialOnlyPattern = regexp.MustCompile(`^[~—@#%!<>,.?":;'{}\[\]_=()|，。？》•●○↓《；‘’：“”【】…！、\-×+/\\]+$`)
	trailingDigit      = regexp.MustCompile(`[0-9]$`)
	numericLike        = regexp.MustCompile(`^[0-9,.]{2,}$`)
	shortLetters       = regexp.MustCompile(`^[a-z]{1,2}$`)
	latinWord          = regexp.MustCompile(`^[a-z. -]+$`)
	numericSpan        = regexp.MustCompile(`^[0-9. -]{2,}$`)
	numericHyphen      = regexp.MustCompile(`^[0-9-]+$`)
	shortAlnum         = regexp.MustCompile(`^[0-9a-z]{1,2}$`)
	alnumStart         = regexp.MustCompile(`^[0-9a-zA-Z]`)
)

// TokenWeight is one token with its normalized importance weight.
type TokenWeight struct {
	Token  string
	Weight float64
}

// Dealer computes token lists and importance weights from loaded tables.
// Safe for concurrent use: tables are read-only after construction.
type Dealer struct {
	tables Tables
}

// NewDealer creates a term weighting dealer over the given tables.
func NewDealer(tables Tables) *Dealer {
	if tables.Stopwords == nil {
		tables.Stopwords = defaultStopwords()
	}
	if tables.NER == nil {
		tables.NER = map[string]string{}
	}
	if tables.POS == nil {
		tables.POS = map[string]string{}
	}
	if tables.TermFreq == nil {
		tables.TermFreq = map[string]int64{}
	}
	if tables.DocFreq == nil {
		tables.DocFreq = map[string]int64{}
	}
	return &Dealer{tables: tables}
}

// PreTokenizeOpts controls PreTokenize behavior.
type PreTokenizeOpts struct {
	KeepNumbers   bool // keep tokens ending in a digit
	KeepStopwords bool // do not strip stopwords
}

// PreTokenize lowercases and tokenizes text, strips stopwords, replaces
// special-character-only tokens with a placeholder (which is then dropped),
// and discards digit-terminated tokens unless KeepNumbers is set.
// Duplicates are retained and order preserves original positions.
func (d *Dealer) PreTokenize(text string, opts PreTokenizeOpts) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	res := make([]string, 0, len(raw))
	for _, t := range raw {
		if !opts.KeepStopwords {
			if _, stop := d.tables.Stopwords[t]; stop {
				continue
			}
		}
		if !opts.KeepNumbers && trailingDigit.MatchString(t) {
			continue
		}
		tk := t
		if specialOnlyPattern.MatchString(t) {
			tk = placeholder
		}
		if tk != placeholder && tk != "" {
			res = append(res, tk)
		}
	}
	return res
}

// TokenMerge glues runs of short tokens into compound multi-word terms.
//
// Two deliberate heuristics, both covered by tests:
//   - a leading short token followed by a longer non-alphanumeric token is
//     merged with exactly that neighbor;
//   - a run of five or more short tokens is truncated to its first two
//     instead of producing an unbounded compound term.
func (d *Dealer) TokenMerge(tks []string) []string {
	oneTerm := func(t string) bool {
		return utf8.RuneCountInString(t) == 1 || shortAlnum.MatchString(t)
	}

	res := make([]string, 0, len(tks))
	i := 0
	for i < len(tks) {
		if i == 0 && oneTerm(tks[0]) && len(tks) > 1 &&
			utf8.RuneCountInString(tks[1]) > 1 && !alnumStart.MatchString(tks[1]) {
			res = append(res, tks[0]+" "+tks[1])
			i = 2
			continue
		}

		j := i
		for j < len(tks) && d.tables.NER[tks[j]] != NERFunc && oneTerm(tks[j]) {
			j++
		}
		switch {
		case j-i > 1 && j-i < 5:
			res = append(res, strings.Join(tks[i:j], " "))
			i = j
		case j-i >= 5:
			res = append(res, strings.Join(tks[i:i+2], " "))
			i += 2
		default:
			if tks[i] != "" {
				res = append(res, tks[i])
			}
			i++
		}
	}
	return res
}

// Weights assigns a probability-normalized importance weight to every token.
// With preprocess=true each input token is re-pretokenized and merged first,
// which handles multi-word "tokens" passed in by callers.
//
// Degenerate input whose raw scores sum to zero gets uniform weights; the
// alternative (NaN from a zero division) would poison every downstream
// similarity computation.
func (d *Dealer) Weights(tks []string, preprocess bool) []TokenWeight {
	var tw []TokenWeight
	if preprocess {
		for _, tk := range tks {
			parts := d.TokenMerge(d.PreTokenize(tk, PreTokenizeOpts{KeepNumbers: true}))
			for _, t := range parts {
				tw = append(tw, TokenWeight{Token: t, Weight: d.rawScore(t)})
			}
		}
	} else {
		tw = make([]TokenWeight, 0, len(tks))
		for _, t := range tks {
			tw = append(tw, TokenWeight{Token: t, Weight: d.rawScore(t)})
		}
	}
	return normalize(tw)
}

// normalize scales weights to sum to 1. An all-zero input gets uniform
// weights; a zero division here would produce NaN and poison every
// downstream similarity computation.
func normalize(tw []TokenWeight) []TokenWeight {
	if len(tw) == 0 {
		return nil
	}
	var sum float64
	for _, w := range tw {
		sum += w.Weight
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(tw))
		for i := range tw {
			tw[i].Weight = uniform
		}
		return tw
	}
	for i := range tw {
		tw[i].Weight /= sum
	}
	return tw
}

// WeightMap returns Weights as a token -> weight lookup, summing repeats.
func (d *Dealer) WeightMap(tks []string, preprocess bool) map[string]float64 {
	m := map[string]float64{}
	for _, w := range d.Weights(tks, preprocess) {
		m[w.Token] += w.Weight
	}
	return m
}

// TokenSimilarity scores the weighted overlap between query tokens and a
// document token list: the sum of query weights whose tokens appear in the
// document, over the total query weight. Result lies in [0,1].
func (d *Dealer) TokenSimilarity(queryTokens, docTokens []string) float64 {
	qw := d.WeightMap(queryTokens, true)
	if len(qw) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = struct{}{}
		// compound terms also match on their parts
		for _, p := range strings.Fields(t) {
			docSet[p] = struct{}{}
		}
	}

	var hit, total float64
	for tok, w := range qw {
		total += w
		if _, ok := docSet[tok]; ok {
			hit += w
			continue
		}
		if parts := strings.Fields(tok); len(parts) > 1 {
			all := true
			for _, p := range parts {
				if _, ok := docSet[p]; !ok {
					all = false
					break
				}
			}
			if all {
				hit += w
			}
		}
	}
	if total <= 0 {
		return 0
	}
	return hit / total
}

// rawScore is the unnormalized importance of one (possibly compound) token:
// blended IDF from the two frequency sources times the NER and POS multipliers.
func (d *Dealer) rawScore(t string) float64 {
	idf1 := idf(d.termFreq(t), 1e7)
	idf2 := idf(d.docFreq(t), 1e9)
	return (0.3*idf1 + 0.7*idf2) * d.nerBoost(t) * d.posBoost(t)
}

func idf(s, n float64) float64 {
	return math.Log10(10 + (n-s+0.5)/(s+0.5))
}

func (d *Dealer) nerBoost(t string) float64 {
	if numericLike.MatchString(t) {
		return 2
	}
	if shortLetters.MatchString(t) {
		return 0.01
	}
	cat, ok := d.tables.NER[t]
	if !ok {
		return 1
	}
	switch cat {
	case NERToxic:
		return 2
	case NERCorp, NERLocation, NERSchool, NERStock:
		return 3
	default: // func, firstnm and anything unrecognized
		return 1
	}
}

func (d *Dealer) posBoost(t string) float64 {
	if numericHyphen.MatchString(t) {
		return 2
	}
	switch d.tables.POS[t] {
	case POSPronoun, POSConjunction, POSAdverb:
		return 0.3
	case POSProperNoun:
		return 3
	case POSNoun:
		return 2
	}
	return 1
}

// termFreq estimates corpus frequency for a token. Numeric spans get a tiny
// fixed count, unknown latin words a moderate one; compound terms sum their
// parts. Floored at 10 so the IDF blend stays bounded.
func (d *Dealer) termFreq(t string) float64 {
	if numericSpan.MatchString(t) {
		return 3
	}
	if s, ok := d.tables.TermFreq[t]; ok {
		return math.Max(float64(s), 10)
	}
	if latinWord.MatchString(t) && !strings.Contains(t, " ") {
		return 300
	}
	var s float64
	for _, part := range strings.Fields(t) {
		if v, ok := d.tables.TermFreq[part]; ok {
			s += float64(v)
		}
	}
	return math.Max(s, 10)
}

func (d *Dealer) docFreq(t string) float64 {
	if numericSpan.MatchString(t) {
		return 5
	}
	if s, ok := d.tables.DocFreq[t]; ok {
		return float64(s) + 3
	}
	if latinWord.MatchString(t) && !strings.Contains(t, " ") {
		return 300
	}
	var s float64
	for _, part := range strings.Fields(t) {
		if v, ok := d.tables.DocFreq[part]; ok {
			s += float64(v)
		}
	}
	return math.Max(s, 10)
}
