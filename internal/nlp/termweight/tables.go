package termweight

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// NER categories recognized by the weighting heuristics.
const (
	NERCorp      = "corp"
	NERLocation  = "loca"
	NERSchool    = "sch"
	NERStock     = "stock"
	NERToxic     = "toxic"
	NERFunc      = "func"
	NERFirstName = "firstnm"
)

// POS categories recognized by the weighting heuristics.
const (
	POSPronoun     = "pronoun"
	POSConjunction = "conjunction"
	POSAdverb      = "adverb"
	POSProperNoun  = "propn"
	POSNoun        = "noun"
)

// Tables holds the frequency and tag dictionaries backing a Dealer.
// Loaded once at startup and treated as immutable afterwards; a Dealer
// never writes to them, so concurrent searches need no synchronization.
type Tables struct {
	NER       map[string]string // term -> NER category
	POS       map[string]string // term -> POS category
	TermFreq  map[string]int64  // term -> corpus frequency
	DocFreq   map[string]int64  // term -> document frequency
	Stopwords map[string]struct{}
}

// EmptyTables returns tables with no dictionary entries and the default
// stopword list. Weights degrade to pure NER/POS defaults.
func EmptyTables() Tables {
	return Tables{
		NER:       map[string]string{},
		POS:       map[string]string{},
		TermFreq:  map[string]int64{},
		DocFreq:   map[string]int64{},
		Stopwords: defaultStopwords(),
	}
}

// Dictionary file names expected under the tables directory.
const (
	nerFile      = "ner.tsv"
	posFile      = "pos.tsv"
	termFreqFile = "term_freq.tsv"
	docFreqFile  = "doc_freq.tsv"
)

// LoadTables reads TSV dictionaries from dir. A missing or unreadable file
// is logged and degrades to an empty table rather than failing startup.
func LoadTables(dir string, logger *zap.Logger) Tables {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := EmptyTables()

	loadString := func(name string, dst map[string]string) {
		if err := readTSV(filepath.Join(dir, name), func(key, val string) {
			dst[key] = val
		}); err != nil {
			logger.Warn("term weight dictionary unavailable",
				zap.String("file", name), zap.Error(err))
		}
	}
	loadInt := func(name string, dst map[string]int64) {
		if err := readTSV(filepath.Join(dir, name), func(key, val string) {
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				dst[key] = n
			}
		}); err != nil {
			logger.Warn("term weight dictionary unavailable",
				zap.String("file", name), zap.Error(err))
		}
	}

	loadString(nerFile, t.NER)
	loadString(posFile, t.POS)
	loadInt(termFreqFile, t.TermFreq)
	loadInt(docFreqFile, t.DocFreq)

	logger.Info("term weight tables loaded",
		zap.String("dir", dir),
		zap.Int("ner", len(t.NER)),
		zap.Int("pos", len(t.POS)),
		zap.Int("term_freq", len(t.TermFreq)),
		zap.Int("doc_freq", len(t.DocFreq)),
	)
	return t
}

// readTSV streams "term<TAB>value" lines. Blank lines and #-comments skipped.
func readTSV(path string, emit func(key, val string)) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		emit(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read dictionary: %w", err)
	}
	return nil
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for",
		"to", "of", "in", "on", "at", "by", "with", "as", "is", "are",
		"was", "were", "be", "been", "being", "it", "this", "that", "these",
		"those", "from", "up", "down", "over", "under", "again", "further",
		"than", "so", "such", "into", "about", "between", "through",
		"during", "before", "after", "above", "below", "out", "off", "own",
		"same", "too", "very", "can", "will", "just", "should", "now",
		"what", "which", "who", "whom", "how", "when", "where", "why",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
