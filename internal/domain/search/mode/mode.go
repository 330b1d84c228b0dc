package mode

// Mode is the search strategy executed by the document store.
type Mode string

// Search mode constants.
const (
	// Semantic runs pure KNN vector search.
	Semantic Mode = "semantic"
	// Fulltext runs pure term matching (BM25 or equivalent).
	Fulltext Mode = "fulltext"
	// Hybrid fuses vector and fulltext scores weighted by alpha.
	Hybrid Mode = "hybrid"
	// Tag matches against the tag keyword index only.
	Tag Mode = "tag"
	// Default lets the backend pick its native strategy.
	Default Mode = "default"
)

// IsValid checks if the mode is one of the supported values.
func (m Mode) IsValid() bool {
	switch m {
	case Semantic, Fulltext, Hybrid, Tag, Default:
		return true
	}
	return false
}

// NeedsQueryInput reports whether the mode requires a query vector or text.
// Tag mode matches stored tag sets and may run without either.
func (m Mode) NeedsQueryInput() bool { return m != Tag }
