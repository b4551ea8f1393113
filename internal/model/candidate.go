package model

// Sentinel values carried through extraction results. They pass validators
// untouched so a "not found" determination is never flagged as malformed.
const (
	ValueNotFound = "NAO ENCONTRADO"
	ValueError    = "ERRO"
)

// Candidate is one stage's proposed value for a field, with the stage's
// reported confidence and the surrounding context it was taken from.
type Candidate struct {
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Context    string   `json:"context,omitempty"`
	SourceURLs []string `json:"source_urls,omitempty"`
}

// EmptyCandidate returns the zero-confidence "not found" placeholder.
func EmptyCandidate() Candidate {
	return Candidate{Value: ValueNotFound, Confidence: 0}
}

// Found reports whether the candidate carries an actual value rather than
// a sentinel.
func (c Candidate) Found() bool {
	return c.Value != "" && c.Value != ValueNotFound && c.Value != ValueError
}
