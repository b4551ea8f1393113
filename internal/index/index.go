// Package index ranks document chunks against a field query with a lexical
// term-frequency model, so refinement prompts carry only the most relevant
// slices of the document instead of the whole text.
package index

import (
	"math"
	"sort"
	"strings"

	"github.com/sds-labs/sdsx/internal/model"
)

// Scored pairs a chunk with its relevance to a query.
type Scored struct {
	Chunk model.Chunk
	Score float64
}

// Index holds tokenized chunks ready for ranking. Build once per document.
type Index struct {
	chunks  []model.Chunk
	vectors []map[string]float64
	norms   []float64
}

// Build tokenizes every chunk into a term-frequency vector.
func Build(chunks []model.Chunk) *Index {
	idx := &Index{
		chunks:  chunks,
		vectors: make([]map[string]float64, len(chunks)),
		norms:   make([]float64, len(chunks)),
	}
	for i, ch := range chunks {
		vec := termVector(tokenize(ch.Label + " " + ch.Text))
		idx.vectors[i] = vec
		idx.norms[i] = norm(vec)
	}
	return idx
}

// Len reports the number of indexed chunks.
func (idx *Index) Len() int { return len(idx.chunks) }

// TopK returns up to k chunks ranked by cosine similarity to the query.
// Chunks containing every query term get a verbatim boost. Chunks with no
// overlap at all are omitted; an empty query returns nil.
func (idx *Index) TopK(query string, k int) []Scored {
	terms := tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil
	}
	qvec := termVector(terms)
	qnorm := norm(qvec)

	scored := make([]Scored, 0, len(idx.chunks))
	for i, ch := range idx.chunks {
		score := cosine(qvec, qnorm, idx.vectors[i], idx.norms[i])
		if score == 0 {
			continue
		}
		if containsAllTerms(idx.vectors[i], terms) {
			score += 0.3
		}
		scored = append(scored, Scored{Chunk: ch, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Stop words dropped during tokenization. SDS documents in this pipeline are
// Portuguese, so both languages are covered.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true, "in": true,
	"to": true, "for": true, "on": true, "with": true, "is": true, "by": true,
	"o": true, "os": true, "as": true, "um": true, "uma": true, "de": true,
	"do": true, "da": true, "dos": true, "das": true, "e": true, "em": true,
	"no": true, "na": true, "nos": true, "nas": true, "para": true,
	"por": true, "com": true, "ou": true, "que": true, "ao": true,
}

func tokenize(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, w := range words {
		cleaned := strings.ToLower(strings.Trim(w, ".,!?;:'\"-()[]{}/"))
		if cleaned == "" || stopWords[cleaned] {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

func termVector(terms []string) map[string]float64 {
	vec := make(map[string]float64, len(terms))
	for _, t := range terms {
		vec[t]++
	}
	return vec
}

func norm(vec map[string]float64) float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func cosine(a map[string]float64, na float64, b map[string]float64, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for t, av := range a {
		if bv, ok := b[t]; ok {
			dot += av * bv
		}
	}
	return dot / (na * nb)
}

func containsAllTerms(vec map[string]float64, terms []string) bool {
	for _, t := range terms {
		if _, ok := vec[t]; !ok {
			return false
		}
	}
	return true
}
