package heuristics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sds-labs/sdsx/internal/model"
)

const (
	// DefaultChunkSize bounds model input per chunk when no section
	// boundaries are known.
	DefaultChunkSize = 4000
	minChunkSize     = 1000
)

// ChunkStrategy splits document text into labeled chunks. Stateless.
type ChunkStrategy struct {
	MaxChars int
}

// NewChunkStrategy returns a strategy with the given window size, clamped
// to the floor.
func NewChunkStrategy(maxChars int) ChunkStrategy {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	if maxChars < minChunkSize {
		maxChars = minChunkSize
	}
	return ChunkStrategy{MaxChars: maxChars}
}

// MakeChunks turns numbered SDS sections into one chunk each, in section
// order. Without sections it falls back to fixed-size windows.
func (c ChunkStrategy) MakeChunks(text string, sections map[int]string) []model.Chunk {
	if len(sections) > 0 {
		nums := make([]int, 0, len(sections))
		for n := range sections {
			nums = append(nums, n)
		}
		sort.Ints(nums)

		chunks := make([]model.Chunk, 0, len(nums))
		for _, n := range nums {
			body := sections[n]
			if strings.TrimSpace(body) == "" {
				continue
			}
			chunks = append(chunks, model.Chunk{
				Label: fmt.Sprintf("Secao %d", n),
				Text:  body,
			})
		}
		return chunks
	}

	max := c.MaxChars
	if max < minChunkSize {
		max = minChunkSize
	}
	var chunks []model.Chunk
	for i := 0; i < len(text); i += max {
		end := i + max
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, model.Chunk{
			Label: fmt.Sprintf("Chunk %d", i/max+1),
			Text:  text[i:end],
		})
	}
	return chunks
}
