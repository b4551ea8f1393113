package heuristics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeChunks_FromSections(t *testing.T) {
	c := NewChunkStrategy(4000)
	sections := map[int]string{
		14: "Numero ONU: UN 1090",
		1:  "Nome do produto: Acetona",
		9:  "   ",
	}

	chunks := c.MakeChunks("full text", sections)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Secao 1", chunks[0].Label)
	assert.Equal(t, "Nome do produto: Acetona", chunks[0].Text)
	assert.Equal(t, "Secao 14", chunks[1].Label)
}

func TestMakeChunks_WindowFallback(t *testing.T) {
	c := NewChunkStrategy(1000)
	text := strings.Repeat("a", 2500)

	chunks := c.MakeChunks(text, nil)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Chunk 1", chunks[0].Label)
	assert.Len(t, chunks[0].Text, 1000)
	assert.Equal(t, "Chunk 3", chunks[2].Label)
	assert.Len(t, chunks[2].Text, 500)
}

func TestNewChunkStrategy_ClampsWindow(t *testing.T) {
	assert.Equal(t, DefaultChunkSize, NewChunkStrategy(0).MaxChars)
	assert.Equal(t, minChunkSize, NewChunkStrategy(10).MaxChars)
	assert.Equal(t, 8000, NewChunkStrategy(8000).MaxChars)
}
