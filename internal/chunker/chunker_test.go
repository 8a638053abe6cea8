package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/config"
	"corpusd/internal/types"
)

func newTest(maxTokens, overlap int) *Chunker {
	return New(config.ChunkingConfig{MaxTokens: maxTokens, Overlap: overlap})
}

func TestChunkEmptyDocument(t *testing.T) {
	c := newTest(512, 64)
	assert.Nil(t, c.Chunk("", "a.go", nil))
	assert.Nil(t, c.Chunk("   \n\t\n", "a.go", nil))
}

func TestChunkSmallDocumentSingleChunk(t *testing.T) {
	c := newTest(512, 64)
	text := "package main\n\nfunc main() {}\n"
	chunks := c.Chunk(text, "main.go", nil)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartByte)
	assert.Equal(t, len(text), chunks[0].EndByte)
	assert.Greater(t, chunks[0].Tokens, 0)
}

func TestChunkRoundTrip(t *testing.T) {
	c := newTest(64, 8)
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("func handler")
		b.WriteByte(byte('A' + i%26))
		b.WriteString("(w http.ResponseWriter, r *http.Request) { serve(w, r) }\n")
	}
	text := b.String()

	chunks := c.Chunk(text, "handlers.go", nil)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, text, Reassemble(chunks))

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.NotEmpty(t, ch.Text)
		assert.Equal(t, text[ch.StartByte:ch.EndByte], ch.Text)
	}
}

func TestChunkRoundTripProse(t *testing.T) {
	c := newTest(32, 4)
	paras := []string{
		"The indexer walks the tree. It collects every file worth keeping.",
		"Parsing happens next. Each file yields a set of tags. Tags feed the graph.",
		"Ranking orders the files. The budget trims the output.",
	}
	text := strings.Join(paras, "\n\n") + "\n"

	chunks := c.Chunk(text, "notes.md", nil)
	require.NotEmpty(t, chunks)
	assert.Equal(t, text, Reassemble(chunks))
}

func TestChunkTokenBudgetRespected(t *testing.T) {
	c := newTest(50, 0)
	text := strings.Repeat("let value = compute(input); ", 100)
	chunks := c.Chunk(text, "script.js", nil)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.Tokens, 50, "chunk %d over budget", ch.Ordinal)
	}
	assert.Equal(t, text, Reassemble(chunks))
}

func TestChunkOverlapCarriesContext(t *testing.T) {
	c := newTest(40, 8)
	text := strings.Repeat("abcdefghij ", 60)
	chunks := c.Chunk(text, "data.go", nil)
	require.Greater(t, len(chunks), 1)
	// Every non-first chunk starts before the previous one ends.
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].StartByte, chunks[i-1].EndByte)
	}
	assert.Equal(t, text, Reassemble(chunks))
}

func TestChunkCodeSplitsOnTagBoundaries(t *testing.T) {
	c := newTest(30, 0)
	text := "def alpha():\n    return 1\n\ndef beta():\n    return 2\n\ndef gamma():\n    return 3\n"
	tags := []types.Tag{
		{File: "m.py", Name: "alpha", Kind: types.KindFunction, Line: 1},
		{File: "m.py", Name: "beta", Kind: types.KindFunction, Line: 4},
		{File: "m.py", Name: "gamma", Kind: types.KindFunction, Line: 7},
	}
	chunks := c.Chunk(text, "m.py", tags)
	require.NotEmpty(t, chunks)
	assert.Equal(t, text, Reassemble(chunks))
	// Each chunk must start at a function boundary, not mid-definition.
	for _, ch := range chunks {
		assert.True(t, strings.HasPrefix(ch.Text, "def "),
			"chunk %d starts mid-unit: %q", ch.Ordinal, ch.Text[:min(20, len(ch.Text))])
	}
}

func TestChunkUnicodeSafeBoundaries(t *testing.T) {
	c := newTest(20, 0)
	text := strings.Repeat("日本語のテキスト、分割の確認。", 40)
	chunks := c.Chunk(text, "doc.txt", nil)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.True(t, strings.HasPrefix(text[ch.StartByte:], ch.Text))
	}
	assert.Equal(t, text, Reassemble(chunks))
}

func TestNewClampsBadConfig(t *testing.T) {
	c := New(config.ChunkingConfig{MaxTokens: 0, Overlap: 600})
	assert.Equal(t, 512, c.maxTokens)
	assert.Equal(t, 64, c.overlap)
}
