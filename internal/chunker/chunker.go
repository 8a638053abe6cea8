// Package chunker splits documents into bounded, overlapping chunks. Code
// files split on top-level semantic boundaries first (using tree-sitter tags
// when available); prose splits on paragraph and sentence boundaries. Every
// chunk is an exact byte slice of the original document, so concatenating
// chunk texts in ordinal order with overlaps stripped reproduces the input.
package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/tokens"
	"corpusd/internal/types"
)

// Chunker splits text into chunks of at most MaxTokens with Overlap tokens
// of leading context carried over from the previous chunk.
type Chunker struct {
	maxTokens int
	overlap   int
}

// New returns a Chunker. Zero-value fields fall back to the defaults.
func New(cfg config.ChunkingConfig) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxTokens {
		cfg.Overlap = cfg.MaxTokens / 8
	}
	return &Chunker{maxTokens: cfg.MaxTokens, overlap: cfg.Overlap}
}

// segment is a half-open byte range of the source text.
type segment struct {
	start int
	end   int
}

// Chunk splits a document into ordered chunks. Tags, when present, provide
// top-level semantic boundaries for code files. An empty document produces
// zero chunks.
func (c *Chunker) Chunk(text, path string, tags []types.Tag) []types.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var segments []segment
	if tokens.IsProsePath(path) {
		segments = c.proseSegments(text)
	} else {
		segments = c.codeSegments(text, tags)
	}

	packed := c.pack(text, path, segments)
	logging.Get(logging.CategoryChunk).Debug("chunked %s: %d bytes -> %d chunks", path, len(text), len(packed))

	chunks := make([]types.Chunk, 0, len(packed))
	overlapBytes := c.overlapBytes(path)
	for i, seg := range packed {
		start := seg.start
		// Overlap extends each chunk backwards into the previous one.
		if i > 0 && overlapBytes > 0 {
			start -= overlapBytes
			if start < packed[i-1].start {
				start = packed[i-1].start
			}
			start = snapToRuneStart(text, start)
		}
		body := text[start:seg.end]
		chunks = append(chunks, types.Chunk{
			Ordinal:   i,
			Text:      body,
			StartByte: start,
			EndByte:   seg.end,
			Tokens:    tokens.Estimate(body, path),
		})
	}
	return chunks
}

// Reassemble reverses Chunk, stripping overlaps using the recorded offsets.
// Used by tests and by the export verifier.
func Reassemble(chunks []types.Chunk) string {
	var b strings.Builder
	prevEnd := 0
	for _, ch := range chunks {
		if ch.StartByte >= prevEnd {
			b.WriteString(ch.Text)
		} else {
			// Cut the overlapping prefix.
			cut := prevEnd - ch.StartByte
			if cut < len(ch.Text) {
				b.WriteString(ch.Text[cut:])
			}
		}
		if ch.EndByte > prevEnd {
			prevEnd = ch.EndByte
		}
	}
	return b.String()
}

// codeSegments splits code on top-level tag boundaries. A file without tags
// degrades to line-block segments.
func (c *Chunker) codeSegments(text string, tags []types.Tag) []segment {
	boundaries := map[int]bool{}
	for _, t := range tags {
		if !t.Kind.IsDefiner() || t.Line < 1 {
			continue
		}
		if off, ok := lineStartOffset(text, t.Line); ok && off > 0 {
			boundaries[off] = true
		}
	}

	if len(boundaries) == 0 {
		return []segment{{0, len(text)}}
	}

	offsets := make([]int, 0, len(boundaries)+2)
	offsets = append(offsets, 0)
	for off := range boundaries {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	var segs []segment
	for i, off := range offsets {
		end := len(text)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if end > off {
			segs = append(segs, segment{off, end})
		}
	}
	return segs
}

// proseSegments splits on blank lines (paragraphs); paragraphs beyond the
// budget are later subdivided on sentence boundaries by pack.
func (c *Chunker) proseSegments(text string) []segment {
	var segs []segment
	start := 0
	for start < len(text) {
		idx := strings.Index(text[start:], "\n\n")
		if idx < 0 {
			segs = append(segs, segment{start, len(text)})
			break
		}
		end := start + idx + 2
		segs = append(segs, segment{start, end})
		start = end
	}
	return segs
}

// pack greedily merges segments into chunks of at most maxTokens, splitting
// oversized segments on sentence boundaries and finally on hard byte windows.
func (c *Chunker) pack(text, path string, segs []segment) []segment {
	var out []segment
	cur := segment{-1, -1}

	flush := func() {
		if cur.start >= 0 && cur.end > cur.start {
			out = append(out, cur)
		}
		cur = segment{-1, -1}
	}

	for _, seg := range segs {
		segTokens := tokens.Estimate(text[seg.start:seg.end], path)
		if segTokens > c.maxTokens {
			flush()
			out = append(out, c.splitOversized(text, path, seg)...)
			continue
		}

		if cur.start < 0 {
			cur = seg
			continue
		}
		merged := tokens.Estimate(text[cur.start:seg.end], path)
		if merged > c.maxTokens {
			flush()
			cur = seg
		} else {
			cur.end = seg.end
		}
	}
	flush()
	return out
}

// splitOversized cuts one segment that alone exceeds the budget: sentences
// first for prose, then hard byte windows sized from the estimator ratio.
func (c *Chunker) splitOversized(text, path string, seg segment) []segment {
	if tokens.IsProsePath(path) {
		if sentences := sentenceSegments(text, seg); len(sentences) > 1 {
			return c.pack(text, path, sentences)
		}
	}
	return c.byteWindows(text, path, seg)
}

func (c *Chunker) byteWindows(text, path string, seg segment) []segment {
	window := c.maxTokens * 3 // conservative bytes-per-token floor
	if window < 1 {
		window = 1
	}
	var out []segment
	for start := seg.start; start < seg.end; {
		end := start + window
		if end > seg.end {
			end = seg.end
		}
		end = snapToRuneStart(text, end)
		if end <= start {
			end = seg.end
		}
		out = append(out, segment{start, end})
		start = end
	}
	return out
}

func (c *Chunker) overlapBytes(path string) int {
	if c.overlap <= 0 {
		return 0
	}
	if tokens.IsProsePath(path) {
		return int(float64(c.overlap) * 3.8)
	}
	return int(float64(c.overlap) * 3.3)
}

// sentenceSegments splits a range on sentence-ending punctuation followed by
// whitespace.
func sentenceSegments(text string, seg segment) []segment {
	var out []segment
	start := seg.start
	for i := seg.start; i < seg.end-1; i++ {
		ch := text[i]
		if (ch == '.' || ch == '!' || ch == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			end := i + 2
			out = append(out, segment{start, end})
			start = end
		}
	}
	if start < seg.end {
		out = append(out, segment{start, seg.end})
	}
	return out
}

// lineStartOffset returns the byte offset of the start of a 1-based line.
func lineStartOffset(text string, line int) (int, bool) {
	if line == 1 {
		return 0, true
	}
	cur := 1
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			cur++
			if cur == line {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// snapToRuneStart moves an offset backwards to the nearest UTF-8 rune start.
func snapToRuneStart(text string, off int) int {
	if off <= 0 {
		return 0
	}
	if off >= len(text) {
		return len(text)
	}
	for off > 0 && !utf8.RuneStart(text[off]) {
		off--
	}
	return off
}
