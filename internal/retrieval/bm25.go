package retrieval

import (
	"math"
	"strings"
	"time"
	"unicode"

	"corpusd/internal/store"
	"corpusd/internal/types"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index holds the lexical statistics for one KB snapshot.
type bm25Index struct {
	terms  [][]string     // per-chunk token list
	counts []map[string]int
	df     map[string]int // document frequency per term
	avgdl  float64
}

func newBM25Index(texts []string) *bm25Index {
	idx := &bm25Index{
		terms:  make([][]string, len(texts)),
		counts: make([]map[string]int, len(texts)),
		df:     make(map[string]int),
	}
	total := 0
	for i, text := range texts {
		tokens := tokenize(text)
		idx.terms[i] = tokens
		total += len(tokens)

		counts := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			counts[tok]++
		}
		idx.counts[i] = counts
		for tok := range counts {
			idx.df[tok]++
		}
	}
	if len(texts) > 0 {
		idx.avgdl = float64(total) / float64(len(texts))
	}
	return idx
}

// score computes the BM25 score of chunk i against the query terms.
func (idx *bm25Index) score(queryTerms []string, i int) float64 {
	dl := float64(len(idx.terms[i]))
	if dl == 0 || idx.avgdl == 0 {
		return 0
	}
	n := float64(len(idx.terms))

	var score float64
	for _, term := range queryTerms {
		tf := float64(idx.counts[i][term])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[term])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*dl/idx.avgdl))
	}
	return score
}

// bm25CacheEntry pins the statistics of one KB snapshot. The KB's update
// time plus the chunk count identify the snapshot: every content write bumps
// the update time, so a matching pair means the statistics are current.
type bm25CacheEntry struct {
	updatedAt time.Time
	chunks    int
	idx       *bm25Index
}

// bm25For returns the lexical index for a snapshot. Unfiltered snapshots are
// cached per KB and reused until the KB changes; a metadata filter makes the
// snapshot query-specific, so those are built fresh and never cached.
func (e *Engine) bm25For(kb *types.KnowledgeBase, snapshot []store.StoredChunk, filtered bool) *bm25Index {
	if !filtered {
		e.mu.Lock()
		ent, ok := e.bm25[kb.ID]
		e.mu.Unlock()
		if ok && ent.updatedAt.Equal(kb.UpdatedAt) && ent.chunks == len(snapshot) {
			return ent.idx
		}
	}

	texts := make([]string, len(snapshot))
	for i, sc := range snapshot {
		texts[i] = sc.Chunk.Text
	}
	idx := newBM25Index(texts)

	if !filtered {
		e.mu.Lock()
		e.bm25[kb.ID] = &bm25CacheEntry{updatedAt: kb.UpdatedAt, chunks: len(snapshot), idx: idx}
		e.mu.Unlock()
	}
	return idx
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
