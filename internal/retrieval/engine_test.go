package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/config"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func unitVec(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1
	return v
}

// seedKB loads the two-file ruby fixture: user.rb defines authenticate,
// session.rb references it.
func seedKB(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	kb, err := s.CreateKB("demo", types.KBCode, "", 4)
	require.NoError(t, err)

	userChunks := []types.Chunk{
		{Ordinal: 0, Text: "def authenticate password check", StartByte: 0, EndByte: 31, Tokens: 9},
		{Ordinal: 1, Text: "class User profile fields", StartByte: 31, EndByte: 56, Tokens: 8},
	}
	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "user.rb"}, userChunks,
		[][]float32{unitVec(4, 0), unitVec(4, 1)})
	require.NoError(t, err)

	sessionChunks := []types.Chunk{
		{Ordinal: 0, Text: "class Session token storage", StartByte: 0, EndByte: 27, Tokens: 8},
	}
	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "session.rb"}, sessionChunks,
		[][]float32{unitVec(4, 2)})
	require.NoError(t, err)

	return s
}

func newEngine(s *store.Store, embed Embedder, rerankURL string) *Engine {
	return New(s, embed, config.RetrievalConfig{}, rerankURL)
}

func TestVectorQueryRanksByCosine(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")

	got, err := e.Query(context.Background(), "demo", "authenticate", DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "user.rb", got[0].Document)
	assert.Equal(t, 0, got[0].Chunk.Ordinal)
	assert.InDelta(t, 1.0, got[0].VecScore, 1e-9)
}

func TestBM25QueryFindsLexicalMatch(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{}, "")

	got, err := e.Query(context.Background(), "demo", "authenticate",
		Options{UseBM25: true})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].Chunk.Text, "authenticate")
	assert.Greater(t, got[0].BM25, 0.0)
}

func TestHybridQueryAgreesOnAuthenticate(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")

	got, err := e.Query(context.Background(), "demo", "authenticate",
		Options{UseVector: true, UseBM25: true, K: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "user.rb", got[0].Document)
	assert.Contains(t, got[0].Chunk.Text, "authenticate")
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestTieBreakIsFilenameThenOrdinal(t *testing.T) {
	s := seedKB(t)
	// Query vector orthogonal to every stored embedding: all cosines are 0.
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 3)}, "")

	got, err := e.Query(context.Background(), "demo", "anything",
		Options{UseVector: true, K: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "session.rb", got[0].Document)
	assert.Equal(t, "user.rb", got[1].Document)
	assert.Equal(t, 0, got[1].Chunk.Ordinal)
	assert.Equal(t, 1, got[2].Chunk.Ordinal)
}

func TestQueryDefaultsAndClamps(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")

	// Explicit k of zero is a valid request for nothing.
	got, err := e.Query(context.Background(), "demo", "x", Options{UseVector: true, K: 0})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, 5, e.DefaultK())

	// Oversized K is clamped, not rejected.
	got, err = e.Query(context.Background(), "demo", "x", Options{UseVector: true, K: 100_000})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = e.Query(context.Background(), "demo", "x", Options{UseVector: true, K: -1})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestQueryValidation(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")

	_, err := e.Query(context.Background(), "demo", "   ", DefaultOptions())
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = e.Query(context.Background(), "demo", "x", Options{})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestQueryKBNotFound(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")

	_, err := e.Query(context.Background(), "missing", "x", DefaultOptions())
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestQueryDimensionMismatch(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{vec: make([]float32, 8)}, "")

	_, err := e.Query(context.Background(), "demo", "x", DefaultOptions())
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestQueryEmptyKB(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.CreateKB("empty", types.KBGeneric, "", 4)
	require.NoError(t, err)

	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")
	got, err := e.Query(context.Background(), "empty", "anything", DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMetadataFilter(t *testing.T) {
	s := seedKB(t)
	kb, err := s.GetKB("demo")
	require.NoError(t, err)
	_, err = s.UpsertDocument(kb.ID, types.Document{
		Filename: "tagged.md",
		Metadata: map[string]string{"team": "auth"},
	}, []types.Chunk{
		{Ordinal: 0, Text: "authenticate flow overview", EndByte: 26, Tokens: 7},
	}, [][]float32{unitVec(4, 0)})
	require.NoError(t, err)

	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, "")
	got, err := e.Query(context.Background(), "demo", "authenticate",
		Options{UseVector: true, Filter: map[string]string{"team": "auth"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tagged.md", got[0].Document)
}

func TestRerankReplacesScores(t *testing.T) {
	s := seedKB(t)

	var seen rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		// Shortest chunk text wins, inverting the vector order.
		scores := make([]float64, len(seen.Documents))
		for i, doc := range seen.Documents {
			scores[i] = -float64(len(doc))
		}
		json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, srv.URL)
	got, err := e.Query(context.Background(), "demo", "authenticate",
		Options{UseVector: true, UseRerank: true, K: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "authenticate", seen.Query)
	assert.Len(t, seen.Documents, 3)
	// "class User profile fields" is the shortest fixture chunk; the vector
	// pass ranked it last.
	assert.Equal(t, "class User profile fields", got[0].Chunk.Text)
	// "def authenticate password check" is the longest, so it drops to last.
	assert.Equal(t, "def authenticate password check", got[2].Chunk.Text)
}

func TestRerankFailureKeepsHybridOrder(t *testing.T) {
	s := seedKB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newEngine(s, &fakeEmbedder{vec: unitVec(4, 0)}, srv.URL)
	got, err := e.Query(context.Background(), "demo", "authenticate",
		Options{UseVector: true, UseRerank: true, K: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "user.rb", got[0].Document)
	assert.Equal(t, 0, got[0].Chunk.Ordinal)
}

func TestBM25IndexCachedUntilKBChanges(t *testing.T) {
	s := seedKB(t)
	e := newEngine(s, &fakeEmbedder{}, "")
	kb, err := s.GetKB("demo")
	require.NoError(t, err)

	_, err = e.Query(context.Background(), "demo", "authenticate", Options{UseBM25: true})
	require.NoError(t, err)
	first := e.bm25[kb.ID]
	require.NotNil(t, first)

	// An unchanged KB reuses the cached statistics.
	_, err = e.Query(context.Background(), "demo", "session", Options{UseBM25: true})
	require.NoError(t, err)
	assert.Same(t, first, e.bm25[kb.ID])

	// Replacing a document with the same chunk count bumps the KB's update
	// time, so the cache rebuilds.
	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "session.rb"},
		[]types.Chunk{{Ordinal: 0, Text: "class Session refresh rotation", EndByte: 30, Tokens: 8}},
		[][]float32{unitVec(4, 2)})
	require.NoError(t, err)

	got, err := e.Query(context.Background(), "demo", "rotation", Options{UseBM25: true})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].Chunk.Text, "rotation")
	rebuilt := e.bm25[kb.ID]
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 3, rebuilt.chunks)
}

func TestBM25FilteredQueryDoesNotPoisonCache(t *testing.T) {
	s := seedKB(t)
	kb, err := s.GetKB("demo")
	require.NoError(t, err)
	_, err = s.UpsertDocument(kb.ID, types.Document{
		Filename: "tagged.md",
		Metadata: map[string]string{"team": "auth"},
	}, []types.Chunk{
		{Ordinal: 0, Text: "authenticate flow overview", EndByte: 26, Tokens: 7},
	}, [][]float32{unitVec(4, 0)})
	require.NoError(t, err)

	e := newEngine(s, &fakeEmbedder{}, "")
	_, err = e.Query(context.Background(), "demo", "authenticate",
		Options{UseBM25: true, Filter: map[string]string{"team": "auth"}})
	require.NoError(t, err)
	assert.Empty(t, e.bm25)

	// The unfiltered query scores against the full snapshot.
	got, err := e.Query(context.Background(), "demo", "authenticate", Options{UseBM25: true, K: 5})
	require.NoError(t, err)
	require.NotNil(t, e.bm25[kb.ID])
	assert.Equal(t, 4, e.bm25[kb.ID].chunks)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].Chunk.Text, "authenticate")
}

func TestBM25Stats(t *testing.T) {
	idx := newBM25Index([]string{
		"the cat sat on the mat",
		"the dog barked",
		"cats and dogs",
	})
	terms := tokenize("cat")
	assert.Greater(t, idx.score(terms, 0), 0.0)
	assert.Zero(t, idx.score(terms, 1))

	// A rarer term outscores a common one in the same chunk.
	rare := idx.score(tokenize("mat"), 0)
	common := idx.score(tokenize("the"), 0)
	assert.Greater(t, rare, common)
}
