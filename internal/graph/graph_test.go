package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/config"
	"corpusd/internal/types"
)

func rankingDefaults() config.RankingConfig {
	return config.Default("").Ranking
}

// rubyFixtureTags mirrors a two-file corpus where session.rb calls into the
// class defined by user.rb.
func rubyFixtureTags() []types.Tag {
	return []types.Tag{
		{File: "user.rb", Name: "User", Kind: types.KindClass, Line: 1, Signature: "class User"},
		{File: "user.rb", Name: "authenticate", Kind: types.KindMethod, Line: 2, Signature: "def authenticate"},
		{File: "session.rb", Name: "Session", Kind: types.KindClass, Line: 1, Signature: "class Session"},
		{File: "session.rb", Name: "user", Kind: types.KindMethod, Line: 2, Signature: "def user"},
		{File: "session.rb", Name: "authenticate", Kind: types.KindRef, Line: 3},
	}
}

func TestBuildEdgeDirection(t *testing.T) {
	g := Build(rubyFixtureTags())

	assert.Equal(t, []string{"session.rb", "user.rb"}, g.Nodes)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "user.rb", g.Edges[0].From)
	assert.Equal(t, "session.rb", g.Edges[0].To)
	assert.Equal(t, 1.0, g.Edges[0].Weight)
}

func TestBuildDropsSelfEdges(t *testing.T) {
	tags := []types.Tag{
		{File: "a.go", Name: "helper", Kind: types.KindFunction, Line: 1},
		{File: "a.go", Name: "helper", Kind: types.KindRef, Line: 5},
	}
	g := Build(tags)
	assert.Empty(t, g.Edges)
}

func TestBuildCollapsesMultiEdges(t *testing.T) {
	tags := []types.Tag{
		{File: "lib.go", Name: "Connect", Kind: types.KindFunction, Line: 1},
		{File: "lib.go", Name: "Query", Kind: types.KindFunction, Line: 5},
		{File: "app.go", Name: "Connect", Kind: types.KindRef, Line: 2},
		{File: "app.go", Name: "Connect", Kind: types.KindRef, Line: 8},
		{File: "app.go", Name: "Query", Kind: types.KindRef, Line: 9},
	}
	g := Build(tags)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "lib.go", g.Edges[0].From)
	assert.Equal(t, "app.go", g.Edges[0].To)
	assert.Equal(t, 3.0, g.Edges[0].Weight)
}

func TestPageRankFavorsReferencedFile(t *testing.T) {
	g := Build(rubyFixtureTags())
	_, ranks := g.RankTags(rankingDefaults(), Personalization{})

	assert.Greater(t, ranks["user.rb"], ranks["session.rb"])

	var total float64
	for _, r := range ranks {
		total += r
	}
	assert.InDelta(t, 1.0, total, 1e-6)
}

func TestRankTagsOrdering(t *testing.T) {
	g := Build(rubyFixtureTags())
	ranked, _ := g.RankTags(rankingDefaults(), Personalization{})
	require.NotEmpty(t, ranked)

	for i := 1; i < len(ranked); i++ {
		prev, cur := ranked[i-1], ranked[i]
		if prev.Score == cur.Score {
			if prev.File == cur.File {
				assert.LessOrEqual(t, prev.Line, cur.Line)
			} else {
				assert.Less(t, prev.File, cur.File)
			}
		} else {
			assert.Greater(t, prev.Score, cur.Score)
		}
	}

	// Definitions in the referenced file outrank the referrer's, and equal
	// scores fall back to line order within the file.
	assert.Equal(t, "user.rb", ranked[0].File)
	assert.Equal(t, "user.rb", ranked[1].File)
	assert.Equal(t, "User", ranked[0].Name)
	assert.Equal(t, "authenticate", ranked[1].Name)
}

func TestRankDeterministic(t *testing.T) {
	tags := rubyFixtureTags()
	g1 := Build(tags)
	g2 := Build(tags)
	r1, _ := g1.RankTags(rankingDefaults(), Personalization{})
	r2, _ := g2.RankTags(rankingDefaults(), Personalization{})
	assert.Equal(t, r1, r2)
}

func TestChatBoostRaisesFile(t *testing.T) {
	tags := []types.Tag{
		{File: "a.go", Name: "Alpha", Kind: types.KindFunction, Line: 1},
		{File: "b.go", Name: "Beta", Kind: types.KindFunction, Line: 1},
		{File: "c.go", Name: "Alpha", Kind: types.KindRef, Line: 2},
		{File: "c.go", Name: "Beta", Kind: types.KindRef, Line: 3},
	}
	g := Build(tags)

	plain, _ := g.RankTags(rankingDefaults(), Personalization{})
	boosted, _ := g.RankTags(rankingDefaults(), Personalization{ChatFiles: []string{"b.go"}})

	rankOf := func(tags []RankedTag, file string) float64 {
		for _, rt := range tags {
			if rt.File == file {
				return rt.Score
			}
		}
		return 0
	}
	assert.Greater(t, rankOf(boosted, "b.go"), rankOf(plain, "b.go"))
}

func TestEmptyGraph(t *testing.T) {
	g := Build(nil)
	ranked, ranks := g.RankTags(rankingDefaults(), Personalization{})
	assert.Empty(t, ranked)
	assert.Empty(t, ranks)
}

func TestTopPercentFiles(t *testing.T) {
	ranked := []RankedTag{
		{File: "a.go", Score: 0.9},
		{File: "b.go", Score: 0.5},
		{File: "c.go", Score: 0.1},
		{File: "d.go", Score: 0.05},
		{File: "e.go", Score: 0.01},
	}
	top := TopPercentFiles(ranked, 0.20)
	assert.Equal(t, []string{"a.go"}, top)

	assert.Nil(t, TopPercentFiles(nil, 0.20))
	assert.Nil(t, TopPercentFiles(ranked, 0))
}
