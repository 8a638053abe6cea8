// Package graph builds the file dependency graph from parser tags and ranks
// files with weighted PageRank. Edges run definer file -> referrer file; rank
// flows the other way, so heavily referenced files rise.
package graph

import (
	"math"
	"sort"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// Graph is the directed file graph of one structural KB.
type Graph struct {
	Nodes []string
	Edges []types.DependencyEdge

	// defsByIdent maps an identifier to the definition tags that introduce it.
	defsByIdent map[string][]types.Tag
	// refsByIdent counts cross-file references per identifier.
	refsByIdent map[string]int
	// refsOutByFile counts references made by each file.
	refsOutByFile map[string]int
}

// Build constructs the graph from a tag stream. Self-edges are dropped and
// parallel edges collapse into one weighted edge.
func Build(tags []types.Tag) *Graph {
	g := &Graph{
		defsByIdent:   make(map[string][]types.Tag),
		refsByIdent:   make(map[string]int),
		refsOutByFile: make(map[string]int),
	}

	nodes := make(map[string]struct{})
	definerFiles := make(map[string]map[string]struct{})
	refs := make(map[string]map[string]int) // ident -> referrer file -> count

	for _, tag := range tags {
		name := tag.Ident()
		if tag.File == "" || name == "" {
			continue
		}
		nodes[tag.File] = struct{}{}

		if tag.Kind.IsDefiner() {
			g.defsByIdent[name] = append(g.defsByIdent[name], tag)
			if definerFiles[name] == nil {
				definerFiles[name] = make(map[string]struct{})
			}
			definerFiles[name][tag.File] = struct{}{}
		} else if tag.Kind == types.KindRef {
			if refs[name] == nil {
				refs[name] = make(map[string]int)
			}
			refs[name][tag.File]++
			g.refsOutByFile[tag.File]++
		}
	}

	// Collapse ident-level links into one weighted edge per file pair.
	type pair struct{ from, to string }
	collapsed := make(map[pair]*types.DependencyEdge)
	for ident, byReferrer := range refs {
		defFiles := definerFiles[ident]
		if len(defFiles) == 0 {
			continue
		}
		for referrer, count := range byReferrer {
			crossFile := false
			for definer := range defFiles {
				if definer == referrer {
					continue
				}
				crossFile = true
				key := pair{from: definer, to: referrer}
				if e, ok := collapsed[key]; ok {
					e.Weight += float64(count)
				} else {
					collapsed[key] = &types.DependencyEdge{
						From:   definer,
						To:     referrer,
						Ident:  ident,
						Kind:   types.EdgeReferences,
						Weight: float64(count),
					}
				}
			}
			if crossFile {
				g.refsByIdent[ident] += count
			}
		}
	}

	g.Nodes = make([]string, 0, len(nodes))
	for n := range nodes {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Strings(g.Nodes)

	g.Edges = make([]types.DependencyEdge, 0, len(collapsed))
	for _, e := range collapsed {
		g.Edges = append(g.Edges, *e)
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})

	logging.RankDebug("graph built: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	return g
}

// Personalization names the files receiving rank boosts. Empty fields are
// simply not boosted; an entirely empty value yields the uniform vector.
type Personalization struct {
	ChatFiles   []string
	RecentFiles []string
}

// personalizationVector computes per-file boost weights from the config.
func (g *Graph) personalizationVector(cfg config.RankingConfig, p Personalization) map[string]float64 {
	inSet := func(files []string) map[string]struct{} {
		s := make(map[string]struct{}, len(files))
		for _, f := range files {
			s[f] = struct{}{}
		}
		return s
	}
	chat := inSet(p.ChatFiles)
	recent := inSet(p.RecentFiles)

	longIdent := make(map[string]struct{})
	for ident, defs := range g.defsByIdent {
		if len([]rune(ident)) < 8 {
			continue
		}
		for _, d := range defs {
			longIdent[d.File] = struct{}{}
		}
	}

	// Sink files: referenced by others while referencing little themselves.
	inbound := make(map[string]int)
	for _, e := range g.Edges {
		inbound[e.From] += int(e.Weight)
	}

	pers := make(map[string]float64)
	for _, f := range g.Nodes {
		var w float64
		if _, ok := chat[f]; ok {
			w += cfg.ChatBoost
		}
		if _, ok := recent[f]; ok {
			w += cfg.RecentBoost
		}
		if _, ok := longIdent[f]; ok {
			w += cfg.LongIdent
		}
		if inbound[f] > 0 && g.refsOutByFile[f] <= 2 {
			w += cfg.SinkBoost
		}
		if w > 0 {
			pers[f] = w
		}
	}
	if len(pers) == 0 {
		return nil
	}
	return pers
}

// RankedTag is one definition with its final importance score.
type RankedTag struct {
	File      string        `json:"file"`
	Name      string        `json:"name"`
	Kind      types.TagKind `json:"kind"`
	Line      int           `json:"line"`
	Signature string        `json:"signature,omitempty"`
	Language  string        `json:"language,omitempty"`
	Score     float64       `json:"score"`
}

// RankTags ranks files and scores every definition tag. Importance is the
// file's rank scaled by how often the symbol is referenced. Order is score
// descending, then (file, line) ascending.
func (g *Graph) RankTags(cfg config.RankingConfig, p Personalization) ([]RankedTag, map[string]float64) {
	fileRanks := g.pageRank(cfg, g.personalizationVector(cfg, p))

	var out []RankedTag
	for ident, defs := range g.defsByIdent {
		refs := g.refsByIdent[ident]
		factor := 1.0
		if refs > 1 {
			factor = 1 + math.Log(float64(refs))
		}
		for _, d := range defs {
			out = append(out, RankedTag{
				File:      d.File,
				Name:      ident,
				Kind:      d.Kind,
				Line:      d.Line,
				Signature: d.Signature,
				Language:  d.Language,
				Score:     fileRanks[d.File] * factor,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, fileRanks
}

// TopPercentFiles returns the files owning the top share of tags by score,
// for selective semantic indexing. The result is sorted for determinism.
func TopPercentFiles(ranked []RankedTag, percent float64) []string {
	if len(ranked) == 0 || percent <= 0 {
		return nil
	}
	cutoff := int(math.Ceil(float64(len(ranked)) * percent))
	if cutoff > len(ranked) {
		cutoff = len(ranked)
	}
	seen := make(map[string]struct{})
	for _, rt := range ranked[:cutoff] {
		seen[rt.File] = struct{}{}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
