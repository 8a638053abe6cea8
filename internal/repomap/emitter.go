// Package repomap renders ranked definition tags into a token-budgeted map
// of the repository. The emitter binary-searches the largest prefix of the
// ranking that fits the budget, using the same token estimator the query
// path uses.
package repomap

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"corpusd/internal/graph"
	"corpusd/internal/logging"
	"corpusd/internal/tokens"
	"corpusd/internal/types"
)

// comparatorWindow tolerates a near-fit above the budget.
const comparatorWindow = 0.15

// Emit fits ranked tags into the token budget and renders the map. When not
// even one tag fits within the comparator window, the artifact degrades to
// the single highest-ranked file header with the overflow flag set.
func Emit(kbID int64, ranked []graph.RankedTag, tokenBudget int) types.RepoMap {
	now := time.Now().UTC()
	if tokenBudget <= 0 || len(ranked) == 0 {
		return types.RepoMap{KBID: kbID, TokenBudget: tokenBudget, GeneratedAt: now}
	}

	count := func(k int) int {
		return tokens.EstimateCode(render(ranked[:k]))
	}

	// Largest k with count(k) <= budget. count is monotone in k.
	lo, hi := 0, len(ranked)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if count(mid) <= tokenBudget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	k := lo

	if k == 0 {
		// Nothing fits outright; a single tag within the window still passes.
		if delta(count(1), tokenBudget) <= comparatorWindow {
			k = 1
		} else {
			text := ranked[0].File + "\n"
			logging.Rank("repo map overflow: budget %d below minimal render", tokenBudget)
			return types.RepoMap{
				KBID:        kbID,
				Text:        text,
				TokenCount:  tokens.EstimateCode(text),
				TokenBudget: tokenBudget,
				Overflow:    true,
				GeneratedAt: now,
			}
		}
	}

	text := render(ranked[:k])
	tc := tokens.EstimateCode(text)
	logging.RankDebug("repo map: kept %d/%d tags, %d/%d tokens", k, len(ranked), tc, tokenBudget)
	return types.RepoMap{
		KBID:        kbID,
		Text:        text,
		TokenCount:  tc,
		TokenBudget: tokenBudget,
		GeneratedAt: now,
	}
}

func delta(count, budget int) float64 {
	d := float64(count - budget)
	if d < 0 {
		d = -d
	}
	return d / float64(budget)
}

// render groups tags by file, files ordered by their best tag, definition
// lines ascending within a file.
func render(ranked []graph.RankedTag) string {
	if len(ranked) == 0 {
		return ""
	}

	order := make([]string, 0)
	byFile := make(map[string][]graph.RankedTag)
	for _, rt := range ranked {
		if _, ok := byFile[rt.File]; !ok {
			order = append(order, rt.File)
		}
		byFile[rt.File] = append(byFile[rt.File], rt)
	}

	var b strings.Builder
	for _, file := range order {
		b.WriteString(file)
		b.WriteByte('\n')
		defs := byFile[file]
		sort.Slice(defs, func(i, j int) bool { return defs[i].Line < defs[j].Line })
		for _, d := range defs {
			sig := d.Signature
			if sig == "" {
				sig = d.Name
			}
			fmt.Fprintf(&b, "  %d: %s\n", d.Line, sig)
		}
	}
	return b.String()
}
