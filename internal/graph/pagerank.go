package graph

import (
	"math"

	"corpusd/internal/config"
	"corpusd/internal/logging"
)

// pageRank computes weighted PageRank over the graph. Each stored edge
// definer -> referrer is treated as an endorsement of the definer, so mass
// moves referrer -> definer. Dangling mass is redistributed along the
// personalization vector (uniform when absent).
func (g *Graph) pageRank(cfg config.RankingConfig, personalization map[string]float64) map[string]float64 {
	n := len(g.Nodes)
	if n == 0 {
		return map[string]float64{}
	}

	damping := cfg.Damping
	if damping <= 0 || damping >= 1 {
		damping = 0.85
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 1e-6
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	index := make(map[string]int, n)
	for i, node := range g.Nodes {
		index[node] = i
	}

	type inbound struct {
		from   int
		weight float64
	}
	outWeights := make([]float64, n)
	incoming := make([][]inbound, n)
	for _, e := range g.Edges {
		if e.Weight <= 0 {
			continue
		}
		definer, okD := index[e.From]
		referrer, okR := index[e.To]
		if !okD || !okR {
			continue
		}
		incoming[definer] = append(incoming[definer], inbound{from: referrer, weight: e.Weight})
		outWeights[referrer] += e.Weight
	}

	p := make([]float64, n)
	hasPers := false
	if len(personalization) > 0 {
		var sum float64
		for node, w := range personalization {
			if i, ok := index[node]; ok && w > 0 {
				p[i] += w
				sum += w
			}
		}
		if sum > 0 {
			for i := range p {
				p[i] /= sum
			}
			hasPers = true
		}
	}
	if !hasPers {
		for i := range p {
			p[i] = 1.0 / float64(n)
		}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	iterations := 0
	for iter := 0; iter < maxIter; iter++ {
		iterations = iter + 1
		next := make([]float64, n)
		for i := range next {
			next[i] = (1 - damping) * p[i]
		}

		var danglingMass float64
		for i, w := range outWeights {
			if w <= 0 {
				danglingMass += rank[i]
			}
		}
		if danglingMass > 0 {
			scaled := damping * danglingMass
			for i := range next {
				next[i] += scaled * p[i]
			}
		}

		for to, inEdges := range incoming {
			var inSum float64
			for _, in := range inEdges {
				den := outWeights[in.from]
				if den <= 0 {
					continue
				}
				inSum += rank[in.from] * (in.weight / den)
			}
			next[to] += damping * inSum
		}

		var delta float64
		for i := range next {
			delta += math.Abs(next[i] - rank[i])
		}
		rank = next
		if delta < tolerance {
			break
		}
	}
	logging.RankDebug("pagerank converged in %d iterations over %d nodes", iterations, n)

	scores := make(map[string]float64, n)
	for i, node := range g.Nodes {
		scores[node] = rank[i]
	}
	return scores
}
