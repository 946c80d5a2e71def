package rag

import (
	"sort"

	"github.com/PagewiseAI/pagewise-mvp/engine/graph"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
)

// Combined score weights. Vector similarity dominates; graph proximity
// contributes 1/(1+hops); pages found by both paths get a fixed bonus.
const (
	vectorWeight    = 0.6
	graphWeight     = 0.4
	bothSourceBonus = 0.2
)

// merge joins the vector and graph result sets by page id, scores them, and
// returns the topK best. With rerank off, results keep raw vector-similarity
// order; graph-only pages still append after the vector hits.
func merge(hits []semantic.SearchHit, refs []graph.PageRef, rerank bool, topK int) []Result {
	byID := make(map[string]*Result, len(hits)+len(refs))
	order := make([]string, 0, len(hits)+len(refs))

	for _, h := range hits {
		if _, ok := byID[h.ID]; ok {
			continue
		}
		byID[h.ID] = &Result{
			PageID:      h.ID,
			SourceURL:   h.SourceURL,
			Title:       h.Title,
			Content:     h.Content,
			VectorScore: float64(h.Score),
			GraphHops:   -1,
			FromVector:  true,
		}
		order = append(order, h.ID)
	}

	for _, ref := range refs {
		if r, ok := byID[ref.PageID]; ok {
			if !r.FromGraph || ref.Hops < r.GraphHops {
				r.FromGraph = true
				r.GraphHops = ref.Hops
			}
			continue
		}
		byID[ref.PageID] = &Result{
			PageID:    ref.PageID,
			SourceURL: ref.SourceURL,
			Title:     ref.Title,
			GraphHops: ref.Hops,
			FromGraph: true,
		}
		order = append(order, ref.PageID)
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.Score = combinedScore(*r)
		results = append(results, *r)
	}

	if rerank {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
	}

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func combinedScore(r Result) float64 {
	score := vectorWeight * r.VectorScore
	if r.FromGraph {
		score += graphWeight / float64(1+r.GraphHops)
	}
	if r.FromVector && r.FromGraph {
		score += bothSourceBonus
	}
	return score
}
