package coordinator

import "math/rand"

// selectWeighted draws up to target distinct nodes from the candidate pool,
// weighting each draw by trust score. Sampling is without replacement: the
// cumulative-weight array is rebuilt per draw over the remaining pool and the
// running total is reduced by the chosen weight instead of re-summed, so
// repeated draws stay reproducible under a seeded source.
func selectWeighted(rng *rand.Rand, candidates []*NodeInfo, target int) []string {
	if target > len(candidates) {
		target = len(candidates)
	}
	if target <= 0 {
		return nil
	}

	pool := make([]*NodeInfo, len(candidates))
	copy(pool, candidates)

	total := 0.0
	for _, n := range pool {
		total += n.TrustScore
	}

	selected := make([]string, 0, target)
	cumulative := make([]float64, 0, len(pool))

	for len(selected) < target && len(pool) > 0 {
		// Degenerate pool with all-zero weights: take nodes in pool order.
		if total <= 0 {
			selected = append(selected, pool[0].NodeID)
			pool = pool[1:]
			continue
		}

		cumulative = cumulative[:0]
		running := 0.0
		for _, n := range pool {
			running += n.TrustScore
			cumulative = append(cumulative, running)
		}

		r := rng.Float64() * running
		idx := len(pool) - 1
		for i, c := range cumulative {
			if r < c {
				idx = i
				break
			}
		}

		chosen := pool[idx]
		selected = append(selected, chosen.NodeID)
		total -= chosen.TrustScore
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return selected
}
