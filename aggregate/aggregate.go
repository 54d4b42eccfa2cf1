// Package aggregate provides the concrete aggregation strategies consumed by
// the round coordinator: sample-weighted federated averaging, coordinate-wise
// median, and trimmed mean, each paired with deviation-based screening of
// suspect contributions.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/fedhive/engine/coordinator"
)

// DefaultDeviationFactor is how many times farther than the median distance
// an update's weight vector must sit before it is suspected.
const DefaultDeviationFactor = 3.0

// minUpdatesForScreening is the smallest population where outlier distance
// is meaningful.
const minUpdatesForScreening = 3

// screen splits updates into usable ones and the node ids of structurally
// invalid contributions (empty weights, NaN/Inf values, or a dimension that
// disagrees with the first valid update).
func screen(updates []*coordinator.ModelUpdate) (valid []*coordinator.ModelUpdate, rejected []string) {
	dim := -1
	for _, u := range updates {
		if !usable(u, dim) {
			rejected = append(rejected, u.NodeID)
			continue
		}
		if dim < 0 {
			dim = len(u.Weights)
		}
		valid = append(valid, u)
	}
	return valid, rejected
}

func usable(u *coordinator.ModelUpdate, dim int) bool {
	if len(u.Weights) == 0 {
		return false
	}
	if dim >= 0 && len(u.Weights) != dim {
		return false
	}
	for _, w := range u.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return false
		}
	}
	return true
}

// suspectOutliers flags updates whose weight vectors sit much farther from
// the coordinate-wise median than the population typically does. With fewer
// than three updates there is no population to deviate from.
func suspectOutliers(updates []*coordinator.ModelUpdate, factor float64) []string {
	if len(updates) < minUpdatesForScreening {
		return nil
	}

	center := coordinateMedian(updates)

	distances := make([]float64, len(updates))
	for i, u := range updates {
		distances[i] = euclidean(u.Weights, center)
	}

	sorted := make([]float64, len(distances))
	copy(sorted, distances)
	sort.Float64s(sorted)
	typical := sorted[len(sorted)/2]
	if typical == 0 {
		// Most updates agree exactly; anything that moved at all is suspect.
		typical = 1e-9
	}

	var suspected []string
	for i, u := range updates {
		if distances[i] > factor*typical {
			suspected = append(suspected, u.NodeID)
		}
	}
	return suspected
}

// coordinateMedian computes the per-coordinate median over all updates.
func coordinateMedian(updates []*coordinator.ModelUpdate) []float64 {
	dim := len(updates[0].Weights)
	out := make([]float64, dim)
	column := make([]float64, 0, len(updates))

	for i := 0; i < dim; i++ {
		column = column[:0]
		for _, u := range updates {
			column = append(column, u.Weights[i])
		}
		sort.Float64s(column)
		mid := len(column) / 2
		if len(column)%2 == 1 {
			out[i] = column[mid]
		} else {
			out[i] = (column[mid-1] + column[mid]) / 2
		}
	}
	return out
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// exclude returns the updates whose node id is not in the given set.
func exclude(updates []*coordinator.ModelUpdate, ids []string) []*coordinator.ModelUpdate {
	if len(ids) == 0 {
		return updates
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]*coordinator.ModelUpdate, 0, len(updates))
	for _, u := range updates {
		if !drop[u.NodeID] {
			out = append(out, u)
		}
	}
	return out
}

func failure(format string, args ...interface{}) *coordinator.AggregationResult {
	return &coordinator.AggregationResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

func totalSamples(updates []*coordinator.ModelUpdate) int64 {
	var total int64
	for _, u := range updates {
		total += u.NumSamples
	}
	return total
}
