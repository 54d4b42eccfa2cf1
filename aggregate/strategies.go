package aggregate

import (
	"sort"

	"github.com/fedhive/engine/coordinator"
)

// FedAvg is sample-weighted federated averaging: each surviving update
// contributes proportionally to the number of samples it trained on.
type FedAvg struct {
	// DeviationFactor tunes outlier screening; zero means the default.
	DeviationFactor float64
}

// NewFedAvg returns a FedAvg aggregator with default screening.
func NewFedAvg() *FedAvg {
	return &FedAvg{DeviationFactor: DefaultDeviationFactor}
}

func (a *FedAvg) Aggregate(updates []*coordinator.ModelUpdate, previous *coordinator.GlobalModel) *coordinator.AggregationResult {
	valid, suspected, res := prepare(updates, a.DeviationFactor)
	if res != nil {
		res.SuspectedByzantine = suspected
		return res
	}

	total := totalSamples(valid)
	if total == 0 {
		return &coordinator.AggregationResult{
			Success:            false,
			ErrorMessage:       "no samples across surviving updates",
			SuspectedByzantine: suspected,
		}
	}

	dim := len(valid[0].Weights)
	weights := make([]float64, dim)
	for _, u := range valid {
		share := float64(u.NumSamples) / float64(total)
		for i, w := range u.Weights {
			weights[i] += w * share
		}
	}

	return &coordinator.AggregationResult{
		Success:            true,
		GlobalModel:        &coordinator.GlobalModel{Weights: weights, NumSamples: total},
		SuspectedByzantine: suspected,
	}
}

// Median aggregates by coordinate-wise median, which tolerates up to half
// the contributions being arbitrary.
type Median struct {
	DeviationFactor float64
}

// NewMedian returns a Median aggregator with default screening.
func NewMedian() *Median {
	return &Median{DeviationFactor: DefaultDeviationFactor}
}

func (a *Median) Aggregate(updates []*coordinator.ModelUpdate, previous *coordinator.GlobalModel) *coordinator.AggregationResult {
	valid, suspected, res := prepare(updates, a.DeviationFactor)
	if res != nil {
		res.SuspectedByzantine = suspected
		return res
	}

	return &coordinator.AggregationResult{
		Success:            true,
		GlobalModel:        &coordinator.GlobalModel{Weights: coordinateMedian(valid), NumSamples: totalSamples(valid)},
		SuspectedByzantine: suspected,
	}
}

// TrimmedMean drops the highest and lowest tail of each coordinate before
// averaging the remainder.
type TrimmedMean struct {
	// TrimRatio is the fraction trimmed from each tail; zero means 0.1.
	TrimRatio       float64
	DeviationFactor float64
}

// NewTrimmedMean returns a TrimmedMean aggregator trimming 10% per tail.
func NewTrimmedMean() *TrimmedMean {
	return &TrimmedMean{TrimRatio: 0.1, DeviationFactor: DefaultDeviationFactor}
}

func (a *TrimmedMean) Aggregate(updates []*coordinator.ModelUpdate, previous *coordinator.GlobalModel) *coordinator.AggregationResult {
	valid, suspected, res := prepare(updates, a.DeviationFactor)
	if res != nil {
		res.SuspectedByzantine = suspected
		return res
	}

	ratio := a.TrimRatio
	if ratio <= 0 {
		ratio = 0.1
	}
	trim := int(float64(len(valid)) * ratio)
	if trim < 1 && len(valid) >= minUpdatesForScreening {
		trim = 1
	}

	dim := len(valid[0].Weights)
	weights := make([]float64, dim)
	column := make([]float64, 0, len(valid))

	for i := 0; i < dim; i++ {
		column = column[:0]
		for _, u := range valid {
			column = append(column, u.Weights[i])
		}
		sort.Float64s(column)
		if len(column) > 2*trim {
			column = column[trim : len(column)-trim]
		}
		sum := 0.0
		for _, v := range column {
			sum += v
		}
		weights[i] = sum / float64(len(column))
	}

	return &coordinator.AggregationResult{
		Success:            true,
		GlobalModel:        &coordinator.GlobalModel{Weights: weights, NumSamples: totalSamples(valid)},
		SuspectedByzantine: suspected,
	}
}

// prepare screens structurally invalid updates, flags outliers, and removes
// both from the usable set. A non-nil result short-circuits the caller with
// a failure; suspected ids are reported either way so the coordinator can
// apply trust penalties.
func prepare(updates []*coordinator.ModelUpdate, factor float64) ([]*coordinator.ModelUpdate, []string, *coordinator.AggregationResult) {
	if len(updates) == 0 {
		return nil, nil, failure("no updates to aggregate")
	}

	valid, rejected := screen(updates)
	if len(valid) == 0 {
		return nil, rejected, failure("all %d updates structurally invalid", len(updates))
	}

	if factor <= 0 {
		factor = DefaultDeviationFactor
	}
	outliers := suspectOutliers(valid, factor)
	suspected := append(rejected, outliers...)

	surviving := exclude(valid, outliers)
	if len(surviving) == 0 {
		return nil, suspected, failure("all updates screened out as outliers")
	}
	return surviving, suspected, nil
}
