package aggregate

import (
	"math"
	"testing"

	"github.com/fedhive/engine/coordinator"
)

func upd(nodeID string, samples int64, weights ...float64) *coordinator.ModelUpdate {
	return &coordinator.ModelUpdate{NodeID: nodeID, NumSamples: samples, Weights: weights}
}

func TestFedAvgSampleWeighted(t *testing.T) {
	agg := NewFedAvg()

	result := agg.Aggregate([]*coordinator.ModelUpdate{
		upd("a", 100, 1, 2),
		upd("b", 300, 3, 4),
	}, nil)

	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}
	// a contributes 1/4, b contributes 3/4.
	want := []float64{2.5, 3.5}
	for i, w := range result.GlobalModel.Weights {
		if math.Abs(w-want[i]) > 1e-9 {
			t.Errorf("weight[%d]: expected %f, got %f", i, want[i], w)
		}
	}
	if result.GlobalModel.NumSamples != 400 {
		t.Errorf("expected 400 samples, got %d", result.GlobalModel.NumSamples)
	}
}

func TestFedAvgSingleUpdate(t *testing.T) {
	result := NewFedAvg().Aggregate([]*coordinator.ModelUpdate{upd("solo", 50, 7, 8, 9)}, nil)

	if !result.Success {
		t.Fatalf("single-update aggregation failed: %s", result.ErrorMessage)
	}
	if len(result.SuspectedByzantine) != 0 {
		t.Errorf("single update flagged as suspect: %v", result.SuspectedByzantine)
	}
	for i, want := range []float64{7, 8, 9} {
		if result.GlobalModel.Weights[i] != want {
			t.Errorf("weight[%d]: expected %f, got %f", i, want, result.GlobalModel.Weights[i])
		}
	}
}

func TestEmptyInputFailsCleanly(t *testing.T) {
	aggregators := map[string]coordinator.Aggregator{
		"fedavg":       NewFedAvg(),
		"median":       NewMedian(),
		"trimmed_mean": NewTrimmedMean(),
	}

	for name, agg := range aggregators {
		result := agg.Aggregate(nil, nil)
		if result.Success {
			t.Errorf("%s: empty input reported success", name)
		}
		if result.ErrorMessage == "" {
			t.Errorf("%s: failure carries no error message", name)
		}
		if result.GlobalModel != nil {
			t.Errorf("%s: failure carries a model", name)
		}
	}
}

func TestInvalidWeightsRejected(t *testing.T) {
	result := NewFedAvg().Aggregate([]*coordinator.ModelUpdate{
		upd("good-1", 100, 1, 1),
		upd("good-2", 100, 1, 1),
		upd("nan", 100, math.NaN(), 1),
		upd("inf", 100, math.Inf(1), 1),
		upd("short", 100, 1),
		upd("empty", 100),
	}, nil)

	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}

	suspected := make(map[string]bool)
	for _, id := range result.SuspectedByzantine {
		suspected[id] = true
	}
	for _, id := range []string{"nan", "inf", "short", "empty"} {
		if !suspected[id] {
			t.Errorf("invalid update %s not suspected", id)
		}
	}
	if suspected["good-1"] || suspected["good-2"] {
		t.Error("valid update suspected")
	}
	for _, w := range result.GlobalModel.Weights {
		if w != 1 {
			t.Errorf("invalid update leaked into the mean: %v", result.GlobalModel.Weights)
		}
	}
}

func TestOutlierSuspectedAndExcluded(t *testing.T) {
	updates := []*coordinator.ModelUpdate{
		upd("honest-1", 100, 1.0, 1.0),
		upd("honest-2", 100, 1.1, 0.9),
		upd("honest-3", 100, 0.95, 1.05),
		upd("honest-4", 100, 1.05, 0.95),
		upd("byzantine", 100, 500, -500),
	}

	result := NewFedAvg().Aggregate(updates, nil)
	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}

	if len(result.SuspectedByzantine) != 1 || result.SuspectedByzantine[0] != "byzantine" {
		t.Fatalf("expected only the byzantine node suspected, got %v", result.SuspectedByzantine)
	}
	for _, w := range result.GlobalModel.Weights {
		if math.Abs(w) > 2 {
			t.Errorf("byzantine weights leaked into the mean: %v", result.GlobalModel.Weights)
		}
	}
}

func TestMedianOddAndEven(t *testing.T) {
	agg := NewMedian()

	odd := agg.Aggregate([]*coordinator.ModelUpdate{
		upd("a", 1, 1), upd("b", 1, 3), upd("c", 1, 2),
	}, nil)
	if !odd.Success || odd.GlobalModel.Weights[0] != 2 {
		t.Errorf("odd median: expected 2, got %+v", odd.GlobalModel)
	}

	even := agg.Aggregate([]*coordinator.ModelUpdate{
		upd("a", 1, 1), upd("b", 1, 3),
	}, nil)
	if !even.Success || even.GlobalModel.Weights[0] != 2 {
		t.Errorf("even median: expected 2, got %+v", even.GlobalModel)
	}
}

func TestMedianShrugsOffMinorityOutliers(t *testing.T) {
	result := NewMedian().Aggregate([]*coordinator.ModelUpdate{
		upd("h1", 1, 1, 1),
		upd("h2", 1, 1, 1),
		upd("h3", 1, 1, 1),
		upd("h4", 1, 1, 1),
		upd("h5", 1, 1, 1),
		upd("b1", 1, 1000, 1000),
	}, nil)

	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}
	for _, w := range result.GlobalModel.Weights {
		if w != 1 {
			t.Errorf("outlier moved the median: %v", result.GlobalModel.Weights)
		}
	}
}

func TestTrimmedMeanDropsTails(t *testing.T) {
	agg := NewTrimmedMean()
	agg.DeviationFactor = 1e9 // isolate trimming from outlier screening

	result := agg.Aggregate([]*coordinator.ModelUpdate{
		upd("a", 1, 0),
		upd("b", 1, 1),
		upd("c", 1, 2),
		upd("d", 1, 3),
		upd("e", 1, 100),
	}, nil)

	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}
	// Tails 0 and 100 trimmed; mean of 1, 2, 3.
	if got := result.GlobalModel.Weights[0]; got != 2 {
		t.Errorf("expected trimmed mean 2, got %f", got)
	}
}

func TestTrimmedMeanSmallPopulation(t *testing.T) {
	result := NewTrimmedMean().Aggregate([]*coordinator.ModelUpdate{
		upd("a", 1, 2), upd("b", 1, 4),
	}, nil)

	if !result.Success {
		t.Fatalf("aggregation failed: %s", result.ErrorMessage)
	}
	if got := result.GlobalModel.Weights[0]; got != 3 {
		t.Errorf("expected plain mean 3 for tiny population, got %f", got)
	}
}

func TestZeroSampleUpdatesFail(t *testing.T) {
	result := NewFedAvg().Aggregate([]*coordinator.ModelUpdate{
		upd("a", 0, 1), upd("b", 0, 2),
	}, nil)

	if result.Success {
		t.Error("aggregation succeeded with zero total samples")
	}
	if result.ErrorMessage == "" {
		t.Error("failure carries no error message")
	}
}

func BenchmarkFedAvg(b *testing.B) {
	updates := make([]*coordinator.ModelUpdate, 20)
	for i := range updates {
		weights := make([]float64, 1024)
		for j := range weights {
			weights[j] = float64(i * j)
		}
		updates[i] = &coordinator.ModelUpdate{NodeID: "node", NumSamples: 100, Weights: weights}
	}
	agg := NewFedAvg()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Aggregate(updates, nil)
	}
}
