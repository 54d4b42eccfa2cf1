package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/fedhive/engine/coordinator"
)

// Converter builds Arrow records from coordinator types and back.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// UpdatesToRecord converts model updates to one Arrow record. The caller
// owns the returned record and must Release it.
func (c *Converter) UpdatesToRecord(updates []*coordinator.ModelUpdate) (arrow.Record, error) {
	if len(updates) == 0 {
		return nil, errors.New("empty updates slice")
	}

	builder := array.NewRecordBuilder(c.allocator, UpdateSchema())
	defer builder.Release()

	nodeIDBuilder := builder.Field(0).(*array.StringBuilder)
	roundBuilder := builder.Field(1).(*array.Int64Builder)
	samplesBuilder := builder.Field(2).(*array.Int64Builder)
	timeBuilder := builder.Field(3).(*array.Int64Builder)
	weightsBuilder := builder.Field(4).(*array.ListBuilder)
	valueBuilder := weightsBuilder.ValueBuilder().(*array.Float64Builder)

	for _, u := range updates {
		nodeIDBuilder.Append(u.NodeID)
		roundBuilder.Append(u.RoundNumber)
		samplesBuilder.Append(u.NumSamples)
		timeBuilder.Append(u.TrainingTime.Milliseconds())

		if u.Weights != nil {
			weightsBuilder.Append(true)
			for _, w := range u.Weights {
				valueBuilder.Append(w)
			}
		} else {
			weightsBuilder.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// RecordToUpdates converts an Arrow record back to model updates.
func (c *Converter) RecordToUpdates(record arrow.Record) ([]*coordinator.ModelUpdate, error) {
	if err := ValidateSchema(record, UpdateSchema()); err != nil {
		return nil, err
	}

	nodeIDCol, ok := record.Column(0).(*array.String)
	if !ok {
		return nil, errors.New("column 0 (node_id) is not a String array")
	}
	roundCol, ok := record.Column(1).(*array.Int64)
	if !ok {
		return nil, errors.New("column 1 (round_number) is not an Int64 array")
	}
	samplesCol, ok := record.Column(2).(*array.Int64)
	if !ok {
		return nil, errors.New("column 2 (num_samples) is not an Int64 array")
	}
	timeCol, ok := record.Column(3).(*array.Int64)
	if !ok {
		return nil, errors.New("column 3 (training_time_ms) is not an Int64 array")
	}
	weightsCol, ok := record.Column(4).(*array.List)
	if !ok {
		return nil, errors.New("column 4 (weights) is not a List array")
	}

	updates := make([]*coordinator.ModelUpdate, record.NumRows())
	for i := 0; i < int(record.NumRows()); i++ {
		updates[i] = &coordinator.ModelUpdate{
			NodeID:       nodeIDCol.Value(i),
			RoundNumber:  roundCol.Value(i),
			NumSamples:   samplesCol.Value(i),
			TrainingTime: time.Duration(timeCol.Value(i)) * time.Millisecond,
		}
		if !weightsCol.IsNull(i) {
			updates[i].Weights = extractWeights(weightsCol, i)
		}
	}
	return updates, nil
}

// ModelToRecord converts a global model to a single-row Arrow record.
func (c *Converter) ModelToRecord(model *coordinator.GlobalModel) (arrow.Record, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}

	builder := array.NewRecordBuilder(c.allocator, ModelSchema())
	defer builder.Release()

	builder.Field(0).(*array.Int64Builder).Append(model.Version)
	builder.Field(1).(*array.Int64Builder).Append(model.RoundNumber)
	builder.Field(2).(*array.Int64Builder).Append(model.NumSamples)
	builder.Field(3).(*array.Float64Builder).Append(float64(model.UpdatedAt.UnixNano()) / float64(time.Second))

	weightsBuilder := builder.Field(4).(*array.ListBuilder)
	valueBuilder := weightsBuilder.ValueBuilder().(*array.Float64Builder)
	if model.Weights != nil {
		weightsBuilder.Append(true)
		for _, w := range model.Weights {
			valueBuilder.Append(w)
		}
	} else {
		weightsBuilder.AppendNull()
	}

	return builder.NewRecord(), nil
}

// RecordToModel converts a single-row Arrow record back to a global model.
func (c *Converter) RecordToModel(record arrow.Record) (*coordinator.GlobalModel, error) {
	if err := ValidateSchema(record, ModelSchema()); err != nil {
		return nil, err
	}
	if record.NumRows() != 1 {
		return nil, fmt.Errorf("expected 1 row, got %d", record.NumRows())
	}

	versionCol, ok := record.Column(0).(*array.Int64)
	if !ok {
		return nil, errors.New("column 0 (version) is not an Int64 array")
	}
	roundCol, ok := record.Column(1).(*array.Int64)
	if !ok {
		return nil, errors.New("column 1 (round_number) is not an Int64 array")
	}
	samplesCol, ok := record.Column(2).(*array.Int64)
	if !ok {
		return nil, errors.New("column 2 (num_samples) is not an Int64 array")
	}
	updatedCol, ok := record.Column(3).(*array.Float64)
	if !ok {
		return nil, errors.New("column 3 (updated_at) is not a Float64 array")
	}
	weightsCol, ok := record.Column(4).(*array.List)
	if !ok {
		return nil, errors.New("column 4 (weights) is not a List array")
	}

	model := &coordinator.GlobalModel{
		Version:     versionCol.Value(0),
		RoundNumber: roundCol.Value(0),
		NumSamples:  samplesCol.Value(0),
		UpdatedAt:   time.Unix(0, int64(updatedCol.Value(0)*float64(time.Second))),
	}
	if !weightsCol.IsNull(0) {
		model.Weights = extractWeights(weightsCol, 0)
	}
	return model, nil
}

// extractWeights copies one row's float64 list out of a List column.
func extractWeights(listCol *array.List, idx int) []float64 {
	offsets := listCol.Offsets()
	start := offsets[idx]
	end := offsets[idx+1]

	values := listCol.ListValues().(*array.Float64)
	out := make([]float64, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, values.Value(int(j)))
	}
	return out
}

// ValidateSchema checks that a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}
		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}
	return nil
}
