// Package data defines the Apache Arrow schemas and converters for model
// updates and global models exchanged between participants and the
// coordinator. The schemas are the wire contract of the update-ingest API
// and the model announcer; both sides must agree on them exactly.
package data

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// UpdateSchema returns the Arrow schema for a participant's model update.
//
// Fields:
//   - node_id: string - submitting participant
//   - round_number: int64 - round the update belongs to
//   - num_samples: int64 - local samples trained on
//   - training_time_ms: int64 - wall-clock training duration
//   - weights: list<float64> - flattened model weights
func UpdateSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "node_id", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "round_number", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "num_samples", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "training_time_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{
				Name:     "weights",
				Type:     arrow.ListOf(arrow.PrimitiveTypes.Float64),
				Nullable: true,
			},
		},
		nil,
	)
}

// ModelSchema returns the Arrow schema for an aggregated global model.
//
// Fields:
//   - version: int64 - monotonically increasing model version
//   - round_number: int64 - round that produced the model
//   - num_samples: int64 - total samples behind the aggregation
//   - updated_at: float64 - unix timestamp of aggregation
//   - weights: list<float64> - flattened model weights
func ModelSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "version", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "round_number", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "num_samples", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "updated_at", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
			{
				Name:     "weights",
				Type:     arrow.ListOf(arrow.PrimitiveTypes.Float64),
				Nullable: true,
			},
		},
		nil,
	)
}
