package coordinator

import "time"

// RoundStatus represents the lifecycle state of a training round.
// STARTED covers the whole collection window; a round leaves it only through
// AGGREGATING or FAILED.
type RoundStatus string

const (
	RoundPending     RoundStatus = "pending"
	RoundStarted     RoundStatus = "started"
	RoundCollecting  RoundStatus = "collecting"
	RoundAggregating RoundStatus = "aggregating"
	RoundCompleted   RoundStatus = "completed"
	RoundFailed      RoundStatus = "failed"
)

// terminal reports whether a round can no longer change.
func (s RoundStatus) terminal() bool {
	return s == RoundCompleted || s == RoundFailed
}

// ModelUpdate is one participant's contribution to a round. It is copied into
// the round's collection on acceptance and never mutated afterwards.
type ModelUpdate struct {
	NodeID       string        `json:"node_id"`
	RoundNumber  int64         `json:"round_number"`
	NumSamples   int64         `json:"num_samples"`
	TrainingTime time.Duration `json:"training_time"`
	Weights      []float64     `json:"weights"`
}

// GlobalModel is the aggregated model shared with all participants.
type GlobalModel struct {
	Version     int64     `json:"version"`
	RoundNumber int64     `json:"round_number"`
	Weights     []float64 `json:"weights"`
	NumSamples  int64     `json:"num_samples"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TrainingRound tracks one round from selection through archival. A round is
// appended to history exactly once, on reaching COMPLETED or FAILED, and is
// immutable thereafter.
type TrainingRound struct {
	RoundNumber        int64                   `json:"round_number"`
	Status             RoundStatus             `json:"status"`
	SelectedNodes      map[string]bool         `json:"selected_nodes"`
	ReceivedUpdates    map[string]*ModelUpdate `json:"received_updates"`
	CollectionDeadline time.Time               `json:"collection_deadline"`
	StartedAt          time.Time               `json:"started_at"`
	CompletedAt        time.Time               `json:"completed_at"`
	ErrorMessage       string                  `json:"error_message,omitempty"`
	AggregationResult  *AggregationResult      `json:"aggregation_result,omitempty"`
}

// Selected reports whether a node was chosen for this round.
func (r *TrainingRound) Selected(nodeID string) bool {
	return r.SelectedNodes[nodeID]
}

// AggregationResult is the aggregator's verdict on one round's updates.
type AggregationResult struct {
	Success            bool         `json:"success"`
	GlobalModel        *GlobalModel `json:"global_model,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	SuspectedByzantine []string     `json:"suspected_byzantine,omitempty"`
}

// Aggregator tallies one round's updates into a new global model. It must be
// a pure function of its inputs, tolerate empty or single-element update
// slices without panicking, and either set Success with a non-nil model or
// clear it with a populated ErrorMessage.
type Aggregator interface {
	Aggregate(updates []*ModelUpdate, previous *GlobalModel) *AggregationResult
}

// RoundCallback observes archived rounds. ModelCallback observes each new
// global model version. Panics in either are caught and logged.
type RoundCallback func(*TrainingRound)

// ModelCallback observes global model replacements.
type ModelCallback func(*GlobalModel)

// Metrics is a snapshot of coordinator-wide counters.
type Metrics struct {
	RoundsCompleted      int64   `json:"rounds_completed"`
	RoundsFailed         int64   `json:"rounds_failed"`
	TotalUpdatesReceived int64   `json:"total_updates_received"`
	ByzantineDetections  int64   `json:"byzantine_detections"`
	AvgRoundTimeSeconds  float64 `json:"avg_round_time_seconds"`
	RegisteredNodes      int     `json:"registered_nodes"`
	EligibleNodes        int     `json:"eligible_nodes"`
	BannedNodes          int     `json:"banned_nodes"`
	CurrentRound         int64   `json:"current_round"`
	GlobalModelVersion   int64   `json:"global_model_version"`
}
