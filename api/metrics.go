// Package api exposes the federation node operationally: Prometheus metrics
// with an HTTP /metrics endpoint, token authentication, and a TCP ingest
// server accepting Arrow IPC batches of model updates.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedhive/engine/consensus"
	"github.com/fedhive/engine/coordinator"
)

// Metrics holds all Prometheus metrics for the federation node.
type Metrics struct {
	// Round metrics
	RoundsCompleted    prometheus.Counter
	RoundsFailed       prometheus.Counter
	RoundDuration      prometheus.Histogram
	UpdatesReceived    prometheus.Counter
	ByzantineSuspected prometheus.Counter

	// Registry metrics
	RegisteredNodes prometheus.Gauge
	EligibleNodes   prometheus.Gauge
	BannedNodes     prometheus.Gauge
	ModelVersion    prometheus.Gauge

	// Consensus metrics
	ProposalsStarted   prometheus.Gauge
	ProposalsCommitted prometheus.Gauge
	ConsensusMessages  prometheus.Gauge
	ViewChanges        prometheus.Gauge
	PendingInstances   prometheus.Gauge

	// Ingest metrics
	IngestRequests  *prometheus.CounterVec
	IngestBatchSize prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RoundsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Total number of training rounds completed",
		}),
		RoundsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_failed_total",
			Help:      "Total number of training rounds failed",
		}),
		RoundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Round duration from start to archival in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		UpdatesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Total number of model updates accepted into rounds",
		}),
		ByzantineSuspected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byzantine_suspected_total",
			Help:      "Total number of byzantine suspicions raised by aggregation",
		}),

		RegisteredNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_nodes",
			Help:      "Current number of registered participants",
		}),
		EligibleNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_nodes",
			Help:      "Current number of selectable participants",
		}),
		BannedNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "banned_nodes",
			Help:      "Current number of banned participants",
		}),
		ModelVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_model_version",
			Help:      "Version of the current global model",
		}),

		ProposalsStarted: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_proposals_started",
			Help:      "Proposals initiated by this replica",
		}),
		ProposalsCommitted: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_proposals_committed",
			Help:      "Proposals finalized on this replica",
		}),
		ConsensusMessages: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_messages_received",
			Help:      "Protocol messages received by this replica",
		}),
		ViewChanges: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_view_changes",
			Help:      "View changes applied by this replica",
		}),
		PendingInstances: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_pending_instances",
			Help:      "Consensus instances not yet finalized",
		}),

		IngestRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Total ingest frames by outcome",
		}, []string{"status"}),
		IngestBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_size",
			Help:      "Number of model updates per ingest frame",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

// RecordRound records an archived round.
func (m *Metrics) RecordRound(round *coordinator.TrainingRound) {
	switch round.Status {
	case coordinator.RoundCompleted:
		m.RoundsCompleted.Inc()
	case coordinator.RoundFailed:
		m.RoundsFailed.Inc()
	}
	if !round.CompletedAt.IsZero() {
		m.RoundDuration.Observe(round.CompletedAt.Sub(round.StartedAt).Seconds())
	}
	m.UpdatesReceived.Add(float64(len(round.ReceivedUpdates)))
	if round.AggregationResult != nil {
		m.ByzantineSuspected.Add(float64(len(round.AggregationResult.SuspectedByzantine)))
	}
}

// RecordIngest records one ingest frame by outcome.
func (m *Metrics) RecordIngest(status string, batchSize int) {
	m.IngestRequests.WithLabelValues(status).Inc()
	if batchSize > 0 {
		m.IngestBatchSize.Observe(float64(batchSize))
	}
}

// UpdateCoordinator refreshes registry gauges from a coordinator snapshot.
func (m *Metrics) UpdateCoordinator(snap coordinator.Metrics) {
	m.RegisteredNodes.Set(float64(snap.RegisteredNodes))
	m.EligibleNodes.Set(float64(snap.EligibleNodes))
	m.BannedNodes.Set(float64(snap.BannedNodes))
	m.ModelVersion.Set(float64(snap.GlobalModelVersion))
}

// UpdateConsensus refreshes consensus gauges from an engine snapshot.
func (m *Metrics) UpdateConsensus(snap consensus.EngineStats) {
	m.ProposalsStarted.Set(float64(snap.ProposalsStarted))
	m.ProposalsCommitted.Set(float64(snap.ProposalsCommitted))
	m.ConsensusMessages.Set(float64(snap.MessagesReceived))
	m.ViewChanges.Set(float64(snap.ViewChanges))
	m.PendingInstances.Set(float64(snap.PendingInstances))
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
