package coordinator

import "time"

// NodeStatus represents a participant's health and lifecycle state.
type NodeStatus string

const (
	NodeUnknown  NodeStatus = "unknown"
	NodeOnline   NodeStatus = "online"
	NodeTraining NodeStatus = "training"
	NodeIdle     NodeStatus = "idle"
	NodeStale    NodeStatus = "stale"
	NodeBanned   NodeStatus = "banned"
)

// NodeInfo is the coordinator's record of one registered participant.
// BANNED is terminal: a banned node is never selected again regardless of
// trust-score recovery.
type NodeInfo struct {
	NodeID                  string            `json:"node_id"`
	Status                  NodeStatus        `json:"status"`
	TrustScore              float64           `json:"trust_score"`
	ByzantineViolations     int               `json:"byzantine_violations"`
	LastHeartbeat           time.Time         `json:"last_heartbeat"`
	ConsecutiveMissed       int               `json:"consecutive_missed"`
	RoundsParticipated      int64             `json:"rounds_participated"`
	TotalSamplesContributed int64             `json:"total_samples_contributed"`
	AvgTrainingTime         time.Duration     `json:"avg_training_time"`
	Capabilities            map[string]string `json:"capabilities,omitempty"`
	RegisteredAt            time.Time         `json:"registered_at"`
}

// eligible is recomputed on every selection, never cached.
func (n *NodeInfo) eligible(minTrust float64, maxViolations int) bool {
	if n.Status != NodeOnline && n.Status != NodeIdle {
		return false
	}
	if n.TrustScore < minTrust {
		return false
	}
	return n.ByzantineViolations < maxViolations
}

// NodeStats is the externally visible per-node summary.
type NodeStats struct {
	Status              NodeStatus `json:"status"`
	TrustScore          float64    `json:"trust_score"`
	RoundsParticipated  int64      `json:"rounds_participated"`
	ByzantineViolations int        `json:"byzantine_violations"`
}
