// Package coordinator manages the lifecycle of federated training rounds:
// participant registry with trust scores, heartbeat monitoring, weighted
// selection, at-most-once update collection, and aggregation with a
// trust-penalty feedback loop for suspected Byzantine participants.
package coordinator

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Config holds coordinator tuning parameters.
type Config struct {
	// MinParticipants is both the eligibility floor for starting a round and
	// the update count that triggers aggregation.
	MinParticipants int `json:"min_participants"`

	// TargetParticipants caps how many nodes a round selects.
	TargetParticipants int `json:"target_participants"`

	// MinTrustScore is the eligibility floor for selection.
	MinTrustScore float64 `json:"min_trust_score"`

	// CollectionTimeout bounds how long a round waits for updates.
	CollectionTimeout time.Duration `json:"collection_timeout"`

	// HeartbeatInterval is the monitor tick; HeartbeatTimeout is how long a
	// node may stay silent before a tick counts as a miss.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`

	// MaxMissedHeartbeats consecutive misses demote a node to STALE.
	MaxMissedHeartbeats int `json:"max_missed_heartbeats"`

	// TrustPenalty multiplies a suspected node's trust score per violation;
	// MaxViolations cumulative violations ban the node permanently.
	TrustPenalty  float64 `json:"trust_penalty"`
	MaxViolations int     `json:"max_violations"`

	// SelectionSeed makes weighted selection reproducible when non-zero.
	SelectionSeed int64 `json:"selection_seed"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinParticipants:     3,
		TargetParticipants:  10,
		MinTrustScore:       0.5,
		CollectionTimeout:   2 * time.Minute,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		MaxMissedHeartbeats: 3,
		TrustPenalty:        0.8,
		MaxViolations:       3,
	}
}

// Coordinator owns all node and round state behind a single lock, so its
// state machine transitions are atomic with respect to concurrent submitters
// and the heartbeat monitor. The aggregator runs synchronously under the
// lock; it is expected to be a local, bounded-latency computation.
type Coordinator struct {
	config     Config
	aggregator Aggregator

	mu           sync.Mutex
	nodes        map[string]*NodeInfo
	currentRound *TrainingRound
	history      []*TrainingRound
	globalModel  *GlobalModel
	roundCounter int64
	rng          *rand.Rand

	onRoundComplete []RoundCallback
	onModelUpdate   []ModelCallback

	roundsCompleted     int64
	roundsFailed        int64
	updatesReceived     int64
	byzantineDetections int64
	totalRoundTime      time.Duration

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator consuming the given aggregator.
func NewCoordinator(config Config, aggregator Aggregator) *Coordinator {
	seed := config.SelectionSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Coordinator{
		config:     config,
		aggregator: aggregator,
		nodes:      make(map[string]*NodeInfo),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Start launches the heartbeat monitor.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.heartbeatLoop()
	log.Printf("coordinator: started (min_participants=%d, target=%d)",
		c.config.MinParticipants, c.config.TargetParticipants)
}

// Stop signals the heartbeat monitor to exit and waits for it. In-flight
// submissions run to completion under the lock they already hold.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("coordinator: stopped")
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkHeartbeats()
		}
	}
}

// checkHeartbeats counts a miss for every non-banned node silent longer than
// the heartbeat timeout; enough consecutive misses demote it to STALE.
func (c *Coordinator) checkHeartbeats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, node := range c.nodes {
		if node.Status == NodeBanned {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= c.config.HeartbeatTimeout {
			continue
		}
		node.ConsecutiveMissed++
		if node.ConsecutiveMissed >= c.config.MaxMissedHeartbeats && node.Status != NodeStale {
			node.Status = NodeStale
			log.Printf("coordinator: node %s marked stale after %d missed heartbeats",
				node.NodeID, node.ConsecutiveMissed)
		}
	}
}

// RegisterNode adds a participant. Returns false if the id is taken.
// New nodes start ONLINE with full trust.
func (c *Coordinator) RegisterNode(nodeID string, capabilities map[string]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[nodeID]; exists {
		log.Printf("coordinator: node %s already registered", nodeID)
		return false
	}

	now := time.Now()
	c.nodes[nodeID] = &NodeInfo{
		NodeID:        nodeID,
		Status:        NodeOnline,
		TrustScore:    1.0,
		LastHeartbeat: now,
		Capabilities:  capabilities,
		RegisteredAt:  now,
	}
	log.Printf("coordinator: registered node %s (%d total)", nodeID, len(c.nodes))
	return true
}

// Heartbeat records liveness for a node, resetting its miss counter and
// reviving a STALE node to IDLE. Banned and unknown nodes are refused.
func (c *Coordinator) Heartbeat(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeID]
	if !ok || node.Status == NodeBanned {
		return false
	}

	node.LastHeartbeat = time.Now()
	node.ConsecutiveMissed = 0
	if node.Status == NodeStale {
		node.Status = NodeIdle
	}
	return true
}

// StartRound selects a weighted subset of eligible nodes and opens a new
// collection window. Returns nil if a round is still active or too few nodes
// are eligible; both are expected steady-state outcomes, not errors.
func (c *Coordinator) StartRound() *TrainingRound {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentRound != nil && !c.currentRound.Status.terminal() {
		log.Printf("coordinator: round %d still active, refusing to start another",
			c.currentRound.RoundNumber)
		return nil
	}

	eligible := c.eligibleLocked()
	if len(eligible) < c.config.MinParticipants {
		log.Printf("coordinator: only %d eligible nodes, need %d", len(eligible), c.config.MinParticipants)
		return nil
	}

	selected := selectWeighted(c.rng, eligible, c.config.TargetParticipants)

	c.roundCounter++
	now := time.Now()
	round := &TrainingRound{
		RoundNumber:        c.roundCounter,
		Status:             RoundStarted,
		SelectedNodes:      make(map[string]bool, len(selected)),
		ReceivedUpdates:    make(map[string]*ModelUpdate),
		CollectionDeadline: now.Add(c.config.CollectionTimeout),
		StartedAt:          now,
	}
	for _, id := range selected {
		round.SelectedNodes[id] = true
		c.nodes[id].Status = NodeTraining
	}
	c.currentRound = round

	log.Printf("coordinator: round %d started with %d/%d eligible nodes",
		round.RoundNumber, len(selected), len(eligible))
	return round
}

// eligibleLocked returns eligible nodes in a deterministic order.
// Called with lock held.
func (c *Coordinator) eligibleLocked() []*NodeInfo {
	out := make([]*NodeInfo, 0, len(c.nodes))
	for _, node := range c.nodes {
		if node.eligible(c.config.MinTrustScore, c.config.MaxViolations) {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// SubmitUpdate accepts one contribution for the active round. It is rejected
// when no round is collecting, when the sender was not selected, or when the
// sender already submitted this round (at-most-once per node per round).
// Reaching the participation floor triggers aggregation synchronously.
func (c *Coordinator) SubmitUpdate(update *ModelUpdate) bool {
	if update == nil {
		return false
	}

	c.mu.Lock()

	round := c.currentRound
	if round == nil || round.Status != RoundStarted {
		c.mu.Unlock()
		log.Printf("coordinator: rejected update from %s, no round collecting", update.NodeID)
		return false
	}
	if !round.Selected(update.NodeID) {
		c.mu.Unlock()
		log.Printf("coordinator: rejected update from %s, not selected for round %d",
			update.NodeID, round.RoundNumber)
		return false
	}
	if _, dup := round.ReceivedUpdates[update.NodeID]; dup {
		c.mu.Unlock()
		log.Printf("coordinator: rejected duplicate update from %s for round %d",
			update.NodeID, round.RoundNumber)
		return false
	}

	stored := *update
	round.ReceivedUpdates[update.NodeID] = &stored
	c.updatesReceived++

	if node, ok := c.nodes[update.NodeID]; ok {
		node.RoundsParticipated++
		node.TotalSamplesContributed += update.NumSamples
		if node.AvgTrainingTime == 0 {
			node.AvgTrainingTime = update.TrainingTime
		} else {
			node.AvgTrainingTime = (node.AvgTrainingTime + update.TrainingTime) / 2
		}
	}

	var archived *TrainingRound
	var model *GlobalModel
	if len(round.ReceivedUpdates) >= c.config.MinParticipants {
		archived, model = c.aggregateLocked(round)
	}
	c.mu.Unlock()

	c.notify(archived, model)
	return true
}

// CheckRoundTimeout forces the active round to a verdict once its deadline
// has passed: aggregate if enough updates arrived, otherwise fail it.
// Returns false when there is nothing to do.
func (c *Coordinator) CheckRoundTimeout() bool {
	c.mu.Lock()

	round := c.currentRound
	if round == nil || round.Status != RoundStarted || time.Now().Before(round.CollectionDeadline) {
		c.mu.Unlock()
		return false
	}

	var archived *TrainingRound
	var model *GlobalModel
	if len(round.ReceivedUpdates) >= c.config.MinParticipants {
		log.Printf("coordinator: round %d deadline passed with enough updates, aggregating",
			round.RoundNumber)
		archived, model = c.aggregateLocked(round)
	} else {
		round.ErrorMessage = fmt.Sprintf("insufficient participation: %d of %d updates at deadline",
			len(round.ReceivedUpdates), c.config.MinParticipants)
		log.Printf("coordinator: round %d failed: %s", round.RoundNumber, round.ErrorMessage)
		archived = c.archiveLocked(round, RoundFailed)
	}
	c.mu.Unlock()

	c.notify(archived, model)
	return true
}

// aggregateLocked runs the aggregator over the round's updates, applies the
// trust-penalty feedback, and archives the round. Called with lock held.
func (c *Coordinator) aggregateLocked(round *TrainingRound) (*TrainingRound, *GlobalModel) {
	round.Status = RoundAggregating

	updates := make([]*ModelUpdate, 0, len(round.ReceivedUpdates))
	for _, u := range round.ReceivedUpdates {
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].NodeID < updates[j].NodeID })

	result := c.runAggregator(updates, c.globalModel)
	round.AggregationResult = result

	c.penalizeLocked(result.SuspectedByzantine)

	if !result.Success || result.GlobalModel == nil {
		round.ErrorMessage = result.ErrorMessage
		if round.ErrorMessage == "" {
			round.ErrorMessage = "aggregation produced no model"
		}
		log.Printf("coordinator: round %d aggregation failed: %s", round.RoundNumber, round.ErrorMessage)
		return c.archiveLocked(round, RoundFailed), nil
	}

	model := result.GlobalModel
	model.RoundNumber = round.RoundNumber
	model.UpdatedAt = time.Now()
	if c.globalModel != nil {
		model.Version = c.globalModel.Version + 1
	} else {
		model.Version = 1
	}
	c.globalModel = model

	log.Printf("coordinator: round %d completed, global model v%d from %d updates",
		round.RoundNumber, model.Version, len(updates))
	return c.archiveLocked(round, RoundCompleted), model
}

// runAggregator isolates aggregator panics; a panicking aggregator fails the
// round instead of crashing the coordinator.
func (c *Coordinator) runAggregator(updates []*ModelUpdate, previous *GlobalModel) (result *AggregationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: aggregator panicked: %v", r)
			result = &AggregationResult{Success: false, ErrorMessage: fmt.Sprintf("aggregator panic: %v", r)}
		}
	}()

	result = c.aggregator.Aggregate(updates, previous)
	if result == nil {
		result = &AggregationResult{Success: false, ErrorMessage: "aggregator returned no result"}
	}
	return result
}

// penalizeLocked applies the trust penalty to every suspected node and bans
// repeat offenders. Called with lock held.
func (c *Coordinator) penalizeLocked(suspected []string) {
	for _, id := range suspected {
		node, ok := c.nodes[id]
		if !ok {
			continue
		}
		node.TrustScore *= c.config.TrustPenalty
		node.ByzantineViolations++
		c.byzantineDetections++
		log.Printf("coordinator: node %s suspected byzantine (violations=%d, trust=%.3f)",
			id, node.ByzantineViolations, node.TrustScore)
		if node.ByzantineViolations >= c.config.MaxViolations && node.Status != NodeBanned {
			node.Status = NodeBanned
			log.Printf("coordinator: node %s banned after %d violations", id, node.ByzantineViolations)
		}
	}
}

// archiveLocked moves a round to its terminal status, appends it to history
// exactly once, and returns TRAINING nodes to IDLE. Called with lock held.
func (c *Coordinator) archiveLocked(round *TrainingRound, status RoundStatus) *TrainingRound {
	round.Status = status
	round.CompletedAt = time.Now()
	c.history = append(c.history, round)
	c.currentRound = nil
	c.totalRoundTime += round.CompletedAt.Sub(round.StartedAt)

	switch status {
	case RoundCompleted:
		c.roundsCompleted++
	case RoundFailed:
		c.roundsFailed++
	}

	for id := range round.SelectedNodes {
		if node, ok := c.nodes[id]; ok && node.Status == NodeTraining {
			node.Status = NodeIdle
		}
	}
	return round
}

// notify runs round and model callbacks outside the lock.
func (c *Coordinator) notify(round *TrainingRound, model *GlobalModel) {
	if round == nil {
		return
	}

	c.mu.Lock()
	roundCbs := make([]RoundCallback, len(c.onRoundComplete))
	copy(roundCbs, c.onRoundComplete)
	modelCbs := make([]ModelCallback, len(c.onModelUpdate))
	copy(modelCbs, c.onModelUpdate)
	c.mu.Unlock()

	for _, cb := range roundCbs {
		safeRoundCallback(cb, round)
	}
	if model != nil {
		for _, cb := range modelCbs {
			safeModelCallback(cb, model)
		}
	}
}

func safeRoundCallback(cb RoundCallback, round *TrainingRound) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: round callback panicked: %v", r)
		}
	}()
	cb(round)
}

func safeModelCallback(cb ModelCallback, model *GlobalModel) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: model callback panicked: %v", r)
		}
	}()
	cb(model)
}

// OnRoundComplete registers a callback invoked once per archived round.
func (c *Coordinator) OnRoundComplete(fn RoundCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRoundComplete = append(c.onRoundComplete, fn)
}

// OnModelUpdate registers a callback invoked on every new global model.
func (c *Coordinator) OnModelUpdate(fn ModelCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onModelUpdate = append(c.onModelUpdate, fn)
}

// BanNode unconditionally bans a node. Unknown ids are a no-op.
func (c *Coordinator) BanNode(nodeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeID]
	if !ok {
		return
	}
	node.Status = NodeBanned
	node.ByzantineViolations++
	log.Printf("coordinator: node %s banned: %s", nodeID, reason)
}

// GetEligibleNodes returns the ids currently qualified for selection, sorted.
func (c *Coordinator) GetEligibleNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	eligible := c.eligibleLocked()
	out := make([]string, len(eligible))
	for i, node := range eligible {
		out[i] = node.NodeID
	}
	return out
}

// GetNodeStats returns a per-node summary keyed by id.
func (c *Coordinator) GetNodeStats() map[string]NodeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]NodeStats, len(c.nodes))
	for id, node := range c.nodes {
		out[id] = NodeStats{
			Status:              node.Status,
			TrustScore:          node.TrustScore,
			RoundsParticipated:  node.RoundsParticipated,
			ByzantineViolations: node.ByzantineViolations,
		}
	}
	return out
}

// GetCurrentRound returns the active round, or nil.
func (c *Coordinator) GetCurrentRound() *TrainingRound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRound
}

// GetRoundHistory returns archived rounds in completion order.
func (c *Coordinator) GetRoundHistory() []*TrainingRound {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*TrainingRound, len(c.history))
	copy(out, c.history)
	return out
}

// GetGlobalModel returns the latest aggregated model, or nil before the
// first completed round.
func (c *Coordinator) GetGlobalModel() *GlobalModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalModel
}

// GetMetrics returns a snapshot of coordinator counters.
func (c *Coordinator) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	banned := 0
	for _, node := range c.nodes {
		if node.Status == NodeBanned {
			banned++
		}
	}

	archived := c.roundsCompleted + c.roundsFailed
	avgRound := 0.0
	if archived > 0 {
		avgRound = c.totalRoundTime.Seconds() / float64(archived)
	}

	version := int64(0)
	if c.globalModel != nil {
		version = c.globalModel.Version
	}

	return Metrics{
		RoundsCompleted:      c.roundsCompleted,
		RoundsFailed:         c.roundsFailed,
		TotalUpdatesReceived: c.updatesReceived,
		ByzantineDetections:  c.byzantineDetections,
		AvgRoundTimeSeconds:  avgRound,
		RegisteredNodes:      len(c.nodes),
		EligibleNodes:        len(c.eligibleLocked()),
		BannedNodes:          banned,
		CurrentRound:         c.roundCounter,
		GlobalModelVersion:   version,
	}
}
