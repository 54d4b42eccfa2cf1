package consensus

import (
	"sync"
	"sync/atomic"
)

// Cluster is an in-process broadcast fabric wiring N engines together for
// tests and simulation. Production deployments replace it with a real
// transport attached through RegisterMessageHandler; the engines never know
// the difference. Delivery preserves message content but, like a real
// network, guarantees neither ordering nor delivery to silenced nodes.
type Cluster struct {
	mu       sync.RWMutex
	engines  map[string]*Engine
	silenced map[string]bool

	// Atomic counters, updated outside the map lock.
	delivered int64
	dropped   int64
}

// NewCluster creates an empty cluster fabric.
func NewCluster() *Cluster {
	return &Cluster{
		engines:  make(map[string]*Engine),
		silenced: make(map[string]bool),
	}
}

// Join attaches an engine to the fabric. Every message the engine broadcasts
// is delivered to all other attached engines.
func (c *Cluster) Join(e *Engine) {
	c.mu.Lock()
	c.engines[e.NodeID()] = e
	c.mu.Unlock()

	e.RegisterMessageHandler("cluster", func(msg *Message) {
		c.deliver(e.NodeID(), msg)
	})
}

// Leave detaches an engine from the fabric.
func (c *Cluster) Leave(nodeID string) {
	c.mu.Lock()
	e, ok := c.engines[nodeID]
	delete(c.engines, nodeID)
	c.mu.Unlock()

	if ok {
		e.UnregisterMessageHandler("cluster")
	}
}

// Silence makes a node behave like a crashed replica: it neither receives
// nor emits messages until revived with Unsilence.
func (c *Cluster) Silence(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silenced[nodeID] = true
}

// Unsilence restores delivery to and from a node.
func (c *Cluster) Unsilence(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.silenced, nodeID)
}

// deliver fans one message out to every engine except the sender.
func (c *Cluster) deliver(from string, msg *Message) {
	c.mu.RLock()
	if c.silenced[from] {
		c.mu.RUnlock()
		atomic.AddInt64(&c.dropped, 1)
		return
	}
	targets := make([]*Engine, 0, len(c.engines))
	for id, e := range c.engines {
		if id == from || c.silenced[id] {
			continue
		}
		targets = append(targets, e)
	}
	c.mu.RUnlock()

	for _, e := range targets {
		e.HandleMessage(msg)
		atomic.AddInt64(&c.delivered, 1)
	}
}

// ClusterStats contains delivery counters for the fabric.
type ClusterStats struct {
	Engines   int   `json:"engines"`
	Silenced  int   `json:"silenced"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// GetStats returns fabric statistics.
func (c *Cluster) GetStats() ClusterStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClusterStats{
		Engines:   len(c.engines),
		Silenced:  len(c.silenced),
		Delivered: atomic.LoadInt64(&c.delivered),
		Dropped:   atomic.LoadInt64(&c.dropped),
	}
}
