package network

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/data"
)

// ModelAnnouncer gossips new global model versions across the federation.
// Each announcement carries the model as an Arrow IPC payload; a seen-cache
// keyed by (origin, version) suppresses duplicates, and a hop limit bounds
// rebroadcast depth.
type ModelAnnouncer struct {
	transport *Transport
	codec     *data.Codec

	seen sync.Map // key -> time.Time

	maxHops       int
	cacheExpiry   time.Duration
	cleanInterval time.Duration

	onModel func(*coordinator.GlobalModel)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewModelAnnouncer creates an announcer on a transport.
func NewModelAnnouncer(transport *Transport) *ModelAnnouncer {
	a := &ModelAnnouncer{
		transport:     transport,
		codec:         data.NewCodec(),
		maxHops:       5,
		cacheExpiry:   5 * time.Minute,
		cleanInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	transport.Handle(TypeModel, a.handleIncoming)
	return a
}

// OnModel registers the callback invoked for each newly seen model version.
func (a *ModelAnnouncer) OnModel(fn func(*coordinator.GlobalModel)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onModel = fn
}

// Start launches the seen-cache cleaner.
func (a *ModelAnnouncer) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.cacheCleaner()
}

// Stop halts the cleaner.
func (a *ModelAnnouncer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
}

// Announce broadcasts a global model to all peers.
func (a *ModelAnnouncer) Announce(model *coordinator.GlobalModel) error {
	raw, err := a.codec.EncodeModel(model)
	if err != nil {
		return fmt.Errorf("failed to encode model v%d: %w", model.Version, err)
	}

	a.seen.Store(announceKey(a.transport.nodeID, model.Version), time.Now())

	env := &Envelope{
		Type: TypeModel,
		Payload: map[string]interface{}{
			"origin":  a.transport.nodeID,
			"version": model.Version,
		},
		Data: raw,
	}
	return a.transport.Broadcast(env, nil)
}

// handleIncoming processes one model announcement: deliver locally once and
// rebroadcast while hops remain.
func (a *ModelAnnouncer) handleIncoming(env *Envelope) error {
	origin, _ := env.Payload["origin"].(string)
	version, ok := env.Payload["version"].(float64)
	if !ok {
		return fmt.Errorf("model announcement without version from %s", env.From)
	}

	key := announceKey(origin, int64(version))
	if _, dup := a.seen.Load(key); dup {
		return nil
	}
	a.seen.Store(key, time.Now())

	model, err := a.codec.DecodeModel(env.Data)
	if err != nil {
		return fmt.Errorf("bad model announcement from %s: %w", env.From, err)
	}

	a.mu.Lock()
	fn := a.onModel
	a.mu.Unlock()
	if fn != nil {
		fn(model)
	}

	if env.Hops >= a.maxHops {
		return nil
	}
	forward := *env
	forward.Hops++
	if err := a.transport.Broadcast(&forward, []string{env.From, origin}); err != nil {
		log.Printf("network: model rebroadcast incomplete: %v", err)
	}
	return nil
}

func announceKey(origin string, version int64) string {
	return fmt.Sprintf("%s/%d", origin, version)
}

func (a *ModelAnnouncer) cacheCleaner() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cacheExpiry)
			a.seen.Range(func(key, value interface{}) bool {
				if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
					a.seen.Delete(key)
				}
				return true
			})
		}
	}
}

// AnnouncerStats contains announcer statistics.
type AnnouncerStats struct {
	MaxHops   int  `json:"max_hops"`
	CacheSize int  `json:"cache_size"`
	IsRunning bool `json:"is_running"`
}

// GetStats returns announcer statistics.
func (a *ModelAnnouncer) GetStats() AnnouncerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := 0
	a.seen.Range(func(key, value interface{}) bool {
		size++
		return true
	})

	return AnnouncerStats{
		MaxHops:   a.maxHops,
		CacheSize: size,
		IsRunning: a.running,
	}
}
