package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Common errors for network operations
var (
	ErrNotRunning  = errors.New("transport is not running")
	ErrPeerUnknown = errors.New("peer not registered")
	ErrSendFailed  = errors.New("failed to send envelope")
	ErrAlreadyUp   = errors.New("transport already running")
)

// Envelope types carried over the wire.
const (
	TypeConsensus = "consensus"
	TypeUpdate    = "model_update"
	TypeModel     = "global_model"
	TypeHeartbeat = "heartbeat"
)

// Envelope is the wire unit exchanged between federation hosts. Payload holds
// small JSON-friendly values; Data carries binary bodies such as Arrow IPC
// batches.
type Envelope struct {
	Type      string                 `json:"type"`
	From      string                 `json:"from"`
	To        string                 `json:"to,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Data      []byte                 `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Nonce     string                 `json:"nonce,omitempty"`
	Hops      int                    `json:"hops,omitempty"`
}

// PeerInfo describes one registered federation host.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// EnvelopeHandler consumes inbound envelopes of one type.
type EnvelopeHandler func(env *Envelope) error

// Transport is a ZeroMQ node: one ROUTER socket receives, per-peer DEALER
// sockets send. Inbound envelopes pass a nonce replay cache before being
// dispatched to the handler registered for their type.
type Transport struct {
	nodeID  string
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket

	peers    map[string]*PeerInfo
	handlers map[string]EnvelopeHandler
	mu       sync.RWMutex

	inbound chan *Envelope

	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	nonceCounter uint64

	running bool
	wg      sync.WaitGroup
}

// NewTransport creates a transport bound to tcp://host:port.
func NewTransport(nodeID, host string, port int) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		nodeID:          nodeID,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]*PeerInfo),
		handlers:        make(map[string]EnvelopeHandler),
		inbound:         make(chan *Envelope, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// Start binds the ROUTER socket and launches the receive pipeline.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyUp
	}

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := t.router.Listen(t.address); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	t.running = true
	t.mu.Unlock()

	t.wg.Add(3)
	go t.receiverLoop()
	go t.dispatchLoop()
	go t.replayCacheCleaner()

	return nil
}

// Stop shuts the transport down, closing all sockets.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	if t.router != nil {
		_ = t.router.Close()
	}
	t.mu.Lock()
	for _, dealer := range t.dealers {
		_ = dealer.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	close(t.inbound)
}

// RegisterPeer adds a federation host to the peer table.
func (t *Transport) RegisterPeer(peerID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peers[peerID] = &PeerInfo{
		ID:       peerID,
		Address:  address,
		LastSeen: time.Now(),
	}
}

// UnregisterPeer removes a host and closes its DEALER socket.
func (t *Transport) UnregisterPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.peers, peerID)
	if dealer, ok := t.dealers[peerID]; ok {
		_ = dealer.Close()
		delete(t.dealers, peerID)
	}
}

// Handle registers the handler for one envelope type, replacing any previous
// one.
func (t *Transport) Handle(envType string, handler EnvelopeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[envType] = handler
}

// Send delivers an envelope to a single peer. The transport stamps sender,
// timestamp, and nonce.
func (t *Transport) Send(peerID string, env *Envelope) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	peer, ok := t.peers[peerID]
	if !ok {
		t.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	t.mu.RUnlock()

	dealer, err := t.getOrCreateDealer(peerID, peer.Address)
	if err != nil {
		return err
	}

	t.stamp(env)
	env.To = peerID

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Broadcast delivers an envelope to every registered peer except those in
// the exclude list. Partial failure returns the last error after trying all
// peers.
func (t *Transport) Broadcast(env *Envelope, exclude []string) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var lastErr error
	for _, id := range ids {
		if skip[id] {
			continue
		}
		// Each peer gets its own stamped copy.
		clone := *env
		if err := t.Send(id, &clone); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// stamp fills the sender-side fields of an outbound envelope.
func (t *Transport) stamp(env *Envelope) {
	env.From = t.nodeID
	env.Timestamp = time.Now()
	t.mu.Lock()
	t.nonceCounter++
	env.Nonce = fmt.Sprintf("%s-%d-%d", t.nodeID, env.Timestamp.UnixNano(), t.nonceCounter)
	t.mu.Unlock()
}

func (t *Transport) getOrCreateDealer(peerID, address string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dealer, ok := t.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	t.dealers[peerID] = dealer
	return dealer, nil
}

func (t *Transport) receiverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			msg, err := t.router.Recv()
			if err != nil {
				select {
				case <-t.ctx.Done():
					return
				default:
					continue
				}
			}

			var env Envelope
			if err := json.Unmarshal(msg.Bytes(), &env); err != nil {
				continue
			}
			if !t.acceptNonce(&env) {
				continue
			}

			t.mu.Lock()
			if peer, ok := t.peers[env.From]; ok {
				peer.LastSeen = time.Now()
			}
			t.mu.Unlock()

			select {
			case t.inbound <- &env:
			default:
				// Queue full; the protocol tolerates loss.
			}
		}
	}
}

func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case env, ok := <-t.inbound:
			if !ok {
				return
			}
			t.mu.RLock()
			handler := t.handlers[env.Type]
			t.mu.RUnlock()
			if handler != nil {
				_ = handler(env)
			}
		}
	}
}

// acceptNonce rejects replayed or stale envelopes.
func (t *Transport) acceptNonce(env *Envelope) bool {
	if env.Nonce == "" {
		return true
	}

	t.replayCacheMu.Lock()
	defer t.replayCacheMu.Unlock()

	if _, seen := t.replayCache[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > t.replayTolerance {
		return false
	}
	t.replayCache[env.Nonce] = time.Now()
	return true
}

func (t *Transport) replayCacheCleaner() {
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.cleanReplayCache()
		}
	}
}

func (t *Transport) cleanReplayCache() {
	t.replayCacheMu.Lock()
	defer t.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-t.replayTolerance)
	for nonce, ts := range t.replayCache {
		if ts.Before(cutoff) {
			delete(t.replayCache, nonce)
		}
	}
}

// TransportStats contains transport statistics.
type TransportStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
}

// GetStats returns current transport statistics.
func (t *Transport) GetStats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		NodeID:    t.nodeID,
		Address:   t.address,
		PeerCount: len(t.peers),
		IsRunning: t.running,
		QueueSize: len(t.inbound),
	}
}
