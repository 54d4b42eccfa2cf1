package network

import (
	"testing"
	"time"

	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/data"
)

func TestNewTransport(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	if tr == nil {
		t.Fatal("NewTransport returned nil")
	}

	if tr.nodeID != "test-node" {
		t.Errorf("Expected nodeID 'test-node', got %s", tr.nodeID)
	}
	if tr.address != "tcp://127.0.0.1:5555" {
		t.Errorf("Expected address 'tcp://127.0.0.1:5555', got %s", tr.address)
	}
}

func TestTransportRegisterPeer(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)

	tr.RegisterPeer("peer1", "tcp://127.0.0.1:5556")

	stats := tr.GetStats()
	if stats.PeerCount != 1 {
		t.Errorf("Expected 1 peer, got %d", stats.PeerCount)
	}

	tr.UnregisterPeer("peer1")
	stats = tr.GetStats()
	if stats.PeerCount != 0 {
		t.Errorf("Expected 0 peers after unregister, got %d", stats.PeerCount)
	}
}

func TestTransportStats(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	tr.RegisterPeer("peer1", "tcp://127.0.0.1:5556")

	stats := tr.GetStats()
	if stats.NodeID != "test-node" {
		t.Errorf("Expected NodeID 'test-node', got %s", stats.NodeID)
	}
	if stats.IsRunning {
		t.Error("Transport should not be running before Start")
	}
}

func TestSendBeforeStartFails(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	tr.RegisterPeer("peer1", "tcp://127.0.0.1:5556")

	if err := tr.Send("peer1", &Envelope{Type: TypeHeartbeat}); err == nil {
		t.Error("send on a stopped transport succeeded")
	}
}

func TestNewModelAnnouncer(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	a := NewModelAnnouncer(tr)
	if a == nil {
		t.Fatal("NewModelAnnouncer returned nil")
	}

	stats := a.GetStats()
	if stats.MaxHops != 5 {
		t.Errorf("Expected MaxHops 5, got %d", stats.MaxHops)
	}
}

func TestAnnouncerDropsDuplicates(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	a := NewModelAnnouncer(tr)

	model := &coordinator.GlobalModel{
		Version:     3,
		RoundNumber: 3,
		Weights:     []float64{1, 2},
		UpdatedAt:   time.Now(),
	}
	raw, err := data.NewCodec().EncodeModel(model)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var delivered int
	a.OnModel(func(*coordinator.GlobalModel) { delivered++ })

	env := &Envelope{
		Type: TypeModel,
		From: "peer1",
		Payload: map[string]interface{}{
			"origin":  "peer1",
			"version": float64(3),
		},
		Data: raw,
		Hops: a.maxHops, // at the limit, no rebroadcast attempt
	}
	if err := a.handleIncoming(env); err != nil {
		t.Fatalf("first announcement rejected: %v", err)
	}
	if err := a.handleIncoming(env); err != nil {
		t.Fatalf("duplicate announcement errored: %v", err)
	}

	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if a.GetStats().CacheSize != 1 {
		t.Errorf("Expected 1 cached key, got %d", a.GetStats().CacheSize)
	}
}

func TestAnnouncerRejectsVersionlessAnnouncement(t *testing.T) {
	tr := NewTransport("test-node", "127.0.0.1", 5555)
	a := NewModelAnnouncer(tr)

	env := &Envelope{
		Type:    TypeModel,
		From:    "peer1",
		Payload: map[string]interface{}{"origin": "peer1"},
	}
	if err := a.handleIncoming(env); err == nil {
		t.Error("announcement without version accepted")
	}
}
