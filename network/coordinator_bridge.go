package network

import (
	"fmt"
	"log"

	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/data"
)

// CoordinatorBridge routes inbound participant traffic into the coordinator:
// model-update envelopes carry Arrow IPC batches, heartbeat envelopes carry
// only the sender identity. Rejections are the coordinator's business; the
// bridge just logs them.
type CoordinatorBridge struct {
	coord     *coordinator.Coordinator
	transport *Transport
	codec     *data.Codec
}

// NewCoordinatorBridge wires a coordinator to a transport.
func NewCoordinatorBridge(coord *coordinator.Coordinator, transport *Transport) *CoordinatorBridge {
	b := &CoordinatorBridge{
		coord:     coord,
		transport: transport,
		codec:     data.NewCodec(),
	}
	transport.Handle(TypeUpdate, b.handleUpdate)
	transport.Handle(TypeHeartbeat, b.handleHeartbeat)
	return b
}

// handleUpdate decodes an Arrow IPC batch of model updates and submits each
// to the coordinator.
func (b *CoordinatorBridge) handleUpdate(env *Envelope) error {
	updates, err := b.codec.DecodeUpdates(env.Data)
	if err != nil {
		return fmt.Errorf("bad update envelope from %s: %w", env.From, err)
	}

	for _, u := range updates {
		if !b.coord.SubmitUpdate(u) {
			log.Printf("network: update from %s (round %d) rejected by coordinator",
				u.NodeID, u.RoundNumber)
		}
	}
	return nil
}

// handleHeartbeat records liveness for the envelope's sender.
func (b *CoordinatorBridge) handleHeartbeat(env *Envelope) error {
	if !b.coord.Heartbeat(env.From) {
		return fmt.Errorf("heartbeat from unknown or banned node %s", env.From)
	}
	return nil
}
