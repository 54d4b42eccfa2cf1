package network

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/fedhive/engine/consensus"
)

// bridgeHandlerID is the name under which the bridge registers itself on the
// engine's transport boundary.
const bridgeHandlerID = "zmq"

// ConsensusBridge connects a consensus engine to the transport: everything
// the engine broadcasts goes out as a consensus envelope, and every inbound
// consensus envelope is decoded and fed to the engine. The engine never
// learns it is talking to ZeroMQ instead of the in-process test cluster.
type ConsensusBridge struct {
	engine    *consensus.Engine
	transport *Transport
}

// NewConsensusBridge wires an engine to a transport and returns the bridge.
func NewConsensusBridge(engine *consensus.Engine, transport *Transport) *ConsensusBridge {
	b := &ConsensusBridge{engine: engine, transport: transport}

	engine.RegisterMessageHandler(bridgeHandlerID, b.outbound)
	transport.Handle(TypeConsensus, b.inbound)
	return b
}

// Close detaches the bridge from the engine.
func (b *ConsensusBridge) Close() {
	b.engine.UnregisterMessageHandler(bridgeHandlerID)
}

// outbound ships one engine message to all peers.
func (b *ConsensusBridge) outbound(msg *consensus.Message) {
	raw, err := EncodeConsensusMessage(msg)
	if err != nil {
		log.Printf("network: failed to encode consensus message: %v", err)
		return
	}

	env := &Envelope{Type: TypeConsensus, Data: raw}
	if err := b.transport.Broadcast(env, nil); err != nil {
		log.Printf("network: consensus broadcast incomplete: %v", err)
	}
}

// inbound decodes one consensus envelope and hands it to the engine.
func (b *ConsensusBridge) inbound(env *Envelope) error {
	msg, err := DecodeConsensusMessage(env.Data)
	if err != nil {
		return fmt.Errorf("bad consensus envelope from %s: %w", env.From, err)
	}
	b.engine.HandleMessage(msg)
	return nil
}

// EncodeConsensusMessage serializes a consensus message for the wire.
func EncodeConsensusMessage(msg *consensus.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeConsensusMessage deserializes a wire consensus message. The proposal
// embedded in a PRE_PREPARE payload is rebuilt as a typed value; generic JSON
// decoding would leave it as a bare map and the engine would finalize an
// instance with no proposal attached.
func DecodeConsensusMessage(raw []byte) (*consensus.Message, error) {
	var msg consensus.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	if msg.Kind == consensus.MsgPrePrepare {
		embedded, ok := msg.Payload["proposal"]
		if !ok {
			return nil, fmt.Errorf("pre-prepare without proposal payload")
		}
		rewrapped, err := json.Marshal(embedded)
		if err != nil {
			return nil, err
		}
		var proposal consensus.Proposal
		if err := json.Unmarshal(rewrapped, &proposal); err != nil {
			return nil, fmt.Errorf("malformed proposal payload: %w", err)
		}
		msg.Payload["proposal"] = &proposal
	}

	return &msg, nil
}
