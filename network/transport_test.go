package network

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fedhive/engine/consensus"
)

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:      TypeUpdate,
		From:      "node-1",
		To:        "coordinator",
		Payload:   map[string]interface{}{"round": float64(3)},
		Data:      []byte{0x00, 0x01, 0xfe, 0xff},
		Timestamp: time.Now().UTC(),
		Nonce:     "node-1-123-1",
		Hops:      2,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Type != env.Type || got.From != env.From || got.Nonce != env.Nonce || got.Hops != env.Hops {
		t.Errorf("envelope fields corrupted: %+v", got)
	}
	if len(got.Data) != 4 || got.Data[2] != 0xfe {
		t.Errorf("binary body corrupted: %v", got.Data)
	}
}

func TestAcceptNonceRejectsReplay(t *testing.T) {
	tr := NewTransport("node-1", "127.0.0.1", 0)

	env := &Envelope{Nonce: "peer-1-42-1", Timestamp: time.Now()}
	if !tr.acceptNonce(env) {
		t.Fatal("fresh nonce rejected")
	}
	if tr.acceptNonce(env) {
		t.Error("replayed nonce accepted")
	}
}

func TestAcceptNonceRejectsStale(t *testing.T) {
	tr := NewTransport("node-1", "127.0.0.1", 0)

	stale := &Envelope{Nonce: "peer-1-1-1", Timestamp: time.Now().Add(-5 * time.Minute)}
	if tr.acceptNonce(stale) {
		t.Error("stale envelope accepted")
	}

	// Envelopes without a nonce skip the check entirely.
	if !tr.acceptNonce(&Envelope{Timestamp: time.Now().Add(-time.Hour)}) {
		t.Error("nonce-free envelope rejected")
	}
}

func TestCleanReplayCacheEvictsOldEntries(t *testing.T) {
	tr := NewTransport("node-1", "127.0.0.1", 0)

	tr.replayCacheMu.Lock()
	tr.replayCache["old"] = time.Now().Add(-2 * tr.replayTolerance)
	tr.replayCache["new"] = time.Now()
	tr.replayCacheMu.Unlock()

	tr.cleanReplayCache()

	tr.replayCacheMu.Lock()
	defer tr.replayCacheMu.Unlock()
	if _, ok := tr.replayCache["old"]; ok {
		t.Error("expired nonce survived cleaning")
	}
	if _, ok := tr.replayCache["new"]; !ok {
		t.Error("fresh nonce evicted")
	}
}

func TestConsensusMessageWireRoundTrip(t *testing.T) {
	vote := &consensus.Message{
		Kind:      consensus.MsgCommit,
		View:      2,
		Sequence:  9,
		Digest:    "abc123",
		Sender:    "node-3",
		Timestamp: time.Now().UTC(),
	}

	raw, err := EncodeConsensusMessage(vote)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeConsensusMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Kind != vote.Kind || got.View != vote.View || got.Sequence != vote.Sequence ||
		got.Digest != vote.Digest || got.Sender != vote.Sender {
		t.Errorf("vote corrupted on the wire: %+v", got)
	}
}

func TestPrePrepareProposalSurvivesTheWire(t *testing.T) {
	proposal := consensus.NewProposal("proposal-0-1", "node-1", map[string]interface{}{
		"model_version": float64(4),
	})
	pp := &consensus.Message{
		Kind:      consensus.MsgPrePrepare,
		View:      0,
		Sequence:  1,
		Digest:    proposal.Digest,
		Sender:    "node-1",
		Payload:   map[string]interface{}{"proposal": proposal},
		Timestamp: time.Now().UTC(),
	}

	raw, err := EncodeConsensusMessage(pp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeConsensusMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The payload must come back as a typed proposal, not a bare map,
	// or the receiving engine would finalize an instance with no proposal.
	typed, ok := got.Payload["proposal"].(*consensus.Proposal)
	if !ok {
		t.Fatalf("proposal payload decoded as %T", got.Payload["proposal"])
	}
	if typed.Digest != proposal.Digest || typed.ID != proposal.ID {
		t.Errorf("proposal corrupted: %+v", typed)
	}
}

func TestDecodePrePrepareWithoutProposalFails(t *testing.T) {
	pp := &consensus.Message{
		Kind:     consensus.MsgPrePrepare,
		Sender:   "node-1",
		Sequence: 1,
	}
	raw, _ := EncodeConsensusMessage(pp)

	if _, err := DecodeConsensusMessage(raw); err == nil {
		t.Error("pre-prepare without proposal decoded successfully")
	}
}

func FuzzDecodeConsensusMessage(f *testing.F) {
	proposal := consensus.NewProposal("p", "node-1", map[string]interface{}{"x": 1})
	valid, _ := EncodeConsensusMessage(&consensus.Message{
		Kind:    consensus.MsgPrePrepare,
		Sender:  "node-1",
		Payload: map[string]interface{}{"proposal": proposal},
	})
	f.Add(valid)
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"kind":0,"payload":{"proposal":42}}`))
	f.Add([]byte(`not json`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, raw []byte) {
		// Must never panic on arbitrary wire bytes.
		msg, err := DecodeConsensusMessage(raw)
		if err == nil && msg == nil {
			t.Error("nil message without error")
		}
	})
}
