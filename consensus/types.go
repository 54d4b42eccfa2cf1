package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Common errors for consensus operations
var (
	ErrNotPrimary      = errors.New("node is not the primary for the current view")
	ErrTooFewMembers   = errors.New("membership too small for fault threshold")
	ErrNotMember       = errors.New("node is not part of the membership list")
	ErrEmptyMembership = errors.New("membership list is empty")
)

// MessageKind identifies the protocol phase a message belongs to.
type MessageKind int

const (
	MsgPrePrepare MessageKind = iota
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
	MsgCheckpoint
)

func (k MessageKind) String() string {
	switch k {
	case MsgPrePrepare:
		return "pre_prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgViewChange:
		return "view_change"
	case MsgNewView:
		return "new_view"
	case MsgCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Phase represents the progress of a consensus instance.
type Phase int

const (
	PhasePrePrepare Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Proposal is a value submitted for cluster-wide agreement.
// The digest is computed once at creation and is the identity used for
// matching messages across phases.
type Proposal struct {
	ID       string                 `json:"id"`
	Proposer string                 `json:"proposer"`
	Content  map[string]interface{} `json:"content"`
	Digest   string                 `json:"digest"`
}

// NewProposal builds a proposal and seals its content digest.
func NewProposal(id, proposer string, content map[string]interface{}) *Proposal {
	return &Proposal{
		ID:       id,
		Proposer: proposer,
		Content:  content,
		Digest:   ComputeDigest(content),
	}
}

// ComputeDigest hashes canonicalized content. Keys are sorted so that two
// proposals with equal content always produce equal digests.
func ComputeDigest(content map[string]interface{}) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		// json.Marshal on scalar payload values is deterministic
		v, _ := json.Marshal(content[k])
		h.Write(v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Message is a protocol message exchanged between replicas.
// (View, Sequence) identifies a consensus instance; Digest binds the
// instance to a specific proposal. Messages are immutable once sent.
type Message struct {
	Kind      MessageKind            `json:"kind"`
	View      uint64                 `json:"view"`
	Sequence  uint64                 `json:"sequence"`
	Digest    string                 `json:"digest"`
	Sender    string                 `json:"sender"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Signature []byte                 `json:"signature,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Instance is the mutable per-(view, sequence) record owned by one replica.
// Phase advances monotonically and finalized instances stay in the map;
// the committed log is the engine's product.
type Instance struct {
	Phase       Phase
	Proposal    *Proposal
	PrePrepare  *Message
	Prepares    map[string]*Message
	Commits     map[string]*Message
	StartedAt   time.Time
	FinalizedAt time.Time
}

func newInstance() *Instance {
	return &Instance{
		Phase:     PhasePrePrepare,
		Prepares:  make(map[string]*Message),
		Commits:   make(map[string]*Message),
		StartedAt: time.Now(),
	}
}

// CommitCallback is invoked once per finalized proposal. Panics are caught
// and logged; a failing callback never aborts finalization for the others.
type CommitCallback func(*Proposal)

// MessageHandler receives every message the engine broadcasts. This is the
// engine's only coupling to a transport layer.
type MessageHandler func(*Message)

// EngineStats is a snapshot of engine counters and parameters.
type EngineStats struct {
	NodeID             string `json:"node_id"`
	ProposalsStarted   int64  `json:"proposals_started"`
	ProposalsCommitted int64  `json:"proposals_committed"`
	MessagesSent       int64  `json:"messages_sent"`
	MessagesReceived   int64  `json:"messages_received"`
	ViewChanges        int64  `json:"view_changes"`
	View               uint64 `json:"view"`
	Sequence           uint64 `json:"sequence"`
	IsPrimary          bool   `json:"is_primary"`
	PendingInstances   int    `json:"pending_instances"`
	N                  int    `json:"n"`
	F                  int    `json:"f"`
	Quorum             int    `json:"quorum"`
}
