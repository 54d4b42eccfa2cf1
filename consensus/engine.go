// Package consensus implements a PBFT-style Byzantine fault tolerant
// agreement engine. A proposal moves through
// PRE-PREPARE -> PREPARE -> COMMIT -> FINALIZED using two quorum thresholds,
// with a quorum-gated view change replacing a stalled primary.
package consensus

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Engine is the per-replica consensus state machine. Message handling may be
// invoked concurrently; the instance map is serialized behind one mutex.
// Broadcasting is fire-and-forget: outbound messages and commit callbacks are
// dispatched after the lock is released so handlers can deliver synchronously
// without deadlocking a cluster of in-process engines.
type Engine struct {
	nodeID  string
	members []string
	n       int
	f       int
	quorum  int

	mu        sync.Mutex
	view      uint64
	sequence  uint64
	instances map[uint64]*Instance
	committed []*Proposal

	// Out-of-order votes held until the matching PRE_PREPARE arrives.
	pendingPrepares map[uint64][]*Message
	pendingCommits  map[uint64][]*Message

	// Distinct VIEW_CHANGE senders per target view.
	viewChangeVotes map[uint64]map[string]bool

	callbacks []CommitCallback
	handlers  map[string]MessageHandler

	proposalsStarted   int64
	proposalsCommitted int64
	messagesSent       int64
	messagesReceived   int64
	viewChanges        int64
}

// NewEngine creates an engine for a static membership list, deriving the
// fault threshold f = floor((n-1)/3) and quorum = 2f+1.
func NewEngine(nodeID string, members []string) (*Engine, error) {
	n := len(members)
	if n == 0 {
		return nil, ErrEmptyMembership
	}
	f := (n - 1) / 3
	return NewEngineWithF(nodeID, members, f)
}

// NewEngineWithF creates an engine with an explicit fault threshold.
// Construction fails fast when n < 3f+1, which is the minimum membership
// for two quorums of 2f+1 to intersect in at least one honest node.
func NewEngineWithF(nodeID string, members []string, f int) (*Engine, error) {
	n := len(members)
	if n == 0 {
		return nil, ErrEmptyMembership
	}
	if f < 0 || n < 3*f+1 {
		return nil, fmt.Errorf("%w: n=%d f=%d requires n >= %d", ErrTooFewMembers, n, f, 3*f+1)
	}

	sorted := make([]string, n)
	copy(sorted, members)
	sort.Strings(sorted)

	self := false
	for _, m := range sorted {
		if m == nodeID {
			self = true
			break
		}
	}
	if !self {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, nodeID)
	}

	return &Engine{
		nodeID:          nodeID,
		members:         sorted,
		n:               n,
		f:               f,
		quorum:          2*f + 1,
		instances:       make(map[uint64]*Instance),
		pendingPrepares: make(map[uint64][]*Message),
		pendingCommits:  make(map[uint64][]*Message),
		viewChangeVotes: make(map[uint64]map[string]bool),
		handlers:        make(map[string]MessageHandler),
	}, nil
}

// NodeID returns this replica's identity.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// View returns the current view number.
func (e *Engine) View() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// IsPrimary reports whether this node is the primary for the current view.
func (e *Engine) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryFor(e.view) == e.nodeID
}

// primaryFor returns the designated primary for a view (round-robin over the
// sorted membership list). Called with lock held or on immutable state.
func (e *Engine) primaryFor(view uint64) string {
	return e.members[int(view%uint64(e.n))]
}

// OnCommit registers a callback invoked once per finalized proposal.
func (e *Engine) OnCommit(fn CommitCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// RegisterMessageHandler attaches a transport sink for broadcast messages.
// This is the engine's only coupling to a network layer.
func (e *Engine) RegisterMessageHandler(id string, fn MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[id] = fn
}

// UnregisterMessageHandler detaches a transport sink.
func (e *Engine) UnregisterMessageHandler(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, id)
}

// Propose submits content for agreement. Only the primary of the current
// view may propose; others get ErrNotPrimary. The sequence counter is
// monotonically increasing and never reused, even across view changes.
func (e *Engine) Propose(content map[string]interface{}) (*Proposal, error) {
	e.mu.Lock()

	if e.primaryFor(e.view) != e.nodeID {
		view := e.view
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (view %d)", ErrNotPrimary, e.nodeID, view)
	}

	e.sequence++
	seq := e.sequence
	proposal := NewProposal(fmt.Sprintf("proposal-%d-%d", e.view, seq), e.nodeID, content)

	msg := &Message{
		Kind:      MsgPrePrepare,
		View:      e.view,
		Sequence:  seq,
		Digest:    proposal.Digest,
		Sender:    e.nodeID,
		Payload:   map[string]interface{}{"proposal": proposal},
		Signature: []byte{},
		Timestamp: time.Now(),
	}

	inst := newInstance()
	inst.Proposal = proposal
	inst.PrePrepare = msg
	// The primary's commitment is its pre-prepare; it waits for quorum-1
	// prepares from the replicas.
	inst.Phase = PhasePrepare
	e.instances[seq] = inst
	e.proposalsStarted++

	view := msg.View
	e.mu.Unlock()

	log.Printf("consensus[%s]: proposing seq=%d view=%d digest=%.8s", e.nodeID, seq, view, proposal.Digest)
	e.dispatch([]*Message{msg}, nil)
	return proposal, nil
}

// HandleMessage processes one inbound protocol message. Malformed or
// mismatched messages are rejected and logged, never panic. The return value
// reports whether the message was accepted (or buffered for later).
func (e *Engine) HandleMessage(msg *Message) bool {
	if msg == nil {
		return false
	}

	e.mu.Lock()
	e.messagesReceived++

	var accepted bool
	var outbound []*Message
	var finalized []*Proposal

	switch msg.Kind {
	case MsgViewChange:
		accepted, outbound = e.handleViewChange(msg)
	case MsgNewView:
		accepted = e.handleNewView(msg)
	default:
		if msg.View != e.view {
			if msg.View > e.view {
				log.Printf("consensus[%s]: message from view %d ahead of local view %d, ignoring",
					e.nodeID, msg.View, e.view)
			}
			e.mu.Unlock()
			return false
		}
		switch msg.Kind {
		case MsgPrePrepare:
			accepted, outbound, finalized = e.handlePrePrepare(msg)
		case MsgPrepare:
			accepted, outbound, finalized = e.handlePrepare(msg)
		case MsgCommit:
			accepted, finalized = e.handleCommit(msg)
		case MsgCheckpoint:
			// Checkpoints are accepted but the committed log is retained for
			// the engine's lifetime; nothing to truncate yet.
			accepted = true
		default:
			log.Printf("consensus[%s]: unknown message kind %d from %s", e.nodeID, msg.Kind, msg.Sender)
		}
	}

	e.mu.Unlock()
	e.dispatch(outbound, finalized)
	return accepted
}

// handlePrePrepare accepts a proposal announcement from the expected primary,
// guards against equivocation, and answers with this replica's PREPARE.
// Called with lock held.
func (e *Engine) handlePrePrepare(msg *Message) (bool, []*Message, []*Proposal) {
	if msg.Sender != e.primaryFor(msg.View) {
		log.Printf("consensus[%s]: pre-prepare from %s who is not primary of view %d",
			e.nodeID, msg.Sender, msg.View)
		return false, nil, nil
	}

	inst, ok := e.instances[msg.Sequence]
	if ok && inst.PrePrepare != nil {
		if inst.PrePrepare.Digest != msg.Digest {
			// Equivocation: same (view, sequence) bound to a second digest.
			log.Printf("consensus[%s]: conflicting pre-prepare for seq=%d (have %.8s, got %.8s), rejecting",
				e.nodeID, msg.Sequence, inst.PrePrepare.Digest, msg.Digest)
			return false, nil, nil
		}
		return true, nil, nil // duplicate
	}
	if !ok {
		inst = newInstance()
		e.instances[msg.Sequence] = inst
	}

	inst.PrePrepare = msg
	if p, ok := msg.Payload["proposal"].(*Proposal); ok {
		inst.Proposal = p
	}
	inst.Phase = PhasePrepare

	prepare := e.vote(MsgPrepare, msg.View, msg.Sequence, msg.Digest)
	inst.Prepares[e.nodeID] = prepare
	outbound := []*Message{prepare}

	// Replay votes that arrived before the pre-prepare.
	for _, m := range e.pendingPrepares[msg.Sequence] {
		if m.Digest == msg.Digest {
			inst.Prepares[m.Sender] = m
		}
	}
	delete(e.pendingPrepares, msg.Sequence)
	for _, m := range e.pendingCommits[msg.Sequence] {
		if m.Digest == msg.Digest {
			inst.Commits[m.Sender] = m
		}
	}
	delete(e.pendingCommits, msg.Sequence)

	out, fin := e.checkQuorums(msg.Sequence, inst)
	return true, append(outbound, out...), fin
}

// handlePrepare records a prepare vote. Votes arriving before the matching
// PRE_PREPARE are buffered rather than dropped. Called with lock held.
func (e *Engine) handlePrepare(msg *Message) (bool, []*Message, []*Proposal) {
	inst, ok := e.instances[msg.Sequence]
	if !ok || inst.PrePrepare == nil {
		e.pendingPrepares[msg.Sequence] = append(e.pendingPrepares[msg.Sequence], msg)
		return true, nil, nil
	}
	if msg.Digest != inst.PrePrepare.Digest {
		log.Printf("consensus[%s]: prepare digest mismatch for seq=%d from %s", e.nodeID, msg.Sequence, msg.Sender)
		return false, nil, nil
	}

	inst.Prepares[msg.Sender] = msg
	out, fin := e.checkQuorums(msg.Sequence, inst)
	return true, out, fin
}

// handleCommit records a commit vote, buffering early arrivals.
// Called with lock held.
func (e *Engine) handleCommit(msg *Message) (bool, []*Proposal) {
	inst, ok := e.instances[msg.Sequence]
	if !ok || inst.PrePrepare == nil {
		e.pendingCommits[msg.Sequence] = append(e.pendingCommits[msg.Sequence], msg)
		return true, nil
	}
	if msg.Digest != inst.PrePrepare.Digest {
		log.Printf("consensus[%s]: commit digest mismatch for seq=%d from %s", e.nodeID, msg.Sequence, msg.Sender)
		return false, nil
	}

	inst.Commits[msg.Sender] = msg
	_, fin := e.checkQuorums(msg.Sequence, inst)
	return true, fin
}

// checkQuorums advances an instance through the prepare and commit quorum
// gates. The prepare gate needs quorum-1 distinct preparers (the primary's
// commitment is its pre-prepare); the commit gate needs a full quorum of
// distinct committers. Called with lock held.
func (e *Engine) checkQuorums(seq uint64, inst *Instance) ([]*Message, []*Proposal) {
	var outbound []*Message

	if inst.Phase == PhasePrepare && len(inst.Prepares) >= e.quorum-1 {
		inst.Phase = PhaseCommit
		commit := e.vote(MsgCommit, inst.PrePrepare.View, seq, inst.PrePrepare.Digest)
		inst.Commits[e.nodeID] = commit
		outbound = append(outbound, commit)
	}

	if inst.Phase == PhaseCommit && len(inst.Commits) >= e.quorum {
		// Finalize exactly once.
		inst.Phase = PhaseFinalized
		inst.FinalizedAt = time.Now()
		e.committed = append(e.committed, inst.Proposal)
		e.proposalsCommitted++
		log.Printf("consensus[%s]: finalized seq=%d digest=%.8s commits=%d",
			e.nodeID, seq, inst.PrePrepare.Digest, len(inst.Commits))
		return outbound, []*Proposal{inst.Proposal}
	}

	return outbound, nil
}

// vote builds this replica's own PREPARE or COMMIT message.
// Called with lock held.
func (e *Engine) vote(kind MessageKind, view, seq uint64, digest string) *Message {
	return &Message{
		Kind:      kind,
		View:      view,
		Sequence:  seq,
		Digest:    digest,
		Sender:    e.nodeID,
		Signature: []byte{},
		Timestamp: time.Now(),
	}
}

// StartViewChange votes to replace the primary by moving to targetView.
// The local vote counts toward the quorum; the transition itself only happens
// once quorum distinct replicas have asked for the same target view.
func (e *Engine) StartViewChange(targetView uint64) {
	msg := &Message{
		Kind:      MsgViewChange,
		View:      targetView,
		Sender:    e.nodeID,
		Signature: []byte{},
		Timestamp: time.Now(),
	}

	e.mu.Lock()
	_, outbound := e.handleViewChange(msg)
	e.mu.Unlock()

	e.dispatch(append([]*Message{msg}, outbound...), nil)
}

// handleViewChange counts distinct VIEW_CHANGE senders per target view and
// switches once a full quorum demands the same target. The same quorum
// discipline as prepare/commit applies, so a single faulty replica cannot
// drag the cluster into a new view. Called with lock held.
func (e *Engine) handleViewChange(msg *Message) (bool, []*Message) {
	if msg.View <= e.view {
		return false, nil
	}

	votes, ok := e.viewChangeVotes[msg.View]
	if !ok {
		votes = make(map[string]bool)
		e.viewChangeVotes[msg.View] = votes
	}
	votes[msg.Sender] = true

	if len(votes) < e.quorum {
		return true, nil
	}

	old := e.view
	e.view = msg.View
	e.viewChanges++
	for v := range e.viewChangeVotes {
		if v <= e.view {
			delete(e.viewChangeVotes, v)
		}
	}
	log.Printf("consensus[%s]: view change %d -> %d (primary now %s)",
		e.nodeID, old, e.view, e.primaryFor(e.view))

	if e.primaryFor(e.view) == e.nodeID {
		newView := &Message{
			Kind:      MsgNewView,
			View:      e.view,
			Sender:    e.nodeID,
			Signature: []byte{},
			Timestamp: time.Now(),
		}
		return true, []*Message{newView}
	}
	return true, nil
}

// handleNewView adopts a view announced by its legitimate new primary,
// letting replicas that missed view-change votes catch up.
// Called with lock held.
func (e *Engine) handleNewView(msg *Message) bool {
	if msg.View <= e.view {
		return false
	}
	if msg.Sender != e.primaryFor(msg.View) {
		log.Printf("consensus[%s]: new-view for %d from %s who is not its primary",
			e.nodeID, msg.View, msg.Sender)
		return false
	}

	e.view = msg.View
	e.viewChanges++
	for v := range e.viewChangeVotes {
		if v <= e.view {
			delete(e.viewChangeVotes, v)
		}
	}
	log.Printf("consensus[%s]: adopted new view %d from %s", e.nodeID, msg.View, msg.Sender)
	return true
}

// dispatch delivers outbound messages to every registered transport handler
// and runs commit callbacks. Runs without the engine lock; a panicking
// callback is isolated so it cannot corrupt engine state or starve its peers.
func (e *Engine) dispatch(outbound []*Message, finalized []*Proposal) {
	e.mu.Lock()
	handlers := make([]MessageHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	callbacks := make([]CommitCallback, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.messagesSent += int64(len(outbound) * len(handlers))
	e.mu.Unlock()

	for _, msg := range outbound {
		for _, h := range handlers {
			h(msg)
		}
	}

	for _, p := range finalized {
		for _, cb := range callbacks {
			e.safeInvoke(cb, p)
		}
	}
}

// safeInvoke runs one commit callback with panic isolation.
func (e *Engine) safeInvoke(cb CommitCallback, p *Proposal) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("consensus[%s]: commit callback panicked: %v", e.nodeID, r)
		}
	}()
	cb(p)
}

// GetCommittedProposals returns a copy of the committed log in finalization
// order.
func (e *Engine) GetCommittedProposals() []*Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Proposal, len(e.committed))
	copy(out, e.committed)
	return out
}

// GetInstance returns the consensus instance for a sequence, or nil.
func (e *Engine) GetInstance(seq uint64) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[seq]
}

// GetStats returns a snapshot of engine counters and parameters.
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := 0
	for _, inst := range e.instances {
		if inst.Phase != PhaseFinalized {
			pending++
		}
	}

	return EngineStats{
		NodeID:             e.nodeID,
		ProposalsStarted:   e.proposalsStarted,
		ProposalsCommitted: e.proposalsCommitted,
		MessagesSent:       e.messagesSent,
		MessagesReceived:   e.messagesReceived,
		ViewChanges:        e.viewChanges,
		View:               e.view,
		Sequence:           e.sequence,
		IsPrimary:          e.primaryFor(e.view) == e.nodeID,
		PendingInstances:   pending,
		N:                  e.n,
		F:                  e.f,
		Quorum:             e.quorum,
	}
}
