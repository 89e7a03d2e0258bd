/*
Package session implements the weighted BFT agreement running on top of the
causal broadcast engine. One session per shard walks the chain height by
height; each height is decided in numbered rounds of Propose, Prevote and
Precommit phases under a two-thirds weight quorum, with a deterministic
weighted proposer rotation and per-phase deadlines.

A session only ever acts on messages observed through the engine's delivery
order, its own included, and all of its state transitions happen on one
goroutine fed by one event queue.
*/
package session

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/CGCL-codes/CatchainBFT/config"
	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/metrics"
	"github.com/hashicorp/go-hclog"
	sign "github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3/share"
)

// Phase is where a round currently stands.
type Phase uint8

const (
	PhasePropose Phase = iota
	PhasePrevote
	PhasePrecommit
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Broadcaster is the causal-broadcast side the session publishes through.
type Broadcaster interface {
	Broadcast(payload []byte) (*dag.Block, error)
}

// Application is the execution collaborator. Candidate contents are opaque to
// the session beyond these two calls.
type Application interface {
	// ProduceCandidate returns the next candidate block contents for a
	// height, or nil when there is nothing valid to propose.
	ProduceCandidate(shard string, height uint64) []byte
	// ValidateCandidate checks a candidate against the state-transition
	// rules.
	ValidateCandidate(shard string, height uint64, candidate []byte) bool
	// Apply executes a finalized certificate and returns the new state
	// root.
	Apply(cert *Certificate) ([]byte, error)
}

// Session is the agreement state machine of one shard.
type Session struct {
	shard  string
	name   string
	vals   *ValidatorSet
	engine Broadcaster
	app    Application
	fin    *Finalizer
	mets   *metrics.Metrics
	logger hclog.Logger

	privateKey   ed25519.PrivateKey
	tsPrivateKey *share.PriShare

	proposeTimeout   time.Duration
	prevoteTimeout   time.Duration
	precommitTimeout time.Duration

	// State below is owned by the Run goroutine.
	height     uint64
	round      uint64
	phase      Phase
	roundStart time.Time

	proposals       map[uint64]*Message            // round -> accepted proposal
	candidates      map[string][]byte              // candidate hash -> contents
	prevotes        map[uint64]map[string]*Message // round -> sender -> first prevote
	precommits      map[uint64]map[string]*Message // round -> sender -> first precommit
	prevoteWeight   map[uint64]map[string]uint64   // round -> hash -> weight
	precommitWeight map[uint64]map[string]uint64   // round -> hash -> weight
	sentPrevote     map[uint64]bool
	sentPrecommit   map[uint64]bool
	lockedHash      map[uint64]string // round -> pinned non-nil precommit hash
	future          []*Message        // messages for heights we have not reached

	stateLock    sync.Mutex
	evidence     []*EquivocationProof
	certificates map[uint64]*Certificate // height -> certificate

	eventCh chan *Message
	timer   *time.Timer
	quitCh  chan struct{}
}

func NewSession(shard string, conf *config.Config, vals *ValidatorSet, engine Broadcaster,
	app Application, certStore CertificateStore, mets *metrics.Metrics) *Session {
	if mets == nil {
		mets = metrics.New(nil)
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "session-" + shard,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	return &Session{
		shard:            shard,
		name:             conf.Name,
		vals:             vals,
		engine:           engine,
		app:              app,
		fin:              NewFinalizer(vals, conf.TsPublicKey, certStore, logger),
		mets:             mets,
		logger:           logger,
		privateKey:       conf.PrivateKey,
		tsPrivateKey:     conf.TsPrivateKey,
		proposeTimeout:   conf.ProposeTimeout,
		prevoteTimeout:   conf.PrevoteTimeout,
		precommitTimeout: conf.PrecommitTimeout,
		height:           1,
		proposals:        make(map[uint64]*Message),
		candidates:       make(map[string][]byte),
		prevotes:         make(map[uint64]map[string]*Message),
		precommits:       make(map[uint64]map[string]*Message),
		prevoteWeight:    make(map[uint64]map[string]uint64),
		precommitWeight:  make(map[uint64]map[string]uint64),
		sentPrevote:      make(map[uint64]bool),
		sentPrecommit:    make(map[uint64]bool),
		lockedHash:       make(map[uint64]string),
		certificates:     make(map[uint64]*Certificate),
		eventCh:          make(chan *Message, 256),
		quitCh:           make(chan struct{}),
	}
}

// Enqueue hands a delivered message to the session. All inbound events are
// serialized through this one queue.
func (s *Session) Enqueue(msg *Message) {
	select {
	case s.eventCh <- msg:
	case <-s.quitCh:
	}
}

// Run drives the state machine until Stop. A local invariant violation halts
// this session loudly without taking the rest of the node down.
func (s *Session) Run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session halted on invariant violation", "shard", s.shard, "panic", r)
		}
	}()
	s.timer = time.NewTimer(s.proposeTimeout)
	s.enterRound(1)
	for {
		select {
		case msg := <-s.eventCh:
			s.handleMessage(msg)
		case <-s.timer.C:
			s.handleTimeout()
		case <-s.quitCh:
			s.timer.Stop()
			return
		}
	}
}

// Stop abandons the session. Pending timers die with the Run goroutine;
// blocks already broadcast remain valid history.
func (s *Session) Stop() {
	select {
	case <-s.quitCh:
	default:
		close(s.quitCh)
	}
}

// Certificates snapshots the finalized certificates by height.
func (s *Session) Certificates() map[uint64]*Certificate {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	out := make(map[uint64]*Certificate, len(s.certificates))
	for h, c := range s.certificates {
		out[h] = c
	}
	return out
}

// Evidence snapshots the equivocation proofs recorded so far.
func (s *Session) Evidence() []*EquivocationProof {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	out := make([]*EquivocationProof, len(s.evidence))
	copy(out, s.evidence)
	return out
}

func (s *Session) enterRound(round uint64) {
	s.round = round
	s.phase = PhasePropose
	s.roundStart = time.Now()
	s.resetTimer(s.proposeTimeout)
	proposer := s.vals.Proposer(s.shard, s.height, round)
	s.logger.Debug("entering round", "shard", s.shard, "height", s.height,
		"round", round, "proposer", proposer)
	if proposer == s.name {
		s.propose(round)
	}
	// Messages for this round may have been delivered while an earlier round
	// was still running; act on them now.
	s.maybePrevote(round)
	s.maybePrecommit(round)
	s.maybeDecide(round)
}

func (s *Session) propose(round uint64) {
	candidate := s.app.ProduceCandidate(s.shard, s.height)
	hash := ""
	if candidate != nil {
		var err error
		hash, err = candidateHash(candidate)
		if err != nil {
			s.logger.Error("fail to hash the candidate", "error", err)
			candidate, hash = nil, ""
		}
	}
	// A proposer with nothing valid still proposes, explicitly empty, so the
	// others prevote nil instead of waiting out the deadline.
	s.send(&Message{
		Kind:      KindProposal,
		Shard:     s.shard,
		Height:    s.height,
		Round:     round,
		Sender:    s.name,
		Hash:      hash,
		Candidate: candidate,
	})
}

func (s *Session) handleMessage(msg *Message) {
	if msg.Shard != s.shard {
		return
	}
	if msg.Height < s.height {
		return // already decided
	}
	if msg.Height > s.height {
		s.future = append(s.future, msg)
		return
	}
	if !s.vals.Member(msg.Sender) {
		s.logger.Warn("message from a non-member", "sender", msg.Sender)
		return
	}
	if !s.verifyMsgSig(msg) {
		s.logger.Error("fail to verify the message's signature", "kind", msg.Kind.String(),
			"round", msg.Round, "sender", msg.Sender)
		return
	}

	switch msg.Kind {
	case KindProposal:
		s.handleProposal(msg)
	case KindPrevote:
		if s.recordVote(s.prevotes, s.prevoteWeight, msg) {
			s.maybePrecommit(msg.Round)
		}
	case KindPrecommit:
		if s.recordVote(s.precommits, s.precommitWeight, msg) {
			s.maybeDecide(msg.Round)
		}
	default:
		s.logger.Warn("message of unknown kind", "kind", uint8(msg.Kind), "sender", msg.Sender)
	}
}

func (s *Session) handleProposal(msg *Message) {
	if proposer := s.vals.Proposer(s.shard, s.height, msg.Round); msg.Sender != proposer {
		s.logger.Warn("proposal from a non-proposer", "round", msg.Round,
			"sender", msg.Sender, "proposer", proposer)
		return
	}
	if msg.Hash != "" {
		hash, err := candidateHash(msg.Candidate)
		if err != nil || hash != msg.Hash {
			s.logger.Warn("proposal with a mismatched candidate hash", "round", msg.Round,
				"sender", msg.Sender)
			return
		}
	}
	if first, ok := s.proposals[msg.Round]; ok {
		if first.Hash != msg.Hash {
			s.recordEquivocation(first, msg)
		}
		return
	}
	s.proposals[msg.Round] = msg
	if msg.Hash != "" {
		s.candidates[msg.Hash] = msg.Candidate
	}
	s.maybePrevote(msg.Round)
	s.maybeDecide(msg.Round)
}

// recordVote stores the first vote per sender for a round and phase; a
// conflicting second vote becomes evidence and is never tallied. It reports
// whether the vote was newly recorded.
func (s *Session) recordVote(votes map[uint64]map[string]*Message,
	weights map[uint64]map[string]uint64, msg *Message) bool {
	if _, ok := votes[msg.Round]; !ok {
		votes[msg.Round] = make(map[string]*Message)
		weights[msg.Round] = make(map[string]uint64)
	}
	if first, ok := votes[msg.Round][msg.Sender]; ok {
		if first.Hash != msg.Hash {
			s.recordEquivocation(first, msg)
		}
		return false
	}
	votes[msg.Round][msg.Sender] = msg
	weights[msg.Round][msg.Hash] += s.vals.Weight(msg.Sender)
	return true
}

func (s *Session) recordEquivocation(first, second *Message) {
	proof := &EquivocationProof{
		Shard:  s.shard,
		Height: s.height,
		Round:  second.Round,
		Kind:   second.Kind,
		Sender: second.Sender,
		First:  first,
		Second: second,
	}
	s.stateLock.Lock()
	s.evidence = append(s.evidence, proof)
	s.stateLock.Unlock()
	s.mets.Equivocations.Inc()
	s.logger.Warn("equivocation detected, evidence recorded", "kind", second.Kind.String(),
		"round", second.Round, "sender", second.Sender)
}

// maybePrevote casts our prevote once this round's proposal is delivered.
func (s *Session) maybePrevote(round uint64) {
	if round != s.round || s.phase != PhasePropose || s.sentPrevote[round] {
		return
	}
	proposal, ok := s.proposals[round]
	if !ok {
		return
	}
	hash := ""
	if proposal.Hash != "" &&
		s.app.ValidateCandidate(s.shard, s.height, proposal.Candidate) {
		hash = proposal.Hash
	}
	// A non-nil precommit in an earlier round pinned its hash for this height;
	// prevoting a different value now would unvote it.
	if pinned, pinnedOK := s.pinnedBefore(round); pinnedOK && hash != pinned {
		hash = ""
	}
	s.sentPrevote[round] = true
	s.phase = PhasePrevote
	s.resetTimer(s.prevoteTimeout)
	s.send(&Message{
		Kind:   KindPrevote,
		Shard:  s.shard,
		Height: s.height,
		Round:  round,
		Sender: s.name,
		Hash:   hash,
	})
}

// pinnedBefore returns the hash pinned by this node's most recent non-nil
// precommit in a round earlier than the given one, if any.
func (s *Session) pinnedBefore(round uint64) (string, bool) {
	var best uint64
	pin := ""
	for r, h := range s.lockedHash {
		if r < round && (pin == "" || r > best) {
			best, pin = r, h
		}
	}
	return pin, pin != ""
}

// maybePrecommit casts our precommit once a polka exists: a two-thirds weight
// of prevotes behind one hash (or behind nil).
func (s *Session) maybePrecommit(round uint64) {
	if round != s.round || s.phase == PhasePrecommit || s.sentPrecommit[round] {
		return
	}
	hash, ok := s.quorumHash(s.prevoteWeight[round])
	if !ok {
		return
	}
	s.sentPrecommit[round] = true
	s.phase = PhasePrecommit
	s.resetTimer(s.precommitTimeout)

	msg := &Message{
		Kind:   KindPrecommit,
		Shard:  s.shard,
		Height: s.height,
		Round:  round,
		Sender: s.name,
		Hash:   hash,
	}
	if hash != "" {
		// Precommits are irrevocable: pin the hash for this round.
		s.lockedHash[round] = hash
		data, err := VoteData(s.shard, s.height, round, hash)
		if err == nil && s.tsPrivateKey != nil {
			msg.PartialSig = sign.SignTSPartial(s.tsPrivateKey, data)
		}
	}
	s.send(msg)
}

// maybeDecide finalizes the height once a non-nil precommit quorum exists, or
// advances the round on a nil quorum. A quorum observed late, for a round this
// node already moved past, is still honored: decisions are never revisited.
func (s *Session) maybeDecide(round uint64) {
	hash, ok := s.quorumHash(s.precommitWeight[round])
	if !ok {
		return
	}
	if hash == "" {
		if round == s.round {
			s.logger.Info("round reached a nil quorum", "shard", s.shard,
				"height", s.height, "round", round)
			s.advanceRound()
		}
		return
	}
	candidate, ok := s.candidates[hash]
	if !ok {
		// The quorum is ahead of us: the winning proposal has not been
		// delivered here yet. It will arrive through the causal order and
		// re-trigger this path.
		s.logger.Debug("decision observed before its proposal", "shard", s.shard,
			"height", s.height, "round", round)
		return
	}

	s.mets.QuorumLatency.Observe(time.Since(s.roundStart).Seconds())
	cert, err := s.fin.Finalize(s.shard, s.height, round, hash, candidate, s.precommits[round])
	if err != nil {
		s.logger.Error("fail to finalize the round", "shard", s.shard,
			"height", s.height, "round", round, "error", err)
		return
	}

	s.stateLock.Lock()
	if _, done := s.certificates[s.height]; done {
		s.stateLock.Unlock()
		// Two certificates for one height would mean the quorum accounting
		// is broken; halt this session for offline diagnosis.
		panic(fmt.Sprintf("double finalization at shard %s height %d", s.shard, s.height))
	}
	s.certificates[s.height] = cert
	s.stateLock.Unlock()

	s.mets.FinalizedRounds.Inc()
	s.mets.RoundDuration.Observe(time.Since(s.roundStart).Seconds())

	stateRoot, err := s.app.Apply(cert)
	if err != nil {
		s.logger.Error("fail to apply the certificate", "shard", s.shard,
			"height", s.height, "error", err)
	}
	s.logger.Info("height finalized", "shard", s.shard, "height", s.height,
		"round", round, "hash", hash, "signers", len(cert.Signers),
		"state-root", hex.EncodeToString(stateRoot))
	s.enterHeight(s.height + 1)
}

// enterHeight archives the decided height's working state and starts the next
// height at round 1.
func (s *Session) enterHeight(height uint64) {
	s.height = height
	s.proposals = make(map[uint64]*Message)
	s.candidates = make(map[string][]byte)
	s.prevotes = make(map[uint64]map[string]*Message)
	s.precommits = make(map[uint64]map[string]*Message)
	s.prevoteWeight = make(map[uint64]map[string]uint64)
	s.precommitWeight = make(map[uint64]map[string]uint64)
	s.sentPrevote = make(map[uint64]bool)
	s.sentPrecommit = make(map[uint64]bool)
	s.lockedHash = make(map[uint64]string)

	pending := s.future
	s.future = nil
	s.round = 1
	s.phase = PhasePropose
	s.roundStart = time.Now()
	s.resetTimer(s.proposeTimeout)
	if s.vals.Proposer(s.shard, s.height, 1) == s.name {
		s.propose(1)
	}
	for _, msg := range pending {
		s.handleMessage(msg)
	}
}

func (s *Session) advanceRound() {
	s.mets.AdvancedRounds.Inc()
	s.enterRound(s.round + 1)
}

// handleTimeout fires the current phase's deadline: a silent proposer earns a
// nil prevote, a missing polka a nil precommit, and an undecided precommit
// phase a new round.
func (s *Session) handleTimeout() {
	switch s.phase {
	case PhasePropose:
		if !s.sentPrevote[s.round] {
			s.sentPrevote[s.round] = true
			s.send(&Message{
				Kind:   KindPrevote,
				Shard:  s.shard,
				Height: s.height,
				Round:  s.round,
				Sender: s.name,
			})
		}
		s.phase = PhasePrevote
		s.resetTimer(s.prevoteTimeout)
	case PhasePrevote:
		if !s.sentPrecommit[s.round] {
			s.sentPrecommit[s.round] = true
			s.send(&Message{
				Kind:   KindPrecommit,
				Shard:  s.shard,
				Height: s.height,
				Round:  s.round,
				Sender: s.name,
			})
		}
		s.phase = PhasePrecommit
		s.resetTimer(s.precommitTimeout)
	case PhasePrecommit:
		s.logger.Info("round timed out without a decision", "shard", s.shard,
			"height", s.height, "round", s.round)
		s.advanceRound()
	}
}

// send signs a message and publishes it through the causal broadcast. The
// session will act on it only once it comes back through the delivery order.
func (s *Session) send(msg *Message) {
	digest, err := msg.Digest()
	if err != nil {
		s.logger.Error("fail to encode the message", "kind", msg.Kind.String(), "error", err)
		return
	}
	msg.Sig = sign.SignEd25519(s.privateKey, digest)
	payload, err := encode(msg)
	if err != nil {
		s.logger.Error("fail to encode the message", "kind", msg.Kind.String(), "error", err)
		return
	}
	if _, err := s.engine.Broadcast(payload); err != nil {
		s.logger.Error("fail to broadcast the message", "kind", msg.Kind.String(), "error", err)
	}
}

// quorumHash returns the hash holding at least a quorum of weight, if any.
// At most one non-nil hash can ever reach it within a round.
func (s *Session) quorumHash(weights map[string]uint64) (string, bool) {
	quorum := s.vals.Quorum()
	for hash, weight := range weights {
		if weight >= quorum {
			return hash, true
		}
	}
	return "", false
}

func (s *Session) resetTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}

func (s *Session) verifyMsgSig(msg *Message) bool {
	pubKey, ok := s.vals.PubKey(msg.Sender)
	if !ok {
		return false
	}
	digest, err := msg.Digest()
	if err != nil {
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, digest, msg.Sig)
	if err != nil {
		s.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
