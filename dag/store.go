package dag

import (
	"errors"
	"sort"
	"sync"
)

// AcceptResult reports what the store did with an offered block.
type AcceptResult int

const (
	// Accepted means the block is now part of the DAG.
	Accepted AcceptResult = iota
	// Duplicate means an identical block was already accepted before.
	Duplicate
	// ForkDetected means the sender already has a different block at this
	// height. The offending block is kept as evidence, not inserted.
	ForkDetected
)

var (
	// ErrMissingDeps is returned when a block references an ancestor not yet
	// in the DAG. The caller should queue the block and pull the ancestors.
	ErrMissingDeps = errors.New("dag: dependency not yet in the DAG")
	// ErrBadBlock is returned for blocks that violate basic structure and can
	// never be accepted.
	ErrBadBlock = errors.New("dag: block is malformed")
	// ErrStaleHeight is returned for blocks at a height that has already been
	// pruned. Their position was assigned long ago; re-accepting them would
	// only restart dependency pulls that can never complete.
	ErrStaleHeight = errors.New("dag: block height was already pruned")
)

// ForkProof is the evidence retained when one sender produces two different
// blocks at the same height.
type ForkProof struct {
	Sender string
	Height uint64
	First  *Block
	Second *Block
}

type blockEntry struct {
	block       *Block
	hash        string
	rawHash     []byte
	undelivered int // number of dependencies not yet delivered
	delivered   bool
	position    int      // delivery position, valid once delivered
	dependents  []string // hashes of accepted blocks depending on this one
}

// Store owns every causal-broadcast block a node has accepted, plus the
// dependency edges between them. It is append-only: entries are only removed
// by garbage collection once no live round can reference them.
//
// The store does not verify signatures; callers authenticate a block against
// the sender's public key before offering it.
//
// All methods are safe for concurrent use. Appends are serialized, reads may
// run in parallel, which is what the sessions sharing one store rely on.
type Store struct {
	lock           sync.RWMutex
	byHash         map[string]*blockEntry
	byHeight       map[string]map[uint64]string // sender -> height -> hash
	latest         map[string]uint64            // sender -> highest accepted height
	ready          map[string]*blockEntry       // deliverable but not yet delivered
	deliveredCount int
	prunedCount    int
	prunedFloor    map[string]uint64 // sender -> lowest height still acceptable
	forkProofs     []*ForkProof
}

func NewStore() *Store {
	return &Store{
		byHash:      make(map[string]*blockEntry),
		byHeight:    make(map[string]map[uint64]string),
		latest:      make(map[string]uint64),
		ready:       make(map[string]*blockEntry),
		prunedFloor: make(map[string]uint64),
	}
}

// Accept offers a block to the DAG. The result is Accepted, Duplicate or
// ForkDetected; ErrMissingDeps flags a block that must wait for ancestors and
// ErrBadBlock one that can never be accepted.
func (s *Store) Accept(b *Block) (AcceptResult, error) {
	if b.Sender == "" || b.Height == 0 {
		return 0, ErrBadBlock
	}
	hash, err := b.HashAsString()
	if err != nil {
		return 0, ErrBadBlock
	}
	rawHash, _ := b.Hash()

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.byHash[hash]; ok {
		return Duplicate, nil
	}

	// Heights below the pruned floor were delivered and garbage-collected
	// already; a re-received copy must not restart dependency pulls.
	if b.Height < s.prunedFloor[b.Sender] {
		return 0, ErrStaleHeight
	}

	// A different block at an already-occupied height is a fork. The first
	// block stays authoritative, the second one is retained as evidence only.
	if known, ok := s.byHeight[b.Sender][b.Height]; ok && known != hash {
		proof := &ForkProof{
			Sender: b.Sender,
			Height: b.Height,
			First:  s.byHash[known].block,
			Second: b,
		}
		s.forkProofs = append(s.forkProofs, proof)
		return ForkDetected, nil
	}

	// Heights are gapless per sender, so anything beyond latest+1 is missing
	// its own-chain ancestors.
	if b.Height != s.latest[b.Sender]+1 {
		return 0, ErrMissingDeps
	}
	if b.Height > 1 {
		prev := b.PrevHash()
		if prev == nil {
			return 0, ErrBadBlock
		}
		if s.byHeight[b.Sender][b.Height-1] != hashToString(prev) {
			// The sender chained onto a block we do not hold at that height;
			// pulling the ancestors will surface the fork there.
			return 0, ErrMissingDeps
		}
	}

	entry := &blockEntry{block: b, hash: hash, rawHash: rawHash}
	for _, depHash := range b.Deps {
		dep, ok := s.byHash[hashToString(depHash)]
		if !ok {
			return 0, ErrMissingDeps
		}
		if !dep.delivered {
			entry.undelivered++
			dep.dependents = append(dep.dependents, hash)
		}
	}

	s.byHash[hash] = entry
	if _, ok := s.byHeight[b.Sender]; !ok {
		s.byHeight[b.Sender] = make(map[uint64]string)
	}
	s.byHeight[b.Sender][b.Height] = hash
	s.latest[b.Sender] = b.Height
	if entry.undelivered == 0 {
		s.ready[hash] = entry
	}
	return Accepted, nil
}

// MissingDeps lists the dependency hashes of b that are not yet in the DAG,
// keyed by the validator the missing block belongs to.
func (s *Store) MissingDeps(b *Block) map[string][]byte {
	s.lock.RLock()
	defer s.lock.RUnlock()
	missing := make(map[string][]byte)
	for sender, depHash := range b.Deps {
		if _, ok := s.byHash[hashToString(depHash)]; !ok {
			missing[sender] = depHash
		}
	}
	return missing
}

// TakeDeliverable drains every block that has become deliverable, in delivery
// order. A block is deliverable once all of its dependencies have been
// delivered; among concurrently deliverable blocks the one with the smallest
// content hash goes first, so any two nodes draining the same DAG state
// produce the same sequence. Positions assigned here are final.
func (s *Store) TakeDeliverable() []*Block {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []*Block
	for len(s.ready) > 0 {
		var min *blockEntry
		for _, e := range s.ready {
			if min == nil || e.hash < min.hash {
				min = e
			}
		}
		delete(s.ready, min.hash)
		min.delivered = true
		min.position = s.deliveredCount
		s.deliveredCount++
		out = append(out, min.block)

		for _, depHash := range min.dependents {
			child := s.byHash[depHash]
			child.undelivered--
			if child.undelivered == 0 {
				s.ready[depHash] = child
			}
		}
		min.dependents = nil
	}
	return out
}

// Latest returns the highest accepted height for a validator, or 0 if none.
func (s *Store) Latest(validator string) uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.latest[validator]
}

// Heights snapshots the latest accepted height of every known validator.
func (s *Store) Heights() map[string]uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	heights := make(map[string]uint64, len(s.latest))
	for sender, h := range s.latest {
		heights[sender] = h
	}
	return heights
}

// Frontier snapshots the latest accepted block hash per validator. A node uses
// this as the dependency set of its next own block.
func (s *Store) Frontier() map[string][]byte {
	s.lock.RLock()
	defer s.lock.RUnlock()
	frontier := make(map[string][]byte, len(s.latest))
	for sender, height := range s.latest {
		entry := s.byHash[s.byHeight[sender][height]]
		frontier[sender] = entry.rawHash
	}
	return frontier
}

// Get returns the accepted block with the given hex content hash.
func (s *Store) Get(hash string) (*Block, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	return entry.block, true
}

// GetByHeight returns a validator's accepted block at the given height.
func (s *Store) GetByHeight(validator string, height uint64) (*Block, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	hash, ok := s.byHeight[validator][height]
	if !ok {
		return nil, false
	}
	return s.byHash[hash].block, true
}

// Position returns the delivery position of a block, or false if the block is
// not delivered yet.
func (s *Store) Position(hash string) (int, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.byHash[hash]
	if !ok || !entry.delivered {
		return 0, false
	}
	return entry.position, true
}

// DeliveredCount returns how many blocks have been delivered so far, pruned
// ones included.
func (s *Store) DeliveredCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.deliveredCount
}

// ForkProofs returns a snapshot of all fork evidence recorded so far.
func (s *Store) ForkProofs() []*ForkProof {
	s.lock.RLock()
	defer s.lock.RUnlock()
	proofs := make([]*ForkProof, len(s.forkProofs))
	copy(proofs, s.forkProofs)
	return proofs
}

// PruneBelow removes delivered blocks with a height lower than the given one.
// A block is kept as long as any block depending on it is still undelivered,
// so garbage collection can never knock a dependency out from under a pending
// block. It returns how many blocks were pruned.
func (s *Store) PruneBelow(height uint64) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Collect every hash an undelivered block still depends on; those must
	// survive regardless of age.
	pinned := make(map[string]bool)
	for _, entry := range s.byHash {
		if entry.delivered {
			continue
		}
		for _, depHash := range entry.block.Deps {
			pinned[hashToString(depHash)] = true
		}
	}

	var victims []*blockEntry
	for _, entry := range s.byHash {
		if entry.delivered && entry.block.Height < height && !pinned[entry.hash] {
			victims = append(victims, entry)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].hash < victims[j].hash })
	for _, entry := range victims {
		delete(s.byHash, entry.hash)
		delete(s.byHeight[entry.block.Sender], entry.block.Height)
		s.prunedCount++
		if floor := entry.block.Height + 1; floor > s.prunedFloor[entry.block.Sender] {
			s.prunedFloor[entry.block.Sender] = floor
		}
	}
	return len(victims)
}
