// Package storage implements the persistence collaborator of the consensus
// core: an append-only keyed store of causal-broadcast blocks and finalized
// certificates. Nothing here is ever mutated in place or deleted.
package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/session"
)

// ErrCertificateExists is returned when a different certificate is persisted
// for an already-finalized height.
var ErrCertificateExists = errors.New("storage: certificate already persisted for this height")

// Store is what the consensus core expects from persistence: blocks by
// content hash with a (validator, height) index, certificates by shard and
// height, and a way to reload the DAG after a restart.
type Store interface {
	PersistBlock(b *dag.Block) error
	LoadBlocks() ([]*dag.Block, error)
	PersistCertificate(c *session.Certificate) error
	Certificate(shard string, height uint64) (*session.Certificate, bool)
}

// MemStore is the in-process implementation, used by tests and single-node
// runs. The on-disk engine lives outside this repository behind the same
// interface.
type MemStore struct {
	lock     sync.RWMutex
	blocks   map[string]*dag.Block        // by content hash
	byHeight map[string]map[uint64]string // validator -> height -> hash
	certs    map[string]map[uint64]*session.Certificate
}

func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[string]*dag.Block),
		byHeight: make(map[string]map[uint64]string),
		certs:    make(map[string]map[uint64]*session.Certificate),
	}
}

func (m *MemStore) PersistBlock(b *dag.Block) error {
	hash, err := b.HashAsString()
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.blocks[hash]; ok {
		return nil
	}
	m.blocks[hash] = b
	if _, ok := m.byHeight[b.Sender]; !ok {
		m.byHeight[b.Sender] = make(map[uint64]string)
	}
	// First write wins; a second block at the same height is fork evidence
	// and is still retained by hash for audit.
	if _, ok := m.byHeight[b.Sender][b.Height]; !ok {
		m.byHeight[b.Sender][b.Height] = hash
	}
	return nil
}

// LoadBlocks returns the persisted blocks ordered by validator and height,
// which is an order the DAG can be replayed in.
func (m *MemStore) LoadBlocks() ([]*dag.Block, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]*dag.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sender != out[j].Sender {
			return out[i].Sender < out[j].Sender
		}
		return out[i].Height < out[j].Height
	})
	return out, nil
}

func (m *MemStore) PersistCertificate(c *session.Certificate) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.certs[c.Shard]; !ok {
		m.certs[c.Shard] = make(map[uint64]*session.Certificate)
	}
	if existing, ok := m.certs[c.Shard][c.Height]; ok {
		if existing.Hash == c.Hash {
			return nil
		}
		return ErrCertificateExists
	}
	m.certs[c.Shard][c.Height] = c
	return nil
}

func (m *MemStore) Certificate(shard string, height uint64) (*session.Certificate, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	c, ok := m.certs[shard][height]
	return c, ok
}

// BlockCount reports how many blocks have been persisted.
func (m *MemStore) BlockCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.blocks)
}
