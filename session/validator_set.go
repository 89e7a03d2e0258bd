package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/CGCL-codes/CatchainBFT/config"
)

// Validator is one member of a session's validator set.
type Validator struct {
	Name   string
	PubKey ed25519.PublicKey
	Weight uint64
}

// ValidatorSet is the fixed, ordered membership of one session. Members are
// kept sorted by name so that every node derives the identical set from the
// same configuration, which the proposer rotation depends on.
type ValidatorSet struct {
	vals  []Validator
	index map[string]int
	total uint64
}

func NewValidatorSet(vals []Validator) *ValidatorSet {
	sorted := make([]Validator, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	vs := &ValidatorSet{
		vals:  sorted,
		index: make(map[string]int, len(sorted)),
	}
	for i, v := range sorted {
		vs.index[v.Name] = i
		vs.total += v.Weight
	}
	return vs
}

// SetFromConfig builds the validator set out of the cluster keys and weights
// in the configuration.
func SetFromConfig(conf *config.Config) *ValidatorSet {
	vals := make([]Validator, 0, len(conf.PublicKeyMap))
	for name, pubKey := range conf.PublicKeyMap {
		weight := conf.Weights[name]
		if weight == 0 {
			weight = 1
		}
		vals = append(vals, Validator{Name: name, PubKey: pubKey, Weight: weight})
	}
	return NewValidatorSet(vals)
}

func (vs *ValidatorSet) Size() int {
	return len(vs.vals)
}

// Total returns the summed weight of all members.
func (vs *ValidatorSet) Total() uint64 {
	return vs.total
}

// Quorum returns the smallest weight that is at least two thirds of the
// total.
func (vs *ValidatorSet) Quorum() uint64 {
	return (2*vs.total + 2) / 3
}

func (vs *ValidatorSet) Member(name string) bool {
	_, ok := vs.index[name]
	return ok
}

func (vs *ValidatorSet) Weight(name string) uint64 {
	i, ok := vs.index[name]
	if !ok {
		return 0
	}
	return vs.vals[i].Weight
}

func (vs *ValidatorSet) PubKey(name string) (ed25519.PublicKey, bool) {
	i, ok := vs.index[name]
	if !ok {
		return nil, false
	}
	return vs.vals[i].PubKey, true
}

func (vs *ValidatorSet) Names() []string {
	names := make([]string, len(vs.vals))
	for i, v := range vs.vals {
		names[i] = v.Name
	}
	return names
}

// Proposer selects the primary proposer for one round. The selection is a
// pseudo-random weighted draw seeded by the shard, the height, the round
// number and the set composition, so every member computes the same name,
// and across rounds a member leads proportionally to its weight.
func (vs *ValidatorSet) Proposer(shard string, height, round uint64) string {
	h := sha256.New()
	h.Write([]byte(shard))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])
	for _, v := range vs.vals {
		h.Write([]byte(v.Name))
		binary.BigEndian.PutUint64(buf[:], v.Weight)
		h.Write(buf[:])
	}
	seed := binary.BigEndian.Uint64(h.Sum(nil)[:8]) % vs.total

	var acc uint64
	for _, v := range vs.vals {
		acc += v.Weight
		if seed < acc {
			return v.Name
		}
	}
	return vs.vals[len(vs.vals)-1].Name
}
