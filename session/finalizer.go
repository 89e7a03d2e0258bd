package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	sign "github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3/share"
)

// Certificate is the terminal artifact of a decided height: the winning
// candidate plus the quorum of precommit signatures endorsing it. Once
// emitted it is never rewritten.
type Certificate struct {
	Shard     string
	Height    uint64
	Round     uint64
	Hash      string
	Candidate []byte
	Signers   []string // ascending by name, aligned with Sigs
	Sigs      [][]byte
	QC        []byte // intact threshold signature, when enough partials exist
}

// CertificateStore is the storage collaborator certificates are handed to.
type CertificateStore interface {
	PersistCertificate(c *Certificate) error
}

// Finalizer assembles and emits certificates. It re-verifies every signature
// and the aggregate weight one final time before emitting, as a last check on
// the tallying upstream.
type Finalizer struct {
	vals        *ValidatorSet
	tsPublicKey *share.PubPoly
	store       CertificateStore
	logger      hclog.Logger
}

func NewFinalizer(vals *ValidatorSet, tsPublicKey *share.PubPoly, store CertificateStore,
	logger hclog.Logger) *Finalizer {
	return &Finalizer{
		vals:        vals,
		tsPublicKey: tsPublicKey,
		store:       store,
		logger:      logger,
	}
}

// Finalize builds the certificate for one decided round out of the precommits
// endorsing the winning hash. It fails if the endorsing weight falls short of
// the quorum or any signature does not verify.
func (f *Finalizer) Finalize(shard string, height, round uint64, hash string, candidate []byte,
	precommits map[string]*Message) (*Certificate, error) {
	if hash == "" {
		return nil, errors.New("session: cannot finalize a nil decision")
	}
	computed, err := candidateHash(candidate)
	if err != nil || computed != hash {
		return nil, errors.New("session: candidate does not match the decided hash")
	}

	senders := make([]string, 0, len(precommits))
	for sender, msg := range precommits {
		if msg.Kind == KindPrecommit && msg.Hash == hash {
			senders = append(senders, sender)
		}
	}
	sort.Strings(senders)

	var weight uint64
	var sigs [][]byte
	var partials [][]byte
	for _, sender := range senders {
		msg := precommits[sender]
		pubKey, ok := f.vals.PubKey(sender)
		if !ok {
			return nil, fmt.Errorf("session: precommit from unknown validator %s", sender)
		}
		digest, err := msg.Digest()
		if err != nil {
			return nil, err
		}
		ok, err = sign.VerifySignEd25519(pubKey, digest, msg.Sig)
		if err != nil || !ok {
			return nil, fmt.Errorf("session: precommit signature of %s does not verify", sender)
		}
		weight += f.vals.Weight(sender)
		sigs = append(sigs, msg.Sig)
		if msg.PartialSig != nil {
			partials = append(partials, msg.PartialSig)
		}
	}
	if weight < f.vals.Quorum() {
		return nil, fmt.Errorf("session: endorsing weight %d is below the quorum %d",
			weight, f.vals.Quorum())
	}

	cert := &Certificate{
		Shard:     shard,
		Height:    height,
		Round:     round,
		Hash:      hash,
		Candidate: candidate,
		Signers:   senders,
		Sigs:      sigs,
	}
	// A compact intact signature is a bonus, not a requirement: with unequal
	// weights a weight quorum may hold fewer members than the count
	// threshold.
	threshold := f.vals.Size() - f.vals.Size()/3
	if f.tsPublicKey != nil && len(partials) >= threshold {
		data, err := VoteData(shard, height, round, hash)
		if err == nil {
			cert.QC = sign.AssembleIntactTSPartial(partials, f.tsPublicKey, data,
				threshold, f.vals.Size())
		}
	}

	if f.store != nil {
		if err := f.store.PersistCertificate(cert); err != nil {
			return nil, err
		}
	}
	return cert, nil
}
