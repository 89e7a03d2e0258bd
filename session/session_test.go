package session

import (
	"crypto/ed25519"
	"sort"
	"testing"
	"time"

	"github.com/CGCL-codes/CatchainBFT/config"
	"github.com/CGCL-codes/CatchainBFT/dag"
	sign "github.com/seafooler/sign_tools"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"
)

type memCertStore struct {
	certs []*Certificate
}

func (m *memCertStore) PersistCertificate(c *Certificate) error {
	m.certs = append(m.certs, c)
	return nil
}

// testNet queues every broadcast message. The test pumps the queue into all
// sessions in one global sequence, standing in for the causal delivery order.
type testNet struct {
	queue []*Message
}

func (n *testNet) Broadcast(payload []byte) (*dag.Block, error) {
	var msg Message
	if err := decode(payload, &msg); err != nil {
		return nil, err
	}
	n.queue = append(n.queue, &msg)
	return &dag.Block{Sender: msg.Sender, Height: 1, Payload: payload}, nil
}

type testCluster struct {
	names      []string
	confs      map[string]*config.Config
	privKeys   map[string]ed25519.PrivateKey
	shares     []*share.PriShare
	vals       *ValidatorSet
	sessions   map[string]*Session
	certStores map[string]*memCertStore
	net        *testNet
}

func newTestCluster(t *testing.T, weights map[string]uint64, app Application) *testCluster {
	t.Helper()
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	pubKeyMap := make(map[string]ed25519.PublicKey, len(names))
	privKeys := make(map[string]ed25519.PrivateKey, len(names))
	for _, name := range names {
		priv, pub := sign.GenED25519Keys()
		privKeys[name] = priv
		pubKeyMap[name] = pub
	}
	n := len(names)
	shares, pubPoly := sign.GenTSKeys(n-n/3, n)

	c := &testCluster{
		names:      names,
		confs:      make(map[string]*config.Config, n),
		privKeys:   privKeys,
		shares:     shares,
		sessions:   make(map[string]*Session, n),
		certStores: make(map[string]*memCertStore, n),
		net:        &testNet{},
	}
	for i, name := range names {
		conf := config.New(name, 2, nil, nil, nil, pubKeyMap, privKeys[name],
			pubPoly, shares[i], weights, []string{"shard0"}, 5, false)
		certStore := &memCertStore{}
		sess := NewSession("shard0", conf, SetFromConfig(conf), c.net, app, certStore, nil)
		// The tests drive the state machine directly instead of through Run,
		// so deadlines never fire on their own.
		sess.timer = time.NewTimer(time.Hour)
		c.confs[name] = conf
		c.sessions[name] = sess
		c.certStores[name] = certStore
	}
	c.vals = c.sessions[names[0]].vals
	return c
}

// start enters round 1 on the given sessions, or on all of them.
func (c *testCluster) start(names ...string) {
	if len(names) == 0 {
		names = c.names
	}
	for _, name := range names {
		c.sessions[name].enterRound(1)
	}
}

// pump delivers queued messages to every session until the queue is empty,
// the step limit is hit, or done reports true.
func (c *testCluster) pump(limit int, done func() bool) {
	for i := 0; i < limit && len(c.net.queue) > 0; i++ {
		if done != nil && done() {
			return
		}
		msg := c.net.queue[0]
		c.net.queue = c.net.queue[1:]
		for _, name := range c.names {
			c.sessions[name].handleMessage(msg)
		}
	}
}

func (c *testCluster) signedVote(t *testing.T, sender string, kind MessageKind,
	height, round uint64, hash string) *Message {
	t.Helper()
	msg := &Message{Kind: kind, Shard: "shard0", Height: height, Round: round,
		Sender: sender, Hash: hash}
	digest, err := msg.Digest()
	require.NoError(t, err)
	msg.Sig = sign.SignEd25519(c.privKeys[sender], digest)
	return msg
}

func (c *testCluster) signedProposal(t *testing.T, sender string, height, round uint64,
	candidate []byte) *Message {
	t.Helper()
	hash, err := candidateHash(candidate)
	require.NoError(t, err)
	msg := &Message{Kind: KindProposal, Shard: "shard0", Height: height, Round: round,
		Sender: sender, Hash: hash, Candidate: candidate}
	digest, err := msg.Digest()
	require.NoError(t, err)
	msg.Sig = sign.SignEd25519(c.privKeys[sender], digest)
	return msg
}

// singleHeightApp has a candidate for height 1 only.
type singleHeightApp struct{}

func (singleHeightApp) ProduceCandidate(shard string, height uint64) []byte {
	if height == 1 {
		return []byte("height-1-contents")
	}
	return nil
}

func (singleHeightApp) ValidateCandidate(shard string, height uint64, candidate []byte) bool {
	return len(candidate) > 0
}

func (singleHeightApp) Apply(cert *Certificate) ([]byte, error) {
	root, err := genMsgHashSum(cert.Candidate)
	return root, err
}

// silentApp never has anything to propose.
type silentApp struct{}

func (silentApp) ProduceCandidate(shard string, height uint64) []byte { return nil }

func (silentApp) ValidateCandidate(shard string, height uint64, candidate []byte) bool {
	return len(candidate) > 0
}

func (silentApp) Apply(cert *Certificate) ([]byte, error) { return nil, nil }

func TestFourValidatorsFinalizeHeight(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, singleHeightApp{})
	c.start()
	c.pump(100, func() bool {
		for _, name := range c.names {
			if len(c.sessions[name].Certificates()) == 0 {
				return false
			}
		}
		return true
	})

	wantHash, err := candidateHash([]byte("height-1-contents"))
	require.NoError(t, err)
	for _, name := range c.names {
		certs := c.sessions[name].Certificates()
		require.Len(t, certs, 1, name)
		cert := certs[1]
		require.Equal(t, "shard0", cert.Shard)
		require.Equal(t, uint64(1), cert.Height)
		require.Equal(t, uint64(1), cert.Round)
		require.Equal(t, wantHash, cert.Hash)
		require.Equal(t, []byte("height-1-contents"), cert.Candidate)
		require.GreaterOrEqual(t, len(cert.Signers), 3)
		require.True(t, sort.StringsAreSorted(cert.Signers))
		require.NotEmpty(t, cert.QC)
		require.Empty(t, c.sessions[name].Evidence(), name)
		require.Equal(t, uint64(2), c.sessions[name].height, name)
		require.Len(t, c.certStores[name].certs, 1, name)
	}
}

func TestSilentProposerYieldsNilRound(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, silentApp{})
	proposer := c.vals.Proposer("shard0", 1, 1)
	var live []string
	for _, name := range c.names {
		if name != proposer {
			live = append(live, name)
		}
	}
	c.start(live...)

	// No proposal ever arrives; every live validator runs out the propose
	// deadline and prevotes nil.
	for _, name := range live {
		c.sessions[name].handleTimeout()
	}
	c.pump(50, nil)

	for _, name := range live {
		sess := c.sessions[name]
		require.GreaterOrEqual(t, sess.round, uint64(2), name)
		require.Equal(t, uint64(1), sess.height, name)
		require.Empty(t, sess.Certificates(), name)
		require.Empty(t, sess.Evidence(), name)
	}
	require.Empty(t, c.sessions[proposer].Certificates())
}

func TestConflictingVotesBecomeEvidence(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, silentApp{})
	target := c.sessions["node0"]
	target.enterRound(1)

	v1 := c.signedVote(t, "node1", KindPrevote, 1, 1, "aaaa")
	v2 := c.signedVote(t, "node1", KindPrevote, 1, 1, "bbbb")
	target.handleMessage(v1)
	target.handleMessage(v2)

	evidence := target.Evidence()
	require.Len(t, evidence, 1)
	require.Equal(t, "node1", evidence[0].Sender)
	require.Equal(t, KindPrevote, evidence[0].Kind)
	require.Equal(t, uint64(1), evidence[0].Round)
	require.Equal(t, "aaaa", evidence[0].First.Hash)
	require.Equal(t, "bbbb", evidence[0].Second.Hash)

	// Only the first vote is tallied, and re-delivering it is not evidence.
	require.Equal(t, uint64(1), target.prevoteWeight[1]["aaaa"])
	require.Zero(t, target.prevoteWeight[1]["bbbb"])
	target.handleMessage(v1)
	require.Len(t, target.Evidence(), 1)
	require.Equal(t, uint64(1), target.prevoteWeight[1]["aaaa"])
}

func TestBadSignatureIsIgnored(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, silentApp{})
	target := c.sessions["node0"]
	target.enterRound(1)

	// Signed with node2's key but claiming to be node1.
	msg := &Message{Kind: KindPrevote, Shard: "shard0", Height: 1, Round: 1,
		Sender: "node1", Hash: "aaaa"}
	digest, err := msg.Digest()
	require.NoError(t, err)
	msg.Sig = sign.SignEd25519(c.privKeys["node2"], digest)

	target.handleMessage(msg)
	require.Empty(t, target.prevotes[1])

	// A non-member is dropped before any signature check.
	outsider := &Message{Kind: KindPrevote, Shard: "shard0", Height: 1, Round: 1,
		Sender: "node9", Hash: "aaaa"}
	target.handleMessage(outsider)
	require.Empty(t, target.prevotes[1])
}

func TestFutureHeightMessagesAreBuffered(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, silentApp{})
	target := c.sessions["node0"]
	target.enterRound(1)

	ahead := c.signedVote(t, "node1", KindPrevote, 3, 1, "aaaa")
	target.handleMessage(ahead)
	require.Len(t, target.future, 1)
	require.Empty(t, target.prevotes[1])

	// Heights already decided are dropped outright.
	stale := c.signedVote(t, "node1", KindPrevote, 1, 1, "aaaa")
	target.height = 2
	target.handleMessage(stale)
	require.Empty(t, target.prevotes[1])
}

func TestPrecommitIsIrrevocable(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, singleHeightApp{})
	p1 := c.vals.Proposer("shard0", 1, 1)
	p2 := c.vals.Proposer("shard0", 1, 2)
	var target string
	for _, name := range c.names {
		if name != p1 && name != p2 {
			target = name
			break
		}
	}
	sess := c.sessions[target]
	c.start(target)

	first := []byte("first-value")
	firstHash, err := candidateHash(first)
	require.NoError(t, err)
	sess.handleMessage(c.signedProposal(t, p1, 1, 1, first))
	for _, name := range c.names {
		if name != target {
			sess.handleMessage(c.signedVote(t, name, KindPrevote, 1, 1, firstHash))
		}
	}

	precommits := func(round uint64) []*Message {
		var out []*Message
		for _, msg := range c.net.queue {
			if msg.Kind == KindPrecommit && msg.Sender == target && msg.Round == round {
				out = append(out, msg)
			}
		}
		return out
	}
	require.Len(t, precommits(1), 1)
	require.Equal(t, firstHash, precommits(1)[0].Hash)
	require.Equal(t, firstHash, sess.lockedHash[1])

	// A replayed prevote deadline must not turn the precommit into nil.
	sess.phase = PhasePrevote
	sess.handleTimeout()
	require.Len(t, precommits(1), 1)
	require.Equal(t, firstHash, precommits(1)[0].Hash)

	// In the next round a different proposal cannot attract this node's
	// prevote either: the pinned hash wins and the prevote goes nil.
	sess.handleTimeout()
	require.Equal(t, uint64(2), sess.round)
	sess.handleMessage(c.signedProposal(t, p2, 1, 2, []byte("second-value")))
	var prevote2 *Message
	for _, msg := range c.net.queue {
		if msg.Kind == KindPrevote && msg.Sender == target && msg.Round == 2 {
			prevote2 = msg
		}
	}
	require.NotNil(t, prevote2)
	require.Equal(t, "", prevote2.Hash)
}

func TestDoubleProposalStillFinalizesFirstSeen(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, singleHeightApp{})
	proposer := c.vals.Proposer("shard0", 1, 1)
	var live []string
	for _, name := range c.names {
		if name != proposer {
			live = append(live, name)
		}
	}
	c.start(live...)

	first := c.signedProposal(t, proposer, 1, 1, []byte("first-copy"))
	second := c.signedProposal(t, proposer, 1, 1, []byte("second-copy"))
	for _, name := range live {
		c.sessions[name].handleMessage(first)
		c.sessions[name].handleMessage(second)
	}
	c.pump(100, func() bool {
		for _, name := range live {
			if len(c.sessions[name].Certificates()) == 0 {
				return false
			}
		}
		return true
	})

	for _, name := range live {
		certs := c.sessions[name].Certificates()
		require.Len(t, certs, 1, name)
		cert := certs[1]
		require.Equal(t, uint64(1), cert.Round, name)
		require.Equal(t, first.Hash, cert.Hash, name)
		require.Equal(t, []byte("first-copy"), cert.Candidate, name)

		evidence := c.sessions[name].Evidence()
		require.Len(t, evidence, 1, name)
		proof := evidence[0]
		require.Equal(t, KindProposal, proof.Kind)
		require.Equal(t, proposer, proof.Sender)
		require.Equal(t, first.Hash, proof.First.Hash)
		require.Equal(t, second.Hash, proof.Second.Hash)
	}
}
