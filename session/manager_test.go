package session

import (
	"testing"
	"time"

	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/stretchr/testify/require"
)

// stubEngine satisfies Engine without any networking: broadcasts vanish and
// the test feeds the delivery channel by hand.
type stubEngine struct {
	deliverCh chan *dag.Block
}

func (e *stubEngine) Broadcast(payload []byte) (*dag.Block, error) {
	return &dag.Block{Payload: payload}, nil
}

func (e *stubEngine) DeliveryChan() chan *dag.Block {
	return e.deliverCh
}

func (c *testCluster) deliveredBlock(t *testing.T, msg *Message) *dag.Block {
	t.Helper()
	payload, err := encode(msg)
	require.NoError(t, err)
	return &dag.Block{Sender: msg.Sender, Height: 1, Payload: payload}
}

func TestManagerRoutesDeliveredMessages(t *testing.T) {
	weights := map[string]uint64{"node0": 1, "node1": 1, "node2": 1, "node3": 1}
	c := newTestCluster(t, weights, silentApp{})
	engine := &stubEngine{deliverCh: make(chan *dag.Block, 16)}
	m := NewManager(c.confs["node0"], engine, silentApp{}, &memCertStore{}, nil)

	sess := m.StartSession("shard0")
	require.Same(t, sess, m.StartSession("shard0"))
	go m.Run()
	defer m.Stop()

	// A conflicting vote pair routed through the manager must surface as
	// evidence in the shard's session.
	v1 := c.signedVote(t, "node1", KindPrevote, 1, 1, "aaaa")
	v2 := c.signedVote(t, "node1", KindPrevote, 1, 1, "bbbb")
	engine.deliverCh <- c.deliveredBlock(t, v1)
	engine.deliverCh <- c.deliveredBlock(t, v2)
	require.Eventually(t, func() bool {
		return len(sess.Evidence()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// A message whose sender does not match the block's sender is dropped.
	v3 := c.signedVote(t, "node1", KindPrevote, 1, 1, "cccc")
	block := c.deliveredBlock(t, v3)
	block.Sender = "node2"
	engine.deliverCh <- block

	// So is a block whose payload is no session message at all.
	engine.deliverCh <- &dag.Block{Sender: "node1", Height: 2, Payload: []byte("not json")}
	time.Sleep(200 * time.Millisecond)
	require.Len(t, sess.Evidence(), 1)

	_, ok := m.Session("shard0")
	require.True(t, ok)
	m.StopSession("shard0")
	_, ok = m.Session("shard0")
	require.False(t, ok)
}
