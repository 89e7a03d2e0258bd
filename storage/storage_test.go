package storage

import (
	"testing"

	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/session"
	"github.com/stretchr/testify/require"
)

func TestPersistBlockIsIdempotent(t *testing.T) {
	m := NewMemStore()
	b := &dag.Block{Sender: "node0", Height: 1, Payload: []byte("a")}

	require.NoError(t, m.PersistBlock(b))
	require.NoError(t, m.PersistBlock(b))
	require.Equal(t, 1, m.BlockCount())
}

func TestLoadBlocksOrdersByValidatorAndHeight(t *testing.T) {
	m := NewMemStore()
	blocks := []*dag.Block{
		{Sender: "node1", Height: 2, Payload: []byte("d")},
		{Sender: "node0", Height: 1, Payload: []byte("a")},
		{Sender: "node1", Height: 1, Payload: []byte("c")},
		{Sender: "node0", Height: 2, Payload: []byte("b")},
	}
	for _, b := range blocks {
		require.NoError(t, m.PersistBlock(b))
	}

	loaded, err := m.LoadBlocks()
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	require.Equal(t, []byte("a"), loaded[0].Payload)
	require.Equal(t, []byte("b"), loaded[1].Payload)
	require.Equal(t, []byte("c"), loaded[2].Payload)
	require.Equal(t, []byte("d"), loaded[3].Payload)
}

// A second block at an occupied height stays retrievable by hash but never
// displaces the first one in the height index.
func TestForkedBlockIsRetainedNotIndexed(t *testing.T) {
	m := NewMemStore()
	first := &dag.Block{Sender: "node0", Height: 1, Payload: []byte("one")}
	second := &dag.Block{Sender: "node0", Height: 1, Payload: []byte("two")}
	require.NoError(t, m.PersistBlock(first))
	require.NoError(t, m.PersistBlock(second))
	require.Equal(t, 2, m.BlockCount())

	firstHash, err := first.HashAsString()
	require.NoError(t, err)
	require.Equal(t, firstHash, m.byHeight["node0"][1])
}

func TestPersistCertificate(t *testing.T) {
	m := NewMemStore()
	cert := &session.Certificate{Shard: "shard0", Height: 1, Hash: "aaaa"}

	require.NoError(t, m.PersistCertificate(cert))
	// idempotent for the very same decision
	require.NoError(t, m.PersistCertificate(cert))

	conflicting := &session.Certificate{Shard: "shard0", Height: 1, Hash: "bbbb"}
	require.ErrorIs(t, m.PersistCertificate(conflicting), ErrCertificateExists)

	got, ok := m.Certificate("shard0", 1)
	require.True(t, ok)
	require.Equal(t, "aaaa", got.Hash)

	_, ok = m.Certificate("shard0", 2)
	require.False(t, ok)
	_, ok = m.Certificate("shard1", 1)
	require.False(t, ok)

	// certificates are per shard
	other := &session.Certificate{Shard: "shard1", Height: 1, Hash: "cccc"}
	require.NoError(t, m.PersistCertificate(other))
}
