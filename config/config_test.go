package config

import (
	"encoding/hex"
	"os"
	"testing"
	"time"

	sign "github.com/seafooler/sign_tools"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// writeTestConfig generates fresh key material and writes a four-node
// configuration file the way config_gen does, so LoadConfig can be
// exercised against real encoded keys.
func writeTestConfig(t *testing.T) {
	t.Helper()

	names := []string{"node0", "node1", "node2", "node3"}
	ips := make(map[string]string, len(names))
	ports := make(map[string]int, len(names))
	weights := make(map[string]int, len(names))
	pubKeys := make(map[string]string, len(names))
	privKeys := make(map[string]string, len(names))
	for i, name := range names {
		ips[name] = "127.0.0.1"
		ports[name] = 8000 + i
		weights[name] = i + 1
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeys[name] = hex.EncodeToString(pubKeyED)
		privKeys[name] = hex.EncodeToString(privKeyED)
	}

	shares, pubPoly := sign.GenTSKeys(3, 4)
	shareAsBytes, err := sign.EncodeTSPartialKey(shares[0])
	require.NoError(t, err)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)

	viperWrite := viper.New()
	viperWrite.SetConfigFile("config_test.yaml")
	viperWrite.Set("name", "node0")
	viperWrite.Set("cluster_ips", ips)
	viperWrite.Set("peers_p2p_port", ports)
	viperWrite.Set("cluster_weights", weights)
	viperWrite.Set("cluster_pubkeyed", pubKeys)
	viperWrite.Set("privkeyed", privKeys["node0"])
	viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
	viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
	viperWrite.Set("max_pool", 4)
	viperWrite.Set("batch_size", 8)
	viperWrite.Set("metrics_port", 9100)
	viperWrite.Set("propose_timeout_ms", 300)
	viperWrite.Set("prevote_timeout_ms", 400)
	viperWrite.Set("precommit_timeout_ms", 500)
	viperWrite.Set("pull_max_retry", 3)
	viperWrite.Set("shards", []string{"shard0", "shard1"})
	viperWrite.Set("log_level", 3)
	viperWrite.Set("is_faulty", false)
	require.NoError(t, viperWrite.WriteConfig())
	t.Cleanup(func() {
		_ = os.Remove("config_test.yaml")
	})
}

func TestConfigRead(t *testing.T) {
	writeTestConfig(t)

	conf, err := LoadConfig("", "config_test")
	require.NoError(t, err)

	require.Equal(t, "node0", conf.Name)
	require.Equal(t, 4, conf.MaxPool)
	require.Equal(t, 8, conf.BatchSize)
	require.Equal(t, 9100, conf.MetricsPort)
	require.Equal(t, 3, conf.PullMaxRetry)
	require.Equal(t, 3, conf.LogLevel)
	require.False(t, conf.IsFaulty)

	require.Equal(t, 300*time.Millisecond, conf.ProposeTimeout)
	require.Equal(t, 400*time.Millisecond, conf.PrevoteTimeout)
	require.Equal(t, 500*time.Millisecond, conf.PrecommitTimeout)
	require.Equal(t, []string{"shard0", "shard1"}, conf.Shards)

	require.Len(t, conf.ClusterAddr, 4)
	require.Len(t, conf.ClusterPort, 4)
	require.Len(t, conf.PublicKeyMap, 4)
	require.Equal(t, "127.0.0.1", conf.ClusterAddr["node2"])
	require.Equal(t, 8002, conf.ClusterPort["node2"])
	require.Equal(t, uint8(1), conf.ClusterAddrWithPorts["127.0.0.1:8001"])

	for i, name := range []string{"node0", "node1", "node2", "node3"} {
		require.Equal(t, uint64(i+1), conf.Weights[name])
	}

	require.NotNil(t, conf.TsPublicKey)
	require.NotNil(t, conf.TsPrivateKey)
	require.Len(t, conf.PrivateKey, 64)
}
