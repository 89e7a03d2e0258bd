/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	sign "github.com/seafooler/sign_tools"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
)

// Config describes everything one validator needs to take part in consensus:
// the cluster layout, its own key material, the stake weight of every member
// and the phase deadlines of the agreement protocol.
type Config struct {
	Name                 string
	MaxPool              int
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to p2pPort
	ClusterAddrWithPorts map[string]uint8  // map from addr:port to index
	MetricsPort          int
	PublicKeyMap         map[string]ed25519.PublicKey
	PrivateKey           ed25519.PrivateKey
	TsPublicKey          *share.PubPoly
	TsPrivateKey         *share.PriShare
	Weights              map[string]uint64 // map from name to stake weight
	Shards               []string
	ProposeTimeout       time.Duration
	PrevoteTimeout       time.Duration
	PrecommitTimeout     time.Duration
	PullMaxRetry         int
	BatchSize            int
	LogLevel             int
	IsFaulty             bool
}

// New creates a new variable of type Config for test.
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	clusterAddrWithPorts map[string]uint8, publicKeyMap map[string]ed25519.PublicKey,
	privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare,
	weights map[string]uint64, shards []string, logLevel int, isFaulty bool) *Config {
	return &Config{
		Name:                 name,
		MaxPool:              maxPool,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		ClusterAddrWithPorts: clusterAddrWithPorts,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		TsPublicKey:          tsPublicKey,
		TsPrivateKey:         tsPrivateKey,
		Weights:              weights,
		Shards:               shards,
		ProposeTimeout:       500 * time.Millisecond,
		PrevoteTimeout:       500 * time.Millisecond,
		PrecommitTimeout:     500 * time.Millisecond,
		PullMaxRetry:         5,
		BatchSize:            16,
		LogLevel:             logLevel,
		IsFaulty:             isFaulty,
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:             viperConfig.GetString("name"),
		MaxPool:          viperConfig.GetInt("max_pool"),
		MetricsPort:      viperConfig.GetInt("metrics_port"),
		PrivateKey:       privKeyED,
		TsPublicKey:      tsPubKey,
		TsPrivateKey:     tsShareKey,
		Shards:           viperConfig.GetStringSlice("shards"),
		ProposeTimeout:   time.Duration(viperConfig.GetInt("propose_timeout_ms")) * time.Millisecond,
		PrevoteTimeout:   time.Duration(viperConfig.GetInt("prevote_timeout_ms")) * time.Millisecond,
		PrecommitTimeout: time.Duration(viperConfig.GetInt("precommit_timeout_ms")) * time.Millisecond,
		PullMaxRetry:     viperConfig.GetInt("pull_max_retry"),
		BatchSize:        viperConfig.GetInt("batch_size"),
		LogLevel:         viperConfig.GetInt("log_level"),
		IsFaulty:         viperConfig.GetBool("is_faulty"),
	}
	if len(conf.Shards) == 0 {
		conf.Shards = []string{"shard0"}
	}
	if conf.PullMaxRetry == 0 {
		conf.PullMaxRetry = 5
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	weightsMapString := viperConfig.GetStringMap("cluster_weights")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	clusterAddrWithPorts := make(map[string]uint8, len(pubKeyMapString))
	weights := make(map[string]uint64, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		clusterPort[name] = toInt(peersP2PPortMapString[name])
		clusterAddr[name] = peersIPsMapString[name].(string)
		if pkAsString, ok := pkAsInterface.(string); ok {
			pubKey, err := hex.DecodeString(pkAsString)
			if err != nil {
				return nil, err
			}
			pubKeyMap[name] = pubKey
		} else {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		weights[name] = 1
		if w, ok := weightsMapString[name]; ok {
			weights[name] = uint64(toInt(w))
		}
		addrWithPort := peersIPsMapString[name].(string) + ":" + strconv.Itoa(clusterPort[name])
		idStr := name[4:]
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, err
		}
		clusterAddrWithPorts[addrWithPort] = uint8(id)
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterAddrWithPorts = clusterAddrWithPorts
	conf.Weights = weights
	return conf, nil
}

// toInt narrows the interface values viper hands back for numeric map
// entries, which may arrive as int or float64 depending on the file format.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
