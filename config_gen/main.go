/*
Package main in the directory config_gen implements a tool to read a cluster
template and generate a customized configuration file for each validator.
The generated files particularly contain the public/private keys for TS and
ED25519 and the stake weight of every cluster member.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	sign "github.com/seafooler/sign_tools"
	"github.com/spf13/viper"
)

func judgeWhetherInSlice(i int, b []int) bool {
	for _, v := range b {
		if i == v {
			return true
		}
	}
	return false
}

func generateRandomNumber(nodeNum int, faultyNum int) []int {
	var nums []int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(nums) < faultyNum {
		num := r.Intn(nodeNum)
		// discard duplicates
		if !judgeWhetherInSlice(num, nums) {
			nums = append(nums, num)
		}
	}
	return nums
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	clusterName := make([]string, 0, nodeNumber)
	for name, addr := range clusterMapInterface {
		if addrAsString, ok := addr.(string); ok {
			clusterMapString[name] = addrAsString
			clusterName = append(clusterName, name)
		} else {
			panic("cluster_ips in the config file cannot be decoded correctly")
		}
	}
	sort.Strings(clusterName)

	// deal with peers_p2p_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("peers_p2p_port does not match with cluster_ips")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("peers_p2p_port does not match with cluster_ips")
		}
		if portAsInt, ok := portAsInterface.(int); ok {
			p2pPortMap[name] = portAsInt
		} else {
			panic("peers_p2p_port contains a non-int value")
		}
	}

	// stake weights; a member absent from the template gets weight 1
	weightsMapInterface := viperRead.GetStringMap("cluster_weights")
	weightsMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		weightsMap[name] = 1
		if w, ok := weightsMapInterface[name]; ok {
			if wAsInt, ok := w.(int); ok {
				weightsMap[name] = wAsInt
			} else {
				panic("cluster_weights contains a non-int value")
			}
		}
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys
	numT := nodeNumber - nodeNumber/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail to encode the TS public key")
	}

	// load simple parameters
	maxPool := viperRead.GetInt("max_pool")
	batchSize := viperRead.GetInt("batch_size")
	logLevel := viperRead.GetInt("log_level")
	metricsPortBase := viperRead.GetInt("metrics_port_base")
	proposeTimeout := viperRead.GetInt("propose_timeout_ms")
	prevoteTimeout := viperRead.GetInt("prevote_timeout_ms")
	precommitTimeout := viperRead.GetInt("precommit_timeout_ms")
	pullMaxRetry := viperRead.GetInt("pull_max_retry")
	shards := viperRead.GetStringSlice("shards")
	faultyNum := viperRead.GetInt("faulty_number")
	faultyNode := generateRandomNumber(nodeNumber, faultyNum)
	fmt.Println("FaultyNodes:", faultyNode)

	// write the configuration files
	for i, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			panic("fail to encode the TS share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_weights", weightsMap)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("batch_size", batchSize)
		viperWrite.Set("metrics_port", metricsPortBase+i)
		viperWrite.Set("propose_timeout_ms", proposeTimeout)
		viperWrite.Set("prevote_timeout_ms", prevoteTimeout)
		viperWrite.Set("precommit_timeout_ms", precommitTimeout)
		viperWrite.Set("pull_max_retry", pullMaxRetry)
		viperWrite.Set("shards", shards)
		viperWrite.Set("log_level", logLevel)

		if judgeWhetherInSlice(i, faultyNode) {
			viperWrite.Set("is_faulty", true)
		} else {
			viperWrite.Set("is_faulty", false)
		}
		if err = viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
