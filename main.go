package main

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/CGCL-codes/CatchainBFT/catchain"
	"github.com/CGCL-codes/CatchainBFT/config"
	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/metrics"
	"github.com/CGCL-codes/CatchainBFT/session"
	"github.com/CGCL-codes/CatchainBFT/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

// batchApp is the stand-in execution collaborator of the standalone binary:
// it proposes batches of random transactions and accepts every well-formed
// candidate. A real deployment plugs its executor in here.
type batchApp struct {
	batchSize int
}

func (a *batchApp) ProduceCandidate(shard string, height uint64) []byte {
	batch := make([]byte, 250*a.batchSize)
	rand.Read(batch)
	return batch
}

func (a *batchApp) ValidateCandidate(shard string, height uint64, candidate []byte) bool {
	return len(candidate) > 0
}

func (a *batchApp) Apply(cert *session.Certificate) ([]byte, error) {
	root := sha256.Sum256(cert.Candidate)
	return root[:], nil
}

func main() {
	store := dag.NewStore()
	archive := storage.NewMemStore()
	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	engine := catchain.NewEngine(conf, store, archive, mets)
	if err = engine.Restore(); err != nil {
		panic(err)
	}
	if err = engine.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 15)
	if err = engine.EstablishP2PConns(); err != nil {
		panic(err)
	}

	if conf.MetricsPort != 0 {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			_ = http.ListenAndServe(":"+strconv.Itoa(conf.MetricsPort), nil)
		}()
	}

	batchSize := conf.BatchSize
	if batchSize == 0 {
		batchSize = 16
	}
	manager := session.NewManager(conf, engine, &batchApp{batchSize: batchSize}, archive, mets)

	fmt.Println("node starts the catchain!")
	go engine.HandleMsgLoop()
	if conf.IsFaulty {
		// A faulty node keeps gossiping blocks but never takes part in the
		// agreement, which is the crash-style fault the cluster tolerates.
		manager.Run()
		return
	}
	for _, shard := range conf.Shards {
		manager.StartSession(shard)
	}
	manager.Run()
}
