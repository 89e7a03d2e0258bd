/*
Package catchain implements the causal broadcast engine. Every validator
appends blocks to its own log; each block carries an opaque payload and
references the latest known block of every other validator. The engine keeps
gossiping, pulls missing ancestors from lagging peers' point of view, and
hands the blocks to the layer above in one deterministic causal order.
*/
package catchain

import (
	"crypto/ed25519"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/CGCL-codes/CatchainBFT/config"
	"github.com/CGCL-codes/CatchainBFT/conn"
	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/metrics"
	"github.com/hashicorp/go-hclog"
	sign "github.com/seafooler/sign_tools"
)

const (
	pullBaseDelay = 200 * time.Millisecond
	pullMaxDelay  = 5 * time.Second
	pullBatchMax  = 128
)

// Archive is the storage collaborator the engine records accepted blocks
// into, and restores the DAG from after a restart. Implementations must be
// append-only.
type Archive interface {
	PersistBlock(b *dag.Block) error
	LoadBlocks() ([]*dag.Block, error)
}

// Engine is one node's causal broadcast instance. All sessions share it: they
// publish payloads through Broadcast and consume the ordered delivery stream
// from DeliveryChan.
type Engine struct {
	name    string
	store   *dag.Store
	archive Archive
	mets    *metrics.Metrics
	logger  hclog.Logger

	clusterAddr          map[string]string // map from name to address
	clusterPort          map[string]int    // map from name to p2pPort
	clusterAddrWithPorts map[string]uint8  // map from addr:port to index
	maxPool              int
	pullMaxRetry         int

	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	trans *conn.Transport

	sendLock sync.Mutex // serializes own-block creation so heights stay gapless

	// deliverLock spans the store drain and the channel sends together, so
	// two concurrent drains can never interleave dependents ahead of their
	// dependencies on deliverCh.
	deliverLock sync.Mutex

	lock   sync.Mutex
	parked map[string]*dag.Block // blocks waiting for missing ancestors, by hash

	deliverCh chan *dag.Block
	quitCh    chan struct{}
}

func NewEngine(conf *config.Config, store *dag.Store, archive Archive, mets *metrics.Metrics) *Engine {
	if mets == nil {
		mets = metrics.New(nil)
	}
	return &Engine{
		name:    conf.Name,
		store:   store,
		archive: archive,
		mets:    mets,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "catchain-engine",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		}),
		clusterAddr:          conf.ClusterAddr,
		clusterPort:          conf.ClusterPort,
		clusterAddrWithPorts: conf.ClusterAddrWithPorts,
		maxPool:              conf.MaxPool,
		pullMaxRetry:         conf.PullMaxRetry,
		publicKeyMap:         conf.PublicKeyMap,
		privateKey:           conf.PrivateKey,
		parked:               make(map[string]*dag.Block),
		deliverCh:            make(chan *dag.Block, 1024),
		quitCh:               make(chan struct{}),
	}
}

// DeliveryChan returns the channel delivered blocks come out on, in the
// deterministic causal order the agreement layer depends on.
func (e *Engine) DeliveryChan() chan *dag.Block {
	return e.deliverCh
}

// Store returns the DAG store backing this engine.
func (e *Engine) Store() *dag.Store {
	return e.store
}

// ForkProofs surfaces the fork evidence collected so far, for the policy
// layers deciding about exclusion or slashing.
func (e *Engine) ForkProofs() []*dag.ForkProof {
	return e.store.ForkProofs()
}

// StartP2PListen starts the node to listen for P2P connection.
func (e *Engine) StartP2PListen() error {
	var err error
	e.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(e.clusterPort[e.name]), 30*time.Second,
		nil, e.maxPool, reflectedTypesMap)
	if err != nil {
		return err
	}
	return nil
}

// EstablishP2PConns establishes P2P connections with other nodes.
func (e *Engine) EstablishP2PConns() error {
	if e.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for addrWithPort := range e.clusterAddrWithPorts {
		if addrWithPort == e.ownAddrWithPort() {
			continue
		}
		connect, err := e.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = e.trans.ReturnConn(connect); err != nil {
			return err
		}
		e.logger.Debug("connection has been established", "sender", e.name, "receiver", addrWithPort)
	}
	return nil
}

// Restore replays the blocks the archive holds so the node resumes from its
// last known DAG state instead of re-broadcasting history.
func (e *Engine) Restore() error {
	if e.archive == nil {
		return nil
	}
	blocks, err := e.archive.LoadBlocks()
	if err != nil {
		return err
	}
	// Dependencies cross validator logs, so keep re-offering until a full
	// pass accepts nothing new.
	remaining := blocks
	for len(remaining) > 0 {
		var next []*dag.Block
		for _, b := range remaining {
			if _, err := e.store.Accept(b); err == dag.ErrMissingDeps {
				next = append(next, b)
			}
		}
		if len(next) == len(remaining) {
			return errors.New("catchain: archived blocks do not form a closed DAG")
		}
		remaining = next
	}
	e.drainDeliverable()
	return nil
}

// Broadcast wraps the payload into the node's next own block, stores it and
// fans it out to the cluster. It returns the block so callers can track the
// hash.
func (e *Engine) Broadcast(payload []byte) (*dag.Block, error) {
	e.sendLock.Lock()
	block := &dag.Block{
		Sender:  e.name,
		Height:  e.store.Latest(e.name) + 1,
		Payload: payload,
		Deps:    e.store.Frontier(),
	}
	digest, err := block.Digest()
	if err != nil {
		e.sendLock.Unlock()
		return nil, err
	}
	block.Sig = sign.SignEd25519(e.privateKey, digest)
	res, err := e.store.Accept(block)
	e.sendLock.Unlock()
	if err != nil || res != dag.Accepted {
		// Own blocks reference only blocks we hold, so rejection here means
		// the acceptance logic itself is broken.
		return nil, errors.New("catchain: own block was not accepted")
	}
	e.persist(block)
	e.drainDeliverable()
	go e.fanOut(block)
	return block, nil
}

func (e *Engine) fanOut(block *dag.Block) {
	msg := BlockMsg{Block: *block}
	for addrWithPort := range e.clusterAddrWithPorts {
		if addrWithPort == e.ownAddrWithPort() {
			continue
		}
		if err := e.sendToAddr(addrWithPort, BlockTag, msg, block.Sig); err != nil {
			e.logger.Error("fail to send the block", "receiver", addrWithPort, "error", err)
		}
	}
}

// HandleMsgLoop reads packets from the transport, authenticates them and
// feeds them into the DAG until the engine is stopped.
func (e *Engine) HandleMsgLoop() {
	msgCh := e.trans.PacketChan()
	for {
		select {
		case packet := <-msgCh:
			switch msgAsserted := packet.Msg.(type) {
			case BlockMsg:
				e.ingestBlock(&msgAsserted.Block)
			case PullRequest:
				if !e.verifyPeerSig(msgAsserted.Sender, packet.Msg, packet.Sig) {
					e.logger.Error("fail to verify the pull request's signature", "sender", msgAsserted.Sender)
					continue
				}
				e.handlePullRequest(&msgAsserted)
			case PullReply:
				if !e.verifyPeerSig(msgAsserted.Sender, packet.Msg, packet.Sig) {
					e.logger.Error("fail to verify the pull reply's signature", "sender", msgAsserted.Sender)
					continue
				}
				for i := range msgAsserted.Blocks {
					e.ingestBlock(&msgAsserted.Blocks[i])
				}
			}
		case <-e.quitCh:
			return
		}
	}
}

// ingestBlock authenticates and accepts one inbound block, parking it when
// ancestors are missing and releasing any parked descendants it unblocks.
func (e *Engine) ingestBlock(block *dag.Block) {
	if !e.verifyBlockSig(block) {
		e.logger.Error("fail to verify the block's signature", "height", block.Height,
			"sender", block.Sender)
		return
	}
	hash, err := block.HashAsString()
	if err != nil {
		e.logger.Error("fail to hash the block", "sender", block.Sender, "error", err)
		return
	}

	res, err := e.store.Accept(block)
	switch {
	case err == dag.ErrMissingDeps:
		e.park(hash, block)
	case err != nil:
		e.logger.Error("block is permanently rejected", "sender", block.Sender,
			"height", block.Height, "error", err)
	case res == dag.ForkDetected:
		e.mets.Forks.Inc()
		e.logger.Warn("fork detected, evidence recorded", "sender", block.Sender,
			"height", block.Height)
	case res == dag.Accepted:
		e.persist(block)
		e.drainDeliverable()
		e.retryParked()
	}
}

// park queues a block whose ancestors have not arrived yet and starts pulling
// them from the block's sender with bounded backoff.
func (e *Engine) park(hash string, block *dag.Block) {
	e.lock.Lock()
	_, known := e.parked[hash]
	if !known {
		e.parked[hash] = block
	}
	e.lock.Unlock()
	if known {
		return
	}
	e.logger.Debug("block parked until its ancestors arrive", "sender", block.Sender,
		"height", block.Height)
	e.sendPullRequest(block.Sender)
	e.schedulePullRetry(hash, block.Sender, 1)
}

func (e *Engine) schedulePullRetry(hash, from string, attempt int) {
	if attempt > e.pullMaxRetry {
		e.logger.Warn("giving up pulling ancestors", "block", hash, "peer", from)
		return
	}
	delay := pullBaseDelay << uint(attempt-1)
	if delay > pullMaxDelay {
		delay = pullMaxDelay
	}
	time.AfterFunc(delay, func() {
		e.lock.Lock()
		_, still := e.parked[hash]
		e.lock.Unlock()
		if !still {
			return
		}
		select {
		case <-e.quitCh:
			return
		default:
		}
		e.sendPullRequest(from)
		e.schedulePullRetry(hash, from, attempt+1)
	})
}

// retryParked re-offers parked blocks until a pass makes no progress.
func (e *Engine) retryParked() {
	for {
		e.lock.Lock()
		candidates := make([]*dag.Block, 0, len(e.parked))
		for _, b := range e.parked {
			candidates = append(candidates, b)
		}
		e.lock.Unlock()

		progress := false
		for _, b := range candidates {
			hash, _ := b.HashAsString()
			res, err := e.store.Accept(b)
			if err == dag.ErrMissingDeps {
				continue
			}
			// Anything else is settled one way or the other; stop retrying.
			e.lock.Lock()
			delete(e.parked, hash)
			e.lock.Unlock()
			switch {
			case err != nil:
				e.logger.Error("parked block is permanently rejected", "sender", b.Sender,
					"height", b.Height, "error", err)
			case res == dag.ForkDetected:
				e.mets.Forks.Inc()
				e.logger.Warn("fork detected, evidence recorded", "sender", b.Sender,
					"height", b.Height)
			case res == dag.Accepted:
				e.persist(b)
				progress = true
			}
		}
		if !progress {
			return
		}
		e.drainDeliverable()
	}
}

func (e *Engine) handlePullRequest(req *PullRequest) {
	var batch []dag.Block
	heights := e.store.Heights()
	for sender, latest := range heights {
		for h := req.Known[sender] + 1; h <= latest; h++ {
			block, ok := e.store.GetByHeight(sender, h)
			if !ok {
				break
			}
			batch = append(batch, *block)
			if len(batch) >= pullBatchMax {
				break
			}
		}
		if len(batch) >= pullBatchMax {
			break
		}
	}
	if len(batch) == 0 {
		return
	}
	reply := PullReply{Sender: e.name, Blocks: batch}
	if err := e.sendSigned(req.Sender, PullReplyTag, reply); err != nil {
		e.logger.Error("fail to answer the pull request", "receiver", req.Sender, "error", err)
	}
}

func (e *Engine) sendPullRequest(peer string) {
	if peer == e.name {
		return
	}
	req := PullRequest{Sender: e.name, Known: e.store.Heights()}
	if err := e.sendSigned(peer, PullRequestTag, req); err != nil {
		e.logger.Error("fail to send the pull request", "receiver", peer, "error", err)
	}
}

func (e *Engine) drainDeliverable() {
	e.deliverLock.Lock()
	defer e.deliverLock.Unlock()
	for _, block := range e.store.TakeDeliverable() {
		e.mets.DeliveredBlocks.Inc()
		select {
		case e.deliverCh <- block:
		case <-e.quitCh:
			return
		}
	}
}

func (e *Engine) persist(block *dag.Block) {
	if e.archive == nil {
		return
	}
	if err := e.archive.PersistBlock(block); err != nil {
		e.logger.Error("fail to persist the block", "sender", block.Sender,
			"height", block.Height, "error", err)
	}
}

// sendSigned signs a control message with the node's own key and sends it to
// one peer.
func (e *Engine) sendSigned(peer string, tag uint8, msg interface{}) error {
	msgAsBytes, err := encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(e.privateKey, msgAsBytes)
	addr, ok := e.clusterAddr[peer]
	if !ok {
		return errors.New("peer is unknown: " + peer)
	}
	addrWithPort := addr + ":" + strconv.Itoa(e.clusterPort[peer])
	return e.sendToAddr(addrWithPort, tag, msg, sig)
}

func (e *Engine) sendToAddr(addrWithPort string, tag uint8, msg interface{}, sig []byte) error {
	netConn, err := e.trans.GetConn(addrWithPort)
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, tag, msg, sig); err != nil {
		return err
	}
	return e.trans.ReturnConn(netConn)
}

func (e *Engine) verifyBlockSig(block *dag.Block) bool {
	pubKey, ok := e.publicKeyMap[block.Sender]
	if !ok {
		e.logger.Error("node is unknown", "node", block.Sender)
		return false
	}
	digest, err := block.Digest()
	if err != nil {
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, digest, block.Sig)
	if err != nil {
		e.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}

func (e *Engine) verifyPeerSig(peer string, data interface{}, sig []byte) bool {
	pubKey, ok := e.publicKeyMap[peer]
	if !ok {
		e.logger.Error("node is unknown", "node", peer)
		return false
	}
	dataAsBytes, err := encode(data)
	if err != nil {
		e.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		e.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}

func (e *Engine) ownAddrWithPort() string {
	return e.clusterAddr[e.name] + ":" + strconv.Itoa(e.clusterPort[e.name])
}

// Stop shuts the engine and its transport down.
func (e *Engine) Stop() {
	select {
	case <-e.quitCh:
		return
	default:
	}
	close(e.quitCh)
	if e.trans != nil {
		_ = e.trans.Close()
	}
}
