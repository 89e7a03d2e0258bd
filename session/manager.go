package session

import (
	"sync"

	"github.com/CGCL-codes/CatchainBFT/config"
	"github.com/CGCL-codes/CatchainBFT/dag"
	"github.com/CGCL-codes/CatchainBFT/metrics"
	"github.com/hashicorp/go-hclog"
)

// Engine is the slice of the causal broadcast engine the manager needs.
type Engine interface {
	Broadcaster
	DeliveryChan() chan *dag.Block
}

// Manager owns the sessions of one node, one per shard, and routes the
// engine's delivery stream to them. Sessions share the engine and the DAG
// underneath it but keep all of their round state private.
type Manager struct {
	conf      *config.Config
	vals      *ValidatorSet
	engine    Engine
	app       Application
	certStore CertificateStore
	mets      *metrics.Metrics
	logger    hclog.Logger

	lock     sync.Mutex
	sessions map[string]*Session

	quitCh chan struct{}
}

func NewManager(conf *config.Config, engine Engine, app Application,
	certStore CertificateStore, mets *metrics.Metrics) *Manager {
	if mets == nil {
		mets = metrics.New(nil)
	}
	return &Manager{
		conf:      conf,
		vals:      SetFromConfig(conf),
		engine:    engine,
		app:       app,
		certStore: certStore,
		mets:      mets,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "session-manager",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		}),
		sessions: make(map[string]*Session),
		quitCh:   make(chan struct{}),
	}
}

// ValidatorSet returns the membership shared by all sessions of this node.
func (m *Manager) ValidatorSet() *ValidatorSet {
	return m.vals
}

// StartSession creates and runs the session of a shard. Starting a shard
// twice returns the existing session.
func (m *Manager) StartSession(shard string) *Session {
	m.lock.Lock()
	defer m.lock.Unlock()
	if sess, ok := m.sessions[shard]; ok {
		return sess
	}
	sess := NewSession(shard, m.conf, m.vals, m.engine, m.app, m.certStore, m.mets)
	m.sessions[shard] = sess
	go sess.Run()
	m.logger.Info("session started", "shard", shard)
	return sess
}

// Session returns a running session by shard.
func (m *Manager) Session(shard string) (*Session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	sess, ok := m.sessions[shard]
	return sess, ok
}

// StopSession abandons one shard's session without touching the others.
func (m *Manager) StopSession(shard string) {
	m.lock.Lock()
	sess, ok := m.sessions[shard]
	delete(m.sessions, shard)
	m.lock.Unlock()
	if ok {
		sess.Stop()
		m.logger.Info("session stopped", "shard", shard)
	}
}

// Run consumes the delivery order and feeds each message to its shard's
// session. This stream is the single source of causal truth: sessions never
// see a vote any other way.
func (m *Manager) Run() {
	deliverCh := m.engine.DeliveryChan()
	for {
		select {
		case block := <-deliverCh:
			var msg Message
			if err := decode(block.Payload, &msg); err != nil {
				m.logger.Warn("block payload is not a session message",
					"sender", block.Sender, "height", block.Height)
				continue
			}
			if msg.Sender != block.Sender {
				m.logger.Warn("message sender does not match the block sender",
					"block-sender", block.Sender, "msg-sender", msg.Sender)
				continue
			}
			m.lock.Lock()
			sess, ok := m.sessions[msg.Shard]
			m.lock.Unlock()
			if !ok {
				m.logger.Debug("message for an inactive shard", "shard", msg.Shard)
				continue
			}
			sess.Enqueue(&msg)
		case <-m.quitCh:
			return
		}
	}
}

// Stop shuts down the manager and every session.
func (m *Manager) Stop() {
	select {
	case <-m.quitCh:
	default:
		close(m.quitCh)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for shard, sess := range m.sessions {
		sess.Stop()
		delete(m.sessions, shard)
	}
}
