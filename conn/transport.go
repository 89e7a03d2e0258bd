package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// ErrTransportShutdown is returned when a transport is used after Close.
var ErrTransportShutdown = errors.New("transport shutdown")

// Packet is one received message together with the sender's signature over
// its body. The body has already been decoded into its concrete type.
type Packet struct {
	Msg interface{}
	Sig []byte
}

// Transport moves typed messages between validators over a stream layer
// (plain TCP in production, anything implementing StreamLayer in tests).
// Outgoing connections are pooled per target up to maxPool; incoming
// connections are each served by their own goroutine which decodes messages
// and hands them to the shared packet channel.
type Transport struct {
	connPool     map[string][]*Conn
	connPoolLock sync.Mutex
	maxPool      int

	packetCh chan Packet

	// typesByTag tells the decoder which concrete type hides behind each
	// tag byte on the wire.
	typesByTag map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// PacketChan returns the channel received packets are delivered on.
func (t *Transport) PacketChan() chan Packet {
	return t.packetCh
}

// LocalAddr returns the address the transport listens on.
func (t *Transport) LocalAddr() string {
	return t.stream.Addr().String()
}

func (t *Transport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	t.streamCtx = ctx
	t.streamCancel = cancel
}

// StreamContext returns the context cancelled when the stream layer closes.
func (t *Transport) StreamContext() context.Context {
	t.streamCtxLock.RLock()
	defer t.streamCtxLock.RUnlock()
	return t.streamCtx
}

// listen accepts incoming connections until the transport shuts down, backing
// off on accept errors.
func (t *Transport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := t.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			if !t.IsShutdown() {
				t.logger.Error("failed to accept connection", "error", err)
			}
			select {
			case <-t.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		t.logger.Debug("accepted connection", "local-address", t.LocalAddr(),
			"remote-address", conn.RemoteAddr().String())
		go t.handleConn(t.StreamContext(), conn)
	}
}

// handleConn serves one inbound connection for its lifespan.
func (t *Transport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			t.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := t.readPacket(r, dec); err != nil {
			if err != io.EOF {
				t.logger.Error("failed to decode incoming message", "error", err)
			}
			return
		}
	}
}

// readPacket decodes one framed message and delivers it on the packet channel.
func (t *Transport) readPacket(r *bufio.Reader, dec *codec.Decoder) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}

	msgType, ok := t.typesByTag[tag]
	if !ok {
		return fmt.Errorf("unknown message tag %d", tag)
	}
	body := reflect.Zero(msgType).Interface()
	if err := dec.Decode(&body); err != nil {
		return err
	}

	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}

	select {
	case t.packetCh <- Packet{Msg: body, Sig: sig}:
	case <-t.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// IsShutdown reports whether Close has been called.
func (t *Transport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the listener and shuts the transport down.
func (t *Transport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.stream.Close()
		t.streamCancel()
		t.shutdown = true
	}
	return nil
}

func (t *Transport) dialConn(target string) (*Conn, error) {
	raw, err := t.stream.Dial(target, t.timeout)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		target: target,
		conn:   raw,
		w:      bufio.NewWriter(raw),
	}
	c.enc = codec.NewEncoder(c.w, &codec.MsgpackHandle{})
	return c, nil
}

// GetConn returns a pooled connection to the target, dialing a fresh one if
// the pool is empty.
func (t *Transport) GetConn(target string) (*Conn, error) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	conns, ok := t.connPool[target]
	if ok && len(conns) > 0 {
		var c *Conn
		num := len(conns)
		c, conns[num-1] = conns[num-1], nil
		t.connPool[target] = conns[:num-1]
		return c, nil
	}
	return t.dialConn(target)
}

// ReturnConn gives a connection back to the pool for reuse, closing it if the
// pool is already full.
func (t *Transport) ReturnConn(c *Conn) error {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	conns := t.connPool[c.target]
	if !t.IsShutdown() && len(conns) < t.maxPool {
		t.connPool[c.target] = append(conns, c)
		return nil
	}
	return c.Release()
}

// NewTransport creates a transport on top of the given stream layer. The
// typesByTag map drives decoding: every tag byte a peer may send must be
// registered there.
func NewTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	typesByTag map[uint8]reflect.Type,
) *Transport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	trans := &Transport{
		connPool:   make(map[string][]*Conn),
		maxPool:    maxPool,
		packetCh:   make(chan Packet, 1),
		typesByTag: typesByTag,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "catchain-net",
			Output: logOutput,
			Level:  hclog.DefaultLevel,
		}),
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}

	trans.setupStreamContext()
	go trans.listen()

	return trans
}
