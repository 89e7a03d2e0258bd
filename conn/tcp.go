package conn

import (
	"io"
	"net"
	"reflect"
	"time"
)

// StreamLayer is the low level stream abstraction the transport runs on,
// so plain TCP can be swapped for TLS or an in-process pipe in tests.
type StreamLayer interface {
	net.Listener

	// Dial creates a new outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NewTCPTransport returns a Transport listening on bindAddr over plain TCP.
func NewTCPTransport(
	bindAddr string,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	typesByTag map[uint8]reflect.Type,
) (*Transport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	stream := &TCPStreamLayer{
		listener: list.(*net.TCPListener),
	}
	return NewTransport(stream, timeout, logOutput, maxPool, typesByTag), nil
}
