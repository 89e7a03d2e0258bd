/*
Package conn implements the point-to-point links between validators.
A link is used in one direction only: the dialing node writes, the listening
node reads. Each message on the wire is a tag byte naming the message type,
the msgpack-encoded body, and the sender's signature over the body.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// Conn is an established outgoing connection to one peer, bundled with its
// buffered writer and msgpack encoder so it can be pooled and reused.
type Conn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the addr:port this connection was dialed to.
func (c *Conn) Target() string {
	return c.target
}

// Release closes the underlying connection.
func (c *Conn) Release() error {
	return c.conn.Close()
}

// SendMsg writes one framed message: the tag byte, the body, the signature.
func SendMsg(c *Conn, tag uint8, body interface{}, sig []byte) error {
	if err := c.w.WriteByte(tag); err != nil {
		c.Release()
		return err
	}
	if err := c.enc.Encode(body); err != nil {
		c.Release()
		return err
	}
	if err := c.enc.Encode(sig); err != nil {
		c.Release()
		return err
	}
	if err := c.w.Flush(); err != nil {
		c.Release()
		return err
	}
	return nil
}
