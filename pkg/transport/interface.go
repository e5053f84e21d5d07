package transport

import (
	"io"

	"tarun-kavipurapu/p2p-edge/pkg/protocol"
)

// Node represents one connection to a remote process.
type Node interface {
	// Send writes one delimiter-terminated control message.
	Send(msg protocol.Message) error
	// Receive blocks for the next control message. It returns io.EOF when the
	// remote side closed the connection before a complete frame arrived, and an
	// error wrapping protocol.ErrMalformed when a frame did not decode.
	Receive() (protocol.Message, error)
	// Stream copies exactly n raw bytes from r to the connection.
	Stream(r io.Reader, n int64) (int64, error)
	// Body returns the raw byte stream that follows the control messages.
	Body() io.Reader
	Close() error
	// Addr is the remote "host:port".
	Addr() string
	// RemoteHost is the host part of Addr, as observed on the socket.
	RemoteHost() string
	// LocalHost is the host part of the local socket address.
	LocalHost() string
}

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	Dial(addr string) (Node, error)
	Close() error
	Addr() string
	// SetOnPeer registers the handler run on its own goroutine for every
	// accepted connection. The connection is closed when the handler returns.
	SetOnPeer(func(Node))
}
