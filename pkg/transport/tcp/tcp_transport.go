package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/transport"
)

// BlockSize is the unit used when streaming raw file bytes.
const BlockSize = 64 * 1024

// TCPNode implements transport.Node
type TCPNode struct {
	conn    net.Conn
	reader  *bufio.Reader
	lock    sync.Mutex
	timeout time.Duration
}

// NewTCPNode wraps conn. A non-zero timeout bounds every individual read
// and write on the connection.
func NewTCPNode(conn net.Conn, timeout time.Duration) *TCPNode {
	n := &TCPNode{
		conn:    conn,
		timeout: timeout,
	}
	n.reader = bufio.NewReaderSize(deadlineReader{n}, BlockSize)
	return n
}

type deadlineReader struct{ n *TCPNode }

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.n.timeout > 0 {
		if err := d.n.conn.SetReadDeadline(time.Now().Add(d.n.timeout)); err != nil {
			return 0, err
		}
	}
	return d.n.conn.Read(p)
}

type deadlineWriter struct{ n *TCPNode }

func (d deadlineWriter) Write(p []byte) (int, error) {
	if d.n.timeout > 0 {
		if err := d.n.conn.SetWriteDeadline(time.Now().Add(d.n.timeout)); err != nil {
			return 0, err
		}
	}
	return d.n.conn.Write(p)
}

func (n *TCPNode) Send(msg protocol.Message) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	return writeFrame(deadlineWriter{n}, msg)
}

func (n *TCPNode) Receive() (protocol.Message, error) {
	return readFrame(n.reader)
}

func (n *TCPNode) Stream(data io.Reader, length int64) (int64, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	buf := make([]byte, BlockSize)
	written, err := io.CopyBuffer(deadlineWriter{n}, io.LimitReader(data, length), buf)
	if err != nil {
		return written, fmt.Errorf("failed to write stream data: %w", err)
	}
	if written != length {
		return written, fmt.Errorf("stream write incomplete: expected %d, wrote %d", length, written)
	}
	return written, nil
}

func (n *TCPNode) Body() io.Reader {
	return n.reader
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPNode) RemoteHost() string {
	return hostOf(n.conn.RemoteAddr())
}

func (n *TCPNode) LocalHost() string {
	return hostOf(n.conn.LocalAddr())
}

func hostOf(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr  string
	listener    net.Listener
	onPeer      func(transport.Node)
	dialTimeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func NewTCPTransport(addr string, dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		listenAddr:  addr,
		dialTimeout: dialTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node)) {
	t.onPeer = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listenAddr = t.listener.Addr().String()

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			wait := retry.NextBackOff()
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v; retrying in %v", t.listenAddr, err, wait)
			time.Sleep(wait)
			continue
		}
		retry.Reset()

		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		t.wg.Done()
	}()

	if t.onPeer == nil {
		return
	}
	t.onPeer(NewTCPNode(conn, 0))
}

// Dial opens an outbound connection bounded by the transport's dial timeout,
// which then also bounds every read and write on it.
func (t *TCPTransport) Dial(addr string) (transport.Node, error) {
	node, err := Dial(addr, t.dialTimeout)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Dial is the transport-independent form of TCPTransport.Dial.
func Dial(addr string, timeout time.Duration) (*TCPNode, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPNode(conn, timeout), nil
}

// Close stops accepting, closes live inbound connections and waits for
// their handlers to return.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCPTransport) Addr() string {
	return t.listenAddr
}
