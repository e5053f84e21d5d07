package peer

import (
	"errors"
	"io"
	"io/fs"
	"time"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/transport"
)

// OnPeer answers a single GET on an accepted connection. The transport
// closes the connection when it returns.
func (p *PeerServer) OnPeer(node transport.Node) {
	msg, err := node.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Sugar.Debugf("[PeerServer] connection closed before request: remote=%s", node.Addr())
		} else {
			logger.Sugar.Warnf("[PeerServer] failed to read request: remote=%s err=%v", node.Addr(), err)
		}
		return
	}

	get, ok := msg.(protocol.Get)
	if !ok {
		logger.Sugar.Warnf("[PeerServer] Unexpected message type from=%s type=%s", node.Addr(), msg.Kind())
		return
	}
	p.serveFile(node, get.Filename)
}

func (p *PeerServer) serveFile(node transport.Node, filename string) {
	file, size, err := p.store.Open(filename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Sugar.Errorf("[PeerServer] failed to open %q for %s: %v", filename, node.Addr(), err)
		} else {
			logger.Sugar.Infof("[PeerServer] request for unknown file: from=%s file=%q", node.Addr(), filename)
		}
		if err := node.Send(protocol.Error{Message: protocol.ReasonFileNotFound}); err != nil {
			logger.Sugar.Warnf("[PeerServer] failed to send error reply: to=%s err=%v", node.Addr(), err)
		}
		return
	}
	defer file.Close()

	if err := node.Send(protocol.FileInfo{Size: size}); err != nil {
		logger.Sugar.Warnf("[PeerServer] failed to send file info: to=%s file=%q err=%v", node.Addr(), filename, err)
		return
	}

	logger.Sugar.Infof("[PeerServer] Sending %s (%d bytes) to %s", filename, size, node.Addr())
	start := time.Now()
	// Stream never writes past size, even if the file grew since Open.
	n, err := node.Stream(file, size)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] upload cut short: to=%s file=%q sent=%d size=%d err=%v", node.Addr(), filename, n, size, err)
		return
	}
	p.metrics.RecordUpload(n, time.Since(start))
}
