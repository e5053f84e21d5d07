package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/storage"
	"tarun-kavipurapu/p2p-edge/pkg/transport/tcp"
)

// DownloadResult describes a finished download.
type DownloadResult struct {
	RequestID string
	Filename  string
	Path      string
	Holder    string
	Size      int64
	Attempts  int
	Duration  time.Duration
}

var errNoReply = errors.New("holder closed the connection without replying")

// Download fetches filename from one of the peers the tracker lists for it
// and stores it in the share directory. Holders are tried in random order;
// a holder that cannot serve the file is skipped, but a transfer that breaks
// off mid-body ends the download with an *IncompleteError.
func (p *PeerServer) Download(ctx context.Context, filename string) (*DownloadResult, error) {
	if !storage.ValidName(filename) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidName, filename)
	}
	reqID := uuid.NewString()
	logger.Sugar.Infof("[PeerServer] [%s] download requested: file=%q", reqID, filename)

	if err := p.SendHeartbeat(); err != nil {
		logger.Sugar.Warnf("[PeerServer] [%s] heartbeat before query failed: %v", reqID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	holders, err := p.queryHolders(filename)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	p.shuffle(holders)
	logger.Sugar.Infof("[PeerServer] [%s] tracker returned %d holder(s): %v", reqID, len(holders), holders)

	tracker := NewDownloadTracker(reqID, filename)
	var renderer *ProgressRenderer
	if p.cfg.Progress {
		renderer = NewProgressRenderer(tracker, os.Stdout, true)
		go renderer.Start()
		defer renderer.StopAndWait()
	}

	self := p.SelfID()
	for _, holder := range holders {
		if err := ctx.Err(); err != nil {
			tracker.Fail()
			return nil, err
		}
		if holder == self {
			logger.Sugar.Debugf("[PeerServer] [%s] skipping self: %s", reqID, holder)
			continue
		}

		size, err := p.fetchFrom(holder, filename, tracker)
		if err == nil {
			tracker.Complete()
			result := &DownloadResult{
				RequestID: reqID,
				Filename:  filename,
				Path:      filepath.Join(p.store.Dir(), filename),
				Holder:    holder,
				Size:      size,
				Attempts:  tracker.Attempts(),
				Duration:  tracker.GetElapsedTime(),
			}
			p.metrics.RecordDownload(size, result.Duration)
			logger.Sugar.Infof("[PeerServer] [%s] download complete: file=%q from=%s bytes=%d", reqID, filename, holder, size)
			return result, nil
		}

		var incomplete *IncompleteError
		if errors.As(err, &incomplete) || errors.Is(err, ErrStorage) {
			tracker.Fail()
			logger.Sugar.Errorf("[PeerServer] [%s] %v", reqID, err)
			return nil, err
		}
		logger.Sugar.Warnf("[PeerServer] [%s] holder failed, trying next: holder=%s err=%v", reqID, holder, err)
	}

	tracker.Fail()
	return nil, fmt.Errorf("%w: %s", ErrNoHolder, filename)
}

func (p *PeerServer) queryHolders(filename string) ([]string, error) {
	node, err := p.dialTracker()
	if err != nil {
		return nil, err
	}
	defer node.Close()

	if err := node.Send(protocol.Query{Filename: filename}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	msg, err := node.Receive()
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrBadTrackerReply, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	reply, ok := msg.(protocol.QueryReply)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", ErrBadTrackerReply, msg.Kind())
	}
	return reply.Holders, nil
}

// fetchFrom runs one GET exchange. Any error other than *IncompleteError or
// ErrStorage means the holder never started a body and the next one may be
// tried.
func (p *PeerServer) fetchFrom(holder, filename string, tracker *DownloadTracker) (int64, error) {
	node, err := p.Transport.Dial(holder)
	if err != nil {
		tracker.Attempt(holder)
		return 0, fmt.Errorf("failed to dial %s: %w", holder, err)
	}
	defer node.Close()

	if err := node.Send(protocol.Get{Filename: filename}); err != nil {
		tracker.Attempt(holder)
		return 0, fmt.Errorf("failed to send request: %w", err)
	}

	msg, err := node.Receive()
	if err != nil {
		tracker.Attempt(holder)
		if errors.Is(err, io.EOF) {
			return 0, errNoReply
		}
		return 0, err
	}

	var info protocol.FileInfo
	switch v := msg.(type) {
	case protocol.FileInfo:
		info = v
	case protocol.Error:
		tracker.Attempt(holder)
		return 0, fmt.Errorf("holder refused: %w", v)
	default:
		tracker.Attempt(holder)
		return 0, fmt.Errorf("unexpected reply %s", msg.Kind())
	}
	if info.Size < 0 {
		tracker.Attempt(holder)
		return 0, fmt.Errorf("invalid file size %d", info.Size)
	}

	incoming, err := p.store.CreateIncoming(filename)
	if err != nil {
		tracker.Attempt(holder)
		return 0, fmt.Errorf("%w: failed to create temporary file: %w", ErrStorage, err)
	}
	tracker.Begin(holder, uint64(info.Size))

	n, readErr, writeErr := copyBody(io.MultiWriter(incoming, tracker), node.Body(), info.Size)
	if writeErr != nil {
		incoming.Discard()
		return n, fmt.Errorf("%w: failed to write %s: %w", ErrStorage, filename, writeErr)
	}
	if n < info.Size {
		incoming.Discard()
		return n, &IncompleteError{
			Filename: filename,
			Holder:   holder,
			Expected: info.Size,
			Received: n,
			Err:      readErr,
		}
	}
	if err := incoming.Commit(); err != nil {
		return n, fmt.Errorf("%w: failed to store %s: %w", ErrStorage, filename, err)
	}
	return n, nil
}

// copyBody copies at most size bytes of body into dst. Failures of dst come
// back as writeErr and everything else as readErr, so a local disk problem is
// never mistaken for a holder cutting the body short.
func copyBody(dst io.Writer, body io.Reader, size int64) (n int64, readErr, writeErr error) {
	w := &recordingWriter{w: dst}
	n, err := io.CopyBuffer(w, io.LimitReader(body, size), make([]byte, tcp.BlockSize))
	if w.err != nil {
		return n, nil, w.err
	}
	return n, err, nil
}

type recordingWriter struct {
	w   io.Writer
	err error
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if err != nil {
		r.err = err
	}
	return n, err
}

// Catalog fetches the tracker's catalog text.
func (p *PeerServer) Catalog(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	node, err := p.dialTracker()
	if err != nil {
		return "", err
	}
	defer node.Close()

	if err := node.Send(protocol.Catalog{}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	data, err := io.ReadAll(node.Body())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	return string(data), nil
}
