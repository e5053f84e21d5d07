package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
	"tarun-kavipurapu/p2p-edge/pkg/monitor"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/storage"
	"tarun-kavipurapu/p2p-edge/pkg/transport"
	"tarun-kavipurapu/p2p-edge/pkg/transport/tcp"
)

var (
	ErrTrackerUnavailable = errors.New("tracker unavailable")
	ErrBadTrackerReply    = errors.New("bad tracker reply")
	ErrNotFound           = errors.New("file not found on any peer")
	ErrIncomplete         = errors.New("incomplete transfer")
	ErrNoHolder           = errors.New("no holder could serve the file")
	// ErrStorage is a local failure to store a download. Other holders are
	// not tried since they would fail the same way.
	ErrStorage = errors.New("local storage failure")
)

// IncompleteError reports a body that ended before the size announced in
// FILE_INFO. Matches ErrIncomplete with errors.Is.
type IncompleteError struct {
	Filename string
	Holder   string
	Expected int64
	Received int64
	Err      error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("incomplete transfer of %s from %s: received %d of %d bytes", e.Filename, e.Holder, e.Received, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncompleteError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIncomplete}
	}
	return []error{ErrIncomplete, e.Err}
}

// Config holds the peer settings.
type Config struct {
	TrackerAddr string
	ShareDir    string
	ListenAddr  string
	// AdvertiseHost overrides the host part of this peer's identity.
	AdvertiseHost     string
	HeartbeatInterval time.Duration
	// DialTimeout bounds every dial and every read or write on an outbound
	// connection.
	DialTimeout time.Duration
	// Progress renders download progress on stdout.
	Progress bool
	// MetricsInterval enables periodic metric logging. Zero disables it.
	MetricsInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ShareDir:          "shared",
		ListenAddr:        "0.0.0.0:6000",
		HeartbeatInterval: 15 * time.Second,
		DialTimeout:       4 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.TrackerAddr == "" {
		return errors.New("tracker address is required")
	}
	if c.ShareDir == "" {
		return errors.New("share directory is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", c.DialTimeout)
	}
	return nil
}

// PeerServer is one peer: a download server for the share directory plus the
// agent that heartbeats to the tracker and downloads from other peers.
type PeerServer struct {
	cfg       Config
	store     *storage.Store
	Transport transport.Transport
	metrics   *monitor.Metrics

	mu       sync.RWMutex
	port     int
	selfHost string

	// shuffle orders the holders before failover.
	shuffle func([]string)

	quitCh   chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

func NewPeerServer(cfg Config) (*PeerServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := storage.NewStore(cfg.ShareDir)
	if err != nil {
		return nil, err
	}

	trans := tcp.NewTCPTransport(cfg.ListenAddr, cfg.DialTimeout)
	peerServer := &PeerServer{
		cfg:       cfg,
		store:     store,
		Transport: trans,
		metrics:   monitor.Global,
		shuffle:   shuffleHolders,
		quitCh:    make(chan struct{}),
	}
	trans.SetOnPeer(peerServer.OnPeer)

	logger.Sugar.Infof("[PeerServer] Initialized: listen=%s tracker=%s share=%s", cfg.ListenAddr, cfg.TrackerAddr, store.Dir())
	return peerServer, nil
}

func shuffleHolders(holders []string) {
	rand.Shuffle(len(holders), func(i, j int) {
		holders[i], holders[j] = holders[j], holders[i]
	})
}

// Listen binds the download server and starts the heartbeat loop. The first
// heartbeat is sent right away.
func (p *PeerServer) Listen() error {
	if err := p.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}
	_, portStr, err := net.SplitHostPort(p.Transport.Addr())
	if err != nil {
		p.Transport.Close()
		return fmt.Errorf("failed to parse bound address %s: %w", p.Transport.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		p.Transport.Close()
		return fmt.Errorf("invalid bound port %q: %w", portStr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.port = port
	p.cancel, p.group = cancel, group
	p.mu.Unlock()

	logger.Sugar.Infof("[PeerServer] serving share directory: addr=%s dir=%s", p.Transport.Addr(), p.store.Dir())

	group.Go(func() error {
		return p.heartbeatLoop(ctx)
	})
	if p.cfg.MetricsInterval > 0 {
		group.Go(func() error {
			p.metrics.LogPeriodic(ctx, p.cfg.MetricsInterval)
			return ctx.Err()
		})
	}
	return nil
}

// Start serves until Stop is called.
func (p *PeerServer) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	<-p.quitCh
	logger.Sugar.Info("[PeerServer] stopped (quit)")
	return nil
}

// Stop closes the download server and ends the heartbeat loop. It is safe to
// call more than once.
func (p *PeerServer) Stop() error {
	p.stopOnce.Do(func() {
		close(p.quitCh)
		err := p.Transport.Close()

		p.mu.RLock()
		cancel, group := p.cancel, p.group
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
			if werr := group.Wait(); !errors.Is(werr, context.Canceled) {
				err = multierr.Append(err, werr)
			}
		}
		p.stopErr = err
	})
	return p.stopErr
}

// heartbeatLoop logs failed heartbeats and keeps going. It only returns once
// ctx ends, with ctx.Err().
func (p *PeerServer) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := p.SendHeartbeat(); err != nil {
			logger.Sugar.Warnf("[PeerServer] heartbeat failed: tracker=%s err=%v", p.cfg.TrackerAddr, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendHeartbeat reports the full share directory listing to the tracker on a
// fresh connection.
func (p *PeerServer) SendHeartbeat() error {
	port := p.Port()
	if port == 0 {
		return errors.New("download server is not listening")
	}
	files, checksums, err := p.store.Inventory()
	if err != nil {
		return fmt.Errorf("failed to list share directory: %w", err)
	}

	node, err := p.dialTracker()
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Send(protocol.Heartbeat{Files: files, Checksums: checksums, Port: port}); err != nil {
		return fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	p.learnHost(node.LocalHost())
	logger.Sugar.Debugf("[PeerServer] heartbeat sent: tracker=%s files=%d self=%s", p.cfg.TrackerAddr, len(files), p.SelfID())
	return nil
}

func (p *PeerServer) learnHost(host string) {
	if host == "" {
		return
	}
	p.mu.Lock()
	p.selfHost = host
	p.mu.Unlock()
}

func (p *PeerServer) dialTracker() (transport.Node, error) {
	node, err := p.Transport.Dial(p.cfg.TrackerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnavailable, err)
	}
	return node, nil
}

// Port is the bound port of the download server, or 0 before Listen.
func (p *PeerServer) Port() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port
}

// SelfID is the identity the tracker knows this peer by. It is empty until
// the host is known, either from AdvertiseHost or from a tracker connection.
func (p *PeerServer) SelfID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	host := p.cfg.AdvertiseHost
	if host == "" {
		host = p.selfHost
	}
	if host == "" || p.port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(p.port))
}

func (p *PeerServer) Addr() string {
	return p.Transport.Addr()
}

func (p *PeerServer) ShareDir() string {
	return p.store.Dir()
}

func (p *PeerServer) GetStatus() string {
	status := fmt.Sprintf("Peer Server Running on: %s\n", p.Transport.Addr())
	self := p.SelfID()
	if self == "" {
		self = "(unknown until the first heartbeat)"
	}
	status += fmt.Sprintf("Self ID: %s\n", self)
	status += fmt.Sprintf("Tracker: %s\n", p.cfg.TrackerAddr)

	files, err := p.store.List()
	if err != nil {
		status += fmt.Sprintf("Share Dir: %s (unreadable: %v)\n", p.store.Dir(), err)
	} else {
		status += fmt.Sprintf("Share Dir: %s (%d files)\n", p.store.Dir(), len(files))
	}

	stats := p.metrics.Snapshot()
	status += fmt.Sprintf("Uploads: %d (%s)\n", stats.Uploads, formatBytes(float64(stats.UploadBytes)))
	status += fmt.Sprintf("Downloads: %d (%s)\n", stats.Downloads, formatBytes(float64(stats.DownloadBytes)))
	return status
}
