package centralserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-edge/pkg/discovery"
	"tarun-kavipurapu/p2p-edge/pkg/logger"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/transport"
	"tarun-kavipurapu/p2p-edge/pkg/transport/tcp"
)

// Config holds the tracker settings.
type Config struct {
	ListenAddr string
	// Timeout is how long a peer may stay silent before it is evicted.
	Timeout time.Duration
	// EvictInterval is how often the sweep runs. Zero means Timeout/3.
	EvictInterval time.Duration
	CatalogPath   string
	// Advertise publishes the tracker over mDNS.
	Advertise bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  "0.0.0.0:5000",
		Timeout:     60 * time.Second,
		CatalogPath: "catalog.txt",
	}
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("peer timeout must be positive, got %v", c.Timeout)
	}
	if c.EvictInterval == 0 {
		c.EvictInterval = c.Timeout / 3
	}
	if c.EvictInterval <= 0 {
		return fmt.Errorf("eviction interval must be positive, got %v", c.EvictInterval)
	}
	if c.CatalogPath == "" {
		return errors.New("catalog path is required")
	}
	return nil
}

type CentralServer struct {
	cfg        Config
	index      *Index
	catalog    *Catalog
	Transport  transport.Transport
	advertiser *discovery.Advertiser

	quitCh   chan struct{}
	mu       sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

func NewCentralServer(cfg Config) (*CentralServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trans := tcp.NewTCPTransport(cfg.ListenAddr, 0)

	centralServer := &CentralServer{
		cfg:        cfg,
		index:      NewIndex(),
		catalog:    NewCatalog(cfg.CatalogPath),
		Transport:  trans,
		advertiser: discovery.NewAdvertiser(),
		quitCh:     make(chan struct{}),
	}
	trans.SetOnPeer(centralServer.OnPeer)

	return centralServer, nil
}

// Listen clears any previous catalog, binds the listener and starts the
// accept and eviction loops. It returns once the tracker is serving.
func (c *CentralServer) Listen() error {
	logger.Sugar.Infof("[CentralServer] [%s] starting CentralServer...", c.cfg.ListenAddr)

	if err := c.clear(); err != nil {
		return fmt.Errorf("failed to clear catalog %s: %w", c.catalog.Path(), err)
	}

	if err := c.Transport.ListenAndAccept(); err != nil {
		return err
	}
	logger.Sugar.Infof("[CentralServer] listening: addr=%s timeout=%v evictEvery=%v catalog=%s",
		c.Transport.Addr(), c.cfg.Timeout, c.cfg.EvictInterval, c.catalog.Path())

	if c.cfg.Advertise {
		c.advertise()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.monitorPeers(ctx)
	})

	c.mu.Lock()
	c.cancel, c.group = cancel, group
	c.mu.Unlock()
	return nil
}

// Start serves until Stop is called.
func (c *CentralServer) Start() error {
	if err := c.Listen(); err != nil {
		return err
	}
	<-c.quitCh
	logger.Sugar.Info("[CentralServer] stopped (quit)")
	return nil
}

func (c *CentralServer) advertise() {
	_, portStr, err := net.SplitHostPort(c.Transport.Addr())
	if err != nil {
		logger.Sugar.Errorf("[CentralServer] Failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		logger.Sugar.Errorf("[CentralServer] Invalid port for mDNS advertisement: %s", portStr)
		return
	}
	meta := map[string]string{
		"version":          "1.0.0",
		discovery.RoleKey: discovery.RoleTracker,
	}
	if err := c.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[CentralServer] Failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[CentralServer] mDNS advertisement started on port %d", port)
}

// Stop closes every connection, stops the eviction loop and clears the index
// and the persisted catalog. It is safe to call more than once.
func (c *CentralServer) Stop() error {
	c.stopOnce.Do(func() {
		close(c.quitCh)
		c.advertiser.Stop()

		err := c.Transport.Close()

		c.mu.Lock()
		cancel, group := c.cancel, c.group
		c.mu.Unlock()
		if cancel != nil {
			cancel()
			if werr := group.Wait(); !errors.Is(werr, context.Canceled) {
				err = multierr.Append(err, werr)
			}
		}
		err = multierr.Append(err, c.clear())
		c.stopErr = err
		logger.Sugar.Info("[CentralServer] index and catalog cleared")
	})
	return c.stopErr
}

func (c *CentralServer) clear() error {
	gen := c.index.Clear()
	return c.catalog.Clear(gen)
}

// OnPeer serves one connection until the remote side closes it or a reply
// ends the exchange.
func (c *CentralServer) OnPeer(node transport.Node) {
	logger.Sugar.Debugf("[CentralServer] peer connected: remote=%s", node.Addr())
	for {
		msg, err := node.Receive()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Sugar.Debugf("[CentralServer] peer closed connection: remote=%s", node.Addr())
			case errors.Is(err, protocol.ErrMalformed):
				logger.Sugar.Warnf("[CentralServer] dropping connection on malformed message: remote=%s err=%v", node.Addr(), err)
			default:
				logger.Sugar.Warnf("[CentralServer] read failed: remote=%s err=%v", node.Addr(), err)
			}
			return
		}

		keepOpen, err := c.handleMessage(node, msg)
		if err != nil {
			logger.Sugar.Errorf("[CentralServer] handle message failed: from=%s type=%s err=%v", node.Addr(), msg.Kind(), err)
			return
		}
		if !keepOpen {
			return
		}
	}
}

func (c *CentralServer) handleMessage(node transport.Node, msg protocol.Message) (bool, error) {
	switch v := msg.(type) {
	case protocol.Heartbeat:
		c.handleHeartbeat(node, v)
		return true, nil
	case protocol.Query:
		return true, c.handleQuery(node, v)
	case protocol.Catalog:
		return false, c.handleCatalog(node)
	default:
		logger.Sugar.Warnf("[CentralServer] Unexpected message type from=%s type=%s", node.Addr(), msg.Kind())
		return false, nil
	}
}

func (c *CentralServer) handleHeartbeat(node transport.Node, msg protocol.Heartbeat) {
	if msg.Port <= 0 || msg.Port > 65535 {
		logger.Sugar.Warnf("[CentralServer] ignoring heartbeat with invalid port: remote=%s port=%d", node.Addr(), msg.Port)
		return
	}
	// The host always comes from the socket; only the port is client supplied.
	peerID := net.JoinHostPort(node.RemoteHost(), strconv.Itoa(msg.Port))

	changed, gen, keys := c.index.Merge(peerID, msg.Files, msg.Checksums)
	logger.Sugar.Infof("[CentralServer] heartbeat: peer=%s files=%d changed=%t", peerID, len(msg.Files), changed)
	if changed {
		c.persist(gen, keys)
	}
}

func (c *CentralServer) handleQuery(node transport.Node, msg protocol.Query) error {
	holders := c.index.Query(msg.Filename)
	logger.Sugar.Infof("[CentralServer] query: from=%s file=%q holders=%d", node.Addr(), msg.Filename, len(holders))
	return node.Send(protocol.QueryReply{Holders: holders})
}

func (c *CentralServer) handleCatalog(node transport.Node) error {
	text, err := c.catalog.Text()
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	if _, err := node.Stream(strings.NewReader(text), int64(len(text))); err != nil {
		return err
	}
	logger.Sugar.Debugf("[CentralServer] catalog sent: to=%s bytes=%d", node.Addr(), len(text))
	return nil
}

// persist writes the catalog outside the index lock. Failures are logged and
// leave the in-memory index untouched.
func (c *CentralServer) persist(gen uint64, keys []string) {
	if _, err := c.catalog.Write(gen, keys); err != nil {
		logger.Sugar.Errorf("[CentralServer] failed to write catalog: path=%s err=%v", c.catalog.Path(), err)
	}
}

// monitorPeers sweeps until ctx ends and returns ctx.Err().
func (c *CentralServer) monitorPeers(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *CentralServer) sweep() {
	evicted, gen, keys := c.index.Sweep(c.cfg.Timeout)
	for _, peer := range evicted {
		logger.Sugar.Warnf("[CentralServer] peer timed out: peer=%s", peer)
	}
	if len(evicted) > 0 {
		c.persist(gen, keys)
	}
}

func (c *CentralServer) Addr() string {
	return c.Transport.Addr()
}

// Holders answers a query locally.
func (c *CentralServer) Holders(filename string) []string {
	return c.index.Query(filename)
}

func (c *CentralServer) GetStatus() string {
	stats := c.index.Stats()

	status := fmt.Sprintf("Central Server Running on: %s\n", c.Transport.Addr())
	status += fmt.Sprintf("Live Peers: %d\n", stats.Peers)
	status += fmt.Sprintf("Indexed Files: %d\n", stats.Files)
	status += fmt.Sprintf("Peer Timeout: %v (sweep every %v)\n", c.cfg.Timeout, c.cfg.EvictInterval)
	status += fmt.Sprintf("Catalog: %s\n", c.catalog.Path())

	for _, p := range c.index.Peers() {
		status += fmt.Sprintf(" - Peer: %s files=%d last seen %s ago\n", p.ID, p.Files, time.Since(p.LastSeen).Round(time.Second))
	}
	return status
}

func (c *CentralServer) GetPeersList() []string {
	peers := c.index.Peers()
	list := make([]string, 0, len(peers))
	for _, p := range peers {
		list = append(list, p.ID)
	}
	return list
}

// PeerChecksums formats the digests a peer last reported, one per line.
func (c *CentralServer) PeerChecksums(peerID string) ([]string, bool) {
	sums, ok := c.index.Checksums(peerID)
	if !ok {
		return nil, false
	}
	lines := make([]string, 0, len(sums))
	for name, sum := range sums {
		lines = append(lines, fmt.Sprintf("%s → %s: %s", peerID, name, sum))
	}
	sort.Strings(lines)
	return lines, true
}

func (c *CentralServer) CatalogText() (string, error) {
	return c.catalog.Text()
}
