package peer

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	centralserver "tarun-kavipurapu/p2p-edge/central-server"
	"tarun-kavipurapu/p2p-edge/pkg/protocol"
	"tarun-kavipurapu/p2p-edge/pkg/storage"
	"tarun-kavipurapu/p2p-edge/pkg/transport/tcp"
)

func startTracker(t *testing.T) *centralserver.CentralServer {
	t.Helper()
	server, err := centralserver.NewCentralServer(centralserver.Config{
		ListenAddr:  "127.0.0.1:0",
		Timeout:     time.Minute,
		CatalogPath: filepath.Join(t.TempDir(), "catalog.txt"),
	})
	if err != nil {
		t.Fatalf("NewCentralServer() error = %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("tracker Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// startPeer runs a peer sharing files. Its heartbeat loop only fires once,
// so the tracker's view of it changes only when a test says so.
func startPeer(t *testing.T, trackerAddr string, files map[string][]byte) *PeerServer {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := DefaultConfig()
	cfg.TrackerAddr = trackerAddr
	cfg.ShareDir = dir
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = time.Hour
	cfg.DialTimeout = 2 * time.Second

	p, err := NewPeerServer(cfg)
	if err != nil {
		t.Fatalf("NewPeerServer() error = %v", err)
	}
	if err := p.Listen(); err != nil {
		t.Fatalf("peer Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

// register heartbeats p and waits until the tracker lists it for file.
func register(t *testing.T, tracker *centralserver.CentralServer, p *PeerServer, file string) {
	t.Helper()
	if err := p.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}
	self := p.SelfID()
	ok := waitUntil(2*time.Second, func() bool {
		for _, h := range tracker.Holders(file) {
			if h == self {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("tracker never listed %s for %s", self, file)
	}
}

// announce registers a holder on the tracker by hand.
func announce(t *testing.T, tracker *centralserver.CentralServer, port int, files ...string) string {
	t.Helper()
	node, err := tcp.Dial(tracker.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()
	if err := node.Send(protocol.Heartbeat{Files: files, Port: port}); err != nil {
		t.Fatal(err)
	}
	// The query is answered after the heartbeat on the same connection.
	if err := node.Send(protocol.Query{Filename: files[0]}); err != nil {
		t.Fatal(err)
	}
	if _, err := node.Receive(); err != nil {
		t.Fatal(err)
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type fakeServer struct {
	ln    net.Listener
	conns atomic.Int32
}

func startFake(t *testing.T, handle func(node *tcp.TCPNode)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns.Add(1)
			go func() {
				defer conn.Close()
				handle(tcp.NewTCPNode(conn, 2*time.Second))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeServer) Port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeServer) Addr() string {
	return f.ln.Addr().String()
}

// holdersFirst makes failover deterministic by moving the given holders to
// the front, in order.
func holdersFirst(first ...string) func([]string) {
	return func(holders []string) {
		pos := 0
		for _, want := range first {
			for i := pos; i < len(holders); i++ {
				if holders[i] == want {
					holders[pos], holders[i] = holders[i], holders[pos]
					pos++
					break
				}
			}
		}
	}
}

func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(rng.UintN(256))
	}
	return data
}

func incomingEntries(t *testing.T, p *PeerServer) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(p.ShareDir(), storage.IncomingDir))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return entries
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a config without a tracker address")
	}
	cfg.TrackerAddr = "127.0.0.1:5000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	cfg.HeartbeatInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a zero heartbeat interval")
	}
}

func TestDownloadFailsOverFromUnreachableHolder(t *testing.T) {
	tracker := startTracker(t)
	data := randomBytes(10 * 1024 * 1024)

	x := startPeer(t, tracker.Addr(), map[string][]byte{"big.bin": data})
	register(t, tracker, x, "big.bin")
	dead := announce(t, tracker, deadPort(t), "big.bin")

	y := startPeer(t, tracker.Addr(), nil)
	y.shuffle = holdersFirst(dead)

	result, err := y.Download(context.Background(), "big.bin")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if result.Holder != x.SelfID() {
		t.Errorf("Holder = %s, want %s", result.Holder, x.SelfID())
	}
	if result.Size != int64(len(data)) || result.Attempts != 2 || result.RequestID == "" {
		t.Errorf("result = %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(y.ShareDir(), "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded content differs from the original")
	}
	if left := incomingEntries(t, y); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestDownloadFailsOverOnFileNotFound(t *testing.T) {
	tracker := startTracker(t)
	content := []byte("edge case content")

	// A holder the tracker still lists but whose copy is gone.
	stale := startFake(t, func(node *tcp.TCPNode) {
		if _, err := node.Receive(); err != nil {
			return
		}
		node.Send(protocol.Error{Message: protocol.ReasonFileNotFound})
	})
	staleAddr := announce(t, tracker, stale.Port(), "e.bin")
	z := startPeer(t, tracker.Addr(), map[string][]byte{"e.bin": content})
	register(t, tracker, z, "e.bin")

	y := startPeer(t, tracker.Addr(), nil)
	y.shuffle = holdersFirst(staleAddr)

	result, err := y.Download(context.Background(), "e.bin")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if result.Holder != z.SelfID() || result.Attempts != 2 {
		t.Errorf("result = %+v, want holder %s after 2 attempts", result, z.SelfID())
	}
	if stale.conns.Load() != 1 {
		t.Errorf("stale holder contacted %d times, want 1", stale.conns.Load())
	}
	got, _ := os.ReadFile(result.Path)
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q", got)
	}
}

func TestIncompleteTransferStopsFailover(t *testing.T) {
	tracker := startTracker(t)

	short := startFake(t, func(node *tcp.TCPNode) {
		if _, err := node.Receive(); err != nil {
			return
		}
		node.Send(protocol.FileInfo{Size: 1000})
		node.Stream(strings.NewReader("0123456789"), 10)
	})
	backup := startFake(t, func(node *tcp.TCPNode) {
		node.Receive()
		node.Send(protocol.FileInfo{Size: 4})
		node.Stream(strings.NewReader("full"), 4)
	})
	shortAddr := announce(t, tracker, short.Port(), "part.bin")
	announce(t, tracker, backup.Port(), "part.bin")

	y := startPeer(t, tracker.Addr(), nil)
	y.shuffle = holdersFirst(shortAddr)

	_, err := y.Download(context.Background(), "part.bin")
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Download() error = %v, want *IncompleteError", err)
	}
	if !errors.Is(err, ErrIncomplete) {
		t.Error("error does not match ErrIncomplete")
	}
	if incomplete.Expected != 1000 || incomplete.Received != 10 || incomplete.Holder != shortAddr {
		t.Errorf("IncompleteError = %+v", incomplete)
	}
	if n := backup.conns.Load(); n != 0 {
		t.Errorf("backup holder contacted %d times after an incomplete transfer", n)
	}
	if _, err := os.Stat(filepath.Join(y.ShareDir(), "part.bin")); !os.IsNotExist(err) {
		t.Errorf("partial file was published: %v", err)
	}
	if left := incomingEntries(t, y); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestLocalStorageFailureStopsFailover(t *testing.T) {
	tracker := startTracker(t)

	first := startFake(t, func(node *tcp.TCPNode) {
		node.Receive()
		node.Send(protocol.FileInfo{Size: 4})
		node.Stream(strings.NewReader("data"), 4)
	})
	backup := startFake(t, func(node *tcp.TCPNode) {
		node.Receive()
		node.Send(protocol.FileInfo{Size: 4})
		node.Stream(strings.NewReader("data"), 4)
	})
	firstAddr := announce(t, tracker, first.Port(), "d.bin")
	announce(t, tracker, backup.Port(), "d.bin")

	// A regular file where the temporary directory belongs makes every
	// attempt to store a download fail locally.
	y := startPeer(t, tracker.Addr(), map[string][]byte{storage.IncomingDir: []byte("in the way")})
	y.shuffle = holdersFirst(firstAddr)

	_, err := y.Download(context.Background(), "d.bin")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Download() error = %v, want ErrStorage", err)
	}
	var incomplete *IncompleteError
	if errors.As(err, &incomplete) {
		t.Errorf("local failure reported as a short transfer from %s", incomplete.Holder)
	}
	if n := backup.conns.Load(); n != 0 {
		t.Errorf("backup holder contacted %d times after a local failure", n)
	}
	if _, err := os.Stat(filepath.Join(y.ShareDir(), "d.bin")); !os.IsNotExist(err) {
		t.Errorf("file was published: %v", err)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestCopyBody(t *testing.T) {
	errDisk := errors.New("no space left on device")
	errReset := errors.New("connection reset by peer")

	n, readErr, writeErr := copyBody(failingWriter{errDisk}, strings.NewReader("payload"), 7)
	if n != 0 || readErr != nil || !errors.Is(writeErr, errDisk) {
		t.Errorf("failing writer: n=%d readErr=%v writeErr=%v", n, readErr, writeErr)
	}

	var buf bytes.Buffer
	n, readErr, writeErr = copyBody(&buf, iotest.ErrReader(errReset), 7)
	if n != 0 || !errors.Is(readErr, errReset) || writeErr != nil {
		t.Errorf("failing body: n=%d readErr=%v writeErr=%v", n, readErr, writeErr)
	}

	buf.Reset()
	n, readErr, writeErr = copyBody(&buf, strings.NewReader("abc"), 10)
	if n != 3 || readErr != nil || writeErr != nil || buf.String() != "abc" {
		t.Errorf("short body: n=%d readErr=%v writeErr=%v buf=%q", n, readErr, writeErr, buf.String())
	}

	buf.Reset()
	n, _, _ = copyBody(&buf, strings.NewReader("0123456789"), 4)
	if n != 4 || buf.String() != "0123" {
		t.Errorf("long body: n=%d buf=%q", n, buf.String())
	}
}

func TestDownloadBackslashName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("backslash is a path separator on Windows")
	}
	tracker := startTracker(t)
	name := `a\b.txt`
	content := []byte("backslash is just a character here")

	x := startPeer(t, tracker.Addr(), map[string][]byte{name: content})
	register(t, tracker, x, name)

	y := startPeer(t, tracker.Addr(), nil)
	result, err := y.Download(context.Background(), name)
	if err != nil {
		t.Fatalf("Download(%q) error = %v", name, err)
	}
	got, err := os.ReadFile(filepath.Join(y.ShareDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) || result.Holder != x.SelfID() {
		t.Errorf("content = %q from %s", got, result.Holder)
	}
}

func TestDownloadSkipsSelf(t *testing.T) {
	tracker := startTracker(t)
	y := startPeer(t, tracker.Addr(), map[string][]byte{"mine.txt": []byte("mine")})
	register(t, tracker, y, "mine.txt")

	_, err := y.Download(context.Background(), "mine.txt")
	if !errors.Is(err, ErrNoHolder) {
		t.Errorf("Download() error = %v, want ErrNoHolder", err)
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	tracker := startTracker(t)
	y := startPeer(t, tracker.Addr(), nil)

	_, err := y.Download(context.Background(), "nobody-has-this.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestDownloadAllHoldersRefuse(t *testing.T) {
	tracker := startTracker(t)
	refuse := startFake(t, func(node *tcp.TCPNode) {
		node.Receive()
		node.Send(protocol.Error{Message: protocol.ReasonFileNotFound})
	})
	hangUp := startFake(t, func(node *tcp.TCPNode) {
		node.Receive()
	})
	announce(t, tracker, refuse.Port(), "gone.txt")
	announce(t, tracker, hangUp.Port(), "gone.txt")
	announce(t, tracker, deadPort(t), "gone.txt")

	y := startPeer(t, tracker.Addr(), nil)
	_, err := y.Download(context.Background(), "gone.txt")
	if !errors.Is(err, ErrNoHolder) {
		t.Errorf("Download() error = %v, want ErrNoHolder", err)
	}
	if refuse.conns.Load() != 1 || hangUp.conns.Load() != 1 {
		t.Errorf("holders contacted %d and %d times, want once each", refuse.conns.Load(), hangUp.conns.Load())
	}
}

func TestDownloadWithoutTracker(t *testing.T) {
	y := startPeer(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(deadPort(t))), nil)

	_, err := y.Download(context.Background(), "a.txt")
	if !errors.Is(err, ErrTrackerUnavailable) {
		t.Errorf("Download() error = %v, want ErrTrackerUnavailable", err)
	}
	if _, err := y.Catalog(context.Background()); !errors.Is(err, ErrTrackerUnavailable) {
		t.Errorf("Catalog() error = %v, want ErrTrackerUnavailable", err)
	}
}

func TestDownloadBadTrackerReply(t *testing.T) {
	tests := []struct {
		name  string
		reply func(node *tcp.TCPNode)
	}{
		{"malformed", func(node *tcp.TCPNode) {
			node.Stream(strings.NewReader("{not json\n"), 10)
		}},
		{"wrong kind", func(node *tcp.TCPNode) {
			node.Send(protocol.FileInfo{Size: 1})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := startFake(t, func(node *tcp.TCPNode) {
				msg, err := node.Receive()
				if err != nil {
					return
				}
				if _, ok := msg.(protocol.Query); ok {
					tt.reply(node)
				}
			})
			y := startPeer(t, fake.Addr(), nil)

			_, err := y.Download(context.Background(), "a.txt")
			if !errors.Is(err, ErrBadTrackerReply) {
				t.Errorf("Download() error = %v, want ErrBadTrackerReply", err)
			}
		})
	}
}

func TestDownloadRejectsPathNames(t *testing.T) {
	tracker := startTracker(t)
	y := startPeer(t, tracker.Addr(), nil)

	for _, name := range []string{"", "../escape", "dir/file", "."} {
		if _, err := y.Download(context.Background(), name); !errors.Is(err, storage.ErrInvalidName) {
			t.Errorf("Download(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestDownloadCancelled(t *testing.T) {
	tracker := startTracker(t)
	y := startPeer(t, tracker.Addr(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := y.Download(ctx, "a.txt"); !errors.Is(err, context.Canceled) {
		t.Errorf("Download() error = %v, want context.Canceled", err)
	}
}

func TestCatalogFromTracker(t *testing.T) {
	tracker := startTracker(t)
	x := startPeer(t, tracker.Addr(), map[string][]byte{"song.mp3": {1}, "notes.txt": {2}})
	register(t, tracker, x, "song.mp3")

	// The snapshot is written just after the index is updated.
	want := centralserver.RenderCatalog([]string{"song.mp3", "notes.txt"})
	var text string
	var err error
	waitUntil(2*time.Second, func() bool {
		text, err = x.Catalog(context.Background())
		return err == nil && text == want
	})
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	if text != want {
		t.Errorf("Catalog() = %q, want %q", text, want)
	}
}

func TestSelfID(t *testing.T) {
	tracker := startTracker(t)
	p := startPeer(t, tracker.Addr(), nil)
	if err := p.SendHeartbeat(); err != nil {
		t.Fatal(err)
	}
	want := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port()))
	if got := p.SelfID(); got != want {
		t.Errorf("SelfID() = %q, want %q", got, want)
	}

	p.mu.Lock()
	p.cfg.AdvertiseHost = "192.0.2.10"
	p.mu.Unlock()
	if got, want := p.SelfID(), net.JoinHostPort("192.0.2.10", strconv.Itoa(p.Port())); got != want {
		t.Errorf("SelfID() with AdvertiseHost = %q, want %q", got, want)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tracker := startTracker(t)
	p := startPeer(t, tracker.Addr(), nil)
	if err := p.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestHeartbeatLoopReturnsContextError(t *testing.T) {
	tracker := startTracker(t)
	p := startPeer(t, tracker.Addr(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.heartbeatLoop(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("heartbeatLoop() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeatLoop() did not return after cancel")
	}
}
