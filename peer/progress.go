package peer

import (
	"sync"
	"time"
)

// TransferState represents the current state of a download
type TransferState int

const (
	TransferPending TransferState = iota
	TransferDownloading
	TransferCompleted
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferDownloading:
		return "downloading"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the state
func (s TransferState) Icon() string {
	switch s {
	case TransferPending:
		return "⏳"
	case TransferDownloading:
		return "↓"
	case TransferCompleted:
		return "✓"
	case TransferFailed:
		return "✗"
	default:
		return "?"
	}
}

// DownloadTracker tracks one download across the holders it tries. It is an
// io.Writer so the body copy can feed it directly.
type DownloadTracker struct {
	mu              sync.RWMutex
	RequestID       string
	FileName        string
	holder          string
	state           TransferState
	fileSize        uint64
	bytesDownloaded uint64
	attempts        int
	failed          int
	StartTime       time.Time
	EndTime         time.Time

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

func NewDownloadTracker(requestID, fileName string) *DownloadTracker {
	now := time.Now()
	return &DownloadTracker{
		RequestID: requestID,
		FileName:  fileName,
		StartTime: now,
		lastTime:  now,
	}
}

// Begin starts an attempt against holder for a body of size bytes.
func (dt *DownloadTracker) Begin(holder string, size uint64) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.holder = holder
	dt.state = TransferDownloading
	dt.fileSize = size
	dt.bytesDownloaded = 0
	dt.lastBytes = 0
	dt.lastTime = time.Now()
	dt.currentSpeed = 0
	dt.attempts++
}

// Attempt counts a holder that was contacted but never started a body.
func (dt *DownloadTracker) Attempt(holder string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.holder = holder
	dt.attempts++
	dt.failed++
}

func (dt *DownloadTracker) Write(p []byte) (int, error) {
	dt.mu.Lock()
	dt.bytesDownloaded += uint64(len(p))
	dt.mu.Unlock()
	return len(p), nil
}

func (dt *DownloadTracker) Complete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.state = TransferCompleted
	dt.EndTime = time.Now()
}

func (dt *DownloadTracker) Fail() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.state = TransferFailed
	dt.failed++
	dt.EndTime = time.Now()
}

// UpdateSpeed recalculates the current download speed at most twice a second.
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()

	if elapsed >= 0.5 {
		if dt.bytesDownloaded >= dt.lastBytes {
			dt.currentSpeed = float64(dt.bytesDownloaded-dt.lastBytes) / elapsed
		}
		dt.lastBytes = dt.bytesDownloaded
		dt.lastTime = now
	}

	return dt.currentSpeed
}

// GetProgress returns the bytes received, the expected size, the current
// speed in bytes/s and the number of holders tried so far.
func (dt *DownloadTracker) GetProgress() (done, total uint64, speed float64, attempts int) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.bytesDownloaded, dt.fileSize, dt.currentSpeed, dt.attempts
}

// GetETA returns the estimated time remaining
func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if dt.currentSpeed <= 0 || dt.bytesDownloaded >= dt.fileSize {
		return 0
	}
	remaining := float64(dt.fileSize - dt.bytesDownloaded)
	return time.Duration(remaining/dt.currentSpeed) * time.Second
}

func (dt *DownloadTracker) GetBytesDownloaded() uint64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.bytesDownloaded
}

func (dt *DownloadTracker) GetFileSize() uint64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.fileSize
}

func (dt *DownloadTracker) Holder() string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.holder
}

func (dt *DownloadTracker) State() TransferState {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.state
}

// Attempts is the number of holders contacted, successful or not.
func (dt *DownloadTracker) Attempts() int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.attempts
}

func (dt *DownloadTracker) Failures() int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.failed
}

// GetElapsedTime returns the elapsed time since download started
func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return time.Since(dt.StartTime)
}
