package monitor

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
)

// Metrics holds transfer counters for one process.
type Metrics struct {
	uploadBytes   atomic.Int64
	uploadCount   atomic.Int64
	downloadBytes atomic.Int64
	downloadCount atomic.Int64

	// Process start time
	ServerStart time.Time
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	UploadBytes   int64
	Uploads       int64
	DownloadBytes int64
	Downloads     int64
	Uptime        time.Duration
}

// Global metrics instance
var Global = New()

func New() *Metrics {
	return &Metrics{ServerStart: time.Now()}
}

// RecordUpload records a file served to another peer.
func (m *Metrics) RecordUpload(bytes int64, d time.Duration) {
	m.uploadBytes.Add(bytes)
	m.uploadCount.Add(1)
	logger.Sugar.Infof("[Transfer] upload: size=%s duration=%.2fs speed=%.2fMB/s", humanMB(bytes), d.Seconds(), speed(bytes, d))
}

// RecordDownload records a completed download.
func (m *Metrics) RecordDownload(bytes int64, d time.Duration) {
	m.downloadBytes.Add(bytes)
	m.downloadCount.Add(1)
	logger.Sugar.Infof("[Transfer] download: size=%s duration=%.2fs speed=%.2fMB/s", humanMB(bytes), d.Seconds(), speed(bytes, d))
}

func (m *Metrics) Snapshot() Stats {
	return Stats{
		UploadBytes:   m.uploadBytes.Load(),
		Uploads:       m.uploadCount.Load(),
		DownloadBytes: m.downloadBytes.Load(),
		Downloads:     m.downloadCount.Load(),
		Uptime:        time.Since(m.ServerStart),
	}
}

// LogPeriodic logs runtime and transfer metrics at the specified interval
// until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s := m.Snapshot()

		var throughput float64
		if elapsed := s.Uptime.Seconds(); elapsed > 0 {
			throughput = float64(s.UploadBytes+s.DownloadBytes) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Uploads=%d | Downloads=%d",
			runtime.NumGoroutine(),
			mem.HeapAlloc/1024/1024,
			mem.HeapSys/1024/1024,
			throughput,
			s.Uploads,
			s.Downloads,
		)
	}
}

func speed(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / d.Seconds() / 1024 / 1024
}

func humanMB(bytes int64) string {
	if bytes < 1024*1024 {
		return strconv.FormatInt(bytes, 10) + "B"
	}
	return strconv.FormatInt(bytes/1024/1024, 10) + "MB"
}
