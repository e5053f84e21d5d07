package peer

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer handles the rendering of download progress to the terminal
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

// Start begins the render loop
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the render loop and prints the final state.
func (pr *ProgressRenderer) StopAndWait() {
	close(pr.stopChan)
	<-pr.doneChan

	if pr.tracker.State() == TransferCompleted {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

// Render renders the current progress to the terminal
func (pr *ProgressRenderer) Render() {
	done, total, speed, attempts := pr.tracker.GetProgress()
	eta := pr.tracker.GetETA()

	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}

	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s]%s %.1f%%%s (%s/%s) | %s/s | %s | ETA: %s",
			Cyan, pr.tracker.FileName, Reset,
			Green+bar+Reset,
			Yellow, percent, Reset, formatBytes(float64(done)), formatBytes(float64(total)),
			Blue+formatBytes(speed)+Reset, pr.tracker.Holder(), formatETA(eta),
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%s/%s) | %s/s | %s | ETA: %s",
			pr.tracker.FileName, bar, percent, formatBytes(float64(done)), formatBytes(float64(total)),
			formatBytes(speed), pr.tracker.Holder(), formatETA(eta),
		)
	}

	if attempts > 1 {
		line += fmt.Sprintf(" | holder %d", attempts)
	}

	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _ := pr.tracker.GetProgress()
	elapsed := pr.tracker.GetElapsedTime()

	// Clear the previous line completely
	fmt.Fprint(pr.out, "\r\033[K")

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s]%s 100%% (%s)%s | from %s | Completed in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, formatBytes(float64(total)), Reset,
			pr.tracker.Holder(), formatDuration(elapsed),
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%s) | from %s | Completed in %s\n",
		pr.tracker.FileName, strings.Repeat("█", pr.width),
		formatBytes(float64(total)), pr.tracker.Holder(), formatDuration(elapsed),
	)
}

// RenderError renders an error state
func (pr *ProgressRenderer) RenderError() {
	fmt.Fprint(pr.out, "\r\033[K")

	done, total, _, attempts := pr.tracker.GetProgress()

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %s/%s | %s%sDownload failed%s after %d holder(s)\n",
			Cyan, pr.tracker.FileName, Reset,
			Red+"✗"+Reset,
			formatBytes(float64(done)), formatBytes(float64(total)),
			Red, Bold, Reset, attempts,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [✗] %s/%s | Download failed after %d holder(s)\n",
		pr.tracker.FileName,
		formatBytes(float64(done)), formatBytes(float64(total)),
		attempts,
	)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

// formatETA formats an estimated time into a human-readable string
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
