// Package progress renders job progress events as a terminal progress bar.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/events"
)

// Display draws a single-line progress bar from job events. It implements
// events.Publisher so it can observe an orchestrator directly.
type Display struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	started bool
	stopped bool

	total     int
	completed int
	failed    int
	current   string
	status    string

	startTime time.Time
	lastLine  string
}

// New creates a display writing to stderr.
func New() *Display {
	return NewWriter(os.Stderr)
}

// NewWriter creates a display writing to w.
func NewWriter(w io.Writer) *Display {
	return &Display{out: w, now: time.Now}
}

// Publish implements events.Publisher.
func (d *Display) Publish(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if !d.started {
		d.started = true
		d.startTime = d.now()
	}
	if e.Total > 0 {
		d.total = e.Total
	}

	switch e.Type {
	case events.URLStarted:
		d.current = e.URL
	case events.URLCompleted:
		d.completed++
	case events.URLFailed:
		d.failed++
	case events.JobFinished:
		d.status = e.Status
		d.current = ""
	}
	d.draw()

	if e.Final() {
		d.stopped = true
		fmt.Fprintln(d.out)
	}
}

func (d *Display) draw() {
	done := d.completed + d.failed
	progress := 0
	if d.total > 0 {
		progress = done * 100 / d.total
	}
	if d.status != "" {
		progress = 100
	}

	barWidth := 30
	filled := progress * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	tail := truncateURL(d.current, 40)
	if d.status != "" {
		tail = d.status
	}
	line := fmt.Sprintf("\r[%s] %3d%% | URLs: %d/%d | Failed: %d | %s | %s",
		bar, progress, done, d.total, d.failed, formatDuration(d.now().Sub(d.startTime)), tail)

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// Stop ends the display without a final event.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}
	d.stopped = true
	fmt.Fprintln(d.out)
}

// Stats returns the URL counters seen so far.
func (d *Display) Stats() (total, completed, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total, d.completed, d.failed
}

// truncateURL truncates a URL to maxLen characters.
func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
