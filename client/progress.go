package client

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Tracker reports the progress of one sequential transfer on the console.
// The protocol has no pipelining, so a single bytes-done counter with a
// rolling speed estimate is all the bookkeeping needed.
type Tracker struct {
	mu      sync.Mutex
	name    string
	total   uint64
	done    uint64
	start   time.Time
	last    time.Time
	lastB   uint64
	speed   float64 // bytes/sec
	enabled bool
}

// NewTracker starts tracking a transfer of total bytes.
func NewTracker(name string, total uint64, enabled bool) *Tracker {
	now := time.Now()
	return &Tracker{
		name:    name,
		total:   total,
		start:   now,
		last:    now,
		enabled: enabled,
	}
}

// Update adds n raw bytes to the progress and refreshes the console line.
func (t *Tracker) Update(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done += n
	now := time.Now()
	if elapsed := now.Sub(t.last).Seconds(); elapsed >= 0.5 {
		t.speed = float64(t.done-t.lastB) / elapsed
		t.lastB = t.done
		t.last = now
	}
	t.render(false)
}

// Done finalizes the console line on success.
func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = t.total
	t.render(true)
}

// Fail clears the console line so the error gets a clean row.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		fmt.Fprintf(os.Stderr, "\r%s\r", strings.Repeat(" ", 60))
	}
}

func (t *Tracker) render(final bool) {
	if !t.enabled {
		return
	}
	pct := 100.0
	if t.total > 0 {
		pct = float64(t.done) / float64(t.total) * 100
	}
	fmt.Fprintf(os.Stderr, "\r%s: %6.2f%% (%s/%s) %s/s", t.name, pct,
		formatBytes(t.done), formatBytes(t.total), formatBytes(uint64(t.speed)))
	if final {
		fmt.Fprintf(os.Stderr, " in %s\n", time.Since(t.start).Round(10*time.Millisecond))
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGT"[exp])
}
