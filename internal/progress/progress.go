// Package progress reports throttled console progress with an ETA
// estimate for long sequential passes.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/deploymenttheory/go-vbk/internal/util"
)

// updateInterval throttles console writes to roughly 10 Hz.
const updateInterval = 100 * time.Millisecond

var spinner = []byte{'|', '/', '-', '\\'}

// Tracker accumulates processed-byte progress and per-key finding
// counters. Safe for use from the reader and scanner goroutines.
type Tracker struct {
	mu         sync.Mutex
	out        io.Writer
	total      int64
	start      int64
	startTime  time.Time
	lastUpdate time.Time
	found      map[string]int
	spinnerIdx int
}

// NewTracker reports progress over total bytes starting at startOffset,
// writing to out (nil disables output entirely).
func NewTracker(out io.Writer, total, startOffset int64) *Tracker {
	return &Tracker{
		out:       out,
		total:     total,
		start:     startOffset,
		startTime: time.Now(),
		found:     make(map[string]int),
	}
}

// Found bumps the named finding counter.
func (t *Tracker) Found(key string) {
	t.mu.Lock()
	t.found[key]++
	t.mu.Unlock()
}

// Counts returns a copy of the finding counters.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.found))
	for k, v := range t.found {
		out[k] = v
	}
	return out
}

// Update renders a progress line for the given absolute offset, at most
// ten times per second.
func (t *Tracker) Update(offset int64) {
	t.update(offset, false)
}

// Finish renders the final progress line and a newline.
func (t *Tracker) Finish() {
	t.update(t.total, true)
}

func (t *Tracker) update(offset int64, final bool) {
	if t.out == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if !final && now.Sub(t.lastUpdate) < updateInterval {
		return
	}
	t.lastUpdate = now

	done := offset - t.start
	span := t.total - t.start
	var pct float64
	if span > 0 {
		pct = 100 * float64(done) / float64(span)
	}

	eta := "?"
	elapsed := now.Sub(t.startTime)
	if done > 0 && !final {
		remain := time.Duration(float64(elapsed) * float64(span-done) / float64(done))
		eta = remain.Truncate(time.Second).String()
	}

	t.spinnerIdx = (t.spinnerIdx + 1) % len(spinner)
	line := fmt.Sprintf("\r%c %6.2f%% %s / %s elapsed %s ETA %s",
		spinner[t.spinnerIdx], pct,
		util.Bytes2Human(done), util.Bytes2Human(span),
		elapsed.Truncate(time.Second), eta)

	for k, v := range t.found {
		line += fmt.Sprintf("  %s: %d", k, v)
	}

	fmt.Fprint(t.out, line, "\x1b[0K")
	if final {
		fmt.Fprintln(t.out)
	}
}
