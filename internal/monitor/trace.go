package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/1ureka/ensemble/internal/conductor"
)

// Trace appends one CSV row per sync wraparound with the new max client
// delay, followed by a row per instrument. Rows of the summary kind have an
// empty peer column, which keeps the file easy to plot.
type Trace struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

var traceHeader = []string{"clock_ms", "max_client_delay_ms", "peer", "active", "avg_delay_ms"}

// OpenTrace creates (or truncates) the trace file at path.
func OpenTrace(path string) (*Trace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	t := &Trace{f: f, w: csv.NewWriter(f)}
	if err := t.w.Write(traceHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	t.w.Flush()
	return t, t.w.Error()
}

// Record implements conductor.Tracer.
func (t *Trace) Record(now, maxDelay int64, peers []conductor.PeerDelay) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	clk, maxd := strconv.FormatInt(now, 10), strconv.FormatInt(maxDelay, 10)
	t.w.Write([]string{clk, maxd, "", "", ""})
	for _, p := range peers {
		t.w.Write([]string{clk, maxd, p.ID, strconv.FormatBool(p.Active), strconv.FormatInt(p.AvgDelayMs, 10)})
	}
	t.w.Flush()
	return t.w.Error()
}

// Close flushes and closes the file.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	return t.f.Close()
}
