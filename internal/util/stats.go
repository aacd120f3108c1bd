package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // datagrams written to any socket
	PacketsRecv atomic.Int64 // datagrams read from any socket
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
	EventsSent  atomic.Int64 // MIDI events carried by sent packets
	PacketsLost atomic.Int64 // inferred from sequence gaps
	Violations  atomic.Int64 // malformed or unexpected packets dropped
	InboxDrops  atomic.Int64 // datagrams dropped because an inbox was full
}

func (s *stats) AddSent(n int) { s.PacketsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.PacketsRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddEvents(n int) { s.EventsSent.Add(int64(n)) }
func (s *stats) AddLost(n int) { s.PacketsLost.Add(int64(n)) }
func (s *stats) AddViolation() { s.Violations.Add(1) }
func (s *stats) AddInboxDrop() { s.InboxDrops.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PacketsSent int64 `json:"packets_sent"`
	PacketsRecv int64 `json:"packets_recv"`
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
	EventsSent  int64 `json:"events_sent"`
	PacketsLost int64 `json:"packets_lost"`
	Violations  int64 `json:"violations"`
	InboxDrops  int64 `json:"inbox_drops"`
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent: s.PacketsSent.Load(),
		PacketsRecv: s.PacketsRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		EventsSent:  s.EventsSent.Load(),
		PacketsLost: s.PacketsLost.Load(),
		Violations:  s.Violations.Load(),
		InboxDrops:  s.InboxDrops.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur.PacketsSent != prev.PacketsSent || cur.PacketsRecv != prev.PacketsRecv {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the traffic between two snapshots.
func formatStats(prev, cur Snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("Out: %s/s | In: %s/s | Events: %d | Lost: %d | Dropped: %d",
		formatBytes(float64(cur.BytesSent-prev.BytesSent)/secs),
		formatBytes(float64(cur.BytesRecv-prev.BytesRecv)/secs),
		cur.EventsSent-prev.EventsSent,
		cur.PacketsLost-prev.PacketsLost,
		cur.Violations-prev.Violations+cur.InboxDrops-prev.InboxDrops,
	)
}
